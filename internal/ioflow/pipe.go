// Package ioflow bounds the memory used by streaming transfers. A Pipe
// carries pooled fragments from a producer to a consumer through a bounded
// channel whose capacity is the transfer credit: once the consumer falls
// behind by that many fragments the producer blocks until credit frees up.
// Copy moves byte streams through the same fragment pool, and Watchdog
// cancels transfers that stop making progress.
package ioflow

import (
	"io"
	"sync"
)

// segment is one pooled fragment in flight through a Pipe.
type segment struct {
	buf  *[]byte
	data []byte
}

type pipe struct {
	ch chan segment

	mu   sync.Mutex
	cur  segment // partially read segment, owned by the reader
	rerr error   // reason the read side closed
	werr error   // reason the write side closed, io.EOF on a clean close

	rdone chan struct{}
	wdone chan struct{}
}

// PipeReader is the read side of a Pipe.
type PipeReader struct {
	p *pipe
}

// PipeWriter is the write side of a Pipe.
type PipeWriter struct {
	p *pipe
}

// Pipe creates a bounded in-memory pipe for a single reader and a single
// writer. Writes block once credits fragments are queued and unread, so a
// pipe holds at most credits+2 fragments at any moment: the queue, one
// partially read segment and one being written.
func Pipe(credits int) (*PipeReader, *PipeWriter) {
	if credits < 1 {
		credits = 1
	}
	p := &pipe{
		ch:    make(chan segment, credits),
		rdone: make(chan struct{}),
		wdone: make(chan struct{}),
	}
	return &PipeReader{p: p}, &PipeWriter{p: p}
}

// Write splits b into pooled fragments and queues them in order, blocking
// while the pipe is at capacity. Once the read side is gone it fails with
// the reader's close reason.
func (w *PipeWriter) Write(b []byte) (int, error) {
	p := w.p
	select {
	case <-p.wdone:
		return 0, io.ErrClosedPipe
	case <-p.rdone:
		return 0, p.readErr()
	default:
	}

	var n int
	for n < len(b) {
		seg := segment{buf: getFragment()}
		m := copy(*seg.buf, b[n:])
		seg.data = (*seg.buf)[:m]

		select {
		case p.ch <- seg:
			n += m
			// The reader may have closed while this segment held a queue
			// slot; its drain can race past segments queued after it ran.
			select {
			case <-p.rdone:
				p.drain()
				return n, p.readErr()
			default:
			}
		case <-p.rdone:
			putFragment(seg.buf)
			return n, p.readErr()
		case <-p.wdone:
			putFragment(seg.buf)
			return n, io.ErrClosedPipe
		}
	}
	return n, nil
}

// Close marks the write side done. The reader drains what is queued and
// then sees io.EOF.
func (w *PipeWriter) Close() error {
	return w.CloseWithError(nil)
}

// CloseWithError marks the write side done with err, which the reader
// observes once the queue is drained. A nil err reads as io.EOF.
func (w *PipeWriter) CloseWithError(err error) error {
	p := w.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.werr != nil {
		return nil
	}
	if err == nil {
		err = io.EOF
	}
	p.werr = err
	close(p.wdone)
	return nil
}

// Read serves queued fragments in order. After the writer closes, Read
// drains the queue and then reports the writer's close reason.
func (r *PipeReader) Read(b []byte) (int, error) {
	p := r.p
	if len(b) == 0 {
		return 0, nil
	}

	p.mu.Lock()
	if p.rerr != nil {
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if p.cur.buf != nil {
		n := p.serveLocked(b)
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()

	var seg segment
	select {
	case seg = <-p.ch:
	default:
		select {
		case seg = <-p.ch:
		case <-p.wdone:
			// Late fragments may still sit in the queue.
			select {
			case seg = <-p.ch:
			default:
				return 0, p.writeErr()
			}
		case <-p.rdone:
			return 0, io.ErrClosedPipe
		}
	}

	p.mu.Lock()
	if p.rerr != nil {
		putFragment(seg.buf)
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	p.cur = seg
	n := p.serveLocked(b)
	p.mu.Unlock()
	return n, nil
}

// Close discards the pipe's contents and makes further writes fail with
// io.ErrClosedPipe.
func (r *PipeReader) Close() error {
	return r.CloseWithError(nil)
}

// CloseWithError is Close with an explicit reason handed to the writer.
func (r *PipeReader) CloseWithError(err error) error {
	p := r.p
	p.mu.Lock()
	if p.rerr != nil {
		p.mu.Unlock()
		return nil
	}
	if err == nil {
		err = io.ErrClosedPipe
	}
	p.rerr = err
	if p.cur.buf != nil {
		putFragment(p.cur.buf)
		p.cur = segment{}
	}
	close(p.rdone)
	p.mu.Unlock()

	p.drain()
	return nil
}

// serveLocked copies from the current segment into b and recycles the
// fragment once drained. The caller holds mu.
func (p *pipe) serveLocked(b []byte) int {
	n := copy(b, p.cur.data)
	p.cur.data = p.cur.data[n:]
	if len(p.cur.data) == 0 {
		putFragment(p.cur.buf)
		p.cur = segment{}
	}
	return n
}

// drain recycles everything queued without blocking.
func (p *pipe) drain() {
	for {
		select {
		case seg := <-p.ch:
			putFragment(seg.buf)
		default:
			return
		}
	}
}

func (p *pipe) readErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rerr
}

func (p *pipe) writeErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.werr
}
