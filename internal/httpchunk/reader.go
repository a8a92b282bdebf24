package httpchunk

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
)

// Reader decodes a chunked body. It consumes one chunk at a time and never
// buffers more than the bufio layer plus the slice the caller hands to
// Read. Trailer headers, if any, become available once Read has returned
// io.EOF.
type Reader struct {
	br      *bufio.Reader
	n       uint64 // payload bytes left in the current chunk
	done    bool
	err     error
	trailer textproto.MIMEHeader
}

// NewReader decodes the chunked stream r. When r is already a
// *bufio.Reader it is used directly, so bytes buffered ahead of the body
// are not lost.
func NewReader(r io.Reader) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, maxLineLength)
	}
	return &Reader{br: br}
}

func (r *Reader) Read(b []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.done {
		return 0, io.EOF
	}
	if r.n == 0 {
		if err := r.nextChunk(); err != nil {
			r.err = err
			return 0, err
		}
		if r.done {
			return 0, io.EOF
		}
	}

	if uint64(len(b)) > r.n {
		b = b[:r.n]
	}
	n, err := r.br.Read(b)
	r.n -= uint64(n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("%w: truncated chunk payload", ErrMalformedFraming)
		}
		r.err = err
		return n, err
	}
	if r.n == 0 {
		if err := r.expectCRLF(); err != nil {
			r.err = err
			return n, err
		}
	}
	return n, nil
}

// Trailer returns the headers that followed the terminal chunk. It
// returns nil until Read has reported io.EOF.
func (r *Reader) Trailer() textproto.MIMEHeader {
	if !r.done {
		return nil
	}
	return r.trailer
}

// nextChunk parses the next chunk-size line. A zero size consumes the
// trailer section and marks the stream done.
func (r *Reader) nextChunk() error {
	line, err := r.readLine()
	if err != nil {
		return err
	}
	// Extensions after ';' are legal and ignored.
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = bytes.TrimSpace(line)
	size, perr := strconv.ParseUint(string(line), 16, 64)
	if len(line) == 0 || perr != nil {
		return fmt.Errorf("%w: bad chunk size %q", ErrMalformedFraming, line)
	}
	if size == 0 {
		if err := r.readTrailer(); err != nil {
			return err
		}
		r.done = true
		return nil
	}
	r.n = size
	return nil
}

// readLine reads one CRLF-terminated line and returns it without the
// CRLF. The returned slice is only valid until the next read.
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, fmt.Errorf("%w: line too long", ErrMalformedFraming)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated stream", ErrMalformedFraming)
		}
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, fmt.Errorf("%w: missing CRLF", ErrMalformedFraming)
	}
	return line[:len(line)-2], nil
}

// expectCRLF consumes the terminator that follows a chunk payload.
func (r *Reader) expectCRLF() error {
	var crlf [2]byte
	if _, err := io.ReadFull(r.br, crlf[:]); err != nil {
		return fmt.Errorf("%w: truncated chunk terminator", ErrMalformedFraming)
	}
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return fmt.Errorf("%w: missing terminator after chunk payload", ErrMalformedFraming)
	}
	return nil
}

// readTrailer consumes the optional trailer section, ending at the blank
// line that closes the message.
func (r *Reader) readTrailer() error {
	var total int
	for {
		line, err := r.readLine()
		if err != nil {
			return err
		}
		if len(line) == 0 {
			return nil
		}
		total += len(line)
		if total > maxTrailerLength {
			return fmt.Errorf("%w: trailer section too large", ErrMalformedFraming)
		}
		i := bytes.IndexByte(line, ':')
		if i <= 0 {
			return fmt.Errorf("%w: bad trailer line", ErrMalformedFraming)
		}
		if r.trailer == nil {
			r.trailer = make(textproto.MIMEHeader)
		}
		key := textproto.CanonicalMIMEHeaderKey(string(line[:i]))
		value := string(bytes.TrimSpace(line[i+1:]))
		r.trailer[key] = append(r.trailer[key], value)
	}
}
