package httpchunk

import (
	"io"
	"strconv"
)

var (
	crlf      = []byte("\r\n")
	lastChunk = []byte("0\r\n\r\n")
)

// Writer encodes a stream as chunked frames, one chunk per Write. Close
// emits the terminal zero-length chunk; when the payload source fails
// mid-stream the caller skips Close and drops the connection, so the peer
// sees truncation instead of a well-formed end.
type Writer struct {
	w       io.Writer
	closed  bool
	scratch [16]byte
}

// NewWriter encodes chunks onto w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write emits p as a single chunk. Empty writes are dropped because a
// zero-length chunk would terminate the stream early.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	if len(p) == 0 {
		return 0, nil
	}

	head := strconv.AppendUint(w.scratch[:0], uint64(len(p)), 16)
	head = append(head, crlf...)
	if _, err := w.w.Write(head); err != nil {
		return 0, err
	}
	n, err := w.w.Write(p)
	if err != nil {
		return n, err
	}
	if _, err := w.w.Write(crlf); err != nil {
		return n, err
	}
	return n, nil
}

// Close terminates the stream with the zero-length chunk and an empty
// trailer section. It does not close the underlying writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	_, err := w.w.Write(lastChunk)
	return err
}
