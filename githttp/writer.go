package githttp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// flushResponseWriter flushes after every write so negotiation rounds
// reach the client promptly even through buffering middlewares.
type flushResponseWriter struct {
	http.ResponseWriter
	rc *http.ResponseController
}

func (f *flushResponseWriter) Write(p []byte) (int, error) {
	n, err := f.ResponseWriter.Write(p)
	if err != nil {
		return n, err
	}
	if f.rc == nil {
		f.rc = http.NewResponseController(f.ResponseWriter)
	}
	if err := f.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return n, fmt.Errorf("flush: %w", err)
	}
	return n, nil
}

// connWriter writes to a hijacked connection through an encoder, arming a
// write deadline before and flushing after every write. One Write is one
// fragment, so the deadline bounds per-fragment delivery, not the whole
// transfer.
type connWriter struct {
	conn    net.Conn
	w       io.Writer
	flush   func() error
	timeout time.Duration
}

func (cw *connWriter) Write(p []byte) (int, error) {
	if err := cw.arm(); err != nil {
		return 0, err
	}
	n, err := cw.w.Write(p)
	if err != nil {
		return n, err
	}
	if err := cw.flush(); err != nil {
		return n, err
	}
	return n, nil
}

func (cw *connWriter) arm() error {
	if cw.timeout <= 0 {
		return nil
	}
	return cw.conn.SetWriteDeadline(time.Now().Add(cw.timeout))
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
