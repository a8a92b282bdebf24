package ioflow

import (
	"errors"
	"io"
)

// Copy streams src into dst through a single pooled fragment, calling
// progress (when non-nil) after every fragment moved. It returns the
// number of bytes written and the first error encountered. A clean io.EOF
// from src is not reported as an error.
func Copy(dst io.Writer, src io.Reader, progress func()) (int64, error) {
	buf := getFragment()
	defer putFragment(buf)

	var written int64
	for {
		nr, rerr := src.Read(*buf)
		if nr > 0 {
			nw, werr := dst.Write((*buf)[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
			if progress != nil {
				progress()
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, nil
			}
			return written, rerr
		}
	}
}
