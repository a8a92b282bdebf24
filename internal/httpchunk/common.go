// Package httpchunk implements HTTP/1.1 chunked transfer framing.
//
// net/http hides this framing from handlers. The hijacked RPC path owns
// the wire directly, so it decodes request chunks and emits response
// chunks itself. Decoding is strict: a stream that violates the chunked
// grammar is failed with ErrMalformedFraming, never repaired by guessing.
package httpchunk

import "errors"

// ErrMalformedFraming reports an incoming stream that violates the
// chunked grammar, including truncation before the terminal chunk.
var ErrMalformedFraming = errors.New("httpchunk: malformed chunked framing")

const (
	// maxLineLength bounds a chunk-size line, extensions included.
	maxLineLength = 4096

	// maxTrailerLength bounds the trailer section after the terminal
	// chunk.
	maxTrailerLength = 64 * 1024
)
