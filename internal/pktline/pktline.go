// Package pktline implements the pkt-line framing used by the smart HTTP
// ref advertisement prelude.
package pktline

import (
	"errors"
	"fmt"
	"io"
)

const (
	// lenSize is the width of a pkt-line length prefix.
	lenSize = 4

	// MaxPayloadSize is the largest payload a single pkt-line can carry.
	MaxPayloadSize = 65516
)

// ErrPayloadTooLong is returned for payloads above MaxPayloadSize.
var ErrPayloadTooLong = errors.New("pktline: payload is too long")

var flushPkt = []byte("0000")

// WritePacketString writes s as a single pkt-line.
func WritePacketString(w io.Writer, s string) (int, error) {
	if len(s) > MaxPayloadSize {
		return 0, ErrPayloadTooLong
	}
	return fmt.Fprintf(w, "%04x%s", len(s)+lenSize, s)
}

// WriteFlush writes a flush-pkt.
func WriteFlush(w io.Writer) error {
	_, err := w.Write(flushPkt)
	return err
}
