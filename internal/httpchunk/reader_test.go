package httpchunk

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReaderDecode(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   string
		want string
	}{
		{"single chunk", "3\r\nfoo\r\n0\r\n\r\n", "foo"},
		{"multiple chunks", "3\r\nfoo\r\n4\r\nbarb\r\n0\r\n\r\n", "foobarb"},
		{"uppercase size", "A\r\n0123456789\r\n0\r\n\r\n", "0123456789"},
		{"chunk extension", "3;speed=fast\r\nfoo\r\n0\r\n\r\n", "foo"},
		{"empty body", "0\r\n\r\n", ""},
		{"trailer present", "3\r\nfoo\r\n0\r\nX-Sum: 1\r\n\r\n", "foo"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := io.ReadAll(NewReader(strings.NewReader(tc.in)))
			require.NoError(t, err)
			require.Equal(t, tc.want, string(got))
		})
	}
}

func TestReaderMalformed(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   string
	}{
		{"empty stream", ""},
		{"bad size", "zz\r\nfoo\r\n"},
		{"negative size", "-3\r\nfoo\r\n"},
		{"blank size", "\r\nfoo\r\n"},
		{"bare LF after size", "3\nfoo\r\n0\r\n\r\n"},
		{"wrong payload terminator", "3\r\nfooXY0\r\n\r\n"},
		{"truncated payload", "5\r\nab"},
		{"truncated after terminal chunk", "0\r\n"},
		{"bad trailer line", "0\r\nnocolon\r\n\r\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := io.ReadAll(NewReader(strings.NewReader(tc.in)))
			require.ErrorIs(t, err, ErrMalformedFraming)
		})
	}
}

func TestReaderTrailer(t *testing.T) {
	r := NewReader(strings.NewReader("3\r\nfoo\r\n0\r\nX-Status: ok\r\nX-Multi: a\r\nX-Multi: b\r\n\r\n"))
	require.Nil(t, r.Trailer())

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "foo", string(got))

	tr := r.Trailer()
	require.Equal(t, "ok", tr.Get("x-status"))
	require.Equal(t, []string{"a", "b"}, tr["X-Multi"])
}

func TestReaderSmallReads(t *testing.T) {
	r := NewReader(strings.NewReader("6\r\nabcdef\r\n2\r\ngh\r\n0\r\n\r\n"))

	var out bytes.Buffer
	buf := make([]byte, 2)
	for {
		n, err := r.Read(buf)
		out.Write(buf[:n])
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	require.Equal(t, "abcdefgh", out.String())
}

func TestReaderStopsAtMessageEnd(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("3\r\nfoo\r\n0\r\n\r\nNEXT"))
	got, err := io.ReadAll(NewReader(br))
	require.NoError(t, err)
	require.Equal(t, "foo", string(got))

	// Bytes after the message stay in the source reader.
	rest, err := io.ReadAll(br)
	require.NoError(t, err)
	require.Equal(t, "NEXT", string(rest))
}

func TestReaderStickyError(t *testing.T) {
	r := NewReader(strings.NewReader("zz\r\n"))
	_, err := r.Read(make([]byte, 8))
	require.ErrorIs(t, err, ErrMalformedFraming)

	_, err = r.Read(make([]byte, 8))
	require.ErrorIs(t, err, ErrMalformedFraming)
}
