package githttp

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mensi/githttpd/gitcmd"
	"github.com/mensi/githttpd/internal/httpchunk"
	"github.com/mensi/githttpd/internal/ioflow"
	"github.com/mensi/githttpd/internal/metrics"
)

// serviceRPC runs one stateless RPC round against the repository.
func (h *Handler) serviceRPC(w http.ResponseWriter, r *http.Request, req *request) {
	svcName := req.svc.Name()
	log := req.log.WithField("service", svcName)

	expected := fmt.Sprintf("application/x-git-%s-request", svcName)
	if ct := parseContentType(r.Header.Get("Content-Type")); ct != expected {
		log.WithField("content_type", ct).Info("rpc content type mismatch")
		countRequest(svcName, http.StatusForbidden)
		renderStatusError(w, http.StatusForbidden)
		return
	}
	if !h.allowed(req.repo, req.svc) {
		log.Info("service disabled for repository")
		countRequest(svcName, http.StatusForbidden)
		renderStatusError(w, http.StatusForbidden)
		return
	}

	// Owning the connection lets a mid-stream process failure abort the
	// response without a terminal chunk. Transports that cannot be
	// hijacked (HTTP/2) degrade to net/http framing.
	if hj, ok := w.(http.Hijacker); ok {
		h.serviceRPCHijacked(hj, w, r, req, log)
		return
	}
	h.serviceRPCPlain(w, r, req, log)
}

func (h *Handler) serviceRPCHijacked(hj http.Hijacker, w http.ResponseWriter, r *http.Request, req *request, log logrus.FieldLogger) {
	svcName := req.svc.Name()

	conn, brw, err := hj.Hijack()
	if err != nil {
		log.WithError(err).Error("connection hijack failed")
		countRequest(svcName, http.StatusInternalServerError)
		renderStatusError(w, http.StatusInternalServerError)
		return
	}
	defer conn.Close()

	// The wire is ours from here: request framing is decoded and response
	// framing emitted by hand.
	body, err := requestBody(r, brw.Reader)
	if err != nil {
		log.WithError(err).Info("rejecting rpc request body")
		code := statusFromError(err)
		countRequest(svcName, code)
		writeErrorResponse(brw, r, code)
		return
	}

	// The client may be holding the body back until it gets the nod.
	// This must happen before anything reads from body.
	if expectsContinue(r) {
		if _, err := brw.WriteString("HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
			countRequest(svcName, 0)
			return
		}
		if err := brw.Flush(); err != nil {
			countRequest(svcName, 0)
			return
		}
	}

	body, err = decodeContentEncoding(r, body)
	if err != nil {
		log.WithError(err).Info("rejecting rpc request encoding")
		countRequest(svcName, http.StatusBadRequest)
		writeErrorResponse(brw, r, http.StatusBadRequest)
		return
	}

	res, err := h.opts.Bridge.Run(r.Context(), req.svc, req.repo.Root(), body, &gitcmd.CommandOptions{
		Protocol: r.Header.Get("Git-Protocol"),
	})
	if err != nil {
		code := statusFromError(err)
		countRequest(svcName, code)
		writeErrorResponse(brw, r, code)
		return
	}
	defer res.Close()

	hdr := make(http.Header)
	hdrNocache(hdr)
	hdr.Set("Content-Type", fmt.Sprintf("application/x-git-%s-result", svcName))
	hdr.Set("X-Content-Type-Options", "nosniff")
	hdr.Set("Connection", "close")

	chunked := r.ProtoAtLeast(1, 1)
	if chunked {
		hdr.Set("Transfer-Encoding", "chunked")
	}

	if err := writeResponseHead(brw, r, http.StatusOK, hdr); err != nil {
		countRequest(svcName, 0)
		return
	}

	// HTTP/1.0 clients read until the connection closes; everyone else
	// gets chunks.
	var out io.WriteCloser = nopWriteCloser{brw}
	if chunked {
		out = httpchunk.NewWriter(brw)
	}

	cw := &connWriter{conn: conn, w: out, flush: brw.Flush, timeout: h.opts.WriteTimeout}
	n, err := ioflow.Copy(cw, res.Output(), nil)
	metrics.BytesTransferred.WithLabelValues("out").Add(float64(n))
	if err != nil {
		// No terminal frame goes out; the abrupt close tells the client
		// the transfer did not complete.
		log.WithError(err).Debug("aborting rpc response")
		countRequest(svcName, 0)
		return
	}

	if err := cw.arm(); err != nil {
		countRequest(svcName, 0)
		return
	}
	if err := out.Close(); err != nil {
		countRequest(svcName, 0)
		return
	}
	if err := brw.Flush(); err != nil {
		countRequest(svcName, 0)
		return
	}
	countRequest(svcName, http.StatusOK)
}

// serviceRPCPlain serves the RPC through the regular ResponseWriter.
// net/http owns the framing; aborts surface as http.ErrAbortHandler.
func (h *Handler) serviceRPCPlain(w http.ResponseWriter, r *http.Request, req *request, log logrus.FieldLogger) {
	svcName := req.svc.Name()

	body, err := decodeContentEncoding(r, r.Body)
	if err != nil {
		log.WithError(err).Info("rejecting rpc request encoding")
		countRequest(svcName, http.StatusBadRequest)
		renderStatusError(w, http.StatusBadRequest)
		return
	}

	res, err := h.opts.Bridge.Run(r.Context(), req.svc, req.repo.Root(), body, &gitcmd.CommandOptions{
		Protocol: r.Header.Get("Git-Protocol"),
	})
	if err != nil {
		code := statusFromError(err)
		countRequest(svcName, code)
		renderStatusError(w, code)
		return
	}
	defer res.Close()

	hdrNocache(w.Header())
	w.Header().Set("Content-Type", fmt.Sprintf("application/x-git-%s-result", svcName))
	w.Header().Set("X-Content-Type-Options", "nosniff")

	fw := &flushResponseWriter{ResponseWriter: w}
	n, err := ioflow.Copy(fw, res.Output(), nil)
	metrics.BytesTransferred.WithLabelValues("out").Add(float64(n))
	if err != nil {
		log.WithError(err).Debug("aborting rpc response")
		countRequest(svcName, 0)
		panic(http.ErrAbortHandler)
	}
	countRequest(svcName, http.StatusOK)
}

// requestBody returns the raw request payload reader according to the
// declared framing. A POST that declares neither chunked transfer nor a
// content length is rejected rather than guessed empty.
func requestBody(r *http.Request, br *bufio.Reader) (io.Reader, error) {
	if chunkedRequest(r) {
		return httpchunk.NewReader(br), nil
	}
	if r.Header.Get("Content-Length") != "" && r.ContentLength >= 0 {
		return io.LimitReader(br, r.ContentLength), nil
	}
	return nil, fmt.Errorf("%w: neither chunked framing nor a content length", httpchunk.ErrMalformedFraming)
}

func chunkedRequest(r *http.Request) bool {
	for _, te := range r.TransferEncoding {
		if strings.EqualFold(te, "chunked") {
			return true
		}
	}
	return false
}

// decodeContentEncoding unwraps a compressed request body; git clients
// gzip upload-pack requests by default.
func decodeContentEncoding(r *http.Request, body io.Reader) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return body, nil
	case "gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("%w: bad gzip stream: %v", httpchunk.ErrMalformedFraming, err)
		}
		return zr, nil
	}
	return nil, fmt.Errorf("%w: unsupported content encoding", httpchunk.ErrMalformedFraming)
}

func expectsContinue(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Expect")), "100-continue")
}

func parseContentType(v string) string {
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[:i]
	}
	return strings.ToLower(strings.TrimSpace(v))
}

// writeResponseHead emits a status line and headers onto a hijacked
// connection.
func writeResponseHead(brw *bufio.ReadWriter, r *http.Request, code int, hdr http.Header) error {
	proto := "HTTP/1.1"
	if !r.ProtoAtLeast(1, 1) {
		proto = "HTTP/1.0"
	}
	if _, err := fmt.Fprintf(brw, "%s %d %s\r\n", proto, code, http.StatusText(code)); err != nil {
		return err
	}
	if hdr.Get("Date") == "" {
		hdr.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if err := hdr.Write(brw); err != nil {
		return err
	}
	if _, err := brw.WriteString("\r\n"); err != nil {
		return err
	}
	return brw.Flush()
}

// writeErrorResponse emits a small complete error response onto a
// hijacked connection.
func writeErrorResponse(brw *bufio.ReadWriter, r *http.Request, code int) {
	body := fmt.Sprintf("%d %s\n", code, http.StatusText(code))
	hdr := make(http.Header)
	hdr.Set("Content-Type", "text/plain; charset=utf-8")
	hdr.Set("Content-Length", strconv.Itoa(len(body)))
	hdr.Set("Connection", "close")
	if err := writeResponseHead(brw, r, code, hdr); err != nil {
		return
	}
	if _, err := brw.WriteString(body); err != nil {
		return
	}
	_ = brw.Flush()
}
