package githttp

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/mensi/githttpd/gitcmd"
	"github.com/mensi/githttpd/internal/ioflow"
	"github.com/mensi/githttpd/internal/metrics"
	"github.com/mensi/githttpd/internal/pktline"
)

// getInfoRefs serves the ref advertisement, the opening move of every
// fetch and push. Smart clients name a service; plain GETs default to an
// upload-pack advertisement unless fetching is disabled server-wide, in
// which case the dumb info/refs file is served instead.
func (h *Handler) getInfoRefs(w http.ResponseWriter, r *http.Request, req *request) {
	name := r.URL.Query().Get("service")
	if name == "" {
		if h.opts.DisableUploadPack {
			hdrNocache(w.Header())
			h.sendFile(w, req, "text/plain; charset=utf-8")
			return
		}
		name = gitcmd.UploadPack.Name()
	}

	svc, err := gitcmd.ParseService(name)
	if err != nil {
		req.log.WithError(err).Info("rejecting ref advertisement")
		countRequest("info-refs", http.StatusBadRequest)
		renderStatusError(w, http.StatusBadRequest)
		return
	}
	if !h.allowed(req.repo, svc) {
		req.log.WithField("service", svc.Name()).Info("service disabled for repository")
		countRequest("info-refs", http.StatusForbidden)
		renderStatusError(w, http.StatusForbidden)
		return
	}

	res, err := h.opts.Bridge.Run(r.Context(), svc, req.repo.Root(), nil, &gitcmd.CommandOptions{
		AdvertiseRefs: true,
		Protocol:      r.Header.Get("Git-Protocol"),
	})
	if err != nil {
		code := statusFromError(err)
		countRequest("info-refs", code)
		renderStatusError(w, code)
		return
	}
	defer res.Close()

	hdrNocache(w.Header())
	w.Header().Set("Content-Type", fmt.Sprintf("application/x-git-%s-advertisement", svc.Name()))
	w.Header().Set("X-Content-Type-Options", "nosniff")

	fw := &flushResponseWriter{ResponseWriter: w}
	if _, err := pktline.WritePacketString(fw, "# service="+svc.Name()+"\n"); err != nil {
		countRequest("info-refs", 0)
		return
	}
	if err := pktline.WriteFlush(fw); err != nil {
		countRequest("info-refs", 0)
		return
	}

	n, err := ioflow.Copy(fw, res.Output(), nil)
	metrics.BytesTransferred.WithLabelValues("out").Add(float64(n))
	if err != nil {
		req.log.WithError(err).Debug("aborting ref advertisement")
		countRequest("info-refs", 0)
		panic(http.ErrAbortHandler)
	}
	countRequest("info-refs", http.StatusOK)
}

func (h *Handler) getTextFile(w http.ResponseWriter, r *http.Request, req *request) {
	hdrNocache(w.Header())
	h.sendFile(w, req, "text/plain; charset=utf-8")
}

func (h *Handler) getInfoPacks(w http.ResponseWriter, r *http.Request, req *request) {
	hdrCacheForever(w.Header())
	h.sendFile(w, req, "text/plain; charset=utf-8")
}

func (h *Handler) getLooseObject(w http.ResponseWriter, r *http.Request, req *request) {
	hdrCacheForever(w.Header())
	h.sendFile(w, req, "application/x-git-loose-object")
}

func (h *Handler) getPackFile(w http.ResponseWriter, r *http.Request, req *request) {
	hdrCacheForever(w.Header())
	h.sendFile(w, req, "application/x-git-packed-objects")
}

func (h *Handler) getIdxFile(w http.ResponseWriter, r *http.Request, req *request) {
	hdrCacheForever(w.Header())
	h.sendFile(w, req, "application/x-git-packed-objects-toc")
}

// sendFile streams one repository file with its size declared up front.
// No process is involved, only disk reads.
func (h *Handler) sendFile(w http.ResponseWriter, req *request, contentType string) {
	f, fi, err := req.repo.Open(req.file)
	if err != nil {
		// Clients probe object paths optimistically; absence is routine.
		req.log.WithField("file", req.file).Debug("file not found")
		countRequest("file", http.StatusNotFound)
		renderStatusError(w, http.StatusNotFound)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
	w.Header().Set("Last-Modified", fi.ModTime().UTC().Format(http.TimeFormat))

	fw := &flushResponseWriter{ResponseWriter: w}
	n, err := ioflow.Copy(fw, f, nil)
	metrics.BytesTransferred.WithLabelValues("out").Add(float64(n))
	if err != nil {
		req.log.WithError(err).WithField("file", req.file).Debug("aborting file response")
		countRequest("file", 0)
		panic(http.ErrAbortHandler)
	}
	countRequest("file", http.StatusOK)
}
