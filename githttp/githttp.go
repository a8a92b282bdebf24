// Package githttp serves git repositories over HTTP: the smart protocol's
// ref advertisements and stateless RPC rounds, plus the static object
// files dumb clients read.
//
// Requests are classified by path shape, mapped to a repository through a
// gitdir.Resolver and gated on per-repository configuration before any
// process is spawned. RPC responses are streamed over hijacked
// connections with the handler emitting the HTTP framing itself, so a
// failing process aborts the response mid-stream instead of ending it
// cleanly.
package githttp

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"

	"github.com/mensi/githttpd/gitcmd"
	"github.com/mensi/githttpd/gitdir"
	"github.com/mensi/githttpd/internal/httpchunk"
	"github.com/mensi/githttpd/internal/metrics"
)

// errServiceDisabled reports a service refused by server options or
// repository configuration.
var errServiceDisabled = errors.New("githttp: service disabled")

// service describes one route shape the handler recognizes.
type service struct {
	pattern *regexp.Regexp
	method  string
	handler func(*Handler, http.ResponseWriter, *http.Request, *request)
	svc     string
}

var services = []service{
	{regexp.MustCompile("(.*?)/HEAD$"), http.MethodGet, (*Handler).getTextFile, ""},
	{regexp.MustCompile("(.*?)/info/refs$"), http.MethodGet, (*Handler).getInfoRefs, ""},
	{regexp.MustCompile("(.*?)/objects/info/alternates$"), http.MethodGet, (*Handler).getTextFile, ""},
	{regexp.MustCompile("(.*?)/objects/info/http-alternates$"), http.MethodGet, (*Handler).getTextFile, ""},
	{regexp.MustCompile("(.*?)/objects/info/packs$"), http.MethodGet, (*Handler).getInfoPacks, ""},
	{regexp.MustCompile("(.*?)/objects/[0-9a-f]{2}/[0-9a-f]{38}$"), http.MethodGet, (*Handler).getLooseObject, ""},
	{regexp.MustCompile("(.*?)/objects/[0-9a-f]{2}/[0-9a-f]{62}$"), http.MethodGet, (*Handler).getLooseObject, ""},
	{regexp.MustCompile(`(.*?)/objects/pack/pack-[0-9a-f]{40}\.pack$`), http.MethodGet, (*Handler).getPackFile, ""},
	{regexp.MustCompile(`(.*?)/objects/pack/pack-[0-9a-f]{64}\.pack$`), http.MethodGet, (*Handler).getPackFile, ""},
	{regexp.MustCompile(`(.*?)/objects/pack/pack-[0-9a-f]{40}\.idx$`), http.MethodGet, (*Handler).getIdxFile, ""},
	{regexp.MustCompile(`(.*?)/objects/pack/pack-[0-9a-f]{64}\.idx$`), http.MethodGet, (*Handler).getIdxFile, ""},

	{regexp.MustCompile("(.*?)/git-upload-pack$"), http.MethodPost, (*Handler).serviceRPC, "git-upload-pack"},
	{regexp.MustCompile("(.*?)/git-receive-pack$"), http.MethodPost, (*Handler).serviceRPC, "git-receive-pack"},

	// Anything else shaped like a service invocation is refused without
	// ever reaching a process.
	{regexp.MustCompile("(.*?)/(?:git-[a-z0-9-]+)$"), http.MethodPost, (*Handler).unknownService, ""},
}

// request carries one matched route through a handler method.
type request struct {
	repo *gitdir.Repository
	file string         // repository-relative path, file routes only
	svc  gitcmd.Service // service, RPC routes only
	log  logrus.FieldLogger
}

// Options configure a Handler.
type Options struct {
	// Logger receives request logs. Defaults to the logrus standard
	// logger.
	Logger logrus.FieldLogger

	// Prefix is stripped from URL paths before route matching. Requests
	// outside it are not served.
	Prefix string

	// Bridge runs the service processes. Defaults to a bridge spawning
	// the local git binary with default options.
	Bridge *gitcmd.Bridge

	// DisableUploadPack refuses fetches for repositories that do not
	// explicitly enable http.uploadpack. info/refs then degrades to the
	// dumb protocol.
	DisableUploadPack bool

	// EnableReceivePack accepts pushes for repositories that do not
	// mention http.receivepack. Pushes are refused by default, matching
	// git-http-backend.
	EnableReceivePack bool

	// WriteTimeout bounds each single write toward the client on
	// hijacked connections. Zero selects the default; negative disables
	// the deadline.
	WriteTimeout time.Duration
}

var defaultOptions = Options{
	WriteTimeout: time.Minute,
}

// Handler serves the smart HTTP protocol and the dumb protocol's static
// paths below a repository base.
type Handler struct {
	resolver gitdir.Resolver
	opts     Options
}

// NewHandler serves the repositories reachable through resolver. Zero
// fields of opts fall back to defaults; nil opts selects all defaults.
func NewHandler(resolver gitdir.Resolver, opts *Options) *Handler {
	merged := Options{}
	if opts != nil {
		merged = *opts
	}
	_ = mergo.Merge(&merged, defaultOptions)
	if merged.Logger == nil {
		merged.Logger = logrus.StandardLogger()
	}
	if merged.Bridge == nil {
		merged.Bridge = gitcmd.NewBridge(&gitcmd.Local{}, nil)
	}
	return &Handler{resolver: resolver, opts: merged}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	urlPath := r.URL.Path
	if h.opts.Prefix != "" {
		stripped := strings.TrimPrefix(urlPath, h.opts.Prefix)
		if stripped == urlPath {
			renderStatusError(w, http.StatusNotFound)
			return
		}
		urlPath = stripped
	}

	for _, s := range services {
		m := s.pattern.FindStringSubmatch(urlPath)
		if m == nil {
			continue
		}
		if r.Method != s.method {
			renderStatusError(w, http.StatusMethodNotAllowed)
			return
		}
		h.dispatch(w, r, s, m, urlPath)
		return
	}
	renderStatusError(w, http.StatusNotFound)
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, s service, m []string, urlPath string) {
	name := strings.TrimPrefix(m[1], "/")
	log := h.opts.Logger.WithFields(logrus.Fields{
		"repo":   name,
		"remote": r.RemoteAddr,
	})

	metrics.RequestsInFlight.Inc()
	defer metrics.RequestsInFlight.Dec()

	repo, err := h.resolver.Resolve(name)
	if err != nil {
		code := statusFromError(err)
		if code == http.StatusNotFound {
			log.WithError(err).Debug("repository not found")
		} else {
			log.WithError(err).Warn("repository resolution refused")
		}
		countRequest("resolve", code)
		renderStatusError(w, code)
		return
	}

	req := &request{repo: repo, log: log}
	if s.svc != "" {
		svc, err := gitcmd.ParseService(s.svc)
		if err != nil {
			countRequest("resolve", http.StatusBadRequest)
			renderStatusError(w, http.StatusBadRequest)
			return
		}
		req.svc = svc
	} else {
		req.file = strings.TrimPrefix(urlPath, m[1]+"/")
	}
	s.handler(h, w, r, req)
}

// allowed applies the repository's http.* toggles over the server-wide
// defaults.
func (h *Handler) allowed(repo *gitdir.Repository, svc gitcmd.Service) bool {
	var fallback bool
	switch svc {
	case gitcmd.UploadPack:
		fallback = !h.opts.DisableUploadPack
	case gitcmd.ReceivePack:
		fallback = h.opts.EnableReceivePack
	}
	return repo.AllowService(svc, fallback)
}

// unknownService rejects RPC invocations outside the two smart services.
func (h *Handler) unknownService(w http.ResponseWriter, r *http.Request, req *request) {
	req.log.WithField("path", r.URL.Path).Info("unknown rpc service")
	countRequest("unknown", http.StatusBadRequest)
	renderStatusError(w, http.StatusBadRequest)
}

// statusFromError maps failures to the HTTP status reported to clients.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, gitdir.ErrNotFound),
		errors.Is(err, gitdir.ErrObjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, gitdir.ErrInvalidPath),
		errors.Is(err, gitcmd.ErrUnknownService),
		errors.Is(err, httpchunk.ErrMalformedFraming):
		return http.StatusBadRequest
	case errors.Is(err, errServiceDisabled):
		return http.StatusForbidden
	case errors.Is(err, gitcmd.ErrResourceExhausted):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func renderStatusError(w http.ResponseWriter, code int) {
	http.Error(w, fmt.Sprintf("%d %s", code, http.StatusText(code)), code)
}

// hdrNocache marks negotiation responses uncacheable. Proxies caching
// these would poison later fetches.
func hdrNocache(h http.Header) {
	h.Set("Expires", "Fri, 01 Jan 1980 00:00:00 GMT")
	h.Set("Pragma", "no-cache")
	h.Set("Cache-Control", "no-cache, max-age=0, must-revalidate")
}

// hdrCacheForever marks immutable object content cacheable without limit;
// the content of a hash-named file never changes.
func hdrCacheForever(h http.Header) {
	now := time.Now()
	h.Set("Date", now.UTC().Format(http.TimeFormat))
	h.Set("Expires", now.Add(365*24*time.Hour).UTC().Format(http.TimeFormat))
	h.Set("Cache-Control", "public, max-age=31536000")
}

func countRequest(service string, code int) {
	label := strconv.Itoa(code)
	if code == 0 {
		label = "aborted"
	}
	metrics.RequestsTotal.WithLabelValues(service, label).Inc()
}
