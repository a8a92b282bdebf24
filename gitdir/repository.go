package gitdir

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-git/gcfg"
	"github.com/go-git/go-billy/v5"

	"github.com/mensi/githttpd/gitcmd"
)

// ErrObjectNotFound reports a missing file beneath a repository. Clients
// probe object paths optimistically, so this is a routine outcome.
var ErrObjectNotFound = errors.New("gitdir: object not found")

// Repository is a resolved repository. Instances are created per request
// and hold no cross-request state.
type Repository struct {
	name string
	fs   billy.Filesystem

	cfg    repoConfig
	parsed bool
}

// Name is the path segment the repository resolved from.
func (r *Repository) Name() string {
	return r.name
}

// Root is the repository directory as handed to service processes.
func (r *Repository) Root() string {
	return r.fs.Root()
}

// Open returns the named file under the repository along with its file
// info. Missing and irregular files fail with ErrObjectNotFound.
func (r *Repository) Open(name string) (billy.File, os.FileInfo, error) {
	fi, err := r.fs.Lstat(name)
	if err != nil || !fi.Mode().IsRegular() {
		return nil, nil, fmt.Errorf("%w: %s", ErrObjectNotFound, name)
	}
	f, err := r.fs.Open(name)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrObjectNotFound, name)
	}
	return f, fi, nil
}

// repoConfig carries the http section toggles of a repository's config.
type repoConfig struct {
	uploadPack  *bool
	receivePack *bool
}

// AllowService reports whether the repository permits svc over HTTP. An
// explicit http.uploadpack or http.receivepack setting wins; fallback
// applies when the config does not mention the service.
func (r *Repository) AllowService(svc gitcmd.Service, fallback bool) bool {
	r.loadConfig()
	var v *bool
	switch svc {
	case gitcmd.UploadPack:
		v = r.cfg.uploadPack
	case gitcmd.ReceivePack:
		v = r.cfg.receivePack
	}
	if v != nil {
		return *v
	}
	return fallback
}

// loadConfig parses the repository config at most once per Repository. A
// malformed config falls back to defaults instead of failing fetches.
func (r *Repository) loadConfig() {
	if r.parsed {
		return
	}
	r.parsed = true

	f, err := r.fs.Open("config")
	if err != nil {
		return
	}
	defer f.Close()

	_ = gcfg.ReadWithCallback(f, func(section, subsection, key, value string, blank bool) error {
		if !strings.EqualFold(section, "http") || subsection != "" {
			return nil
		}
		switch strings.ToLower(key) {
		case "uploadpack":
			r.cfg.uploadPack = parseGitBool(value, blank, r.cfg.uploadPack)
		case "receivepack":
			r.cfg.receivePack = parseGitBool(value, blank, r.cfg.receivePack)
		}
		return nil
	})
}

// parseGitBool reads a git config boolean. A key without '=' means true
// and an empty value means false; unrecognized values keep the previous
// setting.
func parseGitBool(v string, blank bool, prev *bool) *bool {
	if blank {
		t := true
		return &t
	}
	switch strings.ToLower(v) {
	case "true", "yes", "on", "1":
		t := true
		return &t
	case "false", "no", "off", "0", "":
		f := false
		return &f
	}
	return prev
}
