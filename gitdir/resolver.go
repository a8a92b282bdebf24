// Package gitdir resolves request paths to git repositories on disk and
// answers questions about them: which files they expose, which services
// their configuration permits.
package gitdir

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
)

var (
	// ErrNotFound reports a path that does not lead to a repository.
	ErrNotFound = errors.New("gitdir: repository not found")

	// ErrInvalidPath reports a request path that is empty or tries to
	// climb out of the served tree.
	ErrInvalidPath = errors.New("gitdir: invalid repository path")
)

// Resolver maps request path segments to repositories. Resolution happens
// on every request and is never cached; disk state may change between
// requests and each request observes it fresh.
type Resolver interface {
	Resolve(name string) (*Repository, error)
}

// maxListDepth bounds how deep List descends below the base directory.
const maxListDepth = 3

// FilesystemResolver resolves repositories beneath a base filesystem.
// A name resolves to the first of <name>, <name>/.git and <name>.git that
// looks like a repository.
type FilesystemResolver struct {
	base   billy.Filesystem
	strict bool
}

// NewFilesystemResolver serves repositories under base. With strict set,
// only exact paths resolve and the .git fallbacks are skipped.
func NewFilesystemResolver(base billy.Filesystem, strict bool) *FilesystemResolver {
	return &FilesystemResolver{base: base, strict: strict}
}

// Resolve implements Resolver.
func (r *FilesystemResolver) Resolve(name string) (*Repository, error) {
	cleaned, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	return r.load(cleaned, false)
}

// cleanName normalizes a request path segment and rejects anything that
// could escape the base directory.
func cleanName(name string) (string, error) {
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return cleaned, nil
}

func (r *FilesystemResolver) load(name string, tried bool) (*Repository, error) {
	fs, err := r.base.Chroot(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if _, err := fs.Stat("config"); err != nil {
		if !r.strict && !tried {
			if fi, serr := fs.Stat(".git"); serr == nil && fi.IsDir() {
				name = path.Join(name, ".git")
			} else {
				name += ".git"
			}
			return r.load(name, true)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	return &Repository{name: name, fs: fs}, nil
}

// List enumerates repository names under the base for maintenance jobs.
// It does not descend into repositories themselves and tolerates
// unreadable subdirectories.
func (r *FilesystemResolver) List() ([]string, error) {
	var repos []string
	var walk func(dir string, depth int)
	walk = func(dir string, depth int) {
		entries, err := r.base.ReadDir(dir)
		if err != nil {
			return
		}
		for _, fi := range entries {
			if !fi.IsDir() {
				continue
			}
			sub := path.Join(dir, fi.Name())
			if r.looksLikeRepo(sub) {
				repos = append(repos, sub)
				continue
			}
			if depth+1 < maxListDepth {
				walk(sub, depth+1)
			}
		}
	}

	if _, err := r.base.ReadDir(""); err != nil {
		return nil, fmt.Errorf("listing repositories: %w", err)
	}
	walk("", 0)
	sort.Strings(repos)
	return repos, nil
}

func (r *FilesystemResolver) looksLikeRepo(dir string) bool {
	if _, err := r.base.Stat(path.Join(dir, "config")); err != nil {
		return false
	}
	fi, err := r.base.Stat(path.Join(dir, "objects"))
	return err == nil && fi.IsDir()
}
