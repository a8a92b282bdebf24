package gitdir

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/stretchr/testify/require"
)

func makeRepo(t *testing.T, base, name, config string) {
	t.Helper()
	dir := filepath.Join(base, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "objects", "pack"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "refs", "heads"), 0o755))
	if config == "" {
		config = "[core]\n\trepositoryformatversion = 0\n\tbare = true\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config"), []byte(config), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "HEAD"), []byte("ref: refs/heads/main\n"), 0o644))
}

func TestResolveDirect(t *testing.T) {
	base := t.TempDir()
	makeRepo(t, base, "repo.git", "")

	r := NewFilesystemResolver(osfs.New(base), false)
	repo, err := r.Resolve("repo.git")
	require.NoError(t, err)
	require.Equal(t, "repo.git", repo.Name())
	require.True(t, strings.HasSuffix(repo.Root(), "repo.git"))
}

func TestResolveDotGitSuffix(t *testing.T) {
	base := t.TempDir()
	makeRepo(t, base, "project.git", "")

	r := NewFilesystemResolver(osfs.New(base), false)
	repo, err := r.Resolve("project")
	require.NoError(t, err)
	require.Equal(t, "project.git", repo.Name())
}

func TestResolveDotGitSubdir(t *testing.T) {
	base := t.TempDir()
	makeRepo(t, base, "worktree/.git", "")

	r := NewFilesystemResolver(osfs.New(base), false)
	repo, err := r.Resolve("worktree")
	require.NoError(t, err)
	require.Equal(t, "worktree/.git", repo.Name())
}

func TestResolveNested(t *testing.T) {
	base := t.TempDir()
	makeRepo(t, base, "team/app.git", "")

	r := NewFilesystemResolver(osfs.New(base), false)
	for _, name := range []string{"team/app.git", "team/app"} {
		repo, err := r.Resolve(name)
		require.NoError(t, err, name)
		require.Equal(t, "team/app.git", repo.Name())
	}
}

func TestResolveStrict(t *testing.T) {
	base := t.TempDir()
	makeRepo(t, base, "project.git", "")

	r := NewFilesystemResolver(osfs.New(base), true)
	_, err := r.Resolve("project")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = r.Resolve("project.git")
	require.NoError(t, err)
}

func TestResolveMissing(t *testing.T) {
	r := NewFilesystemResolver(osfs.New(t.TempDir()), false)
	_, err := r.Resolve("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveInvalidPaths(t *testing.T) {
	base := t.TempDir()
	makeRepo(t, base, "repo.git", "")
	r := NewFilesystemResolver(osfs.New(base), false)

	for _, name := range []string{
		"",
		"/",
		"..",
		"../outside",
		"repo.git/..",
		"a/../../outside",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := r.Resolve(name)
			require.ErrorIs(t, err, ErrInvalidPath)
		})
	}

	// Interior dot segments that stay inside the base are fine.
	repo, err := r.Resolve("a/../repo.git")
	require.NoError(t, err)
	require.Equal(t, "repo.git", repo.Name())
}

func TestList(t *testing.T) {
	base := t.TempDir()
	makeRepo(t, base, "a.git", "")
	makeRepo(t, base, "team/b.git", "")
	makeRepo(t, base, "x/y/z/deep.git", "") // below maxListDepth

	// Directories that merely contain a config file are not repositories.
	require.NoError(t, os.MkdirAll(filepath.Join(base, "conf-only"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "conf-only", "config"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "empty"), 0o755))

	r := NewFilesystemResolver(osfs.New(base), false)
	repos, err := r.List()
	require.NoError(t, err)
	require.Equal(t, []string{"a.git", "team/b.git"}, repos)
}
