// Package gitrepo ties together the object database, ref database, and
// revision resolver into the single entry point collaborators use, per
// spec.md §6's "Public API surface the collaborators see":
// Repository::open(path) plus accessors for the object/ref databases and
// the resolver.
package gitrepo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/odvcencio/gitdir/pkg/gitcfg"
	"github.com/odvcencio/gitdir/pkg/objectdb"
	"github.com/odvcencio/gitdir/pkg/refdb"
	"github.com/odvcencio/gitdir/pkg/revision"
	"github.com/odvcencio/gitdir/pkg/windowcache"
)

// Repository bundles the open object/ref databases and the revision
// resolver layered on top of them, rooted at a single git directory.
type Repository struct {
	Dir      string
	Config   gitcfg.Config
	Objects  *objectdb.DB
	Refs     *refdb.DB
	Resolver *revision.Resolver

	cache *windowcache.Cache
}

// Discover ascends from startPath looking for a directory named ".git",
// or a plain-text ".git" file containing "gitdir: <path>" (the form Git
// leaves behind in worktrees and submodules), per spec.md §6's
// discovery rule. It returns the resolved git directory path.
func Discover(startPath string) (string, error) {
	abs, err := filepath.Abs(startPath)
	if err != nil {
		return "", fmt.Errorf("gitrepo: resolve %s: %w", startPath, err)
	}

	cur := abs
	for {
		candidate := filepath.Join(cur, ".git")
		info, err := os.Stat(candidate)
		switch {
		case err == nil && info.IsDir():
			return candidate, nil
		case err == nil:
			resolved, err := resolveGitFile(candidate)
			if err != nil {
				return "", err
			}
			return resolved, nil
		case !os.IsNotExist(err):
			return "", fmt.Errorf("gitrepo: stat %s: %w", candidate, err)
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("gitrepo: no .git directory found above %s", startPath)
		}
		cur = parent
	}
}

func resolveGitFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("gitrepo: read %s: %w", path, err)
	}
	line := strings.TrimSpace(string(data))
	target, ok := strings.CutPrefix(line, "gitdir: ")
	if !ok {
		return "", fmt.Errorf("gitrepo: malformed .git file %s", path)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(path), target)
	}
	return filepath.Clean(target), nil
}

// Open discovers and opens the repository containing path, using
// defaulted tuning configuration and a discard logger.
func Open(path string) (*Repository, error) {
	return OpenWith(path, gitcfg.Default(), nil)
}

// OpenWith discovers and opens the repository containing path using the
// given tuning configuration and logger (nil disables logging).
func OpenWith(path string, cfg gitcfg.Config, log logrus.FieldLogger) (*Repository, error) {
	dir, err := Discover(path)
	if err != nil {
		return nil, err
	}

	cache, err := windowcache.New(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("gitrepo: window cache: %w", err)
	}

	objects, err := objectdb.Open(filepath.Join(dir, "objects"), cfg, cache, log)
	if err != nil {
		return nil, fmt.Errorf("gitrepo: open object database: %w", err)
	}
	refs := refdb.New(dir, cfg.RefLockWaitLimit, log)

	return &Repository{
		Dir:      dir,
		Config:   cfg,
		Objects:  objects,
		Refs:     refs,
		Resolver: revision.New(objects, refs),
		cache:    cache,
	}, nil
}

// Close releases the repository's underlying pack file handles.
func (r *Repository) Close() error {
	return r.Objects.Close()
}
