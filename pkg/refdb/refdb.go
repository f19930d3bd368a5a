// Package refdb implements C7 (RefDatabase) from spec.md §4.7: loose and
// packed refs, symbolic ref resolution, reflog, and a compare-and-swap
// RefUpdate built on C8 (pkg/lockfile).
package refdb

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/odvcencio/gitdir/pkg/githash"
)

const maxSymbolicHops = 5

// Ref is a single resolved reference: either a direct id or a symbolic
// pointer to another ref name.
type Ref struct {
	Name      string
	Target    githash.SHA1
	Symbolic  string // non-empty if this ref is "ref: <Symbolic>"
	IsPacked  bool
	PeeledTag githash.SHA1 // set for packed-refs entries with a peeled line
}

// IsSymbolic reports whether the ref is a symbolic pointer rather than a
// direct id.
func (r Ref) IsSymbolic() bool { return r.Symbolic != "" }

// DB is a reference database rooted at a git directory (the directory
// containing HEAD, refs/, and packed-refs).
type DB struct {
	dir            string
	log            logrus.FieldLogger
	refLockWait    time.Duration
	refLockRetry   time.Duration

	mu         sync.Mutex
	packedMod  time.Time
	packed     map[string]Ref
	packedOrd  []string
}

// New constructs a DB rooted at dir. A nil log disables logging.
func New(dir string, refLockWait time.Duration, log logrus.FieldLogger) *DB {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &DB{dir: dir, log: log, refLockWait: refLockWait, refLockRetry: 5 * time.Millisecond}
}

func (db *DB) refPath(name string) string {
	return filepath.Join(db.dir, filepath.FromSlash(name))
}

// ExactRef reads the ref file named exactly name (e.g. "HEAD" or
// "refs/heads/main"), consulting packed-refs only if no loose file
// exists. It returns (Ref{}, false, nil) if the ref does not exist.
func (db *DB) ExactRef(name string) (Ref, bool, error) {
	loose, ok, err := db.readLoose(name)
	if err != nil {
		return Ref{}, false, err
	}
	if ok {
		return loose, true, nil
	}
	if err := db.reloadPackedIfStale(); err != nil {
		return Ref{}, false, err
	}
	db.mu.Lock()
	ref, ok := db.packed[name]
	db.mu.Unlock()
	return ref, ok, nil
}

func (db *DB) readLoose(name string) (Ref, bool, error) {
	data, err := os.ReadFile(db.refPath(name))
	if os.IsNotExist(err) {
		return Ref{}, false, nil
	}
	if err != nil {
		return Ref{}, false, fmt.Errorf("refdb: read %s: %w", name, err)
	}
	return parseRefFile(name, data)
}

func parseRefFile(name string, data []byte) (Ref, bool, error) {
	line := strings.TrimRight(string(data), "\n")
	if target, ok := strings.CutPrefix(line, "ref: "); ok {
		return Ref{Name: name, Symbolic: strings.TrimSpace(target)}, true, nil
	}
	id, err := githash.ParseSHA1(strings.TrimSpace(line))
	if err != nil {
		return Ref{}, false, fmt.Errorf("refdb: malformed ref file %s: %w", name, err)
	}
	return Ref{Name: name, Target: id}, true, nil
}

// GetRef resolves a short name using Git's standard disambiguation
// search order: name, refs/name, refs/tags/name, refs/heads/name,
// refs/remotes/name, refs/remotes/name/HEAD.
func (db *DB) GetRef(short string) (Ref, bool, error) {
	candidates := []string{
		short,
		"refs/" + short,
		"refs/tags/" + short,
		"refs/heads/" + short,
		"refs/remotes/" + short,
		"refs/remotes/" + short + "/HEAD",
	}
	for _, name := range candidates {
		ref, ok, err := db.ExactRef(name)
		if err != nil {
			return Ref{}, false, err
		}
		if ok {
			return ref, true, nil
		}
	}
	return Ref{}, false, nil
}

// GetRefs returns every ref (loose and packed) whose name has the given
// prefix.
func (db *DB) GetRefs(prefix string) (map[string]Ref, error) {
	out := map[string]Ref{}
	root := filepath.Join(db.dir, filepath.FromSlash(prefix))
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(db.dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		ref, ok, err := db.readLoose(name)
		if err != nil {
			return err
		}
		if ok {
			out[name] = ref
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("refdb: walk %s: %w", prefix, err)
	}

	if err := db.reloadPackedIfStale(); err != nil {
		return nil, err
	}
	db.mu.Lock()
	for name, ref := range db.packed {
		if strings.HasPrefix(name, prefix) {
			if _, exists := out[name]; !exists {
				out[name] = ref
			}
		}
	}
	db.mu.Unlock()
	return out, nil
}

// Resolve follows a ref (by exact name) through symbolic indirection up
// to maxSymbolicHops times, returning the final direct id.
func (db *DB) Resolve(name string) (githash.SHA1, error) {
	seen := map[string]bool{}
	for hop := 0; hop < maxSymbolicHops; hop++ {
		if seen[name] {
			return githash.SHA1{}, fmt.Errorf("refdb: symbolic ref cycle detected at %s", name)
		}
		seen[name] = true
		ref, ok, err := db.ExactRef(name)
		if err != nil {
			return githash.SHA1{}, err
		}
		if !ok {
			return githash.SHA1{}, fmt.Errorf("refdb: ref %s does not exist", name)
		}
		if !ref.IsSymbolic() {
			return ref.Target, nil
		}
		name = ref.Symbolic
	}
	return githash.SHA1{}, fmt.Errorf("refdb: symbolic ref %s exceeds %d hops", name, maxSymbolicHops)
}

func (db *DB) reloadPackedIfStale() error {
	path := filepath.Join(db.dir, "packed-refs")
	st, err := os.Stat(path)
	if os.IsNotExist(err) {
		db.mu.Lock()
		db.packed = nil
		db.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("refdb: stat packed-refs: %w", err)
	}
	db.mu.Lock()
	stale := db.packed == nil || !st.ModTime().Equal(db.packedMod)
	db.mu.Unlock()
	if !stale {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("refdb: read packed-refs: %w", err)
	}
	parsed, order, err := parsePackedRefs(data)
	if err != nil {
		return err
	}
	db.mu.Lock()
	db.packed = parsed
	db.packedOrd = order
	db.packedMod = st.ModTime()
	db.mu.Unlock()
	return nil
}

func parsePackedRefs(data []byte) (map[string]Ref, []string, error) {
	out := map[string]Ref{}
	var order []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	var lastName string
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "^") {
			peeled, err := githash.ParseSHA1(line[1:])
			if err != nil {
				return nil, nil, fmt.Errorf("refdb: malformed peeled line %q: %w", line, err)
			}
			if lastName == "" {
				return nil, nil, fmt.Errorf("refdb: peeled line with no preceding ref")
			}
			ref := out[lastName]
			ref.PeeledTag = peeled
			out[lastName] = ref
			continue
		}
		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			return nil, nil, fmt.Errorf("refdb: malformed packed-refs line %q", line)
		}
		id, err := githash.ParseSHA1(line[:sp])
		if err != nil {
			return nil, nil, fmt.Errorf("refdb: malformed packed-refs id %q: %w", line[:sp], err)
		}
		name := line[sp+1:]
		out[name] = Ref{Name: name, Target: id, IsPacked: true}
		order = append(order, name)
		lastName = name
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("refdb: read packed-refs: %w", err)
	}
	return out, order, nil
}
