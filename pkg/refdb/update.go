package refdb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/odvcencio/gitdir/pkg/githash"
	"github.com/odvcencio/gitdir/pkg/lockfile"
)

// Result enumerates the outcome of a RefUpdate call per spec.md §4.7.
type Result int

const (
	ResultNew Result = iota
	ResultFastForward
	ResultForced
	ResultNoChange
	ResultRejected
	ResultRejectedCurrentBranch
	ResultLockFailure
	ResultIOFailure
)

func (r Result) String() string {
	switch r {
	case ResultNew:
		return "NEW"
	case ResultFastForward:
		return "FAST_FORWARD"
	case ResultForced:
		return "FORCED"
	case ResultNoChange:
		return "NO_CHANGE"
	case ResultRejected:
		return "REJECTED"
	case ResultRejectedCurrentBranch:
		return "REJECTED_CURRENT_BRANCH"
	case ResultLockFailure:
		return "LOCK_FAILURE"
	case ResultIOFailure:
		return "IO_FAILURE"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// ReachabilityOracle decides, for a non-force update, whether newValue is
// a descendant of oldValue. The revision-walk collaborator supplies
// this; refdb has no graph-walking logic of its own.
type ReachabilityOracle func(oldValue, newValue githash.SHA1) (bool, error)

// Update describes one RefUpdate call's inputs, per spec.md §4.7.
type Update struct {
	Name             string
	NewValue         githash.SHA1
	ExpectedOld      *githash.SHA1 // nil means "no CAS check"
	Force            bool
	RefLogMessage    string
	IsCurrentBranch  bool // true if name is the branch HEAD currently points to
	Reachable        ReachabilityOracle
}

// RefUpdate performs a compare-and-swap write of a single loose ref,
// following the algorithm in spec.md §4.7: acquire a lock on the loose
// ref file, verify the expected old value, fast-forward check unless
// Force, commit, then append a reflog record.
func (db *DB) RefUpdate(u Update) (Result, error) {
	refPath := db.refPath(u.Name)
	if err := os.MkdirAll(filepath.Dir(refPath), 0o755); err != nil {
		return ResultIOFailure, fmt.Errorf("refdb: update %s: mkdir: %w", u.Name, err)
	}

	lock, err := lockfile.Acquire(refPath, db.refLockWait, db.refLockRetry)
	if err != nil {
		return ResultLockFailure, fmt.Errorf("refdb: update %s: %w", u.Name, err)
	}
	defer lock.Unlock()

	current, exists, err := db.readLoose(u.Name)
	if err != nil {
		return ResultIOFailure, fmt.Errorf("refdb: update %s: %w", u.Name, err)
	}
	var oldValue githash.SHA1
	if exists && !current.IsSymbolic() {
		oldValue = current.Target
	} else if !exists {
		if err := db.reloadPackedIfStale(); err != nil {
			return ResultIOFailure, err
		}
		db.mu.Lock()
		if packedRef, ok := db.packed[u.Name]; ok {
			oldValue = packedRef.Target
			exists = true
		}
		db.mu.Unlock()
	}

	if u.ExpectedOld != nil && oldValue != *u.ExpectedOld {
		return ResultLockFailure, fmt.Errorf("refdb: update %s: expected old value %s, found %s", u.Name, *u.ExpectedOld, oldValue)
	}

	if oldValue == u.NewValue {
		return ResultNoChange, nil
	}

	result := ResultNew
	if exists {
		if u.Force {
			result = ResultForced
		} else {
			if u.Reachable == nil {
				return ResultRejected, fmt.Errorf("refdb: update %s: non-force update requires a reachability oracle", u.Name)
			}
			ok, err := u.Reachable(oldValue, u.NewValue)
			if err != nil {
				return ResultIOFailure, fmt.Errorf("refdb: update %s: reachability check: %w", u.Name, err)
			}
			if !ok {
				if u.IsCurrentBranch {
					return ResultRejectedCurrentBranch, nil
				}
				return ResultRejected, nil
			}
			result = ResultFastForward
		}
	}

	if _, err := lock.Write([]byte(u.NewValue.String() + "\n")); err != nil {
		return ResultIOFailure, fmt.Errorf("refdb: update %s: write: %w", u.Name, err)
	}
	if err := lock.Commit(); err != nil {
		return ResultIOFailure, fmt.Errorf("refdb: update %s: %w", u.Name, err)
	}

	if err := db.appendReflog(u.Name, oldValue, u.NewValue, u.RefLogMessage); err != nil {
		db.log.WithError(err).WithField("ref", u.Name).Warn("refdb: ref updated but reflog append failed")
	}

	return result, nil
}

// ReflogEntry is one parsed line of a ref's reflog.
type ReflogEntry struct {
	OldValue  githash.SHA1
	NewValue  githash.SHA1
	Name      string
	Email     string
	Timestamp time.Time
	Message   string
}

func (db *DB) reflogPath(name string) string {
	return filepath.Join(db.dir, "logs", filepath.FromSlash(name))
}

func (db *DB) appendReflog(name string, oldValue, newValue githash.SHA1, message string) error {
	if strings.TrimSpace(message) == "" {
		message = "update"
	}
	path := db.reflogPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s %s %s %d +0000\t%s\n", oldValue, newValue, "gitdir <gitdir@localhost>", time.Now().Unix(), message)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// ReadReflog parses a ref's reflog, oldest first. Lines in the file are
// tolerated even when a middle line is malformed (e.g. truncated by a
// concurrent writer crash): such lines are skipped rather than aborting
// the whole read, since reflogs are diagnostic, not authoritative state.
func (db *DB) ReadReflog(name string) ([]ReflogEntry, error) {
	data, err := os.ReadFile(db.reflogPath(name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("refdb: read reflog %s: %w", name, err)
	}

	var out []ReflogEntry
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if line == "" {
			continue
		}
		entry, ok := parseReflogLine(line)
		if !ok {
			db.log.WithField("ref", name).Warn("refdb: skipping malformed reflog line")
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func parseReflogLine(line string) (ReflogEntry, bool) {
	tab := strings.IndexByte(line, '\t')
	message := ""
	header := line
	if tab >= 0 {
		header = line[:tab]
		message = line[tab+1:]
	}
	fields := strings.Fields(header)
	if len(fields) < 5 {
		return ReflogEntry{}, false
	}
	oldValue, err := githash.ParseSHA1(fields[0])
	if err != nil {
		return ReflogEntry{}, false
	}
	newValue, err := githash.ParseSHA1(fields[1])
	if err != nil {
		return ReflogEntry{}, false
	}
	// fields[2:len-2] is the "Name <email>" identity, fields[len-2] the
	// unix seconds, fields[len-1] the timezone offset.
	tzField := fields[len(fields)-1]
	secsField := fields[len(fields)-2]
	identity := strings.Join(fields[2:len(fields)-2], " ")
	open := strings.IndexByte(identity, '<')
	close := strings.IndexByte(identity, '>')
	name, email := identity, ""
	if open >= 0 && close > open {
		name = strings.TrimSpace(identity[:open])
		email = identity[open+1 : close]
	}
	var secs int64
	if _, err := fmt.Sscanf(secsField, "%d", &secs); err != nil {
		return ReflogEntry{}, false
	}
	_ = tzField
	return ReflogEntry{
		OldValue:  oldValue,
		NewValue:  newValue,
		Name:      name,
		Email:     email,
		Timestamp: time.Unix(secs, 0),
		Message:   message,
	}, true
}
