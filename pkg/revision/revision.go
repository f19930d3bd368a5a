// Package revision implements C9 (RevisionResolver) from spec.md §4.9: a
// left-fold parser/evaluator for Git's revision-expression grammar,
// layered on top of the object and ref databases.
package revision

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/odvcencio/gitdir/pkg/githash"
	"github.com/odvcencio/gitdir/pkg/object"
	"github.com/odvcencio/gitdir/pkg/objectdb"
	"github.com/odvcencio/gitdir/pkg/refdb"
)

// ErrUnresolvable is returned when expr has valid syntax but names no
// object (a missing ref, an out-of-range parent, a missing path
// component) — the grammar's "None" result, distinct from fatal errors
// like ambiguity or I/O failure.
var ErrUnresolvable = errors.New("revision: unresolvable")

const maxTagChaseDepth = 10

// ObjectReader is the subset of objectdb.DB the resolver needs.
type ObjectReader interface {
	Get(id githash.SHA1) (object.Type, []byte, error)
	Resolve(abbrev githash.Abbrev) (githash.SHA1, error)
}

// RefReader is the subset of refdb.DB the resolver needs.
type RefReader interface {
	GetRef(short string) (refdb.Ref, bool, error)
	ExactRef(name string) (refdb.Ref, bool, error)
	Resolve(name string) (githash.SHA1, error)
	ReadReflog(name string) ([]refdb.ReflogEntry, error)
}

// Resolver evaluates revision expressions against an object database and
// a ref database.
type Resolver struct {
	Objects ObjectReader
	Refs    RefReader
}

// New constructs a Resolver over the given object and ref databases.
func New(objects ObjectReader, refs RefReader) *Resolver {
	return &Resolver{Objects: objects, Refs: refs}
}

// Resolve evaluates expr and returns the resulting object id. A result of
// (zero, ErrUnresolvable) means the expression is well-formed but names
// no object; any other error is fatal (ambiguity, I/O, incorrect type).
func (r *Resolver) Resolve(expr string) (githash.SHA1, error) {
	name, suffix := splitIdentifier(expr)
	id, err := r.resolveIdentifier(name)
	if err != nil {
		return githash.SHA1{}, err
	}
	return r.applySuffix(id, suffix)
}

// splitIdentifier separates expr into its leading identifier and the
// remaining suffix operators. Per spec.md §4.9, ':' terminates the
// identifier; '^', '~', and '@' do not start the identifier but also do
// not appear inside one.
func splitIdentifier(expr string) (name, suffix string) {
	for i, c := range expr {
		if c == '^' || c == '~' || c == '@' || c == ':' {
			return expr[:i], expr[i:]
		}
	}
	return expr, ""
}

// describeSuffix recognizes the "git describe" tail "-N-g<hex>" or
// "-g<hex>" and extracts the abbreviated hex id.
func describeSuffix(s string) (prefixLen int, hex string, ok bool) {
	idx := strings.LastIndex(s, "-g")
	if idx < 0 {
		return 0, "", false
	}
	hex = s[idx+2:]
	if len(hex) < 4 || len(hex) > githash.MaxAbbrevLen || !isHex(hex) {
		return 0, "", false
	}
	return idx, hex, true
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

func (r *Resolver) resolveIdentifier(name string) (githash.SHA1, error) {
	if name == "" {
		name = "HEAD"
	}

	if _, hex, ok := describeSuffix(name); ok {
		return r.resolveHexOrAbbrev(hex)
	}

	if len(name) == githash.Size*2 && isHex(name) {
		return githash.ParseSHA1(name)
	}

	ref, ok, err := r.Refs.GetRef(name)
	if err != nil {
		return githash.SHA1{}, err
	}
	if ok {
		id, err := r.Refs.Resolve(ref.Name)
		if err != nil {
			return githash.SHA1{}, err
		}
		return id, nil
	}

	if len(name) >= githash.MinAbbrevLen && isHex(name) {
		return r.resolveHexOrAbbrev(name)
	}

	return githash.SHA1{}, fmt.Errorf("%w: %q", ErrUnresolvable, name)
}

func (r *Resolver) resolveHexOrAbbrev(hex string) (githash.SHA1, error) {
	if len(hex) == githash.Size*2 {
		return githash.ParseSHA1(hex)
	}
	abbrev, err := githash.ParseAbbrev(hex)
	if err != nil {
		return githash.SHA1{}, err
	}
	id, err := r.Objects.Resolve(abbrev)
	if err != nil {
		if errors.Is(err, objectdb.ErrNotFound) {
			return githash.SHA1{}, fmt.Errorf("%w: abbreviation %q", ErrUnresolvable, hex)
		}
		return githash.SHA1{}, err
	}
	return id, nil
}

// applySuffix walks the remaining operator string left to right,
// applying each to the running id.
func (r *Resolver) applySuffix(id githash.SHA1, suffix string) (githash.SHA1, error) {
	for suffix != "" {
		switch suffix[0] {
		case ':':
			return r.resolveTreePath(id, suffix[1:])
		case '^':
			var err error
			id, suffix, err = r.applyCaret(id, suffix)
			if err != nil {
				return githash.SHA1{}, err
			}
		case '~':
			var err error
			id, suffix, err = r.applyTilde(id, suffix)
			if err != nil {
				return githash.SHA1{}, err
			}
		case '@':
			var err error
			id, suffix, err = r.applyReflogAt(id, suffix)
			if err != nil {
				return githash.SHA1{}, err
			}
		default:
			return githash.SHA1{}, fmt.Errorf("revision: unexpected suffix %q", suffix)
		}
	}
	return id, nil
}

func (r *Resolver) applyCaret(id githash.SHA1, suffix string) (githash.SHA1, string, error) {
	rest := suffix[1:]
	if strings.HasPrefix(rest, "{") {
		close := strings.IndexByte(rest, '}')
		if close < 0 {
			return githash.SHA1{}, "", fmt.Errorf("revision: unterminated %q", suffix)
		}
		kind := rest[1:close]
		remaining := rest[close+1:]
		if kind == "" {
			newID, err := r.peelTagLayers(id)
			return newID, remaining, err
		}
		typ, err := object.ParseType(kind)
		if err != nil {
			return githash.SHA1{}, "", fmt.Errorf("revision: unknown peel target %q", kind)
		}
		newID, err := r.peelToType(id, typ)
		return newID, remaining, err
	}

	digits, remaining := takeDigits(rest)
	n := 1
	if digits != "" {
		parsed, err := strconv.Atoi(digits)
		if err != nil {
			return githash.SHA1{}, "", fmt.Errorf("revision: malformed parent count %q", digits)
		}
		n = parsed
	}
	commit, _, err := r.peelToCommit(id)
	if err != nil {
		return githash.SHA1{}, "", err
	}
	if n == 0 {
		return commit.SHA1(), remaining, nil
	}
	if n > len(commit.Parents) {
		return githash.SHA1{}, "", fmt.Errorf("%w: parent %d of %q out of range", ErrUnresolvable, n, id)
	}
	return commit.Parents[n-1], remaining, nil
}

func (r *Resolver) applyTilde(id githash.SHA1, suffix string) (githash.SHA1, string, error) {
	rest := suffix[1:]
	digits, remaining := takeDigits(rest)
	n := 1
	if digits != "" {
		parsed, err := strconv.Atoi(digits)
		if err != nil {
			return githash.SHA1{}, "", fmt.Errorf("revision: malformed ancestor count %q", digits)
		}
		n = parsed
	}
	commit, commitID, err := r.peelToCommit(id)
	if err != nil {
		return githash.SHA1{}, "", err
	}
	cur := commit
	curID := commitID
	for i := 0; i < n; i++ {
		if len(cur.Parents) == 0 {
			return githash.SHA1{}, "", fmt.Errorf("%w: %q has no first parent at step %d", ErrUnresolvable, id, i+1)
		}
		curID = cur.Parents[0]
		nextCommit, _, err := r.peelToCommit(curID)
		if err != nil {
			return githash.SHA1{}, "", err
		}
		cur = nextCommit
	}
	return curID, remaining, nil
}

func (r *Resolver) applyReflogAt(id githash.SHA1, suffix string) (githash.SHA1, string, error) {
	rest := suffix[1:]
	if !strings.HasPrefix(rest, "{") {
		return githash.SHA1{}, "", fmt.Errorf("revision: malformed reflog selector %q", suffix)
	}
	close := strings.IndexByte(rest, '}')
	if close < 0 {
		return githash.SHA1{}, "", fmt.Errorf("revision: unterminated %q", suffix)
	}
	selector := rest[1:close]
	remaining := rest[close+1:]

	entries, err := r.Refs.ReadReflog("HEAD")
	if err != nil {
		return githash.SHA1{}, "", err
	}
	if n, err := strconv.Atoi(selector); err == nil {
		idx := len(entries) - 1 - n
		if idx < 0 || idx >= len(entries) {
			return githash.SHA1{}, "", fmt.Errorf("%w: reflog index %d out of range", ErrUnresolvable, n)
		}
		return entries[idx].NewValue, remaining, nil
	}
	when, err := time.Parse("2006-01-02 15:04:05", selector)
	if err != nil {
		return githash.SHA1{}, "", fmt.Errorf("revision: malformed reflog selector %q: %w", selector, err)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if !entries[i].Timestamp.After(when) {
			return entries[i].NewValue, remaining, nil
		}
	}
	return githash.SHA1{}, "", fmt.Errorf("%w: no reflog entry before %s", ErrUnresolvable, selector)
}

func takeDigits(s string) (digits, remaining string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i], s[i:]
}

// peelToCommit chases annotated-tag layers until it reaches a commit,
// bounded by maxTagChaseDepth.
func (r *Resolver) peelToCommit(id githash.SHA1) (object.Commit, githash.SHA1, error) {
	cur := id
	for hop := 0; hop < maxTagChaseDepth; hop++ {
		typ, payload, err := r.Objects.Get(cur)
		if err != nil {
			return object.Commit{}, githash.SHA1{}, err
		}
		switch typ {
		case object.TypeCommit:
			c, err := object.UnmarshalCommit(payload)
			if err != nil {
				return object.Commit{}, githash.SHA1{}, err
			}
			return c, cur, nil
		case object.TypeTag:
			tag, err := object.UnmarshalTag(payload)
			if err != nil {
				return object.Commit{}, githash.SHA1{}, err
			}
			cur = tag.Object
		default:
			return object.Commit{}, githash.SHA1{}, &object.IncorrectObjectTypeError{Got: typ, Want: object.TypeCommit, ID: cur}
		}
	}
	return object.Commit{}, githash.SHA1{}, fmt.Errorf("revision: tag chase exceeds %d hops at %s", maxTagChaseDepth, id)
}

// peelToType chases annotated-tag layers until it reaches an object of
// the requested type, failing with IncorrectObjectTypeError otherwise.
func (r *Resolver) peelToType(id githash.SHA1, want object.Type) (githash.SHA1, error) {
	cur := id
	for hop := 0; hop < maxTagChaseDepth; hop++ {
		typ, payload, err := r.Objects.Get(cur)
		if err != nil {
			return githash.SHA1{}, err
		}
		if typ == want {
			return cur, nil
		}
		if typ != object.TypeTag {
			return githash.SHA1{}, &object.IncorrectObjectTypeError{Got: typ, Want: want, ID: cur}
		}
		tag, err := object.UnmarshalTag(payload)
		if err != nil {
			return githash.SHA1{}, err
		}
		cur = tag.Object
	}
	return githash.SHA1{}, fmt.Errorf("revision: tag chase exceeds %d hops at %s", maxTagChaseDepth, id)
}

// peelTagLayers implements R^{} : strip annotated-tag layers, returning
// the first non-tag object reached (no type check beyond that).
func (r *Resolver) peelTagLayers(id githash.SHA1) (githash.SHA1, error) {
	cur := id
	for hop := 0; hop < maxTagChaseDepth; hop++ {
		typ, payload, err := r.Objects.Get(cur)
		if err != nil {
			return githash.SHA1{}, err
		}
		if typ != object.TypeTag {
			return cur, nil
		}
		tag, err := object.UnmarshalTag(payload)
		if err != nil {
			return githash.SHA1{}, err
		}
		cur = tag.Object
	}
	return githash.SHA1{}, fmt.Errorf("revision: tag chase exceeds %d hops at %s", maxTagChaseDepth, id)
}

func (r *Resolver) resolveTreePath(id githash.SHA1, path string) (githash.SHA1, error) {
	commit, _, err := r.peelToCommit(id)
	if err != nil {
		return githash.SHA1{}, err
	}
	treeID := commit.Tree
	if path == "" {
		return treeID, nil
	}

	components := strings.Split(path, "/")
	cur := treeID
	for i, comp := range components {
		typ, payload, err := r.Objects.Get(cur)
		if err != nil {
			return githash.SHA1{}, err
		}
		if typ != object.TypeTree {
			return githash.SHA1{}, fmt.Errorf("%w: %q is not a tree", ErrUnresolvable, cur)
		}
		tree, err := object.UnmarshalTree(payload)
		if err != nil {
			return githash.SHA1{}, err
		}
		idx := tree.Search(comp)
		if idx < 0 {
			return githash.SHA1{}, fmt.Errorf("%w: path component %q not found", ErrUnresolvable, comp)
		}
		entry := tree[idx]
		if i < len(components)-1 && !entry.Mode.IsDir() {
			return githash.SHA1{}, fmt.Errorf("%w: path component %q is not a tree", ErrUnresolvable, comp)
		}
		cur = entry.ID
	}
	return cur, nil
}
