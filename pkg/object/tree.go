package object

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/odvcencio/gitdir/pkg/githash"
)

// TreeEntry is one (mode, name, id) triple inside a Tree object.
type TreeEntry struct {
	Mode Mode
	Name string
	ID   githash.SHA1
}

// Tree is the ordered list of entries making up a Git tree object.
type Tree []TreeEntry

// compareNames implements the implicit-slash tree ordering rule from
// spec.md §3.1: an entry of mode tree named N sorts as if it were N/.
func compareNames(aName string, aDir bool, bName string, bDir bool) int {
	a, b := aName, bName
	if aDir {
		a += "/"
	}
	if bDir {
		b += "/"
	}
	return bytes.Compare([]byte(a), []byte(b))
}

// Less reports whether entry i sorts before entry j under tree ordering.
func (t Tree) Less(i, j int) bool {
	return compareNames(t[i].Name, t[i].Mode.IsDir(), t[j].Name, t[j].Mode.IsDir()) < 0
}

func (t Tree) Len() int      { return len(t) }
func (t Tree) Swap(i, j int) { t[i], t[j] = t[j], t[i] }

// IsSorted reports whether t is in canonical tree order.
func (t Tree) IsSorted() bool {
	return sort.IsSorted(t)
}

// Search returns the index of the entry named name, or -1 if absent. It
// does a plain linear scan rather than a binary search: t's canonical
// order sorts directories as if their name carried a trailing slash,
// which a name-only comparison against name can't reproduce without
// already knowing each candidate's mode.
func (t Tree) Search(name string) int {
	for i, e := range t {
		if e.Name == name {
			return i
		}
	}
	return -1
}

// Marshal encodes t into its canonical byte form: repeated
// "<octal-mode> <name>\0<20-byte-id>" records. t MUST already be sorted;
// Marshal does not sort defensively since silently reordering would
// change the resulting object id without the caller's knowledge.
func (t Tree) Marshal() ([]byte, error) {
	if !t.IsSorted() {
		return nil, fmt.Errorf("object: tree entries not in canonical order")
	}
	var buf bytes.Buffer
	for _, e := range t {
		buf.WriteString(e.Mode.String())
		buf.WriteByte(' ')
		buf.WriteString(e.Name)
		buf.WriteByte(0)
		buf.Write(e.ID[:])
	}
	return buf.Bytes(), nil
}

// SHA1 returns the object id of t's canonical encoding.
func (t Tree) SHA1() (githash.SHA1, error) {
	raw, err := t.Marshal()
	if err != nil {
		return githash.SHA1{}, err
	}
	return SumID(TypeTree, raw), nil
}

// UnmarshalTree parses a tree object's raw payload using the forward
// scanner.
func UnmarshalTree(data []byte) (Tree, error) {
	var t Tree
	off := 0
	for off < len(data) {
		entry, n, err := parseEntryForward(data[off:])
		if err != nil {
			return nil, fmt.Errorf("object: tree entry at offset %d: %w", off, err)
		}
		t = append(t, entry)
		off += n
	}
	return t, nil
}

// parseEntryForward decodes one entry starting at the beginning of buf and
// returns it along with its encoded length.
func parseEntryForward(buf []byte) (TreeEntry, int, error) {
	sp := bytes.IndexByte(buf, ' ')
	if sp < 0 {
		return TreeEntry{}, 0, fmt.Errorf("missing mode/name separator")
	}
	mode, err := ParseMode(string(buf[:sp]))
	if err != nil {
		return TreeEntry{}, 0, fmt.Errorf("bad mode %q: %w", buf[:sp], err)
	}
	nul := bytes.IndexByte(buf[sp+1:], 0)
	if nul < 0 {
		return TreeEntry{}, 0, fmt.Errorf("missing name terminator")
	}
	name := string(buf[sp+1 : sp+1+nul])
	idStart := sp + 1 + nul + 1
	if idStart+githash.Size > len(buf) {
		return TreeEntry{}, 0, fmt.Errorf("truncated id")
	}
	var id githash.SHA1
	copy(id[:], buf[idStart:idStart+githash.Size])
	total := idStart + githash.Size
	return TreeEntry{Mode: mode, Name: name, ID: id}, total, nil
}

// IterateBackward walks data's tree entries from the end to the
// beginning, yielding entries in reverse order. It implements the
// canonical backward scanner described by spec.md §4.10 and §9: ids may
// legitimately contain the bytes 0x20 (space) or 0x00 (NUL), so a naive
// "scan backward for a NUL" can land on a byte that is actually inside
// the previous entry's id rather than its name terminator.
//
// The rule applied here: from a known entry start, the previous entry's
// id occupies the 20 bytes immediately before it. Scan backward from
// there for a NUL (candidate name terminator), then re-parse forward from
// a candidate mode/name start before that NUL and confirm the forward
// parse lands exactly on the already-known entry start. The first
// candidate that round-trips is the true boundary.
func IterateBackward(data []byte, visit func(TreeEntry) bool) error {
	end := len(data)
	for end > 0 {
		entry, start, err := parseEntryBackward(data, end)
		if err != nil {
			return fmt.Errorf("object: backward tree scan: %w", err)
		}
		if !visit(entry) {
			return nil
		}
		end = start
	}
	return nil
}

// parseEntryBackward locates and decodes the entry whose encoding ends at
// byte offset end (exclusive), returning the entry and the offset at
// which it begins.
func parseEntryBackward(data []byte, end int) (TreeEntry, int, error) {
	if end < githash.Size+2 {
		return TreeEntry{}, 0, fmt.Errorf("truncated entry before offset %d", end)
	}
	idStart := end - githash.Size
	// Candidate NUL terminators are searched backward starting just
	// before the id; a name cannot be empty, so start at idStart-1.
	for nul := idStart - 1; nul >= 1; nul-- {
		if data[nul] != 0 {
			continue
		}
		// Candidate: name occupies (modeEnd+1 .. nul), mode occupies
		// (start .. modeEnd). Find a mode/space boundary by scanning
		// further backward for a space that, combined with a valid
		// octal mode, reparses forward to exactly idStart+20 == end.
		for sp := nul - 1; sp >= 0; sp-- {
			if data[sp] != ' ' {
				continue
			}
			modeStart := sp
			for modeStart > 0 && isOctalDigit(data[modeStart-1]) {
				modeStart--
			}
			if modeStart == sp {
				continue
			}
			entry, n, err := parseEntryForward(data[modeStart:end])
			if err != nil {
				continue
			}
			if modeStart+n == end {
				return entry, modeStart, nil
			}
		}
	}
	return TreeEntry{}, 0, fmt.Errorf("no valid entry boundary found before offset %d", end)
}

func isOctalDigit(b byte) bool { return b >= '0' && b <= '7' }

// FormatEntryMode renders a mode for display purposes (e.g. CLI output),
// zero-padded to 6 digits as Git's ls-tree does.
func FormatEntryMode(m Mode) string {
	s := m.String()
	for len(s) < 6 {
		s = "0" + s
	}
	return s
}
