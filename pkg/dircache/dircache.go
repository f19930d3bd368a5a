// Package dircache implements the DirCache half of C10 from spec.md
// §3.1/§4.10: the binary index-file format (signature "DIRC", sorted
// stat-cache entries, SHA-1 trailer) used to detect whether a tracked
// path's on-disk content still matches what was last recorded.
package dircache

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/odvcencio/gitdir/pkg/githash"
)

const signature = "DIRC"

const (
	entryFixedSize = 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + githash.Size + 2
	flagNameMask   = 0x0fff
	flagExtended   = 0x4000
	flagStageMask  = 0x3000
)

// Entry is one tracked path's cached stat metadata plus the id of the
// blob it last recorded.
type Entry struct {
	CTime   time.Time
	MTime   time.Time
	Dev     uint32
	Ino     uint32
	Mode    uint32
	UID     uint32
	GID     uint32
	Size    uint32
	ID      githash.SHA1
	Stage   int // 0 = normal, 1-3 = unmerged conflict stages
	Path    string
}

// Cache is a parsed index file: a version, a sorted list of entries, and
// the stat snapshot it was loaded against (for IsOutdated).
type Cache struct {
	Version int
	Entries []Entry

	loadedFromPath string
	loadedModTime  time.Time
	loadedSize     int64
}

// lessEntry reports whether entry a sorts before entry b in canonical
// index order: path name, then stage.
func lessEntry(a, b Entry) bool {
	if a.Path != b.Path {
		return a.Path < b.Path
	}
	return a.Stage < b.Stage
}

// Read decodes a full index file's raw bytes, validating the signature,
// version, and trailing SHA-1 checksum over everything that precedes it.
func Read(data []byte) (*Cache, error) {
	if len(data) < 12+githash.Size {
		return nil, fmt.Errorf("dircache: truncated index: %d bytes", len(data))
	}
	trailer := data[len(data)-githash.Size:]
	body := data[:len(data)-githash.Size]
	sum := sha1.Sum(body)
	if !bytes.Equal(sum[:], trailer) {
		return nil, fmt.Errorf("dircache: checksum mismatch")
	}

	if string(body[:4]) != signature {
		return nil, fmt.Errorf("dircache: bad signature %q", body[:4])
	}
	version := int(binary.BigEndian.Uint32(body[4:8]))
	if version != 2 && version != 3 && version != 4 {
		return nil, fmt.Errorf("dircache: unsupported version %d", version)
	}
	if version == 4 {
		return nil, fmt.Errorf("dircache: version 4 (name-prefix-compressed entries) is not supported")
	}
	count := int(binary.BigEndian.Uint32(body[8:12]))

	c := &Cache{Version: version}
	off := 12
	for i := 0; i < count; i++ {
		entry, n, err := decodeEntry(body[off:], version)
		if err != nil {
			return nil, fmt.Errorf("dircache: entry %d: %w", i, err)
		}
		c.Entries = append(c.Entries, entry)
		off += n
	}
	return c, nil
}

func decodeEntry(buf []byte, version int) (Entry, int, error) {
	if len(buf) < entryFixedSize {
		return Entry{}, 0, fmt.Errorf("truncated entry header")
	}
	u32 := func(off int) uint32 { return binary.BigEndian.Uint32(buf[off:]) }

	var e Entry
	e.CTime = time.Unix(int64(u32(0)), int64(u32(4)))
	e.MTime = time.Unix(int64(u32(8)), int64(u32(12)))
	e.Dev = u32(16)
	e.Ino = u32(20)
	e.Mode = u32(24)
	e.UID = u32(28)
	e.GID = u32(32)
	e.Size = u32(36)
	copy(e.ID[:], buf[40:40+githash.Size])
	flagsOff := 40 + githash.Size
	flags := binary.BigEndian.Uint16(buf[flagsOff:])
	e.Stage = int(flags&flagStageMask) >> 12
	nameLen := int(flags & flagNameMask)

	off := flagsOff + 2
	if flags&flagExtended != 0 {
		if version < 3 {
			return Entry{}, 0, fmt.Errorf("extended flag set in version %d entry", version)
		}
		// Extended flags carry additional bits (intent-to-add, skip-worktree)
		// this package does not interpret; they are consumed but ignored.
		off += 2
	}

	var name []byte
	if nameLen < flagNameMask {
		if off+nameLen > len(buf) {
			return Entry{}, 0, fmt.Errorf("truncated entry name")
		}
		name = buf[off : off+nameLen]
		off += nameLen
	} else {
		nul := bytes.IndexByte(buf[off:], 0)
		if nul < 0 {
			return Entry{}, 0, fmt.Errorf("missing name terminator for long name")
		}
		name = buf[off : off+nul]
		off += nul
	}
	e.Path = string(name)

	// Entries are NUL-padded so the total encoded length is a multiple of 8.
	total := off + 1
	for total%8 != 0 {
		total++
	}
	if total > len(buf) {
		return Entry{}, 0, fmt.Errorf("truncated entry padding")
	}
	return e, total, nil
}

// Write encodes c into its canonical binary form, sorting entries first.
func (c *Cache) Write() ([]byte, error) {
	if c.Version == 4 {
		return nil, fmt.Errorf("dircache: version 4 encoding is not supported")
	}
	version := c.Version
	if version == 0 {
		version = 2
	}
	sorted := append([]Entry(nil), c.Entries...)
	sort.Slice(sorted, func(i, j int) bool { return lessEntry(sorted[i], sorted[j]) })

	var buf bytes.Buffer
	buf.WriteString(signature)
	writeU32(&buf, uint32(version))
	writeU32(&buf, uint32(len(sorted)))

	for _, e := range sorted {
		if err := encodeEntry(&buf, e); err != nil {
			return nil, err
		}
	}

	sum := sha1.Sum(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes(), nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func encodeEntry(buf *bytes.Buffer, e Entry) error {
	if e.Stage < 0 || e.Stage > 3 {
		return fmt.Errorf("dircache: invalid stage %d for %q", e.Stage, e.Path)
	}
	writeU32(buf, uint32(e.CTime.Unix()))
	writeU32(buf, uint32(e.CTime.Nanosecond()))
	writeU32(buf, uint32(e.MTime.Unix()))
	writeU32(buf, uint32(e.MTime.Nanosecond()))
	writeU32(buf, e.Dev)
	writeU32(buf, e.Ino)
	writeU32(buf, e.Mode)
	writeU32(buf, e.UID)
	writeU32(buf, e.GID)
	writeU32(buf, e.Size)
	buf.Write(e.ID[:])

	nameLen := len(e.Path)
	flagField := uint16(e.Stage<<12) & flagStageMask
	if nameLen < flagNameMask {
		flagField |= uint16(nameLen)
	} else {
		flagField |= flagNameMask
	}
	var flagBytes [2]byte
	binary.BigEndian.PutUint16(flagBytes[:], flagField)
	buf.Write(flagBytes[:])

	start := buf.Len() - entryFixedSize
	buf.WriteString(e.Path)
	buf.WriteByte(0)
	for (buf.Len()-start)%8 != 0 {
		buf.WriteByte(0)
	}
	return nil
}

// ReadFile loads and parses the index file at path, recording the stat
// snapshot used by IsOutdated.
func ReadFile(path string) (*Cache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dircache: read %s: %w", path, err)
	}
	c, err := Read(data)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("dircache: stat %s: %w", path, err)
	}
	c.loadedFromPath = path
	c.loadedModTime = st.ModTime()
	c.loadedSize = st.Size()
	return c, nil
}

// IsOutdated reports whether the backing file's current stat differs
// from the stat captured when c was loaded (spec.md §3.3: "in-memory
// entries are invalidated if the backing file's stat differs from the
// stat captured at load").
func (c *Cache) IsOutdated() (bool, error) {
	if c.loadedFromPath == "" {
		return false, fmt.Errorf("dircache: IsOutdated called on a cache not loaded from a file")
	}
	st, err := os.Stat(c.loadedFromPath)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("dircache: stat %s: %w", c.loadedFromPath, err)
	}
	return !st.ModTime().Equal(c.loadedModTime) || st.Size() != c.loadedSize, nil
}

// Find returns the index of the stage-0 entry named path, or -1.
func (c *Cache) Find(path string) int {
	for i, e := range c.Entries {
		if e.Path == path && e.Stage == 0 {
			return i
		}
	}
	return -1
}
