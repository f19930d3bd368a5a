package packfile

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/odvcencio/gitdir/pkg/githash"
	"github.com/odvcencio/gitdir/pkg/windowcache"
)

// ObjectType is the 3-bit type tag carried in a pack object header.
type ObjectType int

const (
	ObjCommit   ObjectType = 1
	ObjTree     ObjectType = 2
	ObjBlob     ObjectType = 3
	ObjTag      ObjectType = 4
	ObjOfsDelta ObjectType = 6
	ObjRefDelta ObjectType = 7
)

func (t ObjectType) String() string {
	switch t {
	case ObjCommit:
		return "commit"
	case ObjTree:
		return "tree"
	case ObjBlob:
		return "blob"
	case ObjTag:
		return "tag"
	case ObjOfsDelta:
		return "ofs-delta"
	case ObjRefDelta:
		return "ref-delta"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// packMagic is the fixed 4-byte pack signature.
var packMagic = [4]byte{'P', 'A', 'C', 'K'}

// Header is the 12-byte fixed pack header.
type Header struct {
	Version    uint32
	NumObjects uint32
}

// ParseHeader validates and decodes a pack file's 12-byte header.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < 12 {
		return Header{}, fmt.Errorf("packfile: header truncated")
	}
	if [4]byte(data[:4]) != packMagic {
		return Header{}, fmt.Errorf("packfile: bad magic %q", data[:4])
	}
	version := binary.BigEndian.Uint32(data[4:8])
	if version != 2 {
		return Header{}, fmt.Errorf("packfile: unsupported version %d", version)
	}
	return Header{Version: version, NumObjects: binary.BigEndian.Uint32(data[8:12])}, nil
}

// Pack is an open pack file: its header, window-cache-backed random
// access, and (when available) its companion index.
type Pack struct {
	Path   string
	Header Header
	Size   int64

	file  *windowcache.File
	cache *windowcache.Cache
	Index *Index
}

// Open opens the pack at path, validates its header and trailer, and
// associates it with a window Cache for random access. idx may be nil if
// the companion .idx has not been loaded yet.
func Open(path string, cache *windowcache.Cache, idx *Index) (*Pack, error) {
	f, err := windowcache.OpenFile(path)
	if err != nil {
		return nil, err
	}
	if f.Size() < 12+githash.Size {
		f.Close()
		return nil, fmt.Errorf("packfile: %s too small to be a pack", path)
	}
	headerBuf := make([]byte, 12)
	r := newPackReader(f, cache, 0)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		f.Close()
		return nil, fmt.Errorf("packfile: read header: %w", err)
	}
	hdr, err := ParseHeader(headerBuf)
	if err != nil {
		f.Close()
		return nil, err
	}
	var trailer githash.SHA1
	tr := newPackReader(f, cache, f.Size()-githash.Size)
	if _, err := io.ReadFull(tr, trailer[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("packfile: read trailer: %w", err)
	}
	hasher := githash.NewHasher()
	body := newPackReader(f, cache, 0)
	_, err = io.CopyN(hasher, body, f.Size()-githash.Size)
	body.close()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("packfile: hash pack: %w", err)
	}
	if hasher.Sum() != trailer {
		f.Close()
		return nil, fmt.Errorf("packfile: %s: trailer checksum mismatch", path)
	}
	return &Pack{Path: path, Header: hdr, Size: f.Size(), file: f, cache: cache, Index: idx}, nil
}

// Close releases the underlying memory mapping.
func (p *Pack) Close() error { return p.file.Close() }

// Trailer returns the pack's own trailing SHA-1 checksum.
func (p *Pack) Trailer() (githash.SHA1, error) {
	var id githash.SHA1
	r := newPackReader(p.file, p.cache, p.Size-githash.Size)
	_, err := io.ReadFull(r, id[:])
	return id, err
}

// packReader sequentially reads bytes from a Pack starting at a given
// offset, pulling data through the window cache a window at a time.
type packReader struct {
	f      *windowcache.File
	cache  *windowcache.Cache
	pos    int64
	cur    *windowcache.Window
}

func newPackReader(f *windowcache.File, cache *windowcache.Cache, start int64) *packReader {
	return &packReader{f: f, cache: cache, pos: start}
}

func (r *packReader) Read(p []byte) (int, error) {
	if r.pos >= r.f.Size() {
		return 0, io.EOF
	}
	if r.cur == nil || r.pos < r.cur.Start || r.pos >= r.cur.Start+int64(len(r.cur.Data)) {
		if r.cur != nil {
			r.cur.Release()
			r.cur = nil
		}
		w, err := r.cache.GetWindow(r.f, r.pos)
		if err != nil {
			return 0, err
		}
		r.cur = w
	}
	offsetInWindow := int(r.pos - r.cur.Start)
	n := copy(p, r.cur.Data[offsetInWindow:])
	r.pos += int64(n)
	return n, nil
}

func (r *packReader) ReadByte() (byte, error) {
	var b [1]byte
	n, err := r.Read(b[:])
	if n == 1 {
		return b[0], nil
	}
	if err == nil {
		err = io.EOF
	}
	return 0, err
}

func (r *packReader) close() {
	if r.cur != nil {
		r.cur.Release()
		r.cur = nil
	}
}

// decodeObjectHeader decodes the variable-length object header at the
// reader's current position per spec.md §4.4: first byte's bits 4-6 are
// the 3-bit type, bits 0-3 are the low size bits, continuation bytes add
// 7 bits each.
func decodeObjectHeader(r *packReader) (ObjectType, uint64, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, 0, fmt.Errorf("packfile: object header: %w", err)
	}
	typ := ObjectType((b >> 4) & 0x07)
	size := uint64(b & 0x0f)
	shift := uint(4)
	for b&0x80 != 0 {
		b, err = r.ReadByte()
		if err != nil {
			return 0, 0, fmt.Errorf("packfile: object header continuation: %w", err)
		}
		size |= uint64(b&0x7f) << shift
		shift += 7
	}
	return typ, size, nil
}

// decodeOfsDeltaOffset decodes the backward base-offset varint for
// OFS_DELTA entries per spec.md §4.4: each byte contributes 7 bits, and
// every byte but the last adds (1<<7) after the shift (the "+1
// disambiguator" that makes the encoding prefix-free and strictly
// decreasing).
func decodeOfsDeltaOffset(r *packReader) (uint64, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("packfile: ofs-delta offset: %w", err)
	}
	value := uint64(b & 0x7f)
	for b&0x80 != 0 {
		b, err = r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("packfile: ofs-delta offset continuation: %w", err)
		}
		value = ((value + 1) << 7) | uint64(b&0x7f)
	}
	return value, nil
}

// RawEntry describes one decoded pack entry's header fields and, for
// delta entries, its base reference.
type RawEntry struct {
	Type       ObjectType
	Size       uint64 // inflated size
	BaseOffset uint64 // valid if Type == ObjOfsDelta
	BaseID     githash.SHA1
	DataOffset int64 // byte offset of the zlib stream start
}

// ReadEntryHeader decodes the object header at offset and returns it
// along with the position of the following zlib payload.
func (p *Pack) ReadEntryHeader(offset int64) (RawEntry, error) {
	r := newPackReader(p.file, p.cache, offset)
	defer r.close()
	typ, size, err := decodeObjectHeader(r)
	if err != nil {
		return RawEntry{}, err
	}
	e := RawEntry{Type: typ, Size: size}
	switch typ {
	case ObjOfsDelta:
		dist, err := decodeOfsDeltaOffset(r)
		if err != nil {
			return RawEntry{}, err
		}
		if dist == 0 || dist > uint64(offset) {
			return RawEntry{}, fmt.Errorf("packfile: ofs-delta base offset out of range")
		}
		e.BaseOffset = uint64(offset) - dist
	case ObjRefDelta:
		if _, err := io.ReadFull(r, e.BaseID[:]); err != nil {
			return RawEntry{}, fmt.Errorf("packfile: ref-delta base id: %w", err)
		}
	}
	e.DataOffset = offset + int64(r.pos-offset)
	return e, nil
}

// InflatePayload inflates the zlib stream starting at dataOffset,
// expecting exactly expectedSize bytes of output.
func (p *Pack) InflatePayload(dataOffset int64, expectedSize uint64) ([]byte, error) {
	r := newPackReader(p.file, p.cache, dataOffset)
	defer r.close()
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("packfile: corrupt zlib stream at %d: %w", dataOffset, err)
	}
	defer zr.Close()
	buf := make([]byte, expectedSize)
	if _, err := io.ReadFull(zr, buf); err != nil {
		return nil, fmt.Errorf("packfile: inflate at %d: %w", dataOffset, err)
	}
	return buf, nil
}

// InflateTo inflates the zlib stream starting at dataOffset directly into
// w, without buffering the whole payload in memory. Used for literal
// (non-delta) entries served through a streaming Open.
func (p *Pack) InflateTo(dataOffset int64, expectedSize uint64, w io.Writer) error {
	r := newPackReader(p.file, p.cache, dataOffset)
	defer r.close()
	zr, err := zlib.NewReader(r)
	if err != nil {
		return fmt.Errorf("packfile: corrupt zlib stream at %d: %w", dataOffset, err)
	}
	defer zr.Close()
	n, err := io.CopyN(w, zr, int64(expectedSize))
	if err != nil {
		return fmt.Errorf("packfile: inflate at %d: %w", dataOffset, err)
	}
	if uint64(n) != expectedSize {
		return fmt.Errorf("packfile: inflate at %d: short read %d of %d", dataOffset, n, expectedSize)
	}
	return nil
}
