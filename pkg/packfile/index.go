// Package packfile implements C3 (PackIndex) and C4 (PackFile) from
// spec.md §4.3/§4.4: pack index v1/v2 parsing, pack object-header
// decoding, and delta-chain resolution.
package packfile

import (
	"encoding/binary"
	"fmt"

	"github.com/odvcencio/gitdir/pkg/githash"
)

var indexV2Magic = [4]byte{0xff, 't', 'O', 'c'}

// Index is a parsed pack index (v1 or v2), giving id -> pack-offset
// lookup and ascending-order iteration per spec.md §4.3.
type Index struct {
	Version         int
	fanout          [256]uint32
	ids             []githash.SHA1
	crc32s          []uint32 // empty for v1
	offsets         []uint32
	largeOffsets    []uint64
	PackChecksum    githash.SHA1
	IndexChecksum   githash.SHA1
}

// Count returns the number of objects in the index.
func (idx *Index) Count() int { return len(idx.ids) }

// ID returns the id at position i in ascending order (0 <= i < Count()).
func (idx *Index) ID(i int) githash.SHA1 { return idx.ids[i] }

// ReadIndex parses a pack index file's raw bytes, detecting v1 vs v2 by
// the presence of the v2 magic number.
func ReadIndex(data []byte) (*Index, error) {
	if len(data) >= 4 && [4]byte(data[:4]) == indexV2Magic {
		return readIndexV2(data)
	}
	return readIndexV1(data)
}

func readIndexV1(data []byte) (*Index, error) {
	const fanoutBytes = 256 * 4
	if len(data) < fanoutBytes+2*githash.Size {
		return nil, fmt.Errorf("packfile: v1 index truncated")
	}
	idx := &Index{Version: 1}
	for i := 0; i < 256; i++ {
		idx.fanout[i] = binary.BigEndian.Uint32(data[i*4:])
	}
	n := int(idx.fanout[255])
	off := fanoutBytes
	entrySize := 4 + githash.Size
	need := fanoutBytes + n*entrySize + 2*githash.Size
	if len(data) != need {
		return nil, fmt.Errorf("packfile: v1 index size mismatch: got %d bytes, want %d", len(data), need)
	}
	idx.ids = make([]githash.SHA1, n)
	idx.offsets = make([]uint32, n)
	for i := 0; i < n; i++ {
		idx.offsets[i] = binary.BigEndian.Uint32(data[off:])
		var id githash.SHA1
		copy(id[:], data[off+4:off+4+githash.Size])
		idx.ids[i] = id
		off += entrySize
	}
	copy(idx.PackChecksum[:], data[off:off+githash.Size])
	off += githash.Size
	copy(idx.IndexChecksum[:], data[off:off+githash.Size])
	if err := verifyAscending(idx.ids); err != nil {
		return nil, err
	}
	return idx, nil
}

func readIndexV2(data []byte) (*Index, error) {
	const headerBytes = 4 + 4 // magic + version
	const fanoutBytes = 256 * 4
	if len(data) < headerBytes+fanoutBytes+2*githash.Size {
		return nil, fmt.Errorf("packfile: v2 index truncated")
	}
	version := binary.BigEndian.Uint32(data[4:8])
	if version != 2 {
		return nil, fmt.Errorf("packfile: unsupported index version %d", version)
	}
	idx := &Index{Version: 2}
	off := headerBytes
	for i := 0; i < 256; i++ {
		idx.fanout[i] = binary.BigEndian.Uint32(data[off+i*4:])
	}
	off += fanoutBytes
	n := int(idx.fanout[255])

	need := off + n*githash.Size + n*4 + n*4 + 2*githash.Size
	if len(data) < need {
		return nil, fmt.Errorf("packfile: v2 index truncated: have %d, need at least %d", len(data), need)
	}

	idx.ids = make([]githash.SHA1, n)
	for i := 0; i < n; i++ {
		var id githash.SHA1
		copy(id[:], data[off:off+githash.Size])
		idx.ids[i] = id
		off += githash.Size
	}

	idx.crc32s = make([]uint32, n)
	for i := 0; i < n; i++ {
		idx.crc32s[i] = binary.BigEndian.Uint32(data[off:])
		off += 4
	}

	idx.offsets = make([]uint32, n)
	numLarge := 0
	for i := 0; i < n; i++ {
		idx.offsets[i] = binary.BigEndian.Uint32(data[off:])
		if idx.offsets[i]&0x80000000 != 0 {
			largeIdx := int(idx.offsets[i] &^ 0x80000000)
			if largeIdx+1 > numLarge {
				numLarge = largeIdx + 1
			}
		}
		off += 4
	}

	if numLarge > 0 {
		largeBytes := numLarge * 8
		if len(data) < off+largeBytes+2*githash.Size {
			return nil, fmt.Errorf("packfile: v2 index truncated: missing large-offset table")
		}
		idx.largeOffsets = make([]uint64, numLarge)
		for i := 0; i < numLarge; i++ {
			idx.largeOffsets[i] = binary.BigEndian.Uint64(data[off:])
			off += 8
		}
	}

	if len(data) < off+2*githash.Size {
		return nil, fmt.Errorf("packfile: v2 index truncated: missing trailer")
	}
	copy(idx.PackChecksum[:], data[off:off+githash.Size])
	off += githash.Size
	copy(idx.IndexChecksum[:], data[off:off+githash.Size])

	if err := verifyAscending(idx.ids); err != nil {
		return nil, err
	}
	return idx, nil
}

func verifyAscending(ids []githash.SHA1) error {
	for i := 1; i < len(ids); i++ {
		if githash.Compare(ids[i-1], ids[i]) >= 0 {
			return fmt.Errorf("packfile: index corrupt: ids not strictly ascending at position %d", i)
		}
	}
	return nil
}

// offsetAt resolves entry i's true pack offset, following the v2
// large-offset indirection when the high bit is set.
func (idx *Index) offsetAt(i int) uint64 {
	o := idx.offsets[i]
	if idx.Version == 2 && o&0x80000000 != 0 {
		return idx.largeOffsets[o&^0x80000000]
	}
	return uint64(o)
}

// FindOffset returns the pack offset of id, or ok=false if absent.
// Search is bounded to the fanout bucket named by id's first byte.
func (idx *Index) FindOffset(id githash.SHA1) (offset uint64, ok bool) {
	i, found := idx.find(id)
	if !found {
		return 0, false
	}
	return idx.offsetAt(i), true
}

// CRC32 returns the CRC32 of id's packed (compressed) representation.
// Only available for v2 indexes; ok is false for v1.
func (idx *Index) CRC32(id githash.SHA1) (crc uint32, ok bool) {
	if idx.Version != 2 {
		return 0, false
	}
	i, found := idx.find(id)
	if !found {
		return 0, false
	}
	return idx.crc32s[i], true
}

func (idx *Index) find(id githash.SHA1) (pos int, found bool) {
	b := id.FanoutByte()
	lo := uint32(0)
	if b > 0 {
		lo = idx.fanout[b-1]
	}
	hi := idx.fanout[b]
	for lo < hi {
		mid := (lo + hi) / 2
		c := githash.Compare(idx.ids[mid], id)
		switch {
		case c == 0:
			return int(mid), true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return 0, false
}

// Resolve returns every id in the index starting with abbrev, capped at
// maxMatches+1 entries so the caller can distinguish "exactly maxMatches"
// from "ambiguous beyond maxMatches" per spec.md §4.3.
func (idx *Index) Resolve(abbrev githash.Abbrev, maxMatches int) []githash.SHA1 {
	var out []githash.SHA1
	// Nibble 0 fixes byte 0 when the abbreviation has >= 2 nibbles,
	// which it always does (MinAbbrevLen == 2); narrow to that fanout
	// bucket, then linear scan comparing prefixes (the bucket is small
	// by construction of SHA-1's near-uniform distribution).
	first := abbrev.String()
	var firstByte byte
	fmt.Sscanf(first[:2], "%02x", &firstByte)
	lo := uint32(0)
	if firstByte > 0 {
		lo = idx.fanout[firstByte-1]
	}
	hi := idx.fanout[firstByte]
	for i := lo; i < hi; i++ {
		if abbrev.Matches(idx.ids[i]) {
			out = append(out, idx.ids[i])
			if len(out) > maxMatches {
				return out
			}
		}
	}
	return out
}

// Iterate yields every id in ascending order.
func (idx *Index) Iterate(yield func(id githash.SHA1, offset uint64) bool) {
	for i := range idx.ids {
		if !yield(idx.ids[i], idx.offsetAt(i)) {
			return
		}
	}
}

// IndexEntry is one object's id, pack offset, and CRC32 of its packed
// representation, used by EncodeIndexV2 to build a fresh index.
type IndexEntry struct {
	ID     githash.SHA1
	Offset int64
	CRC32  uint32
}

// EncodeIndexV2 builds a v2 pack index from entries (which need not be
// pre-sorted; EncodeIndexV2 sorts a copy) and the owning pack's trailer
// checksum. This is used only to build test fixtures (packfile's own
// fixture encoder and objectdb's writeSingleBlobPack); spec.md's Non-goals
// exclude writing a packer as a product feature — see DESIGN.md.
func EncodeIndexV2(entries []IndexEntry, packChecksum githash.SHA1) []byte {
	sorted := make([]IndexEntry, len(entries))
	copy(sorted, entries)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && githash.Compare(sorted[j-1].ID, sorted[j].ID) > 0; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}

	var fanout [256]uint32
	for _, e := range sorted {
		for b := int(e.ID.FanoutByte()); b < 256; b++ {
			fanout[b]++
		}
	}

	var buf []byte
	buf = append(buf, indexV2Magic[:]...)
	buf = appendU32(buf, 2)
	for _, f := range fanout {
		buf = appendU32(buf, f)
	}
	for _, e := range sorted {
		buf = append(buf, e.ID[:]...)
	}
	for _, e := range sorted {
		buf = appendU32(buf, e.CRC32)
	}

	var large []int64
	for _, e := range sorted {
		if e.Offset >= 0x80000000 {
			large = append(large, e.Offset)
		}
	}
	for _, e := range sorted {
		if e.Offset >= 0x80000000 {
			idx := indexOfInt64(large, e.Offset)
			buf = appendU32(buf, 0x80000000|uint32(idx))
		} else {
			buf = appendU32(buf, uint32(e.Offset))
		}
	}
	for _, off := range large {
		buf = appendU64(buf, uint64(off))
	}

	buf = append(buf, packChecksum[:]...)
	idxSum := githash.SumSHA1(buf)
	buf = append(buf, idxSum[:]...)
	return buf
}

func appendU32(dst []byte, v uint32) []byte {
	return append(dst, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendU64(dst []byte, v uint64) []byte {
	return appendU32(appendU32(dst, uint32(v>>32)), uint32(v))
}

func indexOfInt64(s []int64, v int64) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
