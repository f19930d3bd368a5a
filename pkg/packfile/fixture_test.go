package packfile

import (
	"bytes"
	"encoding/binary"

	kzlib "github.com/klauspost/compress/zlib"

	"github.com/odvcencio/gitdir/pkg/githash"
)

// fixtureEntry is one object to bake into a test pack, either stored
// whole or as an OFS_DELTA/REF_DELTA against a previously written entry.
type fixtureEntry struct {
	typ        ObjectType
	payload    []byte // raw (non-delta) payload, used when baseIndex < 0
	baseIndex  int    // index into the entries slice, or -1 for a base object
	deltaBytes []byte // pre-built delta stream, used when baseIndex >= 0
	refDelta   bool   // encode as REF_DELTA (base id) instead of OFS_DELTA (base offset)
}

// buildPack serializes entries into a pack file byte stream, an id list
// in encounter order, and their pack offsets.
func buildPack(t interface {
	Fatalf(string, ...interface{})
}, entries []fixtureEntry) (packBytes []byte, ids []githash.SHA1, offsets []int64) {
	var buf bytes.Buffer
	buf.Write(packMagic[:])
	var verBuf, cntBuf [4]byte
	binary.BigEndian.PutUint32(verBuf[:], 2)
	binary.BigEndian.PutUint32(cntBuf[:], uint32(len(entries)))
	buf.Write(verBuf[:])
	buf.Write(cntBuf[:])

	offsets = make([]int64, len(entries))
	ids = make([]githash.SHA1, len(entries))
	rawPayloads := make([][]byte, len(entries))

	for i, e := range entries {
		offsets[i] = int64(buf.Len())
		var raw []byte
		var headerType ObjectType
		var baseDistance uint64
		if e.baseIndex < 0 {
			raw = e.payload
			headerType = e.typ
			rawPayloads[i] = raw
			ids[i] = githash.SumSHA1(envelopeFor(e.typ, raw))
		} else {
			raw = e.deltaBytes
			if e.refDelta {
				headerType = ObjRefDelta
			} else {
				headerType = ObjOfsDelta
				baseDistance = uint64(offsets[i] - offsets[e.baseIndex])
			}
			applied, err := ApplyDelta(rawPayloads[e.baseIndex], e.deltaBytes)
			if err != nil {
				t.Fatalf("fixture: ApplyDelta: %v", err)
			}
			rawPayloads[i] = applied
			ids[i] = githash.SumSHA1(envelopeFor(entries[e.baseIndex].typ, applied))
		}

		writeEntryHeader(&buf, headerType, uint64(len(raw)))
		if e.baseIndex >= 0 {
			if e.refDelta {
				buf.Write(ids[e.baseIndex][:])
			} else {
				buf.Write(encodeOfsDistance(baseDistance))
			}
		}
		var compressed bytes.Buffer
		zw := kzlib.NewWriter(&compressed)
		if _, err := zw.Write(raw); err != nil {
			t.Fatalf("fixture: zlib write: %v", err)
		}
		if err := zw.Close(); err != nil {
			t.Fatalf("fixture: zlib close: %v", err)
		}
		buf.Write(compressed.Bytes())
	}

	sum := hashOf(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes(), ids, offsets
}

func envelopeFor(t ObjectType, payload []byte) []byte {
	var typeName string
	switch t {
	case ObjCommit:
		typeName = "commit"
	case ObjTree:
		typeName = "tree"
	case ObjTag:
		typeName = "tag"
	default:
		typeName = "blob"
	}
	header := []byte(typeName)
	header = append(header, ' ')
	header = appendInt(header, len(payload))
	header = append(header, 0)
	return append(header, payload...)
}

func appendInt(dst []byte, v int) []byte {
	if v == 0 {
		return append(dst, '0')
	}
	var digits []byte
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	return append(dst, digits...)
}

func writeEntryHeader(buf *bytes.Buffer, typ ObjectType, size uint64) {
	b := byte(typ)<<4 | byte(size&0x0f)
	size >>= 4
	for size != 0 {
		buf.WriteByte(b | 0x80)
		b = byte(size & 0x7f)
		size >>= 7
	}
	buf.WriteByte(b)
}

func encodeOfsDistance(distance uint64) []byte {
	if distance == 0 {
		return []byte{0}
	}
	var out []byte
	out = append(out, byte(distance&0x7f))
	distance >>= 7
	for distance > 0 {
		distance--
		out = append([]byte{byte(distance&0x7f) | 0x80}, out...)
		distance >>= 7
	}
	return out
}

// buildInsertOnlyDelta encodes target as a trivial insert-only delta
// against base, used to build OFS_DELTA fixtures.
func buildInsertOnlyDelta(base, target []byte) []byte {
	var out bytes.Buffer
	writeDeltaVarint(&out, uint64(len(base)))
	writeDeltaVarint(&out, uint64(len(target)))
	for pos := 0; pos < len(target); {
		chunk := len(target) - pos
		if chunk > 127 {
			chunk = 127
		}
		out.WriteByte(byte(chunk))
		out.Write(target[pos : pos+chunk])
		pos += chunk
	}
	return out.Bytes()
}

func writeDeltaVarint(buf *bytes.Buffer, v uint64) {
	if v == 0 {
		buf.WriteByte(0)
		return
	}
	for v > 0 {
		b := byte(v & 0x7f)
		v >>= 7
		if v > 0 {
			b |= 0x80
		}
		buf.WriteByte(b)
	}
}

func hashOf(b []byte) githash.SHA1 {
	return githash.SumSHA1(b)
}
