package packfile

import (
	"fmt"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/odvcencio/gitdir/pkg/githash"
)

// ErrLargeObject is returned by Get when the object's inflated size
// exceeds the configured stream threshold; callers must use Open instead
// to stream the reconstructed payload, per spec.md §4.4.
var ErrLargeObject = fmt.Errorf("packfile: object too large to materialize; use streaming")

// Object is a fully resolved pack object: its final (non-delta) type and
// payload.
type Object struct {
	Type    ObjectType
	Payload []byte
}

type deltaBaseKey struct {
	path   string
	offset int64
}

type cachedBase struct {
	payload []byte
	typ     ObjectType
}

// Resolver walks delta chains to reconstruct objects, with a bounded
// depth and an LRU cache of materialized delta bases keyed by
// (pack path, offset) per spec.md §4.4.
type Resolver struct {
	maxDepth        int
	streamThreshold int64
	mu              sync.Mutex
	baseCache       *lru.Cache[deltaBaseKey, cachedBase]
}

// NewResolver constructs a Resolver. maxDepth bounds delta-chain walks
// (spec default 50); streamThreshold is the size above which Get refuses
// to materialize and returns ErrLargeObject instead, leaving Open as the
// only way to read the object.
func NewResolver(maxDepth int, streamThreshold int64, baseCacheEntries int) (*Resolver, error) {
	if maxDepth <= 0 {
		maxDepth = 50
	}
	if baseCacheEntries <= 0 {
		baseCacheEntries = 64
	}
	c, err := lru.New[deltaBaseKey, cachedBase](baseCacheEntries)
	if err != nil {
		return nil, fmt.Errorf("packfile: resolver: %w", err)
	}
	return &Resolver{maxDepth: maxDepth, streamThreshold: streamThreshold, baseCache: c}, nil
}

// Get resolves the object stored at offset in p, following OFS_DELTA and
// REF_DELTA chains as needed. REF_DELTA bases are looked up by id within
// p's own index (thin-pack fixup against external sources is out of
// scope per spec.md §1's Non-goals). If the object's declared result
// size exceeds the resolver's stream threshold, Get refuses to
// materialize it and returns ErrLargeObject; use Open instead.
func (res *Resolver) Get(p *Pack, offset int64) (Object, error) {
	if res.streamThreshold > 0 {
		_, size, err := res.peekSize(p, offset)
		if err != nil {
			return Object{}, err
		}
		if size > res.streamThreshold {
			return Object{}, ErrLargeObject
		}
	}
	payload, typ, err := res.resolveChain(p, offset, 0)
	if err != nil {
		return Object{}, err
	}
	return Object{Type: typ, Payload: payload}, nil
}

// Stream is a streaming reader for a pack object served through Open: it
// emits the reconstructed payload as the delta chain is walked, rather
// than materializing the whole result in one allocation first. Callers
// must read it to completion or Close it; otherwise the background
// goroutine feeding it blocks forever on an unread pipe.
type Stream struct {
	pr   *io.PipeReader
	typ  ObjectType
	size int64
}

// Type returns the object's final (non-delta) type.
func (s *Stream) Type() ObjectType { return s.typ }

// Size returns the object's declared inflated size.
func (s *Stream) Size() int64 { return s.size }

func (s *Stream) Read(p []byte) (int, error) { return s.pr.Read(p) }

// Close releases the underlying pipe and aborts the in-flight chain walk
// feeding it, if any.
func (s *Stream) Close() error { return s.pr.Close() }

// Open resolves the object at offset the same way Get does, but streams
// the reconstructed payload through a Stream instead of buffering it,
// re-walking the delta chain's bases in a background goroutine as the
// caller reads, per spec.md §4.4's "streaming for a delta re-walks bases
// on each open" rule. Safe to use regardless of size; Get is the one that
// refuses large objects.
func (res *Resolver) Open(p *Pack, offset int64) (*Stream, error) {
	typ, size, err := res.peekSize(p, offset)
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	go func() {
		_, err := res.resolveChainToWriter(p, offset, 0, pw)
		pw.CloseWithError(err)
	}()
	return &Stream{pr: pr, typ: typ, size: size}, nil
}

// resolveChainToWriter mirrors resolveChain but streams the final entry's
// bytes to w instead of returning them, so the top-level result is never
// held as a single in-memory slice. Delta bases are still materialized in
// full (via resolveChain) since copy commands need random access into
// them; only the requested object's own reconstructed output is streamed.
func (res *Resolver) resolveChainToWriter(p *Pack, offset int64, depth int, w io.Writer) (ObjectType, error) {
	if depth > res.maxDepth {
		return 0, fmt.Errorf("packfile: corrupt: delta chain exceeds max depth %d", res.maxDepth)
	}
	entry, err := p.ReadEntryHeader(offset)
	if err != nil {
		return 0, err
	}

	switch entry.Type {
	case ObjCommit, ObjTree, ObjBlob, ObjTag:
		if err := p.InflateTo(entry.DataOffset, entry.Size, w); err != nil {
			return 0, err
		}
		return entry.Type, nil

	case ObjOfsDelta:
		baseBytes, baseType, err := res.resolveChain(p, int64(entry.BaseOffset), depth+1)
		if err != nil {
			return 0, err
		}
		deltaRaw, err := p.InflatePayload(entry.DataOffset, entry.Size)
		if err != nil {
			return 0, err
		}
		if err := ApplyDeltaToWriter(baseBytes, deltaRaw, w); err != nil {
			return 0, err
		}
		return baseType, nil

	case ObjRefDelta:
		if p.Index == nil {
			return 0, fmt.Errorf("packfile: ref-delta base %s: no index loaded", entry.BaseID)
		}
		baseOffset, ok := p.Index.FindOffset(entry.BaseID)
		if !ok {
			return 0, fmt.Errorf("packfile: ref-delta base %s: %w", entry.BaseID, errBaseNotFound)
		}
		baseBytes, baseType, err := res.resolveChain(p, int64(baseOffset), depth+1)
		if err != nil {
			return 0, err
		}
		deltaRaw, err := p.InflatePayload(entry.DataOffset, entry.Size)
		if err != nil {
			return 0, err
		}
		if err := ApplyDeltaToWriter(baseBytes, deltaRaw, w); err != nil {
			return 0, err
		}
		return baseType, nil

	default:
		return 0, fmt.Errorf("packfile: corrupt: unknown object type %d at offset %d", entry.Type, offset)
	}
}

// peekType walks only the header chain (no inflation) to find the final
// non-delta type a chain of OFS_DELTA/REF_DELTA entries resolves to.
func (res *Resolver) peekType(p *Pack, offset int64) (ObjectType, error) {
	entry, err := p.ReadEntryHeader(offset)
	if err != nil {
		return 0, err
	}
	switch entry.Type {
	case ObjCommit, ObjTree, ObjBlob, ObjTag:
		return entry.Type, nil
	case ObjOfsDelta:
		return res.peekType(p, int64(entry.BaseOffset))
	case ObjRefDelta:
		if p.Index == nil {
			return 0, fmt.Errorf("packfile: ref-delta base %s: no index loaded", entry.BaseID)
		}
		baseOffset, ok := p.Index.FindOffset(entry.BaseID)
		if !ok {
			return 0, fmt.Errorf("packfile: ref-delta base %s: %w", entry.BaseID, errBaseNotFound)
		}
		return res.peekType(p, int64(baseOffset))
	default:
		return 0, fmt.Errorf("packfile: corrupt: unknown object type %d at offset %d", entry.Type, offset)
	}
}

// peekSize reports the final type and declared result size of the object
// at offset without materializing it: literal entries carry their size in
// the header directly, and a delta entry's own result-size varint already
// names the final size its application produces (only its own delta
// stream is inflated, not the base chain).
func (res *Resolver) peekSize(p *Pack, offset int64) (ObjectType, int64, error) {
	entry, err := p.ReadEntryHeader(offset)
	if err != nil {
		return 0, 0, err
	}

	switch entry.Type {
	case ObjCommit, ObjTree, ObjBlob, ObjTag:
		return entry.Type, int64(entry.Size), nil

	case ObjOfsDelta:
		typ, err := res.peekType(p, int64(entry.BaseOffset))
		if err != nil {
			return 0, 0, err
		}
		deltaRaw, err := p.InflatePayload(entry.DataOffset, entry.Size)
		if err != nil {
			return 0, 0, err
		}
		_, resultSize, _, err := DeltaSizes(deltaRaw)
		if err != nil {
			return 0, 0, fmt.Errorf("packfile: corrupt delta: %w", err)
		}
		return typ, int64(resultSize), nil

	case ObjRefDelta:
		if p.Index == nil {
			return 0, 0, fmt.Errorf("packfile: ref-delta base %s: no index loaded", entry.BaseID)
		}
		baseOffset, ok := p.Index.FindOffset(entry.BaseID)
		if !ok {
			return 0, 0, fmt.Errorf("packfile: ref-delta base %s: %w", entry.BaseID, errBaseNotFound)
		}
		typ, err := res.peekType(p, int64(baseOffset))
		if err != nil {
			return 0, 0, err
		}
		deltaRaw, err := p.InflatePayload(entry.DataOffset, entry.Size)
		if err != nil {
			return 0, 0, err
		}
		_, resultSize, _, err := DeltaSizes(deltaRaw)
		if err != nil {
			return 0, 0, fmt.Errorf("packfile: corrupt delta: %w", err)
		}
		return typ, int64(resultSize), nil

	default:
		return 0, 0, fmt.Errorf("packfile: corrupt: unknown object type %d at offset %d", entry.Type, offset)
	}
}

func (res *Resolver) resolveChain(p *Pack, offset int64, depth int) ([]byte, ObjectType, error) {
	if depth > res.maxDepth {
		return nil, 0, fmt.Errorf("packfile: corrupt: delta chain exceeds max depth %d", res.maxDepth)
	}
	key := deltaBaseKey{path: p.Path, offset: offset}
	res.mu.Lock()
	if cached, ok := res.baseCache.Get(key); ok {
		res.mu.Unlock()
		return cached.payload, cached.typ, nil
	}
	res.mu.Unlock()

	entry, err := p.ReadEntryHeader(offset)
	if err != nil {
		return nil, 0, err
	}

	switch entry.Type {
	case ObjCommit, ObjTree, ObjBlob, ObjTag:
		payload, err := p.InflatePayload(entry.DataOffset, entry.Size)
		if err != nil {
			return nil, 0, err
		}
		res.store(key, payload, entry.Type)
		return payload, entry.Type, nil

	case ObjOfsDelta:
		baseBytes, baseType, err := res.resolveChain(p, int64(entry.BaseOffset), depth+1)
		if err != nil {
			return nil, 0, err
		}
		deltaRaw, err := p.InflatePayload(entry.DataOffset, entry.Size)
		if err != nil {
			return nil, 0, err
		}
		result, err := ApplyDelta(baseBytes, deltaRaw)
		if err != nil {
			return nil, 0, err
		}
		res.store(key, result, baseType)
		return result, baseType, nil

	case ObjRefDelta:
		if p.Index == nil {
			return nil, 0, fmt.Errorf("packfile: ref-delta base %s: no index loaded", entry.BaseID)
		}
		baseOffset, ok := p.Index.FindOffset(entry.BaseID)
		if !ok {
			return nil, 0, fmt.Errorf("packfile: ref-delta base %s: %w", entry.BaseID, errBaseNotFound)
		}
		baseBytes, baseType, err := res.resolveChain(p, int64(baseOffset), depth+1)
		if err != nil {
			return nil, 0, err
		}
		deltaRaw, err := p.InflatePayload(entry.DataOffset, entry.Size)
		if err != nil {
			return nil, 0, err
		}
		result, err := ApplyDelta(baseBytes, deltaRaw)
		if err != nil {
			return nil, 0, err
		}
		res.store(key, result, baseType)
		return result, baseType, nil

	default:
		return nil, 0, fmt.Errorf("packfile: corrupt: unknown object type %d at offset %d", entry.Type, offset)
	}
}

// store caches a resolved base, skipping anything above the stream
// threshold so a large blob materialized once (e.g. while itself serving
// as another delta's base) doesn't linger in the bounded base cache.
func (res *Resolver) store(key deltaBaseKey, payload []byte, typ ObjectType) {
	if res.streamThreshold > 0 && int64(len(payload)) > res.streamThreshold {
		return
	}
	res.mu.Lock()
	defer res.mu.Unlock()
	res.baseCache.Add(key, cachedBase{payload: payload, typ: typ})
}

var errBaseNotFound = fmt.Errorf("ref-delta base object not found")

// ErrBaseNotFound reports a REF_DELTA whose base id is not present in
// the pack's own index.
func ErrBaseNotFound() error { return errBaseNotFound }

// Has reports whether id resolves to an offset in idx.
func Has(idx *Index, id githash.SHA1) bool {
	_, ok := idx.FindOffset(id)
	return ok
}
