// Package looseobject implements C5 (LooseObjectStore) from spec.md
// §4.5: reading and writing the "objects/xx/yyyy..." zlib-framed loose
// object files, with incremental hash verification and atomic,
// no-overwrite writes.
package looseobject

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zlib"

	"github.com/odvcencio/gitdir/pkg/githash"
	"github.com/odvcencio/gitdir/pkg/object"
)

// Store is a loose object directory rooted at Dir (typically
// ".../objects"), fanning objects out by their id's first byte.
type Store struct {
	Dir                 string
	StreamFileThreshold int64
}

// New returns a Store rooted at dir. streamThreshold is the inflated
// size above which Open exposes a streaming reader instead of buffering
// the whole payload; 0 disables streaming (always buffer).
func New(dir string, streamThreshold int64) *Store {
	return &Store{Dir: dir, StreamFileThreshold: streamThreshold}
}

func (s *Store) path(id githash.SHA1) string {
	hexID := id.String()
	return filepath.Join(s.Dir, hexID[:2], hexID[2:])
}

// Has reports whether a loose object exists for id.
func (s *Store) Has(id githash.SHA1) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}

// Result is a fully-buffered loose object read by Open, returned when
// its size is within StreamFileThreshold.
type Result struct {
	Type    object.Type
	Size    int64
	Payload []byte
}

// Open reads and verifies the loose object named id. If the inflated
// payload size exceeds StreamFileThreshold, it returns a non-nil Stream
// instead of buffering; callers must read Stream to completion (or Close
// it) to release the underlying file.
func (s *Store) Open(id githash.SHA1) (*Result, *Stream, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		return nil, nil, fmt.Errorf("looseobject: open %s: %w", id, err)
	}
	closeOnErr := true
	defer func() {
		if closeOnErr {
			f.Close()
		}
	}()

	zr, err := zlib.NewReader(f)
	if err != nil {
		return nil, nil, fmt.Errorf("looseobject: %s: corrupt zlib stream: %w", id, err)
	}

	typ, size, err := readEnvelopeHeader(zr)
	if err != nil {
		zr.Close()
		return nil, nil, fmt.Errorf("looseobject: %s: %w", id, err)
	}

	hasher := githash.NewHasher()
	header := object.AppendHeader(nil, typ, int(size))
	hasher.Write(header)

	if s.StreamFileThreshold > 0 && size > s.StreamFileThreshold {
		closeOnErr = false
		return nil, &Stream{
			id:     id,
			typ:    typ,
			size:   size,
			f:      f,
			zr:     zr,
			hasher: hasher,
		}, nil
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(zr, payload); err != nil {
		zr.Close()
		return nil, nil, fmt.Errorf("looseobject: %s: truncated payload: %w", id, err)
	}
	hasher.Write(payload)
	if err := zr.Close(); err != nil {
		return nil, nil, fmt.Errorf("looseobject: %s: %w", id, err)
	}
	got := hasher.Sum()
	if got != id {
		return nil, nil, fmt.Errorf("looseobject: %s: hash mismatch, computed %s", id, got)
	}
	return &Result{Type: typ, Size: size, Payload: payload}, nil, nil
}

// Stream is a streaming loose object reader for payloads larger than the
// store's StreamFileThreshold. The id is verified only once Read returns
// io.EOF, so callers MUST read Stream to exhaustion (Read until EOF)
// before trusting the data.
type Stream struct {
	id       githash.SHA1
	typ      object.Type
	size     int64
	f        *os.File
	zr       io.ReadCloser
	hasher   *githash.Hasher
	read     int64
	verified bool
	err      error
}

// Type returns the object's declared type.
func (st *Stream) Type() object.Type { return st.typ }

// Size returns the object's declared inflated size.
func (st *Stream) Size() int64 { return st.size }

// Read implements io.Reader, hashing bytes as they are read and
// verifying the accumulated hash against the requested id once the
// declared size has been fully consumed.
func (st *Stream) Read(p []byte) (int, error) {
	if st.err != nil {
		return 0, st.err
	}
	n, err := st.zr.Read(p)
	if n > 0 {
		st.hasher.Write(p[:n])
		st.read += int64(n)
	}
	if err == io.EOF {
		if st.read != st.size {
			st.err = fmt.Errorf("looseobject: %s: truncated payload: read %d of %d bytes", st.id, st.read, st.size)
			return n, st.err
		}
		got := st.hasher.Sum()
		if got != st.id {
			st.err = fmt.Errorf("looseobject: %s: hash mismatch, computed %s", st.id, got)
			return n, st.err
		}
		st.verified = true
	}
	return n, err
}

// Close releases the underlying file. It is safe to call after a
// partial read.
func (st *Stream) Close() error {
	st.zr.Close()
	return st.f.Close()
}

func readEnvelopeHeader(r io.Reader) (object.Type, int64, error) {
	var header []byte
	buf := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return 0, 0, fmt.Errorf("malformed envelope: %w", err)
		}
		if buf[0] == 0 {
			break
		}
		header = append(header, buf[0])
		if len(header) > 64 {
			return 0, 0, fmt.Errorf("malformed envelope: header too long")
		}
	}
	sp := bytes.IndexByte(header, ' ')
	if sp < 0 {
		return 0, 0, fmt.Errorf("malformed envelope header %q", header)
	}
	typ, err := object.ParseType(string(header[:sp]))
	if err != nil {
		return 0, 0, err
	}
	var size int64
	for _, c := range header[sp+1:] {
		if c < '0' || c > '9' {
			return 0, 0, fmt.Errorf("malformed size in header %q", header)
		}
		size = size*10 + int64(c-'0')
	}
	return typ, size, nil
}

// Write stores payload under its computed id, refusing to overwrite an
// existing object (a collision is either a harmless duplicate write or
// corruption; either way the existing file wins). It returns the
// resulting id.
func (s *Store) Write(t object.Type, payload []byte) (githash.SHA1, error) {
	id := object.SumID(t, payload)
	dst := s.path(id)
	if _, err := os.Stat(dst); err == nil {
		return id, nil
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return githash.SHA1{}, fmt.Errorf("looseobject: write %s: %w", id, err)
	}

	tmp, err := os.CreateTemp(dir, "incoming-")
	if err != nil {
		return githash.SHA1{}, fmt.Errorf("looseobject: write %s: %w", id, err)
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	zw := zlib.NewWriter(tmp)
	header := object.AppendHeader(nil, t, len(payload))
	if _, err := zw.Write(header); err != nil {
		return githash.SHA1{}, fmt.Errorf("looseobject: write %s: %w", id, err)
	}
	if _, err := zw.Write(payload); err != nil {
		return githash.SHA1{}, fmt.Errorf("looseobject: write %s: %w", id, err)
	}
	if err := zw.Close(); err != nil {
		return githash.SHA1{}, fmt.Errorf("looseobject: write %s: %w", id, err)
	}
	if err := tmp.Sync(); err != nil {
		return githash.SHA1{}, fmt.Errorf("looseobject: write %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		return githash.SHA1{}, fmt.Errorf("looseobject: write %s: %w", id, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return githash.SHA1{}, fmt.Errorf("looseobject: write %s: %w", id, err)
	}
	success = true
	return id, nil
}

// DecodeHex is a convenience used by callers iterating a fan-out
// directory: it recombines the directory name (2 hex chars) and entry
// name (38 hex chars) into a full id.
func DecodeHex(dirName, entryName string) (githash.SHA1, error) {
	s := dirName + entryName
	if len(s) != githash.Size*2 {
		return githash.SHA1{}, fmt.Errorf("looseobject: malformed loose object path %s/%s", dirName, entryName)
	}
	var id githash.SHA1
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return githash.SHA1{}, fmt.Errorf("looseobject: malformed loose object path %s/%s: %w", dirName, entryName, err)
	}
	return id, nil
}
