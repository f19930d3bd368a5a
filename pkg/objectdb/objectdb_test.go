package objectdb

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	kzlib "github.com/klauspost/compress/zlib"

	"github.com/odvcencio/gitdir/pkg/gitcfg"
	"github.com/odvcencio/gitdir/pkg/githash"
	"github.com/odvcencio/gitdir/pkg/looseobject"
	"github.com/odvcencio/gitdir/pkg/object"
	"github.com/odvcencio/gitdir/pkg/packfile"
	"github.com/odvcencio/gitdir/pkg/windowcache"
)

// writeSingleBlobPack bakes one literal blob into a pack+idx pair under
// dir/pack, returning the blob's id. Exercises the same on-disk shapes
// rescanPacks loads, without needing packfile's internal test fixtures.
func writeSingleBlobPack(t *testing.T, dir string, payload []byte) githash.SHA1 {
	t.Helper()
	id := object.SumID(object.TypeBlob, payload)

	var buf bytes.Buffer
	buf.WriteString("PACK")
	buf.Write([]byte{0, 0, 0, 2}) // version 2
	buf.Write([]byte{0, 0, 0, 1}) // 1 object

	entryOffset := int64(buf.Len())
	size := uint64(len(payload))
	b := byte(3)<<4 | byte(size&0x0f) // type 3 = blob
	size >>= 4
	for size != 0 {
		buf.WriteByte(b | 0x80)
		b = byte(size & 0x7f)
		size >>= 7
	}
	buf.WriteByte(b)

	var compressed bytes.Buffer
	zw := kzlib.NewWriter(&compressed)
	if _, err := zw.Write(payload); err != nil {
		t.Fatalf("zlib write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zlib close: %v", err)
	}
	buf.Write(compressed.Bytes())

	sum := githash.SumSHA1(buf.Bytes())
	buf.Write(sum[:])

	packDir := filepath.Join(dir, "pack")
	if err := os.MkdirAll(packDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(packDir, "pack-test.pack"), buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile pack: %v", err)
	}

	idxBytes := packfile.EncodeIndexV2([]packfile.IndexEntry{{ID: id, Offset: entryOffset}}, sum)
	if err := os.WriteFile(filepath.Join(packDir, "pack-test.idx"), idxBytes, 0o644); err != nil {
		t.Fatalf("WriteFile idx: %v", err)
	}
	return id
}

func newTestDB(t *testing.T, dir string) *DB {
	t.Helper()
	cache, err := windowcache.New(gitcfg.Default(), nil)
	if err != nil {
		t.Fatalf("windowcache.New: %v", err)
	}
	db, err := Open(dir, gitcfg.Default(), cache, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return db
}

func TestGetFromLoose(t *testing.T) {
	dir := t.TempDir()
	store := looseobject.New(dir, 0)
	id, err := store.Write(object.TypeBlob, []byte("loose payload"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	db := newTestDB(t, dir)
	defer db.Close()

	typ, payload, err := db.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if typ != object.TypeBlob || string(payload) != "loose payload" {
		t.Fatalf("Get = (%v, %q)", typ, payload)
	}
	if !db.Has(id) {
		t.Fatal("Has = false, want true")
	}
}

func TestGetNotFound(t *testing.T) {
	dir := t.TempDir()
	db := newTestDB(t, dir)
	defer db.Close()

	var missing githash.SHA1
	for i := range missing {
		missing[i] = 0xAB
	}
	if _, _, err := db.Get(missing); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestResolveAmbiguous(t *testing.T) {
	dir := t.TempDir()
	store := looseobject.New(dir, 0)
	// "13" and "24" are known (precomputed) blob contents whose object
	// ids both start with the hex prefix "ca", giving a deterministic
	// ambiguous abbreviation without depending on random content.
	if _, err := store.Write(object.TypeBlob, []byte("13")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := store.Write(object.TypeBlob, []byte("24")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	db := newTestDB(t, dir)
	defer db.Close()

	abbrev, err := githash.ParseAbbrev("ca")
	if err != nil {
		t.Fatalf("ParseAbbrev: %v", err)
	}
	_, err = db.Resolve(abbrev)
	ambig, ok := err.(*AmbiguousObjectError)
	if !ok {
		t.Fatalf("expected *AmbiguousObjectError, got %v", err)
	}
	if len(ambig.Matches) != 2 {
		t.Fatalf("expected 2 ambiguous matches, got %d", len(ambig.Matches))
	}
}

func TestVerifyLooseOnly(t *testing.T) {
	dir := t.TempDir()
	store := looseobject.New(dir, 0)
	if _, err := store.Write(object.TypeBlob, []byte("one")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := store.Write(object.TypeBlob, []byte("two")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	db := newTestDB(t, dir)
	defer db.Close()

	report, err := db.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.LooseObjects != 2 {
		t.Fatalf("LooseObjects = %d, want 2", report.LooseObjects)
	}
	if report.PackFiles != 0 || report.PackObjects != 0 {
		t.Fatalf("unexpected pack counts: %+v", report)
	}
}

func TestVerifyDetectsLooseCorruption(t *testing.T) {
	dir := t.TempDir()
	store := looseobject.New(dir, 0)
	goodID, err := store.Write(object.TypeBlob, []byte("one"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	badID, err := store.Write(object.TypeBlob, []byte("two"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Overwrite badID's on-disk bytes with goodID's, producing a file
	// whose content no longer hashes to its own path.
	goodPath := filepath.Join(dir, goodID.String()[:2], goodID.String()[2:])
	badPath := filepath.Join(dir, badID.String()[:2], badID.String()[2:])
	data, err := os.ReadFile(goodPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if err := os.WriteFile(badPath, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	db := newTestDB(t, dir)
	defer db.Close()

	if _, err := db.Verify(); err == nil {
		t.Fatal("expected Verify to detect the corrupted loose object")
	}
}

func TestGetRefusesLargePackedObject(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte("y"), 64)
	id := writeSingleBlobPack(t, dir, payload)

	cfg := gitcfg.Default()
	cfg.StreamFileThreshold = 16
	cache, err := windowcache.New(cfg, nil)
	if err != nil {
		t.Fatalf("windowcache.New: %v", err)
	}
	db, err := Open(dir, cfg, cache, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if _, _, err := db.Get(id); !errors.Is(err, packfile.ErrLargeObject) {
		t.Fatalf("Get: err = %v, want wrapped ErrLargeObject", err)
	}
}

func TestOpenStreamsLargePackedObject(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte("z"), 64)
	id := writeSingleBlobPack(t, dir, payload)

	cfg := gitcfg.Default()
	cfg.StreamFileThreshold = 16
	cache, err := windowcache.New(cfg, nil)
	if err != nil {
		t.Fatalf("windowcache.New: %v", err)
	}
	db, err := Open(dir, cfg, cache, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	res, stream, err := db.Open(id)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if res != nil {
		t.Fatal("expected a Stream, got a buffered Result")
	}
	defer stream.Close()
	if stream.Type() != object.TypeBlob {
		t.Fatalf("Type() = %v, want blob", stream.Type())
	}
	if stream.Size() != int64(len(payload)) {
		t.Fatalf("Size() = %d, want %d", stream.Size(), len(payload))
	}
	got, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("streamed payload = %q, want %q", got, payload)
	}
}

func TestVerifyHashesLargePackedObject(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte("w"), 64)
	writeSingleBlobPack(t, dir, payload)

	cfg := gitcfg.Default()
	cfg.StreamFileThreshold = 16
	cache, err := windowcache.New(cfg, nil)
	if err != nil {
		t.Fatalf("windowcache.New: %v", err)
	}
	db, err := Open(dir, cfg, cache, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	report, err := db.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.PackFiles != 1 || report.PackObjects != 1 {
		t.Fatalf("unexpected pack counts: %+v", report)
	}
}

func TestRescanPicksUpNewPackDir(t *testing.T) {
	dir := t.TempDir()
	db := newTestDB(t, dir)
	defer db.Close()

	// The pack directory does not exist yet when the DB is opened.
	id := writeSingleBlobPack(t, dir, []byte("packed after open"))
	if err := db.rescanPacks(); err != nil {
		t.Fatalf("rescanPacks: %v", err)
	}
	if !db.Has(id) {
		t.Fatalf("Has(%s) = false after rescan of new pack dir", id)
	}
}
