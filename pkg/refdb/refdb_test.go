package refdb

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/odvcencio/gitdir/pkg/githash"
)

func writeRefFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func idFromByte(b byte) githash.SHA1 {
	var id githash.SHA1
	for i := range id {
		id[i] = b
	}
	return id
}

func TestExactRefLoose(t *testing.T) {
	dir := t.TempDir()
	id := idFromByte(0x11)
	writeRefFile(t, dir, "refs/heads/main", id.String()+"\n")

	db := New(dir, time.Second, nil)
	ref, ok, err := db.ExactRef("refs/heads/main")
	if err != nil {
		t.Fatalf("ExactRef: %v", err)
	}
	if !ok || ref.Target != id {
		t.Fatalf("ref = %+v, ok=%v", ref, ok)
	}
}

func TestHeadSymbolicResolution(t *testing.T) {
	dir := t.TempDir()
	id := idFromByte(0x22)
	writeRefFile(t, dir, "HEAD", "ref: refs/heads/main\n")
	writeRefFile(t, dir, "refs/heads/main", id.String()+"\n")

	db := New(dir, time.Second, nil)
	resolved, err := db.Resolve("HEAD")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved != id {
		t.Fatalf("Resolve(HEAD) = %s, want %s", resolved, id)
	}
}

func TestSymbolicCycleDetected(t *testing.T) {
	dir := t.TempDir()
	writeRefFile(t, dir, "refs/heads/a", "ref: refs/heads/b\n")
	writeRefFile(t, dir, "refs/heads/b", "ref: refs/heads/a\n")

	db := New(dir, time.Second, nil)
	if _, err := db.Resolve("refs/heads/a"); err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestGetRefSearchOrder(t *testing.T) {
	dir := t.TempDir()
	id := idFromByte(0x33)
	writeRefFile(t, dir, "refs/tags/v1", id.String()+"\n")

	db := New(dir, time.Second, nil)
	ref, ok, err := db.GetRef("v1")
	if err != nil {
		t.Fatalf("GetRef: %v", err)
	}
	if !ok || ref.Target != id {
		t.Fatalf("GetRef(v1) = %+v, ok=%v", ref, ok)
	}
}

func TestPackedRefsFallback(t *testing.T) {
	dir := t.TempDir()
	id := idFromByte(0x44)
	packed := "# pack-refs with: peeled\n" + id.String() + " refs/heads/packed-only\n"
	if err := os.WriteFile(filepath.Join(dir, "packed-refs"), []byte(packed), 0o644); err != nil {
		t.Fatal(err)
	}

	db := New(dir, time.Second, nil)
	ref, ok, err := db.ExactRef("refs/heads/packed-only")
	if err != nil {
		t.Fatalf("ExactRef: %v", err)
	}
	if !ok || ref.Target != id || !ref.IsPacked {
		t.Fatalf("ref = %+v, ok=%v", ref, ok)
	}
}

func TestPackedRefsPeeledLine(t *testing.T) {
	dir := t.TempDir()
	tagID := idFromByte(0x55)
	commitID := idFromByte(0x66)
	packed := "# pack-refs with: peeled\n" + tagID.String() + " refs/tags/v2\n^" + commitID.String() + "\n"
	if err := os.WriteFile(filepath.Join(dir, "packed-refs"), []byte(packed), 0o644); err != nil {
		t.Fatal(err)
	}

	db := New(dir, time.Second, nil)
	ref, ok, err := db.ExactRef("refs/tags/v2")
	if err != nil {
		t.Fatalf("ExactRef: %v", err)
	}
	if !ok || ref.Target != tagID || ref.PeeledTag != commitID {
		t.Fatalf("ref = %+v, ok=%v", ref, ok)
	}
}

func TestRefUpdateNewAndFastForward(t *testing.T) {
	dir := t.TempDir()
	db := New(dir, time.Second, nil)

	id1 := idFromByte(0x77)
	res, err := db.RefUpdate(Update{Name: "refs/heads/main", NewValue: id1})
	if err != nil {
		t.Fatalf("RefUpdate (new): %v", err)
	}
	if res != ResultNew {
		t.Fatalf("result = %v, want NEW", res)
	}

	id2 := idFromByte(0x88)
	res, err = db.RefUpdate(Update{
		Name:     "refs/heads/main",
		NewValue: id2,
		Reachable: func(old, newv githash.SHA1) (bool, error) {
			return true, nil
		},
	})
	if err != nil {
		t.Fatalf("RefUpdate (ff): %v", err)
	}
	if res != ResultFastForward {
		t.Fatalf("result = %v, want FAST_FORWARD", res)
	}

	resolved, err := db.Resolve("refs/heads/main")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved != id2 {
		t.Fatalf("Resolve = %s, want %s", resolved, id2)
	}
}

func TestRefUpdateRejectsNonFastForward(t *testing.T) {
	dir := t.TempDir()
	db := New(dir, time.Second, nil)

	id1 := idFromByte(0x99)
	if _, err := db.RefUpdate(Update{Name: "refs/heads/main", NewValue: id1}); err != nil {
		t.Fatalf("initial RefUpdate: %v", err)
	}

	id2 := idFromByte(0xaa)
	res, err := db.RefUpdate(Update{
		Name:     "refs/heads/main",
		NewValue: id2,
		Reachable: func(old, newv githash.SHA1) (bool, error) {
			return false, nil
		},
	})
	if err != nil {
		t.Fatalf("RefUpdate: %v", err)
	}
	if res != ResultRejected {
		t.Fatalf("result = %v, want REJECTED", res)
	}
}

func TestRefUpdateForced(t *testing.T) {
	dir := t.TempDir()
	db := New(dir, time.Second, nil)

	id1 := idFromByte(0xbb)
	if _, err := db.RefUpdate(Update{Name: "refs/heads/main", NewValue: id1}); err != nil {
		t.Fatalf("initial RefUpdate: %v", err)
	}

	id2 := idFromByte(0xcc)
	res, err := db.RefUpdate(Update{Name: "refs/heads/main", NewValue: id2, Force: true})
	if err != nil {
		t.Fatalf("RefUpdate: %v", err)
	}
	if res != ResultForced {
		t.Fatalf("result = %v, want FORCED", res)
	}
}

func TestRefUpdateCASMismatch(t *testing.T) {
	dir := t.TempDir()
	db := New(dir, time.Second, nil)

	id1 := idFromByte(0xdd)
	if _, err := db.RefUpdate(Update{Name: "refs/heads/main", NewValue: id1}); err != nil {
		t.Fatalf("initial RefUpdate: %v", err)
	}

	wrongOld := idFromByte(0xee)
	id2 := idFromByte(0xff)
	res, err := db.RefUpdate(Update{Name: "refs/heads/main", NewValue: id2, ExpectedOld: &wrongOld, Force: true})
	if err == nil {
		t.Fatal("expected CAS mismatch error")
	}
	if res != ResultLockFailure {
		t.Fatalf("result = %v, want LOCK_FAILURE", res)
	}
}

func TestRefUpdateNoChange(t *testing.T) {
	dir := t.TempDir()
	db := New(dir, time.Second, nil)

	id1 := idFromByte(0x12)
	if _, err := db.RefUpdate(Update{Name: "refs/heads/main", NewValue: id1}); err != nil {
		t.Fatalf("initial RefUpdate: %v", err)
	}
	res, err := db.RefUpdate(Update{Name: "refs/heads/main", NewValue: id1, Force: true})
	if err != nil {
		t.Fatalf("RefUpdate: %v", err)
	}
	if res != ResultNoChange {
		t.Fatalf("result = %v, want NO_CHANGE", res)
	}
}

func TestReflogAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	db := New(dir, time.Second, nil)

	id1 := idFromByte(0x13)
	if _, err := db.RefUpdate(Update{Name: "refs/heads/main", NewValue: id1, RefLogMessage: "commit: initial"}); err != nil {
		t.Fatalf("RefUpdate: %v", err)
	}

	entries, err := db.ReadReflog("refs/heads/main")
	if err != nil {
		t.Fatalf("ReadReflog: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 reflog entry, got %d", len(entries))
	}
	if entries[0].NewValue != id1 || entries[0].Message != "commit: initial" {
		t.Fatalf("entry = %+v", entries[0])
	}
}

func TestReflogToleratesMalformedMiddleLine(t *testing.T) {
	dir := t.TempDir()
	db := New(dir, time.Second, nil)

	id1 := idFromByte(0x14)
	id2 := idFromByte(0x15)
	if _, err := db.RefUpdate(Update{Name: "refs/heads/main", NewValue: id1}); err != nil {
		t.Fatalf("RefUpdate 1: %v", err)
	}
	if _, err := db.RefUpdate(Update{
		Name: "refs/heads/main", NewValue: id2, Force: true,
	}); err != nil {
		t.Fatalf("RefUpdate 2: %v", err)
	}

	path := db.reflogPath("refs/heads/main")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	first, rest, _ := strings.Cut(string(data), "\n")
	corrupted := first + "\nnot a valid reflog line at all\n" + rest
	if err := os.WriteFile(path, []byte(corrupted), 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := db.ReadReflog("refs/heads/main")
	if err != nil {
		t.Fatalf("ReadReflog: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 valid entries despite malformed line, got %d", len(entries))
	}
}
