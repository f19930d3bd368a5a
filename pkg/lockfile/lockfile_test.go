package lockfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireWriteCommit(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "HEAD")

	lock, err := Acquire(target, time.Second, time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := lock.Write([]byte("ref: refs/heads/main\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := lock.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "ref: refs/heads/main\n" {
		t.Fatalf("got %q", data)
	}
	if _, err := os.Stat(target + ".lock"); !os.IsNotExist(err) {
		t.Fatalf("lock file should be gone after commit, stat err = %v", err)
	}
}

func TestAcquireContention(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "refs/heads/main")
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatal(err)
	}

	first, err := Acquire(target, time.Second, time.Millisecond)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer first.Unlock()

	if _, err := Acquire(target, 20*time.Millisecond, 5*time.Millisecond); err == nil {
		t.Fatal("expected second Acquire to fail while first holds the lock")
	}
}

func TestUnlockWithoutCommit(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "refs/heads/main")
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatal(err)
	}
	lock, err := Acquire(target, time.Second, time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if _, err := os.Stat(target + ".lock"); !os.IsNotExist(err) {
		t.Fatalf("lock file should be removed, stat err = %v", err)
	}
	// Target was never created.
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatalf("target should not exist, stat err = %v", err)
	}
}
