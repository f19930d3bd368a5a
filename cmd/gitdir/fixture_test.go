package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/odvcencio/gitdir/pkg/githash"
	"github.com/odvcencio/gitdir/pkg/looseobject"
	"github.com/odvcencio/gitdir/pkg/object"
)

// repoFixture builds a real ".git" directory under a temp work dir, the
// same way a checked-out worktree would look to gitrepo.Discover.
type repoFixture struct {
	workDir string
	gitDir  string
	store   *looseobject.Store
}

func newRepoFixture(t *testing.T) *repoFixture {
	t.Helper()
	workDir := t.TempDir()
	gitDir := filepath.Join(workDir, ".git")
	objDir := filepath.Join(gitDir, "objects")
	if err := os.MkdirAll(objDir, 0o755); err != nil {
		t.Fatal(err)
	}
	return &repoFixture{
		workDir: workDir,
		gitDir:  gitDir,
		store:   looseobject.New(objDir, 0),
	}
}

func (f *repoFixture) writeBlob(t *testing.T, content string) githash.SHA1 {
	t.Helper()
	id, err := f.store.Write(object.TypeBlob, []byte(content))
	if err != nil {
		t.Fatalf("write blob: %v", err)
	}
	return id
}

func (f *repoFixture) writeTree(t *testing.T, entries object.Tree) githash.SHA1 {
	t.Helper()
	data, err := entries.Marshal()
	if err != nil {
		t.Fatalf("tree marshal: %v", err)
	}
	id, err := f.store.Write(object.TypeTree, data)
	if err != nil {
		t.Fatalf("write tree: %v", err)
	}
	return id
}

func (f *repoFixture) writeCommit(t *testing.T, tree githash.SHA1, parents []githash.SHA1, message string) githash.SHA1 {
	t.Helper()
	who := object.User{Name: "Test", Email: "test@example.com", Time: time.Unix(1700000000, 0).In(time.FixedZone("UTC", 0))}
	c := object.Commit{Tree: tree, Parents: parents, Author: who, Committer: who, Message: message}
	id, err := f.store.Write(object.TypeCommit, c.Marshal())
	if err != nil {
		t.Fatalf("write commit: %v", err)
	}
	return id
}

func (f *repoFixture) setRef(t *testing.T, name string, id githash.SHA1) {
	t.Helper()
	path := filepath.Join(f.gitDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (f *repoFixture) setHead(t *testing.T, ref string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.gitDir, "HEAD"), []byte("ref: "+ref+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

// buildSingleCommit writes one blob/tree/commit, points refs/heads/main
// and HEAD at it, and returns the blob and commit ids.
func (f *repoFixture) buildSingleCommit(t *testing.T) (blob, commit githash.SHA1) {
	t.Helper()
	blob = f.writeBlob(t, "hello\n")
	tree := f.writeTree(t, object.Tree{{Mode: object.ModePlain, Name: "file.txt", ID: blob}})
	commit = f.writeCommit(t, tree, nil, "initial\n")
	f.setRef(t, "refs/heads/main", commit)
	f.setHead(t, "refs/heads/main")
	return
}

func chdirForTest(t *testing.T, dir string) func() {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir(%s): %v", dir, err)
	}
	return func() {
		if err := os.Chdir(wd); err != nil {
			t.Fatalf("restore cwd %s: %v", wd, err)
		}
	}
}
