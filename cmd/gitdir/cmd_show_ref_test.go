package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestShowRefListsRefs(t *testing.T) {
	f := newRepoFixture(t)
	_, commit := f.buildSingleCommit(t)

	restore := chdirForTest(t, f.workDir)
	defer restore()

	var out bytes.Buffer
	cmd := newShowRefCmd()
	cmd.SetOut(&out)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := commit.String() + " refs/heads/main\n"
	if out.String() != want {
		t.Fatalf("show-ref = %q, want %q", out.String(), want)
	}
}

func TestShowRefIncludesHeadWhenRequested(t *testing.T) {
	f := newRepoFixture(t)
	_, commit := f.buildSingleCommit(t)

	restore := chdirForTest(t, f.workDir)
	defer restore()

	var out bytes.Buffer
	cmd := newShowRefCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--head"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("show-ref --head produced %d lines, want 2:\n%s", len(lines), out.String())
	}
	if lines[0] != commit.String()+" HEAD" {
		t.Fatalf("first line = %q, want HEAD entry", lines[0])
	}
}
