package object

import (
	"bytes"
	"testing"

	"github.com/odvcencio/gitdir/pkg/githash"
)

func idFromByte(b byte) githash.SHA1 {
	var id githash.SHA1
	for i := range id {
		id[i] = b
	}
	return id
}

func TestTreeImplicitSlashOrdering(t *testing.T) {
	// "foo" (blob) must sort before "foo.txt" (blob) but a directory
	// named "foo" must sort *after* "foo.txt" because it compares as
	// "foo/".
	tr := Tree{
		{Mode: ModeDir, Name: "foo", ID: idFromByte(1)},
		{Mode: ModePlain, Name: "foo.txt", ID: idFromByte(2)},
	}
	// foo/ > foo.txt because '/' (0x2f) < '.' (0x2e) is false: '.' is
	// 0x2e, '/' is 0x2f, so "foo." < "foo/" -> foo.txt sorts first.
	if !tr.Less(1, 0) {
		t.Fatalf("expected foo.txt to sort before foo/ (directory)")
	}
}

func TestTreeMarshalUnmarshalRoundTrip(t *testing.T) {
	tr := Tree{
		{Mode: ModePlain, Name: "a.txt", ID: idFromByte(1)},
		{Mode: ModeDir, Name: "b", ID: idFromByte(2)},
		{Mode: ModeExecutable, Name: "run.sh", ID: idFromByte(3)},
	}
	raw, err := tr.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := UnmarshalTree(raw)
	if err != nil {
		t.Fatalf("UnmarshalTree: %v", err)
	}
	if len(got) != len(tr) {
		t.Fatalf("got %d entries, want %d", len(got), len(tr))
	}
	for i := range tr {
		if got[i] != tr[i] {
			t.Fatalf("entry %d: got %+v, want %+v", i, got[i], tr[i])
		}
	}
}

// TestTreeBackwardScan exercises testable property 4 from spec.md §8:
// iterating forward then repeatedly backward returns all entries in
// exact reverse order, including entries whose id bytes contain 0x20 and
// 0x00 (the open question from spec.md §9).
func TestTreeBackwardScan(t *testing.T) {
	trickyID := idFromByte(0x20) // every byte is the space character
	var zeroID githash.SHA1      // every byte is NUL
	tr := Tree{
		{Mode: ModePlain, Name: "alpha", ID: trickyID},
		{Mode: ModeDir, Name: "beta", ID: zeroID},
		{Mode: ModePlain, Name: "gamma", ID: idFromByte(9)},
	}
	raw, err := tr.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var reversed []TreeEntry
	if err := IterateBackward(raw, func(e TreeEntry) bool {
		reversed = append(reversed, e)
		return true
	}); err != nil {
		t.Fatalf("IterateBackward: %v", err)
	}

	if len(reversed) != len(tr) {
		t.Fatalf("got %d entries backward, want %d", len(reversed), len(tr))
	}
	for i, e := range reversed {
		want := tr[len(tr)-1-i]
		if e != want {
			t.Fatalf("backward entry %d = %+v, want %+v", i, e, want)
		}
	}
}

func TestTreeMarshalRejectsUnsorted(t *testing.T) {
	tr := Tree{
		{Mode: ModePlain, Name: "zzz", ID: idFromByte(1)},
		{Mode: ModePlain, Name: "aaa", ID: idFromByte(2)},
	}
	if _, err := tr.Marshal(); err == nil {
		t.Fatal("expected error for unsorted tree")
	}
}

func TestParseHeaderRoundTrip(t *testing.T) {
	payload := []byte("hello world")
	env := Envelope(TypeBlob, payload)
	typ, size, got, err := ParseHeader(env)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if typ != TypeBlob || size != len(payload) || !bytes.Equal(got, payload) {
		t.Fatalf("ParseHeader mismatch: type=%v size=%d payload=%q", typ, size, got)
	}
}
