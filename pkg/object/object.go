// Package object implements the canonical Git object model: the four
// object variants (blob, tree, commit, tag), their envelope framing, and
// the canonical tree-entry scanner (forward and backward) described by
// spec.md §3.1 and §4.10.
package object

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/odvcencio/gitdir/pkg/githash"
)

// Type identifies one of the four canonical object variants.
type Type int

const (
	TypeCommit Type = 1
	TypeTree   Type = 2
	TypeBlob   Type = 3
	TypeTag    Type = 4
)

// String renders the lowercase Git object-type keyword used in envelope
// headers and pack headers.
func (t Type) String() string {
	switch t {
	case TypeCommit:
		return "commit"
	case TypeTree:
		return "tree"
	case TypeBlob:
		return "blob"
	case TypeTag:
		return "tag"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ParseType maps an envelope keyword to a Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "commit":
		return TypeCommit, nil
	case "tree":
		return TypeTree, nil
	case "blob":
		return TypeBlob, nil
	case "tag":
		return TypeTag, nil
	default:
		return 0, fmt.Errorf("object: unrecognized type %q", s)
	}
}

// IncorrectObjectTypeError reports a peel/resolve operation that found an
// object of the wrong type, per spec.md §7.
type IncorrectObjectTypeError struct {
	Got, Want Type
	ID        githash.SHA1
}

func (e *IncorrectObjectTypeError) Error() string {
	return fmt.Sprintf("object %s: incorrect type: got %s, want %s", e.ID, e.Got, e.Want)
}

// AppendHeader appends the canonical "<type> <size>\0" envelope header to
// dst and returns the result.
func AppendHeader(dst []byte, t Type, size int) []byte {
	dst = append(dst, []byte(t.String())...)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(size), 10)
	dst = append(dst, 0)
	return dst
}

// Envelope returns the canonical "<type> <size>\0<payload>" byte sequence
// whose SHA-1 is the object's id.
func Envelope(t Type, payload []byte) []byte {
	buf := AppendHeader(make([]byte, 0, len(payload)+32), t, len(payload))
	return append(buf, payload...)
}

// SumID computes the object id of a payload of the given type.
func SumID(t Type, payload []byte) githash.SHA1 {
	return githash.SumSHA1(Envelope(t, payload))
}

// ParseHeader splits a raw envelope into its type, declared size, and the
// remaining payload bytes. It works on a fully buffered envelope;
// looseobject reads its headers from the inflating stream with its own
// parser instead.
func ParseHeader(raw []byte) (t Type, size int, payload []byte, err error) {
	nul := bytes.IndexByte(raw, 0)
	if nul < 0 {
		return 0, 0, nil, fmt.Errorf("object: malformed envelope: no NUL terminator")
	}
	header := raw[:nul]
	sp := bytes.IndexByte(header, ' ')
	if sp < 0 {
		return 0, 0, nil, fmt.Errorf("object: malformed envelope header %q", header)
	}
	t, err = ParseType(string(header[:sp]))
	if err != nil {
		return 0, 0, nil, err
	}
	size, err = strconv.Atoi(string(header[sp+1:]))
	if err != nil {
		return 0, 0, nil, fmt.Errorf("object: malformed size in header %q: %w", header, err)
	}
	payload = raw[nul+1:]
	if len(payload) != size {
		return 0, 0, nil, fmt.Errorf("object: declared size %d does not match payload length %d", size, len(payload))
	}
	return t, size, payload, nil
}
