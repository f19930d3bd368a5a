package object

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/odvcencio/gitdir/pkg/githash"
)

// Tag is a parsed annotated-tag object.
type Tag struct {
	Object  githash.SHA1
	Type    Type
	Name    string
	Tagger  User
	Message string
}

// Marshal encodes t into its canonical payload form.
func (t Tag) Marshal() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "object %s\n", t.Object)
	fmt.Fprintf(&buf, "type %s\n", t.Type)
	fmt.Fprintf(&buf, "tag %s\n", t.Name)
	fmt.Fprintf(&buf, "tagger %s\n", FormatUser(t.Tagger))
	buf.WriteByte('\n')
	buf.WriteString(t.Message)
	return buf.Bytes()
}

// SHA1 returns the object id of t's canonical encoding.
func (t Tag) SHA1() githash.SHA1 {
	return SumID(TypeTag, t.Marshal())
}

// UnmarshalTag parses a tag object's raw payload.
func UnmarshalTag(data []byte) (Tag, error) {
	var tag Tag
	rest := string(data)
	headerEnd := strings.Index(rest, "\n\n")
	body := rest
	header := rest
	if headerEnd >= 0 {
		header = rest[:headerEnd]
		body = rest[headerEnd+2:]
	}
	tag.Message = body

	for _, line := range strings.Split(header, "\n") {
		switch {
		case strings.HasPrefix(line, "object "):
			id, err := githash.ParseSHA1(strings.TrimPrefix(line, "object "))
			if err != nil {
				return tag, fmt.Errorf("object: tag object: %w", err)
			}
			tag.Object = id
		case strings.HasPrefix(line, "type "):
			typ, err := ParseType(strings.TrimPrefix(line, "type "))
			if err != nil {
				return tag, fmt.Errorf("object: tag type: %w", err)
			}
			tag.Type = typ
		case strings.HasPrefix(line, "tag "):
			tag.Name = strings.TrimPrefix(line, "tag ")
		case strings.HasPrefix(line, "tagger "):
			u, err := ParseUser(strings.TrimPrefix(line, "tagger "))
			if err != nil {
				return tag, fmt.Errorf("object: tag tagger: %w", err)
			}
			tag.Tagger = u
		}
	}
	return tag, nil
}

// Blob is a raw, uninterpreted payload.
type Blob []byte

// SHA1 returns the object id of b.
func (b Blob) SHA1() githash.SHA1 {
	return SumID(TypeBlob, []byte(b))
}
