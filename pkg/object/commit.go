package object

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/odvcencio/gitdir/pkg/githash"
)

// User is a commit/tag identity line: "Name <email> secs tz".
type User struct {
	Name  string
	Email string
	Time  time.Time
}

// FormatUser renders u in Git's "Name <email> secs ±hhmm" form.
func FormatUser(u User) string {
	_, offset := u.Time.Zone()
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	return fmt.Sprintf("%s <%s> %d %s%02d%02d", u.Name, u.Email, u.Time.Unix(), sign, offset/3600, (offset/60)%60)
}

// ParseUser parses a Git identity line of the form "Name <email> secs tz".
func ParseUser(line string) (User, error) {
	open := strings.LastIndexByte(line, '<')
	close := strings.LastIndexByte(line, '>')
	if open < 0 || close < 0 || close < open {
		return User{}, fmt.Errorf("object: malformed identity line %q", line)
	}
	name := strings.TrimSpace(line[:open])
	email := line[open+1 : close]
	rest := strings.TrimSpace(line[close+1:])
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return User{}, fmt.Errorf("object: malformed identity timestamp in %q", line)
	}
	secs, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return User{}, fmt.Errorf("object: malformed identity seconds in %q: %w", line, err)
	}
	loc, err := parseTZOffset(fields[1])
	if err != nil {
		return User{}, fmt.Errorf("object: malformed identity tz in %q: %w", line, err)
	}
	return User{Name: name, Email: email, Time: time.Unix(secs, 0).In(loc)}, nil
}

func parseTZOffset(s string) (*time.Location, error) {
	if len(s) != 5 || (s[0] != '+' && s[0] != '-') {
		return nil, fmt.Errorf("bad tz offset %q", s)
	}
	hh, err := strconv.Atoi(s[1:3])
	if err != nil {
		return nil, err
	}
	mm, err := strconv.Atoi(s[3:5])
	if err != nil {
		return nil, err
	}
	secs := hh*3600 + mm*60
	if s[0] == '-' {
		secs = -secs
	}
	return time.FixedZone(s, secs), nil
}

// Commit is a parsed commit object.
type Commit struct {
	Tree      githash.SHA1
	Parents   []githash.SHA1
	Author    User
	Committer User
	GPGSig    string
	Message   string
}

// Marshal encodes c into its canonical payload form.
func (c Commit) Marshal() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", c.Tree)
	for _, p := range c.Parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	fmt.Fprintf(&buf, "author %s\n", FormatUser(c.Author))
	fmt.Fprintf(&buf, "committer %s\n", FormatUser(c.Committer))
	if c.GPGSig != "" {
		fmt.Fprintf(&buf, "gpgsig %s\n", indentContinuation(c.GPGSig))
	}
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	return buf.Bytes()
}

// SHA1 returns the object id of c's canonical encoding.
func (c Commit) SHA1() githash.SHA1 {
	return SumID(TypeCommit, c.Marshal())
}

func indentContinuation(s string) string {
	return strings.ReplaceAll(s, "\n", "\n ")
}

// UnmarshalCommit parses a commit object's raw payload.
func UnmarshalCommit(data []byte) (Commit, error) {
	var c Commit
	rest := string(data)
	headerEnd := strings.Index(rest, "\n\n")
	if headerEnd < 0 {
		return c, fmt.Errorf("object: malformed commit: missing header/message separator")
	}
	header := rest[:headerEnd]
	c.Message = rest[headerEnd+2:]

	lines := strings.Split(header, "\n")
	var haveTree bool
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "tree "):
			id, err := githash.ParseSHA1(strings.TrimPrefix(line, "tree "))
			if err != nil {
				return c, fmt.Errorf("object: commit tree: %w", err)
			}
			c.Tree = id
			haveTree = true
		case strings.HasPrefix(line, "parent "):
			id, err := githash.ParseSHA1(strings.TrimPrefix(line, "parent "))
			if err != nil {
				return c, fmt.Errorf("object: commit parent: %w", err)
			}
			c.Parents = append(c.Parents, id)
		case strings.HasPrefix(line, "author "):
			u, err := ParseUser(strings.TrimPrefix(line, "author "))
			if err != nil {
				return c, fmt.Errorf("object: commit author: %w", err)
			}
			c.Author = u
		case strings.HasPrefix(line, "committer "):
			u, err := ParseUser(strings.TrimPrefix(line, "committer "))
			if err != nil {
				return c, fmt.Errorf("object: commit committer: %w", err)
			}
			c.Committer = u
		case strings.HasPrefix(line, "gpgsig "):
			sig := strings.TrimPrefix(line, "gpgsig ")
			for i+1 < len(lines) && strings.HasPrefix(lines[i+1], " ") {
				i++
				sig += "\n" + strings.TrimPrefix(lines[i], " ")
			}
			c.GPGSig = sig
		}
	}
	if !haveTree {
		return c, fmt.Errorf("object: malformed commit: missing tree header")
	}
	return c, nil
}
