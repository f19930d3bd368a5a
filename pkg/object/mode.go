package object

import "strconv"

// Mode is a tree entry's Unix-ish file mode as stored in Git trees: an
// octal string like "100644" or "40000" (note: no leading zero on the
// directory mode, matching real Git's canonical encoding).
type Mode uint32

const (
	ModePlain          Mode = 0o100644
	ModeExecutable     Mode = 0o100755
	ModeDir            Mode = 0o40000
	ModeSymlink        Mode = 0o120000
	ModeGitlink        Mode = 0o160000
	ModeGroupWritable  Mode = 0o100664
)

// IsDir reports whether m denotes a subtree.
func (m Mode) IsDir() bool { return m == ModeDir }

// IsRegular reports whether m denotes a plain or executable blob.
func (m Mode) IsRegular() bool { return m == ModePlain || m == ModeExecutable || m == ModeGroupWritable }

// IsSymlink reports whether m denotes a symbolic link.
func (m Mode) IsSymlink() bool { return m == ModeSymlink }

// IsGitlink reports whether m denotes a submodule commit reference.
func (m Mode) IsGitlink() bool { return m == ModeGitlink }

// String renders the mode the way Git writes it in tree entries: octal,
// without a leading zero for the directory mode.
func (m Mode) String() string {
	return strconv.FormatUint(uint64(m), 8)
}

// ParseMode parses a tree entry's octal mode string.
func ParseMode(s string) (Mode, error) {
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, err
	}
	return Mode(v), nil
}
