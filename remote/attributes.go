package remote

import (
	"fmt"
	"maps"
	"os"
	"strconv"
	"time"
)

// Permission holds unix permission bits. The zero value means unknown.
type Permission os.FileMode

// EmptyPermission is reported by backends without a permission model.
const EmptyPermission Permission = 0

func (p Permission) IsEmpty() bool {
	return p == EmptyPermission
}

func (p Permission) Mode() os.FileMode {
	return os.FileMode(p).Perm()
}

// String renders the octal form, e.g. "0644".
func (p Permission) String() string {
	return fmt.Sprintf("%04o", uint32(p.Mode()))
}

// ParsePermission parses the octal form written by String.
func ParsePermission(s string) (Permission, error) {
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return EmptyPermission, fmt.Errorf("parse permission %q: %w", s, err)
	}
	return Permission(os.FileMode(v).Perm()), nil
}

// Checksum is a content hash as reported by a backend.
type Checksum struct {
	Algorithm string
	Hash      string
}

func (c Checksum) IsEmpty() bool {
	return c.Hash == ""
}

func (c Checksum) String() string {
	if c.IsEmpty() {
		return ""
	}
	return c.Algorithm + ":" + c.Hash
}

// Attributes is the metadata a backend reports for a path.
type Attributes struct {
	Size       int64
	Created    time.Time
	Modified   time.Time
	Accessed   time.Time
	Permission Permission
	Checksum   Checksum
	Region     string
	ETag       string
	VersionID  string
	Metadata   map[string]string
}

// Clone returns a deep copy.
func (a *Attributes) Clone() *Attributes {
	if a == nil {
		return &Attributes{}
	}
	c := *a
	if a.Metadata != nil {
		c.Metadata = maps.Clone(a.Metadata)
	}
	return &c
}
