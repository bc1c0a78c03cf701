// Package remote models the identity of objects on a storage backend: absolute
// paths, their type tags and the attributes a listing reports for them.
// Nothing in this package performs I/O.
package remote

import (
	"fmt"
	gopath "path"
	"strings"
)

// Delimiter separates path segments on every backend.
const Delimiter = '/'

const root = string(Delimiter)

// Path is the identity of one remote object. The location is fixed at
// construction; attributes can be swapped with WithAttributes.
type Path struct {
	parent     *Path
	absolute   string
	typ        Type
	symlink    *Path
	attributes *Attributes
}

// InvalidPathError is returned when a path cannot be constructed from its input.
type InvalidPathError struct {
	Path   string
	Reason string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Path, e.Reason)
}

// NewPath builds a path from an absolute location. Missing ancestors are
// created as directories and the root is tagged as a volume.
func NewPath(absolute string, t Type) (*Path, error) {
	if absolute == "" || absolute[0] != Delimiter {
		return nil, &InvalidPathError{Path: absolute, Reason: "not absolute"}
	}
	clean := gopath.Clean(absolute)
	if clean == root {
		return &Path{absolute: root, typ: t, attributes: &Attributes{}}, nil
	}
	dir, name := gopath.Split(clean)
	parent, err := NewPath(dir, TypeDirectory)
	if err != nil {
		return nil, err
	}
	if parent.IsRoot() {
		parent.typ = TypeVolume | TypeDirectory
	}
	return NewChild(parent, name, t)
}

// MustPath is like NewPath but panics on malformed input. Use for literals.
func MustPath(absolute string, t Type) *Path {
	p, err := NewPath(absolute, t)
	if err != nil {
		panic(err)
	}
	return p
}

// Root returns a fresh root path.
func Root() *Path {
	return &Path{absolute: root, typ: TypeVolume | TypeDirectory, attributes: &Attributes{}}
}

// NewChild builds the path named name inside parent. The child inherits the
// region of its parent.
func NewChild(parent *Path, name string, t Type) (*Path, error) {
	if parent == nil {
		return nil, &InvalidPathError{Path: name, Reason: "missing parent"}
	}
	if name == "" {
		return nil, &InvalidPathError{Path: parent.absolute, Reason: "empty name"}
	}
	if strings.ContainsRune(name, Delimiter) {
		return nil, &InvalidPathError{Path: name, Reason: "name contains delimiter"}
	}
	if name == "." || name == ".." {
		return nil, &InvalidPathError{Path: name, Reason: "relative name"}
	}

	p := &Path{
		parent:     parent,
		typ:        t,
		attributes: &Attributes{Region: parent.Attributes().Region},
	}
	if parent.IsRoot() {
		p.absolute = parent.absolute + name
	} else {
		p.absolute = parent.absolute + root + name
	}
	return p, nil
}

// Absolute returns the full location, e.g. /home/user/file.txt.
func (p *Path) Absolute() string {
	return p.absolute
}

// Name returns the last segment, or the delimiter for the root.
func (p *Path) Name() string {
	if p.IsRoot() {
		return root
	}
	return p.absolute[strings.LastIndexByte(p.absolute, Delimiter)+1:]
}

// Parent returns the parent directory. The root is its own parent.
func (p *Path) Parent() *Path {
	if p.IsRoot() || p.parent == nil {
		return p
	}
	return p.parent
}

func (p *Path) IsRoot() bool {
	return p.absolute == root
}

func (p *Path) Type() Type {
	return p.typ
}

func (p *Path) IsFile() bool         { return p.typ.Has(TypeFile) }
func (p *Path) IsDirectory() bool    { return p.typ.Has(TypeDirectory) }
func (p *Path) IsVolume() bool       { return p.typ.Has(TypeVolume) }
func (p *Path) IsPlaceholder() bool  { return p.typ.Has(TypePlaceholder) }
func (p *Path) IsSymbolicLink() bool { return p.typ.Has(TypeSymbolicLink) }

// Attributes never returns nil.
func (p *Path) Attributes() *Attributes {
	if p.attributes == nil {
		return &Attributes{}
	}
	return p.attributes
}

// WithAttributes returns a path with the same location and parent carrying a.
func (p *Path) WithAttributes(a *Attributes) *Path {
	c := *p
	c.attributes = a
	return &c
}

// WithType returns a path with the same location carrying t.
func (p *Path) WithType(t Type) *Path {
	c := *p
	c.typ = t
	return &c
}

// Symlink returns the target of a symbolic link, or nil.
func (p *Path) Symlink() *Path {
	return p.symlink
}

// WithSymlink returns a path pointing at target and tagged as a symbolic link.
func (p *Path) WithSymlink(target *Path) *Path {
	c := *p
	c.symlink = target
	c.typ |= TypeSymbolicLink
	return &c
}

// Key identifies the path in maps. Two paths with the same location share a
// key regardless of their type or attributes.
func (p *Path) Key() string {
	return p.absolute
}

// Equal reports whether both paths denote the same location.
func (p *Path) Equal(other *Path) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.absolute == other.absolute
}

// IsChild reports whether p lies below directory in the hierarchy.
func (p *Path) IsChild(directory *Path) bool {
	if directory.IsFile() {
		return false
	}
	if p.IsRoot() {
		return false
	}
	if directory.IsRoot() {
		return true
	}
	if p.Parent().Equal(directory.Parent()) {
		return false
	}
	for parent := p.Parent(); !parent.IsRoot(); parent = parent.Parent() {
		if parent.Equal(directory) {
			return true
		}
	}
	return false
}

func (p *Path) String() string {
	return fmt.Sprintf("Path{path='%s', type=%s}", p.absolute, p.typ)
}

// Relocate maps p, which lies at or below from, onto the same relative
// location below to.
func Relocate(p, from, to *Path) (*Path, error) {
	if p.Equal(from) {
		return to.WithType(p.typ).WithAttributes(p.Attributes().Clone()), nil
	}
	if !p.IsChild(from) && !p.Parent().Equal(from) {
		return nil, &InvalidPathError{Path: p.absolute, Reason: "not below " + from.absolute}
	}
	rel := strings.TrimPrefix(p.absolute, from.absolute)
	rel = strings.TrimPrefix(rel, root)

	current := to
	segments := strings.Split(rel, root)
	for i, segment := range segments {
		t := TypeDirectory
		if i == len(segments)-1 {
			t = p.typ
		}
		next, err := NewChild(current, segment, t)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current.WithAttributes(p.Attributes().Clone()), nil
}
