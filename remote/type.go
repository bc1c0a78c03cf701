package remote

import (
	"fmt"
	"strings"
)

// Type is a set of tags describing what kind of object a path denotes.
type Type uint8

const (
	TypeFile Type = 1 << iota
	TypeDirectory
	TypeVolume
	TypePlaceholder
	TypeSymbolicLink
)

var typeNames = []struct {
	t    Type
	name string
}{
	{TypeFile, "file"},
	{TypeDirectory, "directory"},
	{TypeVolume, "volume"},
	{TypePlaceholder, "placeholder"},
	{TypeSymbolicLink, "symboliclink"},
}

func (t Type) Has(tag Type) bool {
	return t&tag == tag
}

// String renders the set as "[directory, volume]".
func (t Type) String() string {
	var names []string
	for _, n := range typeNames {
		if t.Has(n.t) {
			names = append(names, n.name)
		}
	}
	return "[" + strings.Join(names, ", ") + "]"
}

// ParseType is the inverse of Type.String.
func ParseType(s string) (Type, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return 0, fmt.Errorf("malformed type set %q", s)
	}
	body := strings.TrimSpace(s[1 : len(s)-1])
	if body == "" {
		return 0, nil
	}

	var t Type
outer:
	for _, field := range strings.Split(body, ",") {
		field = strings.TrimSpace(field)
		for _, n := range typeNames {
			if n.name == field {
				t |= n.t
				continue outer
			}
		}
		return 0, fmt.Errorf("unknown type tag %q", field)
	}
	return t, nil
}
