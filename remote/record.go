package remote

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"
)

// Record is the persisted form of a Path, used for bookmarks and saved
// queues. Keys must stay stable: records written by older versions are read
// back byte for byte.
type Record struct {
	Type         string           `json:"Type"`
	Remote       string           `json:"Remote"`
	SymbolicLink *Record          `json:"Symbolic Link,omitempty"`
	Attributes   AttributesRecord `json:"Attributes"`
}

// AttributesRecord is the persisted form of Attributes.
type AttributesRecord struct {
	Size       int64             `json:"Size,omitempty"`
	Created    string            `json:"Created,omitempty"`
	Modified   string            `json:"Modified,omitempty"`
	Accessed   string            `json:"Accessed,omitempty"`
	Permission string            `json:"Permission,omitempty"`
	Checksum   string            `json:"Checksum,omitempty"`
	Region     string            `json:"Region,omitempty"`
	ETag       string            `json:"ETag,omitempty"`
	VersionID  string            `json:"Version,omitempty"`
	Metadata   map[string]string `json:"Metadata,omitempty"`
}

// Record serializes p.
func (p *Path) Record() Record {
	r := Record{
		Type:       p.typ.String(),
		Remote:     p.absolute,
		Attributes: p.Attributes().record(),
	}
	if p.symlink != nil {
		target := p.symlink.Record()
		r.SymbolicLink = &target
	}
	return r
}

// FromRecord rebuilds a Path from its persisted form.
func FromRecord(r Record) (*Path, error) {
	t, err := ParseType(r.Type)
	if err != nil {
		return nil, err
	}
	p, err := NewPath(r.Remote, t)
	if err != nil {
		return nil, err
	}
	attrs, err := r.Attributes.attributes()
	if err != nil {
		return nil, fmt.Errorf("attributes of %s: %w", r.Remote, err)
	}
	p = p.WithAttributes(attrs)
	if r.SymbolicLink != nil {
		target, err := FromRecord(*r.SymbolicLink)
		if err != nil {
			return nil, fmt.Errorf("symbolic link of %s: %w", r.Remote, err)
		}
		p.symlink = target
	}
	return p, nil
}

func (p *Path) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Record())
}

func (p *Path) UnmarshalJSON(data []byte) error {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	decoded, err := FromRecord(r)
	if err != nil {
		return err
	}
	*p = *decoded
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func (a *Attributes) record() AttributesRecord {
	r := AttributesRecord{
		Size:      a.Size,
		Created:   formatTime(a.Created),
		Modified:  formatTime(a.Modified),
		Accessed:  formatTime(a.Accessed),
		Checksum:  a.Checksum.String(),
		Region:    a.Region,
		ETag:      a.ETag,
		VersionID: a.VersionID,
	}
	if !a.Permission.IsEmpty() {
		r.Permission = a.Permission.String()
	}
	if len(a.Metadata) > 0 {
		r.Metadata = maps.Clone(a.Metadata)
	}
	return r
}

func (r AttributesRecord) attributes() (*Attributes, error) {
	a := &Attributes{
		Size:      r.Size,
		Region:    r.Region,
		ETag:      r.ETag,
		VersionID: r.VersionID,
	}
	var err error
	if a.Created, err = parseTime(r.Created); err != nil {
		return nil, err
	}
	if a.Modified, err = parseTime(r.Modified); err != nil {
		return nil, err
	}
	if a.Accessed, err = parseTime(r.Accessed); err != nil {
		return nil, err
	}
	if r.Permission != "" {
		if a.Permission, err = ParsePermission(r.Permission); err != nil {
			return nil, err
		}
	}
	if r.Checksum != "" {
		algorithm, hash, ok := strings.Cut(r.Checksum, ":")
		if !ok {
			return nil, fmt.Errorf("malformed checksum %q", r.Checksum)
		}
		a.Checksum = Checksum{Algorithm: algorithm, Hash: hash}
	}
	if len(r.Metadata) > 0 {
		a.Metadata = maps.Clone(r.Metadata)
	}
	return a, nil
}
