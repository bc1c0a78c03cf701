package memory

import (
	"maps"
	gopath "path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/b1naryth1ef/ferry/remote"
)

type node struct {
	dir        bool
	data       []byte
	created    time.Time
	modified   time.Time
	accessed   time.Time
	permission remote.Permission
	metadata   map[string]string
}

// Store is the shared content behind every session of one memory host.
type Store struct {
	mu    sync.RWMutex
	nodes map[string]*node
	now   func() time.Time
}

func NewStore() *Store {
	s := &Store{nodes: make(map[string]*node), now: time.Now}
	s.nodes["/"] = &node{dir: true, permission: 0o755}
	return s
}

var (
	storesMu sync.Mutex
	stores   = map[string]*Store{}
)

// Named returns the process wide store for name, creating it on first use.
func Named(name string) *Store {
	storesMu.Lock()
	defer storesMu.Unlock()
	s, ok := stores[name]
	if !ok {
		s = NewStore()
		stores[name] = s
	}
	return s
}

func (s *Store) get(absolute string) (*node, bool) {
	n, ok := s.nodes[absolute]
	return n, ok
}

// mkdirAll creates absolute and its missing ancestors. Caller holds the lock.
func (s *Store) mkdirAll(absolute string) bool {
	if n, ok := s.nodes[absolute]; ok {
		return n.dir
	}
	if !s.mkdirAll(gopath.Dir(absolute)) {
		return false
	}
	now := s.now()
	s.nodes[absolute] = &node{dir: true, created: now, modified: now, permission: 0o755}
	return true
}

func (s *Store) children(dir string) []string {
	prefix := dir
	if prefix != "/" {
		prefix += "/"
	}
	var names []string
	for key := range s.nodes {
		if key == dir || !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := key[len(prefix):]
		if rest != "" && !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	sort.Strings(names)
	return names
}

func (n *node) attributes() *remote.Attributes {
	return &remote.Attributes{
		Size:       int64(len(n.data)),
		Created:    n.created,
		Modified:   n.modified,
		Accessed:   n.accessed,
		Permission: n.permission,
		Metadata:   maps.Clone(n.metadata),
	}
}

func (n *node) typ() remote.Type {
	if n.dir {
		return remote.TypeDirectory
	}
	return remote.TypeFile
}

// PutFile stores data at absolute, creating parent directories. Used to seed
// fixtures.
func (s *Store) PutFile(absolute string, data []byte, modified time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mkdirAll(gopath.Dir(absolute))
	s.nodes[absolute] = &node{
		data:       append([]byte(nil), data...),
		created:    modified,
		modified:   modified,
		permission: 0o644,
	}
}

// File returns a copy of the content at absolute.
func (s *Store) File(absolute string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[absolute]
	if !ok || n.dir {
		return nil, false
	}
	return append([]byte(nil), n.data...), true
}

// Attributes returns the attributes stored at absolute.
func (s *Store) Attributes(absolute string) (*remote.Attributes, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[absolute]
	if !ok {
		return nil, false
	}
	return n.attributes(), true
}
