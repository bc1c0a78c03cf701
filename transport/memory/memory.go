// Package memory implements a backend that keeps its tree in process memory.
// It backs dry runs and tests.
package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"maps"
	gopath "path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/b1naryth1ef/ferry/remote"
	"github.com/b1naryth1ef/ferry/session"
	"github.com/b1naryth1ef/ferry/transfer"
)

var (
	errIsDirectory  = errors.New("is a directory")
	errNotDirectory = errors.New("not a directory")
)

// Session is a memory backend session. Clones share the store.
type Session struct {
	session.Base
	store    *Store
	pageSize int
	closed   atomic.Bool
	closes   *atomic.Int32
}

// New returns a session on the named store of host.
func New(host *session.Host) *Session {
	return NewWithStore(host, Named(host.Hostname))
}

func NewWithStore(host *session.Host, store *Store) *Session {
	s := &Session{
		Base:     session.NewBase(host),
		store:    store,
		pageSize: 100,
		closes:   new(atomic.Int32),
	}
	s.register()
	return s
}

func (s *Session) register() {
	r := s.Registry()
	for _, id := range []session.Feature{
		session.FeatureRead,
		session.FeatureWrite,
		session.FeatureDelete,
		session.FeatureMove,
		session.FeatureCopy,
		session.FeatureDirectory,
		session.FeatureTimestamp,
		session.FeatureUnixPermission,
		session.FeatureHeaders,
		session.FeatureTouch,
		session.FeatureFind,
		session.FeatureAttributes,
	} {
		r.Register(id, s)
	}
}

// Store exposes the backing store.
func (s *Session) Store() *Store {
	return s.store
}

// Closed reports whether Close was called on this session.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Closes counts Close calls across this session and its clones.
func (s *Session) Closes() int {
	return int(s.closes.Load())
}

func (s *Session) Connect(ctx context.Context) error {
	return ctx.Err()
}

func (s *Session) Login(context.Context, session.LoginCallback) error {
	return nil
}

func (s *Session) Clone() session.Session {
	c := NewWithStore(s.Host().Clone(), s.store)
	c.pageSize = s.pageSize
	c.closes = s.closes
	return c
}

func (s *Session) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.closes.Add(1)
	}
	return nil
}

func (s *Session) List(ctx context.Context, dir *remote.Path, listener session.ListProgressListener) ([]*remote.Path, error) {
	if listener == nil {
		listener = session.DisabledListProgressListener
	}
	s.store.mu.RLock()
	n, ok := s.store.get(dir.Absolute())
	if !ok || !n.dir {
		s.store.mu.RUnlock()
		return nil, session.NotFound(dir.Absolute())
	}
	var list []*remote.Path
	for _, name := range s.store.children(dir.Absolute()) {
		child := s.store.nodes[gopath.Join(dir.Absolute(), name)]
		p, err := remote.NewChild(dir, name, child.typ())
		if err != nil {
			s.store.mu.RUnlock()
			return nil, err
		}
		list = append(list, p.WithAttributes(child.attributes()))
	}
	s.store.mu.RUnlock()

	for start := 0; start < len(list); start += s.pageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+s.pageSize, len(list))
		if err := listener.Chunk(dir, list[start:end]); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (s *Session) Read(ctx context.Context, file *remote.Path, status *transfer.Status) (io.ReadCloser, error) {
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()
	n, ok := s.store.get(file.Absolute())
	if !ok || n.dir {
		return nil, session.NotFound(file.Absolute())
	}
	offset := min(status.StartOffset(), int64(len(n.data)))
	data := append([]byte(nil), n.data[offset:]...)
	return io.NopCloser(bytes.NewReader(data)), ctx.Err()
}

type writer struct {
	store    *Store
	absolute string
}

// Write appends to the stored content so partially written files survive
// cancellation.
func (w *writer) Write(p []byte) (int, error) {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	n, ok := w.store.nodes[w.absolute]
	if !ok {
		return 0, session.NotFound(w.absolute)
	}
	n.data = append(n.data, p...)
	n.modified = w.store.now()
	return len(p), nil
}

func (w *writer) Close() error {
	return nil
}

func (s *Session) Write(ctx context.Context, file *remote.Path, status *transfer.Status) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	parent, ok := s.store.get(gopath.Dir(file.Absolute()))
	if !ok || !parent.dir {
		return nil, session.NotFound(file.Parent().Absolute())
	}
	n, ok := s.store.get(file.Absolute())
	switch {
	case ok && n.dir:
		return nil, session.Transport("write", file.Absolute(), errIsDirectory)
	case !ok:
		now := s.store.now()
		n = &node{created: now, modified: now, permission: 0o644}
		s.store.nodes[file.Absolute()] = n
	}
	offset := status.StartOffset()
	if offset > int64(len(n.data)) {
		offset = int64(len(n.data))
	}
	n.data = n.data[:offset]
	return &writer{store: s.store, absolute: file.Absolute()}, nil
}

func (s *Session) Resumable() bool {
	return true
}

func (s *Session) Delete(ctx context.Context, files []*remote.Path) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, ok := s.store.get(file.Absolute()); !ok {
			return session.NotFound(file.Absolute())
		}
		prefix := file.Absolute() + "/"
		for key := range s.store.nodes {
			if key == file.Absolute() || strings.HasPrefix(key, prefix) {
				delete(s.store.nodes, key)
			}
		}
	}
	return nil
}

func (s *Session) Move(ctx context.Context, src, dst *remote.Path) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if _, ok := s.store.get(src.Absolute()); !ok {
		return session.NotFound(src.Absolute())
	}
	if !s.store.mkdirAll(gopath.Dir(dst.Absolute())) {
		return session.NotFound(dst.Parent().Absolute())
	}
	prefix := src.Absolute() + "/"
	moved := map[string]*node{}
	for key, n := range s.store.nodes {
		switch {
		case key == src.Absolute():
			moved[dst.Absolute()] = n
		case strings.HasPrefix(key, prefix):
			moved[dst.Absolute()+"/"+key[len(prefix):]] = n
		default:
			continue
		}
		delete(s.store.nodes, key)
	}
	maps.Copy(s.store.nodes, moved)
	return ctx.Err()
}

func (s *Session) Copy(ctx context.Context, src, dst *remote.Path) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	n, ok := s.store.get(src.Absolute())
	if !ok || n.dir {
		return session.NotFound(src.Absolute())
	}
	if !s.store.mkdirAll(gopath.Dir(dst.Absolute())) {
		return session.NotFound(dst.Parent().Absolute())
	}
	c := *n
	c.data = append([]byte(nil), n.data...)
	c.metadata = maps.Clone(n.metadata)
	s.store.nodes[dst.Absolute()] = &c
	return ctx.Err()
}

// Mkdir creates dir and any missing ancestors.
func (s *Session) Mkdir(ctx context.Context, dir *remote.Path) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if !s.store.mkdirAll(dir.Absolute()) {
		return session.Transport("mkdir", dir.Absolute(), errNotDirectory)
	}
	return ctx.Err()
}

func (s *Session) SetTimestamp(_ context.Context, file *remote.Path, created, modified, accessed time.Time) error {
	return s.update(file, func(n *node) {
		if !created.IsZero() {
			n.created = created
		}
		n.modified = modified
		if !accessed.IsZero() {
			n.accessed = accessed
		}
	})
}

func (s *Session) SetUnixPermission(_ context.Context, file *remote.Path, permission remote.Permission) error {
	return s.update(file, func(n *node) {
		n.permission = permission
	})
}

func (s *Session) Metadata(_ context.Context, file *remote.Path) (map[string]string, error) {
	attrs, ok := s.store.Attributes(file.Absolute())
	if !ok {
		return nil, session.NotFound(file.Absolute())
	}
	return attrs.Metadata, nil
}

func (s *Session) SetMetadata(_ context.Context, file *remote.Path, metadata map[string]string) error {
	return s.update(file, func(n *node) {
		n.metadata = maps.Clone(metadata)
	})
}

func (s *Session) Touch(ctx context.Context, file *remote.Path) error {
	status := transfer.NewStatus(0)
	w, err := s.Write(ctx, file, status)
	if err != nil {
		return err
	}
	return w.Close()
}

func (s *Session) Find(_ context.Context, file *remote.Path) (bool, error) {
	_, ok := s.store.Attributes(file.Absolute())
	return ok, nil
}

func (s *Session) Attributes(_ context.Context, file *remote.Path) (*remote.Attributes, error) {
	attrs, ok := s.store.Attributes(file.Absolute())
	if !ok {
		return nil, session.NotFound(file.Absolute())
	}
	attrs.Region = file.Attributes().Region
	return attrs, nil
}

func (s *Session) update(file *remote.Path, fn func(*node)) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	n, ok := s.store.get(file.Absolute())
	if !ok {
		return session.NotFound(file.Absolute())
	}
	fn(n)
	return nil
}
