// Package local implements the backend for the local file system. Remote
// paths are resolved below a root directory.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/b1naryth1ef/ferry/remote"
	"github.com/b1naryth1ef/ferry/session"
	"github.com/b1naryth1ef/ferry/transfer"
)

// Session serves files below root.
type Session struct {
	session.Base
	root string
}

// New returns a session rooted at the host option "root", or / when unset.
func New(host *session.Host) (*Session, error) {
	root, err := filepath.Abs(host.Option("root", "/"))
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	s := &Session{Base: session.NewBase(host), root: root}
	s.register()
	return s, nil
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
		session.FeatureTouch,
		session.FeatureFind,
		session.FeatureAttributes,
	} {
		r.Register(id, s)
	}
}

// abs resolves a remote path to a file system path below root.
func (s *Session) abs(p *remote.Path) (string, error) {
	joined := filepath.Join(s.root, filepath.FromSlash(p.Absolute()))
	rel, err := filepath.Rel(s.root, joined)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q escapes root", p.Absolute())
	}
	return joined, nil
}

func wrap(op string, p *remote.Path, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return session.NotFound(p.Absolute())
	}
	return session.Transport(op, p.Absolute(), err)
}

func (s *Session) Connect(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return session.Transport("connect", s.root, err)
	}
	if !info.IsDir() {
		return session.Transport("connect", s.root, errors.New("root is not a directory"))
	}
	return ctx.Err()
}

func (s *Session) Login(context.Context, session.LoginCallback) error {
	return nil
}

func (s *Session) Clone() session.Session {
	c := &Session{Base: session.NewBase(s.Host().Clone()), root: s.root}
	c.register()
	return c
}

func (s *Session) Close() error {
	return nil
}

func (s *Session) List(ctx context.Context, dir *remote.Path, listener session.ListProgressListener) ([]*remote.Path, error) {
	if listener == nil {
		listener = session.DisabledListProgressListener
	}
	path, err := s.abs(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, wrap("list", dir, err)
	}

	list := make([]*remote.Path, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := s.entry(dir, path, entry)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// removed while listing
				continue
			}
			return nil, wrap("list", dir, err)
		}
		list = append(list, p)
	}
	if err := listener.Chunk(dir, list); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *Session) entry(dir *remote.Path, path string, entry fs.DirEntry) (*remote.Path, error) {
	info, err := entry.Info()
	if err != nil {
		return nil, err
	}
	full := filepath.Join(path, entry.Name())

	var target *remote.Path
	if info.Mode()&fs.ModeSymlink != 0 {
		link, err := os.Readlink(full)
		if err != nil {
			return nil, err
		}
		resolved, err := os.Stat(full)
		if err == nil {
			info = resolved
		}
		if !filepath.IsAbs(link) {
			link = filepath.Join(path, link)
		}
		if rel, err := filepath.Rel(s.root, link); err == nil && !strings.HasPrefix(rel, "..") {
			target, _ = remote.NewPath("/"+filepath.ToSlash(rel), typeOf(info))
		}
	}

	p, err := remote.NewChild(dir, entry.Name(), typeOf(info))
	if err != nil {
		return nil, err
	}
	p = p.WithAttributes(attributes(info))
	if target != nil {
		p = p.WithSymlink(target)
	}
	return p, nil
}

func typeOf(info fs.FileInfo) remote.Type {
	if info.IsDir() {
		return remote.TypeDirectory
	}
	return remote.TypeFile
}

func attributes(info fs.FileInfo) *remote.Attributes {
	attrs := &remote.Attributes{
		Modified:   info.ModTime().UTC(),
		Permission: remote.Permission(info.Mode().Perm()),
	}
	if !info.IsDir() {
		attrs.Size = info.Size()
	}
	return attrs
}

func (s *Session) Read(ctx context.Context, file *remote.Path, status *transfer.Status) (io.ReadCloser, error) {
	path, err := s.abs(file)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, wrap("read", file, err)
	}
	if offset := status.StartOffset(); offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, wrap("read", file, err)
		}
	}
	return f, ctx.Err()
}

// Write returns the open file positioned at the start offset. The file also
// implements io.WriterAt for segmented downloads.
func (s *Session) Write(ctx context.Context, file *remote.Path, status *transfer.Status) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.abs(file)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, wrap("write", file, err)
	}
	offset := status.StartOffset()
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, wrap("write", file, err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, wrap("write", file, err)
	}
	return f, nil
}

func (s *Session) Resumable() bool {
	return true
}

func (s *Session) Delete(ctx context.Context, files []*remote.Path) error {
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		path, err := s.abs(file)
		if err != nil {
			return err
		}
		if _, err := os.Lstat(path); err != nil {
			return wrap("delete", file, err)
		}
		if err := os.RemoveAll(path); err != nil {
			return wrap("delete", file, err)
		}
	}
	return nil
}

func (s *Session) Move(ctx context.Context, src, dst *remote.Path) error {
	from, err := s.abs(src)
	if err != nil {
		return err
	}
	to, err := s.abs(dst)
	if err != nil {
		return err
	}
	return wrap("move", src, os.Rename(from, to))
}

// Copy duplicates a regular file below the same root.
func (s *Session) Copy(ctx context.Context, src, dst *remote.Path) error {
	from, err := s.abs(src)
	if err != nil {
		return err
	}
	to, err := s.abs(dst)
	if err != nil {
		return err
	}
	in, err := os.Open(from)
	if err != nil {
		return wrap("copy", src, err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return wrap("copy", src, err)
	}
	out, err := os.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return wrap("copy", dst, err)
	}
	if _, err := transfer.Copy(ctx, out, in, transfer.NewStatus(info.Size())); err != nil {
		out.Close()
		return wrap("copy", dst, err)
	}
	return wrap("copy", dst, out.Close())
}

func (s *Session) Mkdir(ctx context.Context, dir *remote.Path) error {
	path, err := s.abs(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return wrap("mkdir", dir, err)
	}
	return ctx.Err()
}

func (s *Session) SetTimestamp(_ context.Context, file *remote.Path, _, modified, accessed time.Time) error {
	path, err := s.abs(file)
	if err != nil {
		return err
	}
	if accessed.IsZero() {
		accessed = time.Now()
	}
	return wrap("timestamp", file, os.Chtimes(path, accessed, modified))
}

func (s *Session) SetUnixPermission(_ context.Context, file *remote.Path, permission remote.Permission) error {
	path, err := s.abs(file)
	if err != nil {
		return err
	}
	return wrap("chmod", file, os.Chmod(path, permission.Mode()))
}

func (s *Session) Touch(_ context.Context, file *remote.Path) error {
	path, err := s.abs(file)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return wrap("touch", file, err)
	}
	return wrap("touch", file, f.Close())
}

func (s *Session) Find(_ context.Context, file *remote.Path) (bool, error) {
	path, err := s.abs(file)
	if err != nil {
		return false, err
	}
	_, err = os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, wrap("find", file, err)
}

func (s *Session) Attributes(_ context.Context, file *remote.Path) (*remote.Attributes, error) {
	path, err := s.abs(file)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, wrap("stat", file, err)
	}
	return attributes(info), nil
}
