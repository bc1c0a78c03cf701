// Package sftp implements the SFTP backend on top of an ssh connection.
package sftp

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/b1naryth1ef/ferry/internal/logging"
	"github.com/b1naryth1ef/ferry/internal/metrics"
	"github.com/b1naryth1ef/ferry/remote"
	"github.com/b1naryth1ef/ferry/session"
	"github.com/b1naryth1ef/ferry/transfer"
)

type Session struct {
	session.Base
	root   string
	conn   *ssh.Client
	client *sftp.Client
}

func New(host *session.Host) *Session {
	s := &Session{
		Base: session.NewBase(host),
		root: strings.TrimSuffix(host.Option("root", ""), "/"),
	}
	s.register()
	return s
}

func (s *Session) register() {
	r := s.Registry()
	r.Register(session.FeatureRead, s)
	r.Register(session.FeatureWrite, s)
	r.Register(session.FeatureDelete, s)
	r.Register(session.FeatureMove, s)
	r.Register(session.FeatureDirectory, s)
	r.Register(session.FeatureTimestamp, s)
	r.Register(session.FeatureUnixPermission, s)
	r.Register(session.FeatureTouch, s)
	r.Register(session.FeatureFind, s)
	r.Register(session.FeatureAttributes, s)
}

// Connect is a no-op: the ssh handshake authenticates, so the connection is
// opened by Login.
func (s *Session) Connect(context.Context) error {
	return nil
}

func (s *Session) Login(ctx context.Context, prompt session.LoginCallback) error {
	host := s.Host()
	creds := host.Credentials
	if creds.IsEmpty() {
		// identity files from ~/.ssh/config may be enough
		cfg, hostPort, err := clientConfig(host, creds)
		if err == nil {
			if err := s.open(ctx, hostPort, cfg); err == nil {
				return nil
			}
		}
		creds, err = session.ResolveCredentials(ctx, host, prompt, "Password or key required")
		if err != nil {
			return err
		}
	}

	cfg, hostPort, err := clientConfig(host, creds)
	if err != nil {
		return &session.LoginFailureError{Host: host.String(), Err: err}
	}
	if err := s.open(ctx, hostPort, cfg); err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return session.Transport("connect", hostPort, err)
		}
		return &session.LoginFailureError{Host: host.String(), Err: err}
	}
	return nil
}

func (s *Session) open(ctx context.Context, hostPort string, cfg *ssh.ClientConfig) error {
	conn, err := OpenSSH(ctx, hostPort, cfg)
	if err != nil {
		return err
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return err
	}
	s.conn = conn
	s.client = client
	logging.Debug("sftp session opened", zap.String("host", hostPort), zap.String("user", cfg.User))
	return nil
}

// NewWithClient wraps an established sftp client.
func NewWithClient(host *session.Host, client *sftp.Client) *Session {
	s := New(host)
	s.client = client
	return s
}

func (s *Session) Clone() session.Session {
	return New(s.Host().Clone())
}

func (s *Session) Close() error {
	var errs []error
	if s.client != nil {
		errs = append(errs, s.client.Close())
		s.client = nil
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
		s.conn = nil
	}
	return errors.Join(errs...)
}

func (s *Session) abs(p *remote.Path) string {
	if s.root == "" {
		return p.Absolute()
	}
	if p.IsRoot() {
		return s.root
	}
	return s.root + p.Absolute()
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

func attributes(info os.FileInfo) *remote.Attributes {
	attrs := &remote.Attributes{
		Modified:   info.ModTime().UTC(),
		Permission: remote.Permission(info.Mode().Perm()),
	}
	if !info.IsDir() {
		attrs.Size = info.Size()
	}
	if st, ok := info.Sys().(*sftp.FileStat); ok && st.Atime != 0 {
		attrs.Accessed = time.Unix(int64(st.Atime), 0).UTC()
	}
	return attrs
}

func (s *Session) List(ctx context.Context, dir *remote.Path, listener session.ListProgressListener) (list []*remote.Path, err error) {
	defer metrics.Track("sftp", "list")(&err)
	if listener == nil {
		listener = session.DisabledListProgressListener
	}
	infos, err := s.client.ReadDir(s.abs(dir))
	if err != nil {
		return nil, wrap("list", dir, err)
	}
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t := remote.TypeFile
		if info.IsDir() {
			t = remote.TypeDirectory
		}
		var target *remote.Path
		if info.Mode()&fs.ModeSymlink != 0 {
			target, t = s.resolveLink(dir, info.Name())
		}
		p, err := remote.NewChild(dir, info.Name(), t)
		if err != nil {
			logging.Warn("skipping entry with invalid name", logging.Path(dir.Absolute()), zap.String("name", info.Name()), zap.Error(err))
			continue
		}
		p = p.WithAttributes(attributes(info))
		if target != nil {
			p = p.WithSymlink(target)
		}
		list = append(list, p)
	}
	if err := listener.Chunk(dir, list); err != nil {
		return nil, err
	}
	return list, nil
}

// resolveLink follows a symbolic link below dir. Dangling links are listed
// as files.
func (s *Session) resolveLink(dir *remote.Path, name string) (*remote.Path, remote.Type) {
	full := path.Join(s.abs(dir), name)
	t := remote.TypeSymbolicLink | remote.TypeFile
	if st, err := s.client.Stat(full); err == nil && st.IsDir() {
		t = remote.TypeSymbolicLink | remote.TypeDirectory
	}
	dest, err := s.client.ReadLink(full)
	if err != nil {
		return nil, t
	}
	if !path.IsAbs(dest) {
		dest = path.Join(dir.Absolute(), dest)
	} else if s.root != "" {
		dest = strings.TrimPrefix(dest, s.root)
	}
	target, err := remote.NewPath(dest, t&^remote.TypeSymbolicLink)
	if err != nil {
		return nil, t
	}
	return target, t
}

func (s *Session) Read(ctx context.Context, file *remote.Path, status *transfer.Status) (io.ReadCloser, error) {
	f, err := s.client.Open(s.abs(file))
	if err != nil {
		return nil, wrap("read", file, err)
	}
	if start := status.StartOffset(); start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			f.Close()
			return nil, wrap("read", file, err)
		}
	}
	return f, nil
}

func (s *Session) Resumable() bool {
	return true
}

// Write opens file for writing at the start offset of status. The returned
// writer is an io.WriterAt.
func (s *Session) Write(ctx context.Context, file *remote.Path, status *transfer.Status) (io.WriteCloser, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if status.StartOffset() == 0 {
		flags |= os.O_TRUNC
	}
	f, err := s.client.OpenFile(s.abs(file), flags)
	if err != nil {
		return nil, wrap("write", file, err)
	}
	if start := status.StartOffset(); start > 0 {
		if err := f.Truncate(start); err != nil {
			f.Close()
			return nil, wrap("write", file, err)
		}
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			f.Close()
			return nil, wrap("write", file, err)
		}
	}
	s.Cache().Invalidate(file.Parent())
	return f, nil
}

func (s *Session) Delete(ctx context.Context, files []*remote.Path) (err error) {
	defer metrics.Track("sftp", "delete")(&err)
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		var derr error
		if file.IsDirectory() && !file.IsSymbolicLink() {
			derr = s.client.RemoveDirectory(s.abs(file))
		} else {
			derr = s.client.Remove(s.abs(file))
		}
		if derr != nil {
			return wrap("delete", file, derr)
		}
		s.Cache().Invalidate(file.Parent())
	}
	return nil
}

func (s *Session) Move(ctx context.Context, src, dst *remote.Path) error {
	if ok, _ := s.Find(ctx, dst); ok {
		if err := s.client.Remove(s.abs(dst)); err != nil {
			return wrap("move", dst, err)
		}
	}
	if err := s.client.Rename(s.abs(src), s.abs(dst)); err != nil {
		return wrap("move", src, err)
	}
	s.Cache().Invalidate(src.Parent())
	s.Cache().Invalidate(dst.Parent())
	return nil
}

func (s *Session) Mkdir(ctx context.Context, dir *remote.Path) error {
	if err := s.client.MkdirAll(s.abs(dir)); err != nil {
		return wrap("mkdir", dir, err)
	}
	s.Cache().Invalidate(dir.Parent())
	return nil
}

func (s *Session) SetTimestamp(ctx context.Context, file *remote.Path, created, modified, accessed time.Time) error {
	if accessed.IsZero() {
		accessed = modified
	}
	if err := s.client.Chtimes(s.abs(file), accessed, modified); err != nil {
		return wrap("chtimes", file, err)
	}
	return nil
}

func (s *Session) SetUnixPermission(ctx context.Context, file *remote.Path, perm remote.Permission) error {
	if err := s.client.Chmod(s.abs(file), perm.Mode()); err != nil {
		return wrap("chmod", file, err)
	}
	return nil
}

func (s *Session) Touch(ctx context.Context, file *remote.Path) error {
	f, err := s.client.OpenFile(s.abs(file), os.O_WRONLY|os.O_CREATE)
	if err != nil {
		return wrap("touch", file, err)
	}
	s.Cache().Invalidate(file.Parent())
	return f.Close()
}

func (s *Session) Attributes(ctx context.Context, file *remote.Path) (*remote.Attributes, error) {
	info, err := s.client.Stat(s.abs(file))
	if err != nil {
		return nil, wrap("stat", file, err)
	}
	return attributes(info), nil
}

func (s *Session) Find(ctx context.Context, file *remote.Path) (bool, error) {
	_, err := s.client.Lstat(s.abs(file))
	if err == nil {
		return true, nil
	}
	if errors.Is(wrap("stat", file, err), session.ErrNotFound) {
		return false, nil
	}
	return false, wrap("stat", file, err)
}
