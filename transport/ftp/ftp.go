// Package ftp implements the FTP backend. A control connection serves one
// command at a time, so every operation holds the session lock until its
// data connection is closed.
package ftp

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/textproto"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jlaffaye/ftp"
	"go.uber.org/zap"

	"github.com/b1naryth1ef/ferry/internal/logging"
	"github.com/b1naryth1ef/ferry/internal/metrics"
	"github.com/b1naryth1ef/ferry/remote"
	"github.com/b1naryth1ef/ferry/session"
	"github.com/b1naryth1ef/ferry/transfer"
)

// conn is the subset of *ftp.ServerConn the session uses.
type conn interface {
	Login(user, password string) error
	List(path string) ([]*ftp.Entry, error)
	RetrFrom(path string, offset uint64) (*ftp.Response, error)
	StorFrom(path string, r io.Reader, offset uint64) error
	Append(path string, r io.Reader) error
	Delete(path string) error
	RemoveDir(path string) error
	MakeDir(path string) error
	Rename(from, to string) error
	SetTime(path string, t time.Time) error
	IsSetTimeSupported() bool
	Quit() error
}

type Session struct {
	session.Base
	timeout time.Duration
	setTime atomic.Bool

	mu   sync.Mutex
	conn conn
}

func New(host *session.Host) *Session {
	return newSession(host, nil)
}

func newSession(host *session.Host, c conn) *Session {
	timeout, err := time.ParseDuration(host.Option("timeout", "30s"))
	if err != nil {
		timeout = 30 * time.Second
	}
	s := &Session{Base: session.NewBase(host), timeout: timeout, conn: c}
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
	// MFMT support is only known after the FEAT exchange
	r.RegisterIf(session.FeatureTimestamp, s.setTime.Load, func() any { return s })
}

func (s *Session) Connect(ctx context.Context) error {
	opts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(s.timeout),
	}
	if s.Host().Option("tls", "false") == "true" {
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{
			ServerName:         s.Host().Hostname,
			InsecureSkipVerify: s.Host().Option("insecure", "false") == "true",
		}))
	}
	c, err := ftp.Dial(s.Host().Address(), opts...)
	if err != nil {
		return session.Transport("connect", s.Host().String(), err)
	}
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
	return nil
}

func (s *Session) Login(ctx context.Context, prompt session.LoginCallback) error {
	creds, err := session.ResolveCredentials(ctx, s.Host(), prompt, "Password required")
	if err != nil {
		return err
	}
	user, pass := creds.Username, creds.Password
	if creds.IsAnonymous() {
		user, pass = "anonymous", "anonymous@"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.Login(user, pass); err != nil {
		return &session.LoginFailureError{Host: s.Host().String(), Err: err}
	}
	s.setTime.Store(s.conn.IsSetTimeSupported())
	logging.Debug("ftp login", zap.String("host", s.Host().String()), zap.String("user", user))
	return nil
}

func (s *Session) Clone() session.Session {
	return New(s.Host().Clone())
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Quit()
	s.conn = nil
	return err
}

// wrap maps FTP reply codes onto session errors. 550 is the usual reply
// for a missing file.
func wrap(op string, p *remote.Path, err error) error {
	if err == nil {
		return nil
	}
	var perr *textproto.Error
	if errors.As(err, &perr) && perr.Code == ftp.StatusFileUnavailable {
		return session.NotFound(p.Absolute())
	}
	return session.Transport(op, p.Absolute(), err)
}

func toPath(dir *remote.Path, e *ftp.Entry) (*remote.Path, error) {
	t := remote.TypeFile
	switch e.Type {
	case ftp.EntryTypeFolder:
		t = remote.TypeDirectory
	case ftp.EntryTypeLink:
		t = remote.TypeSymbolicLink | remote.TypeFile
	}
	p, err := remote.NewChild(dir, e.Name, t)
	if err != nil {
		return nil, err
	}
	attrs := &remote.Attributes{Modified: e.Time.UTC()}
	if e.Type != ftp.EntryTypeFolder {
		attrs.Size = int64(e.Size)
	}
	p = p.WithAttributes(attrs)
	if e.Type == ftp.EntryTypeLink && e.Target != "" {
		target := e.Target
		if !strings.HasPrefix(target, "/") {
			target = strings.TrimSuffix(dir.Absolute(), "/") + "/" + target
		}
		if tp, err := remote.NewPath(target, remote.TypeFile); err == nil {
			p = p.WithSymlink(tp)
		}
	}
	return p, nil
}

func (s *Session) List(ctx context.Context, dir *remote.Path, listener session.ListProgressListener) (list []*remote.Path, err error) {
	defer metrics.Track("ftp", "list")(&err)
	if listener == nil {
		listener = session.DisabledListProgressListener
	}
	s.mu.Lock()
	entries, err := s.conn.List(dir.Absolute())
	s.mu.Unlock()
	if err != nil {
		return nil, wrap("list", dir, err)
	}
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		p, err := toPath(dir, e)
		if err != nil {
			logging.Warn("skipping entry with invalid name", logging.Path(dir.Absolute()), zap.String("name", e.Name), zap.Error(err))
			continue
		}
		list = append(list, p)
	}
	if err := listener.Chunk(dir, list); err != nil {
		return nil, err
	}
	return list, nil
}

// Read retrieves file from the start offset. The session stays locked until
// the returned reader is closed.
func (s *Session) Read(ctx context.Context, file *remote.Path, status *transfer.Status) (io.ReadCloser, error) {
	s.mu.Lock()
	resp, err := s.conn.RetrFrom(file.Absolute(), uint64(status.StartOffset()))
	if err != nil {
		s.mu.Unlock()
		return nil, wrap("read", file, err)
	}
	return &unlockingReader{ReadCloser: resp, unlock: s.mu.Unlock}, nil
}

type unlockingReader struct {
	io.ReadCloser
	unlock func()
	once   sync.Once
}

func (r *unlockingReader) Close() error {
	err := r.ReadCloser.Close()
	r.once.Do(r.unlock)
	return err
}

// Resumable is true: a positive start offset appends to the existing file.
func (s *Session) Resumable() bool {
	return true
}

func (s *Session) Write(ctx context.Context, file *remote.Path, status *transfer.Status) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	w := &pipeWriter{PipeWriter: pw, done: make(chan error, 1)}
	start := status.StartOffset()
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		var err error
		if start > 0 {
			err = s.conn.Append(file.Absolute(), pr)
		} else {
			err = s.conn.StorFrom(file.Absolute(), pr, 0)
		}
		pr.CloseWithError(err)
		w.done <- wrap("write", file, err)
	}()
	s.Cache().Invalidate(file.Parent())
	return w, nil
}

// pipeWriter feeds a STOR or APPE command running in another goroutine.
type pipeWriter struct {
	*io.PipeWriter
	done chan error
	once sync.Once
	err  error
}

func (w *pipeWriter) Close() error {
	w.once.Do(func() {
		w.PipeWriter.Close()
		w.err = <-w.done
	})
	return w.err
}

func (s *Session) Delete(ctx context.Context, files []*remote.Path) (err error) {
	defer metrics.Track("ftp", "delete")(&err)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, file := range files {
		var derr error
		if file.IsDirectory() && !file.IsSymbolicLink() {
			derr = s.conn.RemoveDir(file.Absolute())
		} else {
			derr = s.conn.Delete(file.Absolute())
		}
		if derr != nil {
			return wrap("delete", file, derr)
		}
		s.Cache().Invalidate(file.Parent())
	}
	return nil
}

func (s *Session) Move(ctx context.Context, src, dst *remote.Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.Rename(src.Absolute(), dst.Absolute()); err != nil {
		return wrap("move", src, err)
	}
	s.Cache().Invalidate(src.Parent())
	s.Cache().Invalidate(dst.Parent())
	return nil
}

// Mkdir creates dir and any missing parents.
func (s *Session) Mkdir(ctx context.Context, dir *remote.Path) error {
	var chain []*remote.Path
	for p := dir; !p.IsRoot(); p = p.Parent() {
		chain = append([]*remote.Path{p}, chain...)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range chain {
		err := s.conn.MakeDir(p.Absolute())
		if err == nil {
			continue
		}
		// existing directories are reported as 550 too
		if p.Equal(dir) {
			if _, lerr := s.conn.List(p.Absolute()); lerr != nil {
				return wrap("mkdir", p, err)
			}
		}
	}
	s.Cache().Invalidate(dir.Parent())
	return nil
}

func (s *Session) SetTimestamp(ctx context.Context, file *remote.Path, created, modified, accessed time.Time) error {
	if modified.IsZero() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetTime(file.Absolute(), modified); err != nil {
		return wrap("mfmt", file, err)
	}
	return nil
}
