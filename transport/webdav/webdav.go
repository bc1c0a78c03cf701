// Package webdav implements the WebDAV backend.
package webdav

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/studio-b12/gowebdav"
	"go.uber.org/zap"

	"github.com/b1naryth1ef/ferry/internal/logging"
	"github.com/b1naryth1ef/ferry/internal/metrics"
	"github.com/b1naryth1ef/ferry/remote"
	"github.com/b1naryth1ef/ferry/session"
	"github.com/b1naryth1ef/ferry/transfer"
)

type Session struct {
	session.Base
	client *gowebdav.Client
}

func New(host *session.Host) *Session {
	s := &Session{Base: session.NewBase(host)}
	s.register()
	return s
}

func (s *Session) register() {
	r := s.Registry()
	r.Register(session.FeatureRead, s)
	r.Register(session.FeatureWrite, s)
	r.Register(session.FeatureDelete, s)
	r.Register(session.FeatureMove, s)
	r.Register(session.FeatureCopy, s)
	r.Register(session.FeatureDirectory, s)
	r.Register(session.FeatureTouch, s)
	r.Register(session.FeatureFind, s)
	r.Register(session.FeatureAttributes, s)
}

func (s *Session) endpoint() string {
	scheme := "http"
	if s.Host().Protocol == session.ProtocolWebDAVS {
		scheme = "https"
	}
	return scheme + "://" + s.Host().Address() + "/" + strings.Trim(s.Host().Option("prefix", ""), "/")
}

func (s *Session) Connect(ctx context.Context) error {
	return nil
}

// Login binds the credentials and probes the root collection. A rejected
// probe is a login failure.
func (s *Session) Login(ctx context.Context, prompt session.LoginCallback) error {
	creds, err := session.ResolveCredentials(ctx, s.Host(), prompt, "Password required")
	if err != nil {
		return err
	}
	user := creds.Username
	if creds.IsAnonymous() {
		user = ""
	}
	client := gowebdav.NewClient(s.endpoint(), user, creds.Password)
	if s.Host().Option("insecure", "false") == "true" {
		client.SetTransport(&http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}})
	}
	if err := client.Connect(); err != nil {
		return &session.LoginFailureError{Host: s.Host().String(), Err: err}
	}
	s.client = client
	logging.Debug("webdav login", zap.String("endpoint", s.endpoint()))
	return nil
}

func (s *Session) Clone() session.Session {
	return New(s.Host().Clone())
}

func (s *Session) Close() error {
	s.client = nil
	return nil
}

func wrap(op string, p *remote.Path, err error) error {
	if err == nil {
		return nil
	}
	if gowebdav.IsErrNotFound(err) || errors.Is(err, fs.ErrNotExist) {
		return session.NotFound(p.Absolute())
	}
	return session.Transport(op, p.Absolute(), err)
}

func attributes(info os.FileInfo) *remote.Attributes {
	attrs := &remote.Attributes{Modified: info.ModTime().UTC()}
	if !info.IsDir() {
		attrs.Size = info.Size()
	}
	if f, ok := info.(gowebdav.File); ok {
		attrs.ETag = strings.Trim(f.ETag(), `"`)
	} else if f, ok := info.(*gowebdav.File); ok {
		attrs.ETag = strings.Trim(f.ETag(), `"`)
	}
	return attrs
}

func (s *Session) List(ctx context.Context, dir *remote.Path, listener session.ListProgressListener) (list []*remote.Path, err error) {
	defer metrics.Track("webdav", "list")(&err)
	if listener == nil {
		listener = session.DisabledListProgressListener
	}
	infos, err := s.client.ReadDir(dir.Absolute())
	if err != nil {
		return nil, wrap("list", dir, err)
	}
	for _, info := range infos {
		t := remote.TypeFile
		if info.IsDir() {
			t = remote.TypeDirectory
		}
		p, err := remote.NewChild(dir, info.Name(), t)
		if err != nil {
			logging.Warn("skipping entry with invalid name", logging.Path(dir.Absolute()), zap.String("name", info.Name()), zap.Error(err))
			continue
		}
		list = append(list, p.WithAttributes(attributes(info)))
	}
	if err := listener.Chunk(dir, list); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *Session) Read(ctx context.Context, file *remote.Path, status *transfer.Status) (_ io.ReadCloser, err error) {
	defer metrics.Track("webdav", "get")(&err)
	var r io.ReadCloser
	if start := status.StartOffset(); start > 0 {
		r, err = s.client.ReadStreamRange(file.Absolute(), start, 0)
	} else {
		r, err = s.client.ReadStream(file.Absolute())
	}
	if err != nil {
		return nil, wrap("read", file, err)
	}
	return r, nil
}

// Resumable is false: a PUT replaces the whole resource.
func (s *Session) Resumable() bool {
	return false
}

// Write streams the body of a PUT request through a pipe.
func (s *Session) Write(ctx context.Context, file *remote.Path, status *transfer.Status) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	w := &putWriter{PipeWriter: pw, done: make(chan error, 1)}
	go func() {
		err := s.client.WriteStream(file.Absolute(), pr, 0o644)
		pr.CloseWithError(err)
		w.done <- wrap("write", file, err)
	}()
	s.Cache().Invalidate(file.Parent())
	return w, nil
}

type putWriter struct {
	*io.PipeWriter
	done chan error
	once sync.Once
	err  error
}

func (w *putWriter) Close() error {
	w.once.Do(func() {
		w.PipeWriter.Close()
		w.err = <-w.done
	})
	return w.err
}

func (s *Session) Delete(ctx context.Context, files []*remote.Path) (err error) {
	defer metrics.Track("webdav", "delete")(&err)
	for _, file := range files {
		if err := s.client.Remove(file.Absolute()); err != nil {
			return wrap("delete", file, err)
		}
		s.Cache().Invalidate(file.Parent())
	}
	return nil
}

func (s *Session) Move(ctx context.Context, src, dst *remote.Path) error {
	if err := s.client.Rename(src.Absolute(), dst.Absolute(), true); err != nil {
		return wrap("move", src, err)
	}
	s.Cache().Invalidate(src.Parent())
	s.Cache().Invalidate(dst.Parent())
	return nil
}

func (s *Session) Copy(ctx context.Context, src, dst *remote.Path) error {
	if err := s.client.Copy(src.Absolute(), dst.Absolute(), true); err != nil {
		return wrap("copy", src, err)
	}
	s.Cache().Invalidate(dst.Parent())
	return nil
}

func (s *Session) Mkdir(ctx context.Context, dir *remote.Path) error {
	if err := s.client.MkdirAll(dir.Absolute(), 0o755); err != nil {
		return wrap("mkdir", dir, err)
	}
	s.Cache().Invalidate(dir.Parent())
	return nil
}

func (s *Session) Touch(ctx context.Context, file *remote.Path) error {
	if err := s.client.Write(file.Absolute(), nil, 0o644); err != nil {
		return wrap("touch", file, err)
	}
	s.Cache().Invalidate(file.Parent())
	return nil
}

func (s *Session) Attributes(ctx context.Context, file *remote.Path) (*remote.Attributes, error) {
	info, err := s.client.Stat(file.Absolute())
	if err != nil {
		return nil, wrap("stat", file, err)
	}
	return attributes(info), nil
}

func (s *Session) Find(ctx context.Context, file *remote.Path) (bool, error) {
	_, err := s.Attributes(ctx, file)
	if errors.Is(err, session.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
