package webdav

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"golang.org/x/net/webdav"

	"github.com/b1naryth1ef/ferry/remote"
	"github.com/b1naryth1ef/ferry/session"
	"github.com/b1naryth1ef/ferry/transfer"
)

func newTestSession(t *testing.T) (*Session, string) {
	t.Helper()
	root := t.TempDir()
	srv := httptest.NewServer(&webdav.Handler{
		FileSystem: webdav.Dir(root),
		LockSystem: webdav.NewMemLS(),
	})
	t.Cleanup(srv.Close)

	u, _ := url.Parse(srv.URL)
	hostname, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)

	s := New(&session.Host{Protocol: session.ProtocolWebDAV, Hostname: hostname, Port: port})
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Login(ctx, nil); err != nil {
		t.Fatalf("Login: %v", err)
	}
	return s, root
}

func TestWriteReadRoundTrip(t *testing.T) {
	s, root := newTestSession(t)
	ctx := context.Background()
	file := remote.MustPath("/docs/note.txt", remote.TypeFile)
	if err := s.Mkdir(ctx, file.Parent()); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	w, err := s.Write(ctx, file, transfer.NewStatus(10))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	io.Copy(w, strings.NewReader("0123456789"))
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got, _ := os.ReadFile(filepath.Join(root, "docs", "note.txt")); string(got) != "0123456789" {
		t.Fatalf("stored %q", got)
	}

	status := transfer.NewStatus(10)
	status.SetOffset(7)
	status.SetResume(true)
	r, err := s.Read(ctx, file, status)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	tail, _ := io.ReadAll(r)
	r.Close()
	if string(tail) != "789" {
		t.Errorf("ranged read = %q", tail)
	}

	attrs, err := s.Attributes(ctx, file)
	if err != nil {
		t.Fatalf("Attributes: %v", err)
	}
	if attrs.Size != 10 {
		t.Errorf("size = %d", attrs.Size)
	}
}

func TestListCopyMoveDelete(t *testing.T) {
	s, root := newTestSession(t)
	ctx := context.Background()
	os.MkdirAll(filepath.Join(root, "src", "inner"), 0o755)
	os.WriteFile(filepath.Join(root, "src", "a.txt"), []byte("abc"), 0o644)

	dir := remote.MustPath("/src", remote.TypeDirectory)
	list, err := s.List(ctx, dir, nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list = %v", list)
	}
	for _, p := range list {
		if p.Name() == "a.txt" && (p.Attributes().Size != 3 || !p.IsFile()) {
			t.Errorf("a.txt = %v %+v", p.Type(), p.Attributes())
		}
		if p.Name() == "inner" && !p.IsDirectory() {
			t.Errorf("inner = %v", p.Type())
		}
	}

	a := remote.MustPath("/src/a.txt", remote.TypeFile)
	b := remote.MustPath("/src/b.txt", remote.TypeFile)
	c := remote.MustPath("/c.txt", remote.TypeFile)
	if err := s.Copy(ctx, a, b); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if err := s.Move(ctx, b, c); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if got, _ := os.ReadFile(filepath.Join(root, "c.txt")); string(got) != "abc" {
		t.Errorf("moved content = %q", got)
	}
	if err := s.Delete(ctx, []*remote.Path{c}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, err := s.Find(ctx, c); err != nil || ok {
		t.Errorf("Find deleted = (%v, %v)", ok, err)
	}

	_, err = s.List(ctx, remote.MustPath("/nope", remote.TypeDirectory), nil)
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}
}
