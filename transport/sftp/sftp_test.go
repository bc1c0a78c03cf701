package sftp

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"

	"github.com/b1naryth1ef/ferry/remote"
	"github.com/b1naryth1ef/ferry/session"
	"github.com/b1naryth1ef/ferry/transfer"
)

// newPipeSession serves the local filesystem over an in-process sftp
// server and confines the session below a temporary directory.
func newPipeSession(t *testing.T) (*Session, string) {
	t.Helper()
	root := t.TempDir()

	cr, sw := io.Pipe()
	sr, cw := io.Pipe()
	server, err := sftp.NewServer(struct {
		io.Reader
		io.WriteCloser
	}{sr, sw})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go server.Serve()

	client, err := sftp.NewClientPipe(cr, cw)
	if err != nil {
		t.Fatalf("NewClientPipe: %v", err)
	}
	s := NewWithClient(&session.Host{
		Protocol: session.ProtocolSFTP,
		Hostname: "localhost",
		Options:  map[string]string{"root": root},
	}, client)
	t.Cleanup(func() { s.Close() })
	return s, root
}

func TestListAndAttributes(t *testing.T) {
	s, root := newPipeSession(t)
	os.MkdirAll(filepath.Join(root, "dir", "sub"), 0o755)
	os.WriteFile(filepath.Join(root, "dir", "a.txt"), []byte("hello"), 0o640)

	list, err := s.List(context.Background(), remote.MustPath("/dir", remote.TypeDirectory), nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list = %v", list)
	}
	for _, p := range list {
		switch p.Name() {
		case "a.txt":
			if !p.IsFile() || p.Attributes().Size != 5 || p.Attributes().Permission.String() != "0640" {
				t.Errorf("a.txt = %v %+v", p.Type(), p.Attributes())
			}
		case "sub":
			if !p.IsDirectory() {
				t.Errorf("sub = %v", p.Type())
			}
		}
	}

	_, err = s.List(context.Background(), remote.MustPath("/nope", remote.TypeDirectory), nil)
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("missing dir err = %v", err)
	}
}

func TestResumeWrite(t *testing.T) {
	s, root := newPipeSession(t)
	ctx := context.Background()
	os.WriteFile(filepath.Join(root, "f.bin"), []byte("0123XXXX"), 0o644)
	file := remote.MustPath("/f.bin", remote.TypeFile)

	status := transfer.NewStatus(10)
	status.SetOffset(4)
	status.SetResume(true)
	w, err := s.Write(ctx, file, status)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := w.Write([]byte("456789")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got, _ := os.ReadFile(filepath.Join(root, "f.bin"))
	if string(got) != "0123456789" {
		t.Fatalf("content = %q", got)
	}

	r, err := s.Read(ctx, file, status)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer r.Close()
	tail, _ := io.ReadAll(r)
	if string(tail) != "456789" {
		t.Errorf("read from offset = %q", tail)
	}
}

func TestMetadataAndLifecycle(t *testing.T) {
	s, root := newPipeSession(t)
	ctx := context.Background()
	dir := remote.MustPath("/a/b", remote.TypeDirectory)
	if err := s.Mkdir(ctx, dir); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	file := remote.MustPath("/a/b/c.txt", remote.TypeFile)
	if err := s.Touch(ctx, file); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	if err := s.SetUnixPermission(ctx, file, remote.Permission(0o600)); err != nil {
		t.Fatalf("SetUnixPermission: %v", err)
	}
	mtime := time.Date(2020, 5, 6, 7, 8, 9, 0, time.UTC)
	if err := s.SetTimestamp(ctx, file, time.Time{}, mtime, time.Time{}); err != nil {
		t.Fatalf("SetTimestamp: %v", err)
	}
	attrs, err := s.Attributes(ctx, file)
	if err != nil {
		t.Fatalf("Attributes: %v", err)
	}
	if !attrs.Modified.Equal(mtime) || attrs.Permission.String() != "0600" {
		t.Errorf("attrs = %+v", attrs)
	}

	moved := remote.MustPath("/a/moved.txt", remote.TypeFile)
	if err := s.Move(ctx, file, moved); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "a", "moved.txt")); err != nil {
		t.Errorf("moved file missing: %v", err)
	}
	if err := s.Delete(ctx, []*remote.Path{moved, dir}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, err := s.Find(ctx, moved); err != nil || ok {
		t.Errorf("Find after delete = (%v, %v)", ok, err)
	}
}
