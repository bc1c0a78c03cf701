package local

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/b1naryth1ef/ferry/remote"
	"github.com/b1naryth1ef/ferry/session"
	"github.com/b1naryth1ef/ferry/transfer"
)

func newTestSession(t *testing.T) (*Session, string) {
	t.Helper()
	root := t.TempDir()
	s, err := New(&session.Host{Protocol: session.ProtocolLocal, Options: map[string]string{"root": root}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s, root
}

func TestListReportsAttributes(t *testing.T) {
	s, root := newTestSession(t)
	mtime := time.Date(2023, 5, 6, 7, 8, 9, 0, time.UTC)
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Chtimes(filepath.Join(root, "a.txt"), mtime, mtime); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	var chunks int
	list, err := s.List(context.Background(), remote.Root(), session.ListFunc(func(*remote.Path, []*remote.Path) error {
		chunks++
		return nil
	}))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || chunks != 1 {
		t.Fatalf("got %d entries in %d chunks", len(list), chunks)
	}

	byName := map[string]*remote.Path{}
	for _, p := range list {
		byName[p.Name()] = p
	}
	file := byName["a.txt"]
	if file == nil || !file.IsFile() || file.Absolute() != "/a.txt" {
		t.Fatalf("file entry = %v", file)
	}
	if file.Attributes().Size != 5 || !file.Attributes().Modified.Equal(mtime) || file.Attributes().Permission != 0o640 {
		t.Errorf("attributes = %+v", file.Attributes())
	}
	if dir := byName["sub"]; dir == nil || !dir.IsDirectory() {
		t.Errorf("directory entry = %v", dir)
	}
}

func TestListMissingDirectory(t *testing.T) {
	s, _ := newTestSession(t)
	_, err := s.List(context.Background(), remote.MustPath("/missing", remote.TypeDirectory), nil)
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestWriteResumeAndRead(t *testing.T) {
	s, root := newTestSession(t)
	ctx := context.Background()
	file := remote.MustPath("/data.bin", remote.TypeFile)
	if err := os.WriteFile(filepath.Join(root, "data.bin"), []byte("0123xxxx"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	status := transfer.NewStatus(10)
	status.SetOffset(4)
	status.SetResume(true)
	w, err := s.Write(ctx, file, status)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := io.WriteString(w, "456789"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "data.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "0123456789" {
		t.Fatalf("content = %q", data)
	}

	r, err := s.Read(ctx, file, status)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer r.Close()
	tail, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(tail) != "456789" {
		t.Errorf("read from offset = %q", tail)
	}
}

func TestWriteTruncatesWithoutResume(t *testing.T) {
	s, root := newTestSession(t)
	if err := os.WriteFile(filepath.Join(root, "f"), []byte("old content"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	w, err := s.Write(context.Background(), remote.MustPath("/f", remote.TypeFile), transfer.NewStatus(3))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	io.WriteString(w, "new")
	w.Close()

	data, _ := os.ReadFile(filepath.Join(root, "f"))
	if string(data) != "new" {
		t.Errorf("content = %q", data)
	}
}

func TestWriterAtForSegments(t *testing.T) {
	s, root := newTestSession(t)
	w, err := s.Write(context.Background(), remote.MustPath("/seg", remote.TypeFile), transfer.NewStatus(6))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	wa, ok := w.(io.WriterAt)
	if !ok {
		t.Fatal("writer does not implement io.WriterAt")
	}
	wa.WriteAt([]byte("def"), 3)
	wa.WriteAt([]byte("abc"), 0)
	w.Close()

	data, _ := os.ReadFile(filepath.Join(root, "seg"))
	if string(data) != "abcdef" {
		t.Errorf("content = %q", data)
	}
}

func TestMetadataFeatures(t *testing.T) {
	s, root := newTestSession(t)
	ctx := context.Background()
	file := remote.MustPath("/m.txt", remote.TypeFile)

	touch, ok := session.Get[session.Touch](s, session.FeatureTouch)
	if !ok {
		t.Fatal("Touch missing")
	}
	if err := touch.Touch(ctx, file); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	mtime := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	ts, _ := session.Get[session.Timestamp](s, session.FeatureTimestamp)
	if err := ts.SetTimestamp(ctx, file, time.Time{}, mtime, time.Time{}); err != nil {
		t.Fatalf("SetTimestamp: %v", err)
	}
	unix, _ := session.Get[session.UnixPermission](s, session.FeatureUnixPermission)
	if err := unix.SetUnixPermission(ctx, file, 0o600); err != nil {
		t.Fatalf("SetUnixPermission: %v", err)
	}

	info, err := os.Stat(filepath.Join(root, "m.txt"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !info.ModTime().Equal(mtime) || info.Mode().Perm() != 0o600 {
		t.Errorf("mtime %v mode %v", info.ModTime(), info.Mode())
	}

	if _, ok := s.Feature(session.FeatureVersioning); ok {
		t.Error("local backend reports versioning")
	}
}

func TestDotDotStaysBelowRoot(t *testing.T) {
	s, root := newTestSession(t)
	path, err := s.abs(remote.MustPath("/../../etc/passwd", remote.TypeFile))
	if err != nil {
		t.Fatalf("abs: %v", err)
	}
	if want := filepath.Join(root, "etc", "passwd"); path != want {
		t.Errorf("abs = %q, want %q", path, want)
	}
}

func TestDeleteAndFind(t *testing.T) {
	s, root := newTestSession(t)
	ctx := context.Background()
	os.MkdirAll(filepath.Join(root, "d", "e"), 0o755)
	os.WriteFile(filepath.Join(root, "d", "e", "f"), []byte("x"), 0o644)

	dir := remote.MustPath("/d", remote.TypeDirectory)
	if ok, err := s.Find(ctx, dir); err != nil || !ok {
		t.Fatalf("Find = (%v, %v)", ok, err)
	}
	if err := s.Delete(ctx, []*remote.Path{dir}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, err := s.Find(ctx, dir); err != nil || ok {
		t.Fatalf("Find after delete = (%v, %v)", ok, err)
	}
	if err := s.Delete(ctx, []*remote.Path{dir}); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("second Delete err = %v", err)
	}
}
