package ftp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/textproto"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/b1naryth1ef/ferry/remote"
	"github.com/b1naryth1ef/ferry/session"
	"github.com/b1naryth1ef/ferry/transfer"
)

type fakeConn struct {
	entries  map[string][]*ftp.Entry
	files    map[string][]byte
	dirs     map[string]bool
	commands []string
	setTime  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		entries: map[string][]*ftp.Entry{},
		files:   map[string][]byte{},
		dirs:    map[string]bool{"/": true},
	}
}

func unavailable(path string) error {
	return &textproto.Error{Code: ftp.StatusFileUnavailable, Msg: path + ": No such file or directory"}
}

func (f *fakeConn) Login(user, password string) error {
	f.commands = append(f.commands, "USER "+user)
	if password == "wrong" {
		return &textproto.Error{Code: ftp.StatusNotLoggedIn, Msg: "Login incorrect."}
	}
	return nil
}

func (f *fakeConn) List(path string) ([]*ftp.Entry, error) {
	if !f.dirs[path] {
		return nil, unavailable(path)
	}
	return f.entries[path], nil
}

func (f *fakeConn) RetrFrom(path string, offset uint64) (*ftp.Response, error) {
	return nil, unavailable(path)
}

func (f *fakeConn) StorFrom(path string, r io.Reader, offset uint64) error {
	data, err := io.ReadAll(r)
	f.commands = append(f.commands, "STOR "+path)
	f.files[path] = data
	return err
}

func (f *fakeConn) Append(path string, r io.Reader) error {
	data, err := io.ReadAll(r)
	f.commands = append(f.commands, "APPE "+path)
	f.files[path] = append(f.files[path], data...)
	return err
}

func (f *fakeConn) Delete(path string) error {
	f.commands = append(f.commands, "DELE "+path)
	return nil
}

func (f *fakeConn) RemoveDir(path string) error {
	f.commands = append(f.commands, "RMD "+path)
	return nil
}

func (f *fakeConn) MakeDir(path string) error {
	if f.dirs[path] {
		return unavailable(path)
	}
	f.commands = append(f.commands, "MKD "+path)
	f.dirs[path] = true
	return nil
}

func (f *fakeConn) Rename(from, to string) error {
	f.commands = append(f.commands, "RNFR "+from+" RNTO "+to)
	return nil
}

func (f *fakeConn) SetTime(path string, t time.Time) error {
	f.commands = append(f.commands, "MFMT "+t.UTC().Format("20060102150405")+" "+path)
	return nil
}

func (f *fakeConn) IsSetTimeSupported() bool { return f.setTime }
func (f *fakeConn) Quit() error             { return nil }

func newFake(t *testing.T, fc *fakeConn, creds session.Credentials) *Session {
	t.Helper()
	s := newSession(&session.Host{Protocol: session.ProtocolFTP, Hostname: "ftp.example.com", Credentials: creds}, fc)
	if err := s.Login(context.Background(), nil); err != nil {
		t.Fatalf("Login: %v", err)
	}
	return s
}

func TestListEntries(t *testing.T) {
	fc := newFakeConn()
	fc.dirs["/pub"] = true
	mtime := time.Date(2023, 3, 4, 5, 6, 0, 0, time.UTC)
	fc.entries["/pub"] = []*ftp.Entry{
		{Name: ".", Type: ftp.EntryTypeFolder},
		{Name: "readme.txt", Type: ftp.EntryTypeFile, Size: 42, Time: mtime},
		{Name: "releases", Type: ftp.EntryTypeFolder, Size: 4096},
		{Name: "latest", Type: ftp.EntryTypeLink, Target: "releases/v2.tar.gz"},
	}
	s := newFake(t, fc, session.Credentials{})

	list, err := s.List(context.Background(), remote.MustPath("/pub", remote.TypeDirectory), nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("list = %v", list)
	}
	if a := list[0].Attributes(); a.Size != 42 || !a.Modified.Equal(mtime) {
		t.Errorf("readme attrs = %+v", a)
	}
	if !list[1].IsDirectory() || list[1].Attributes().Size != 0 {
		t.Errorf("releases = %v %+v", list[1].Type(), list[1].Attributes())
	}
	if !list[2].IsSymbolicLink() || list[2].Symlink().Absolute() != "/pub/releases/v2.tar.gz" {
		t.Errorf("latest = %v -> %v", list[2].Type(), list[2].Symlink())
	}
	if fc.commands[0] != "USER anonymous" {
		t.Errorf("anonymous login sent %v", fc.commands)
	}

	_, err = s.List(context.Background(), remote.MustPath("/missing", remote.TypeDirectory), nil)
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}
}

func TestLoginFailure(t *testing.T) {
	s := newSession(&session.Host{
		Protocol:    session.ProtocolFTP,
		Hostname:    "ftp.example.com",
		Credentials: session.Credentials{Username: "bob", Password: "wrong"},
	}, newFakeConn())
	var lf *session.LoginFailureError
	if err := s.Login(context.Background(), nil); !errors.As(err, &lf) {
		t.Fatalf("err = %v, want LoginFailureError", err)
	}
}

func TestWriteAppendsWhenResuming(t *testing.T) {
	fc := newFakeConn()
	fc.files["/up.bin"] = []byte("0123")
	s := newFake(t, fc, session.Credentials{Username: "bob", Password: "pw"})
	file := remote.MustPath("/up.bin", remote.TypeFile)

	status := transfer.NewStatus(10)
	status.SetOffset(4)
	status.SetResume(true)
	w, err := s.Write(context.Background(), file, status)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	io.Copy(w, bytes.NewReader([]byte("456789")))
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if string(fc.files["/up.bin"]) != "0123456789" {
		t.Errorf("content = %q", fc.files["/up.bin"])
	}

	w, _ = s.Write(context.Background(), file, transfer.NewStatus(3))
	io.WriteString(w, "new")
	w.Close()
	if string(fc.files["/up.bin"]) != "new" {
		t.Errorf("overwrite content = %q", fc.files["/up.bin"])
	}
	if fc.commands[1] != "APPE /up.bin" || fc.commands[2] != "STOR /up.bin" {
		t.Errorf("commands = %v", fc.commands)
	}
}

func TestMkdirCreatesParents(t *testing.T) {
	fc := newFakeConn()
	fc.dirs["/a"] = true
	s := newFake(t, fc, session.Credentials{})
	if err := s.Mkdir(context.Background(), remote.MustPath("/a/b/c", remote.TypeDirectory)); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if !fc.dirs["/a/b"] || !fc.dirs["/a/b/c"] {
		t.Errorf("dirs = %v", fc.dirs)
	}
	if err := s.Mkdir(context.Background(), remote.MustPath("/a/b/c", remote.TypeDirectory)); err != nil {
		t.Errorf("Mkdir existing: %v", err)
	}
}

func TestTimestampNeedsMFMT(t *testing.T) {
	s := newFake(t, newFakeConn(), session.Credentials{})
	if _, ok := s.Feature(session.FeatureTimestamp); ok {
		t.Error("timestamp offered without MFMT")
	}

	fc := newFakeConn()
	fc.setTime = true
	s = newFake(t, fc, session.Credentials{})
	ts, ok := session.Get[session.Timestamp](s, session.FeatureTimestamp)
	if !ok {
		t.Fatal("timestamp missing with MFMT")
	}
	mtime := time.Date(2021, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := ts.SetTimestamp(context.Background(), remote.MustPath("/f", remote.TypeFile), time.Time{}, mtime, time.Time{}); err != nil {
		t.Fatalf("SetTimestamp: %v", err)
	}
	if last := fc.commands[len(fc.commands)-1]; last != "MFMT 20210102030405 /f" {
		t.Errorf("last command = %q", last)
	}
}

func TestDeleteDistinguishesDirectories(t *testing.T) {
	fc := newFakeConn()
	s := newFake(t, fc, session.Credentials{})
	err := s.Delete(context.Background(), []*remote.Path{
		remote.MustPath("/d/f.txt", remote.TypeFile),
		remote.MustPath("/d", remote.TypeDirectory),
	})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if fc.commands[1] != "DELE /d/f.txt" || fc.commands[2] != "RMD /d" {
		t.Errorf("commands = %v", fc.commands)
	}
}
