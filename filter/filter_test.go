package filter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/b1naryth1ef/ferry/remote"
	"github.com/b1naryth1ef/ferry/session"
	"github.com/b1naryth1ef/ferry/transfer"
	"github.com/b1naryth1ef/ferry/transport/memory"
)

var modified = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTarget(t *testing.T) (Target, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	dst := memory.NewWithStore(&session.Host{Protocol: session.ProtocolMemory, Hostname: "dst"}, store)
	return Target{
		Session:    dst,
		SourceRoot: remote.MustPath("/src", remote.TypeDirectory),
		Root:       remote.MustPath("/out", remote.TypeDirectory),
	}, store
}

func sourceFile(absolute string, size int64) *remote.Path {
	return remote.MustPath(absolute, remote.TypeFile).WithAttributes(&remote.Attributes{
		Size:       size,
		Modified:   modified,
		Permission: 0o600,
	})
}

func TestAcceptExcludesExistingDirectory(t *testing.T) {
	target, store := newTarget(t)
	store.PutFile("/out/existing/keep.txt", []byte("x"), modified)
	f := For(transfer.KindDownload, target, Preferences{})
	ctx := context.Background()

	ok, err := f.Accept(ctx, remote.MustPath("/src/existing", remote.TypeDirectory))
	if err != nil || ok {
		t.Errorf("existing directory accepted = (%v, %v)", ok, err)
	}
	ok, err = f.Accept(ctx, remote.MustPath("/src/fresh", remote.TypeDirectory))
	if err != nil || !ok {
		t.Errorf("missing directory accepted = (%v, %v)", ok, err)
	}
	ok, err = f.Accept(ctx, sourceFile("/src/existing/keep.txt", 1))
	if err != nil || !ok {
		t.Errorf("overwrite rejected existing file = (%v, %v)", ok, err)
	}
}

func TestAcceptSkipAction(t *testing.T) {
	target, store := newTarget(t)
	store.PutFile("/out/a.txt", []byte("x"), modified)
	f := NewTransfer(target, Preferences{Action: ActionSkip})

	ok, err := f.Accept(context.Background(), sourceFile("/src/a.txt", 1))
	if err != nil || ok {
		t.Errorf("skip accepted existing file = (%v, %v)", ok, err)
	}
	ok, err = f.Accept(context.Background(), sourceFile("/src/b.txt", 1))
	if err != nil || !ok {
		t.Errorf("skip rejected new file = (%v, %v)", ok, err)
	}
}

func TestSyncAcceptsOnlyChangedFiles(t *testing.T) {
	target, store := newTarget(t)
	store.PutFile("/out/same.txt", []byte("abc"), modified.Add(300*time.Millisecond))
	store.PutFile("/out/older.txt", []byte("abc"), modified.Add(-time.Hour))
	store.PutFile("/out/shorter.txt", []byte("ab"), modified)
	f := For(transfer.KindSync, target, Preferences{})
	ctx := context.Background()

	for name, want := range map[string]bool{
		"same.txt":    false,
		"older.txt":   true,
		"shorter.txt": true,
		"new.txt":     true,
	} {
		ok, err := f.Accept(ctx, sourceFile("/src/"+name, 3))
		if err != nil {
			t.Fatalf("Accept(%s): %v", name, err)
		}
		if ok != want {
			t.Errorf("Accept(%s) = %v, want %v", name, ok, want)
		}
	}
}

func TestPrepareLengths(t *testing.T) {
	target, _ := newTarget(t)
	f := For(transfer.KindDownload, target, Preferences{})
	ctx := context.Background()

	status, err := f.Prepare(ctx, sourceFile("/src/a.bin", 1234), transfer.Options{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if status.Length() != 1234 || status.Exists() || status.Resume() {
		t.Errorf("file status = %+v", status.Snapshot())
	}

	dir := remote.MustPath("/src/d", remote.TypeDirectory).WithAttributes(&remote.Attributes{Size: 4096})
	status, err = f.Prepare(ctx, dir, transfer.Options{})
	if err != nil {
		t.Fatalf("Prepare(dir): %v", err)
	}
	if status.Length() != 0 {
		t.Errorf("directory length = %d, want 0", status.Length())
	}
}

func TestPrepareResumeOffset(t *testing.T) {
	target, store := newTarget(t)
	store.PutFile("/out/partial.bin", make([]byte, 400), modified)
	store.PutFile("/out/complete.bin", make([]byte, 1000), modified)
	f := For(transfer.KindDownload, target, Preferences{})
	ctx := context.Background()

	status, err := f.Prepare(ctx, sourceFile("/src/partial.bin", 1000), transfer.Options{Resume: true})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if !status.Resume() || status.Offset() != 400 || !status.Exists() {
		t.Errorf("resume status = %+v", status.Snapshot())
	}
	if status.StartOffset() != 400 || status.Remaining() != 600 {
		t.Errorf("start %d remaining %d", status.StartOffset(), status.Remaining())
	}

	status, err = f.Prepare(ctx, sourceFile("/src/complete.bin", 1000), transfer.Options{Resume: true})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if !status.Resume() || status.StartOffset() != 1000 || status.Remaining() != 0 {
		t.Errorf("complete destination: start %d remaining %d", status.StartOffset(), status.Remaining())
	}

	store.PutFile("/out/longer.bin", make([]byte, 1200), modified)
	status, err = f.Prepare(ctx, sourceFile("/src/longer.bin", 1000), transfer.Options{Resume: true})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if status.Resume() {
		t.Error("resumed a destination longer than the source")
	}

	status, err = f.Prepare(ctx, sourceFile("/src/partial.bin", 1000), transfer.Options{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if status.Resume() || status.StartOffset() != 0 {
		t.Error("resumed without being asked")
	}
}

func TestResumeActionImpliesResume(t *testing.T) {
	target, store := newTarget(t)
	store.PutFile("/out/partial.bin", make([]byte, 10), modified)
	f := NewTransfer(target, Preferences{Action: ActionResume})

	status, err := f.Prepare(context.Background(), sourceFile("/src/partial.bin", 20), transfer.Options{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if status.StartOffset() != 10 {
		t.Errorf("StartOffset = %d, want 10", status.StartOffset())
	}
}

type failingPermission struct {
	*memory.Session
	calls int
}

func (f *failingPermission) Feature(id session.Feature) (any, bool) {
	if id == session.FeatureUnixPermission {
		return f, true
	}
	return f.Session.Feature(id)
}

func (f *failingPermission) SetUnixPermission(context.Context, *remote.Path, remote.Permission) error {
	f.calls++
	return errors.New("permission denied")
}

func TestCompleteMetadataBestEffort(t *testing.T) {
	target, store := newTarget(t)
	store.PutFile("/out/a.txt", []byte("abc"), time.Now())
	failing := &failingPermission{Session: target.Session.(*memory.Session)}
	target.Session = failing

	f := For(transfer.KindUpload, target, Preferences{PreservePermissions: true, PreserveTimestamps: true})
	src := sourceFile("/src/a.txt", 3)
	status := transfer.NewStatus(3)
	status.SetComplete()

	f.Complete(context.Background(), src, transfer.Options{}, status)

	if failing.calls != 1 {
		t.Errorf("permission attempted %d times, want 1", failing.calls)
	}
	attrs, ok := store.Attributes("/out/a.txt")
	if !ok {
		t.Fatal("destination vanished")
	}
	if !attrs.Modified.Equal(modified) {
		t.Errorf("timestamp not applied after permission failure: %v", attrs.Modified)
	}
}

type failingTimestamp struct {
	*memory.Session
	calls int
}

func (f *failingTimestamp) Feature(id session.Feature) (any, bool) {
	if id == session.FeatureTimestamp {
		return f, true
	}
	return f.Session.Feature(id)
}

func (f *failingTimestamp) SetTimestamp(context.Context, *remote.Path, time.Time, time.Time, time.Time) error {
	f.calls++
	return errors.New("operation not permitted")
}

func TestCompletePermissionAfterTimestampFailure(t *testing.T) {
	target, store := newTarget(t)
	later := time.Now().Truncate(time.Second)
	store.PutFile("/out/a.txt", []byte("abc"), later)
	failing := &failingTimestamp{Session: target.Session.(*memory.Session)}
	target.Session = failing

	f := For(transfer.KindDownload, target, Preferences{PreservePermissions: true, PreserveTimestamps: true})
	status := transfer.NewStatus(3)
	status.SetComplete()

	f.Complete(context.Background(), sourceFile("/src/a.txt", 3), transfer.Options{}, status)

	if failing.calls != 1 {
		t.Errorf("timestamp attempted %d times, want 1", failing.calls)
	}
	attrs, ok := store.Attributes("/out/a.txt")
	if !ok {
		t.Fatal("destination vanished")
	}
	if attrs.Permission != 0o600 {
		t.Errorf("permission = %v, want 0600 despite the timestamp failure", attrs.Permission)
	}
	if !attrs.Modified.Equal(later) {
		t.Errorf("modified = %v, want untouched %v", attrs.Modified, later)
	}
}

func TestCompleteSkipsIncompleteAndGatedSteps(t *testing.T) {
	target, store := newTarget(t)
	later := time.Now().Truncate(time.Second)
	store.PutFile("/out/a.txt", []byte("abc"), later)

	src := sourceFile("/src/a.txt", 3)
	f := For(transfer.KindDownload, target, Preferences{PreservePermissions: true, PreserveTimestamps: true})
	f.Complete(context.Background(), src, transfer.Options{}, transfer.NewStatus(3))

	attrs, _ := store.Attributes("/out/a.txt")
	if !attrs.Modified.Equal(later) || attrs.Permission != 0o644 {
		t.Errorf("metadata applied to incomplete job: %+v", attrs)
	}

	status := transfer.NewStatus(3)
	status.SetComplete()
	For(transfer.KindDownload, target, Preferences{}).Complete(context.Background(), src, transfer.Options{}, status)
	attrs, _ = store.Attributes("/out/a.txt")
	if !attrs.Modified.Equal(later) || attrs.Permission != 0o644 {
		t.Errorf("metadata applied with preferences off: %+v", attrs)
	}

	For(transfer.KindDownload, target, Preferences{PreservePermissions: true}).Complete(context.Background(), src, transfer.Options{}, status)
	attrs, _ = store.Attributes("/out/a.txt")
	if attrs.Permission != 0o600 {
		t.Errorf("permission = %v, want 0600", attrs.Permission)
	}
}

func TestEmptyPermissionNotApplied(t *testing.T) {
	target, store := newTarget(t)
	store.PutFile("/out/a.txt", []byte("abc"), modified)
	src := remote.MustPath("/src/a.txt", remote.TypeFile).WithAttributes(&remote.Attributes{Size: 3})

	status := transfer.NewStatus(3)
	status.SetComplete()
	For(transfer.KindCopy, target, Preferences{PreservePermissions: true}).Complete(context.Background(), src, transfer.Options{}, status)

	attrs, _ := store.Attributes("/out/a.txt")
	if attrs.Permission != 0o644 {
		t.Errorf("permission = %v, want untouched 0644", attrs.Permission)
	}
}

func TestParseAction(t *testing.T) {
	for _, a := range []Action{ActionOverwrite, ActionResume, ActionSkip} {
		got, err := ParseAction(a.String())
		if err != nil || got != a {
			t.Errorf("ParseAction(%q) = (%v, %v)", a, got, err)
		}
	}
	if _, err := ParseAction("merge"); err == nil {
		t.Error("ParseAction accepted unknown action")
	}
}
