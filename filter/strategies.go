package filter

import (
	"context"
	"time"

	"github.com/b1naryth1ef/ferry/remote"
	"github.com/b1naryth1ef/ferry/transfer"
)

// Transfer handles downloads and uploads.
type Transfer struct {
	target Target
	prefs  Preferences
}

func NewTransfer(target Target, prefs Preferences) *Transfer {
	return &Transfer{target: target, prefs: prefs}
}

func (f *Transfer) Accept(ctx context.Context, source *remote.Path) (bool, error) {
	ok, existing, err := acceptDirectory(ctx, f.target, source)
	if err != nil || !ok {
		return false, err
	}
	if f.prefs.Action == ActionSkip && existing != nil {
		return false, nil
	}
	return true, nil
}

func (f *Transfer) Prepare(ctx context.Context, source *remote.Path, opts transfer.Options) (*transfer.Status, error) {
	return prepare(ctx, f.target, source, opts.Resume || f.prefs.Action == ActionResume)
}

func (f *Transfer) Complete(ctx context.Context, source *remote.Path, _ transfer.Options, status *transfer.Status) {
	completeMetadata(ctx, f.target, source, f.prefs, status)
}

// Copy duplicates a tree from one session to another. Existing files are
// replaced.
type Copy struct {
	target Target
	prefs  Preferences
}

func NewCopy(target Target, prefs Preferences) *Copy {
	return &Copy{target: target, prefs: prefs}
}

func (f *Copy) Accept(ctx context.Context, source *remote.Path) (bool, error) {
	ok, _, err := acceptDirectory(ctx, f.target, source)
	return ok, err
}

func (f *Copy) Prepare(ctx context.Context, source *remote.Path, opts transfer.Options) (*transfer.Status, error) {
	return prepare(ctx, f.target, source, opts.Resume)
}

func (f *Copy) Complete(ctx context.Context, source *remote.Path, _ transfer.Options, status *transfer.Status) {
	completeMetadata(ctx, f.target, source, f.prefs, status)
}

// Sync mirrors a tree, skipping files whose size and modification time
// already match at the destination.
type Sync struct {
	target Target
	prefs  Preferences
}

func NewSync(target Target, prefs Preferences) *Sync {
	return &Sync{target: target, prefs: prefs}
}

func (f *Sync) Accept(ctx context.Context, source *remote.Path) (bool, error) {
	ok, existing, err := acceptDirectory(ctx, f.target, source)
	if err != nil || !ok {
		return false, err
	}
	if existing != nil && source.IsFile() && unchanged(source.Attributes(), existing.Attributes()) {
		return false, nil
	}
	return true, nil
}

func (f *Sync) Prepare(ctx context.Context, source *remote.Path, opts transfer.Options) (*transfer.Status, error) {
	return prepare(ctx, f.target, source, opts.Resume)
}

func (f *Sync) Complete(ctx context.Context, source *remote.Path, _ transfer.Options, status *transfer.Status) {
	prefs := f.prefs
	// an equal mtime is what marks a file as unchanged on the next run
	prefs.PreserveTimestamps = true
	completeMetadata(ctx, f.target, source, prefs, status)
}

// unchanged compares at second precision; several backends truncate mtimes.
func unchanged(src, dst *remote.Attributes) bool {
	if src.Size != dst.Size {
		return false
	}
	if src.Modified.IsZero() || dst.Modified.IsZero() {
		return false
	}
	return src.Modified.Truncate(time.Second).Equal(dst.Modified.Truncate(time.Second))
}
