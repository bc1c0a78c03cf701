// Package filter decides, per source path, whether a transfer job runs, how
// its status is initialized and which metadata is applied afterwards.
package filter

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/b1naryth1ef/ferry/internal/logging"
	"github.com/b1naryth1ef/ferry/remote"
	"github.com/b1naryth1ef/ferry/session"
	"github.com/b1naryth1ef/ferry/transfer"
)

// Filter is consulted by the queue for every expanded source path.
type Filter interface {
	// Accept reports whether source becomes a job.
	Accept(ctx context.Context, source *remote.Path) (bool, error)

	// Prepare returns the initial status of the job for source.
	Prepare(ctx context.Context, source *remote.Path, opts transfer.Options) (*transfer.Status, error)

	// Complete runs after the data step. It never fails the job.
	Complete(ctx context.Context, source *remote.Path, opts transfer.Options, status *transfer.Status)
}

// Action selects what happens to files that already exist at the destination.
type Action uint8

const (
	ActionOverwrite Action = iota
	ActionResume
	ActionSkip
)

func (a Action) String() string {
	switch a {
	case ActionOverwrite:
		return "overwrite"
	case ActionResume:
		return "resume"
	case ActionSkip:
		return "skip"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

func ParseAction(s string) (Action, error) {
	for a := ActionOverwrite; a <= ActionSkip; a++ {
		if a.String() == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// Preferences gate metadata propagation for one transfer direction.
type Preferences struct {
	Action              Action
	PreservePermissions bool
	PreserveTimestamps  bool
}

// Target is the destination of a transfer: a session and the root that the
// source root maps onto.
type Target struct {
	Session    session.Session
	SourceRoot *remote.Path
	Root       *remote.Path
}

// Destination maps source onto the target tree.
func (t Target) Destination(source *remote.Path) (*remote.Path, error) {
	return remote.Relocate(source, t.SourceRoot, t.Root)
}

// For returns the default filter for kind.
func For(kind transfer.Kind, target Target, prefs Preferences) Filter {
	switch kind {
	case transfer.KindCopy:
		return &Copy{target: target, prefs: prefs}
	case transfer.KindSync:
		return &Sync{target: target, prefs: prefs}
	default:
		return &Transfer{target: target, prefs: prefs}
	}
}

// stat returns the destination for source and its current version when it exists.
func (t Target) stat(ctx context.Context, source *remote.Path) (*remote.Path, *remote.Path, error) {
	dst, err := t.Destination(source)
	if err != nil {
		return nil, nil, err
	}
	existing, err := session.Stat(ctx, t.Session, dst)
	if errors.Is(err, session.ErrNotFound) {
		return dst, nil, nil
	}
	if err != nil {
		return dst, nil, err
	}
	return dst, existing, nil
}

// prepare builds the status shared by every strategy. An existing
// destination file no longer than the source is resumed from its length when
// resume is requested and the destination can append. A complete file
// resumes at its end and moves nothing.
func prepare(ctx context.Context, target Target, source *remote.Path, resume bool) (*transfer.Status, error) {
	status := transfer.NewStatus(0)
	if source.IsFile() {
		status.SetLength(source.Attributes().Size)
	}

	_, existing, err := target.stat(ctx, source)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return status, nil
	}
	status.SetExists(true)

	if !resume || !source.IsFile() {
		return status, nil
	}
	w, ok := session.Get[session.Write](target.Session, session.FeatureWrite)
	if !ok || !w.Resumable() {
		return status, nil
	}
	if size := existing.Attributes().Size; size > 0 && size <= status.Length() {
		status.SetOffset(size)
		status.SetResume(true)
	}
	return status, nil
}

// completeMetadata copies permission and timestamps of source onto its
// destination. Each step fails independently and only logs.
func completeMetadata(ctx context.Context, target Target, source *remote.Path, prefs Preferences, status *transfer.Status) {
	if !status.Complete() {
		return
	}
	dst, err := target.Destination(source)
	if err != nil {
		logging.Warn("failed to map destination", logging.Path(source.Absolute()), zap.Error(err))
		return
	}
	attrs := source.Attributes()

	if prefs.PreservePermissions && !attrs.Permission.IsEmpty() {
		if unix, ok := session.Get[session.UnixPermission](target.Session, session.FeatureUnixPermission); ok {
			if err := unix.SetUnixPermission(ctx, dst, attrs.Permission); err != nil {
				logging.Warn("failed to set permission",
					logging.Path(dst.Absolute()),
					zap.Stringer("permission", attrs.Permission),
					zap.Error(err),
				)
			}
		}
	}

	if prefs.PreserveTimestamps && !attrs.Modified.IsZero() {
		if ts, ok := session.Get[session.Timestamp](target.Session, session.FeatureTimestamp); ok {
			if err := ts.SetTimestamp(ctx, dst, attrs.Created, attrs.Modified, attrs.Accessed); err != nil {
				logging.Warn("failed to set timestamp",
					logging.Path(dst.Absolute()),
					zap.Time("modified", attrs.Modified),
					zap.Error(err),
				)
			}
		}
	}
}

// acceptDirectory excludes directories that already exist at the destination.
func acceptDirectory(ctx context.Context, target Target, source *remote.Path) (bool, *remote.Path, error) {
	_, existing, err := target.stat(ctx, source)
	if err != nil {
		return false, nil, err
	}
	if source.IsDirectory() && existing != nil {
		return false, existing, nil
	}
	return true, existing, nil
}
