package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/b1naryth1ef/ferry/internal/logging"
	"github.com/b1naryth1ef/ferry/remote"
)

// Get looks up id on s and asserts it to T. A registration of the wrong type
// is reported as absent.
func Get[T any](s Session, id Feature) (T, bool) {
	var zero T
	v, ok := s.Feature(id)
	if !ok {
		return zero, false
	}
	impl, ok := v.(T)
	if !ok {
		logging.Warn("capability has unexpected type",
			zap.Stringer("feature", id),
			zap.String("type", fmt.Sprintf("%T", v)),
		)
		return zero, false
	}
	return impl, true
}

// Stat returns the current version of file on s. It prefers the Attributes
// capability and falls back to the parent listing, cached or fresh.
func Stat(ctx context.Context, s Session, file *remote.Path) (*remote.Path, error) {
	if finder, ok := Get[AttributesFinder](s, FeatureAttributes); ok {
		attrs, err := finder.Attributes(ctx, file)
		if err != nil {
			return nil, err
		}
		return file.WithAttributes(attrs), nil
	}
	if file.IsRoot() {
		return file, nil
	}
	if s.Cache().Contains(file.Parent()) {
		if p, ok := s.Cache().Lookup(file); ok {
			return p, nil
		}
		return nil, NotFound(file.Absolute())
	}
	list, err := s.List(ctx, file.Parent(), DisabledListProgressListener)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NotFound(file.Absolute())
		}
		return nil, err
	}
	s.Cache().Put(file.Parent(), list)
	for _, p := range list {
		if p.Equal(file) {
			return p, nil
		}
	}
	return nil, NotFound(file.Absolute())
}

// Exists reports whether file is present on s, asking the Find capability
// first.
func Exists(ctx context.Context, s Session, file *remote.Path) (bool, error) {
	if find, ok := Get[Find](s, FeatureFind); ok {
		return find.Find(ctx, file)
	}
	_, err := Stat(ctx, s, file)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
