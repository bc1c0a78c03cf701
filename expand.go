package ferry

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/b1naryth1ef/ferry/filter"
	"github.com/b1naryth1ef/ferry/internal/logging"
	"github.com/b1naryth1ef/ferry/internal/metrics"
	"github.com/b1naryth1ef/ferry/remote"
	"github.com/b1naryth1ef/ferry/session"
	"github.com/b1naryth1ef/ferry/transfer"
)

// run holds the connected sessions and the filter of one queue run.
type run struct {
	q      *Queue
	src    session.Session
	dst    session.Session
	target filter.Target
	filter filter.Filter
	opts   transfer.Options
}

// resolve returns p with the type and attributes the parent listing on s
// reports for it. The root is returned unchanged.
func resolve(ctx context.Context, s session.Session, p *remote.Path) (*remote.Path, error) {
	if p.IsRoot() {
		return p, nil
	}
	list, err := s.List(ctx, p.Parent(), session.DisabledListProgressListener)
	if err != nil {
		return nil, err
	}
	s.Cache().Put(p.Parent(), list)
	for _, child := range list {
		if child.Name() == p.Name() {
			return child, nil
		}
	}
	return nil, session.NotFound(p.Absolute())
}

// expand walks the tree below root depth-first. Every directory job comes
// before the jobs of its children.
func (r *run) expand(ctx context.Context, root *remote.Path) ([]*Job, error) {
	var jobs []*Job
	if err := r.walk(ctx, root, root, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *run) walk(ctx context.Context, root, p *remote.Path, parent *Job, jobs *[]*Job) error {
	if r.q.stopped.Load() {
		return transfer.ErrCanceled
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	accepted, err := r.filter.Accept(ctx, p)
	if err != nil {
		return fmt.Errorf("accept %s: %w", p.Absolute(), err)
	}

	// children of an excluded directory have nothing to wait for
	var job *Job
	if accepted {
		status, err := r.filter.Prepare(ctx, p, r.opts)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", p.Absolute(), err)
		}
		dst, err := r.target.Destination(p)
		if err != nil {
			return err
		}
		job = newJob(p, dst, status, parent)
		*jobs = append(*jobs, job)
	} else {
		metrics.RecordJobSkipped(r.q.opts.Kind.String())
		logging.Debug("skipping path", logging.Path(p.Absolute()))
	}

	if !p.IsDirectory() || (p.IsSymbolicLink() && !p.Equal(root)) {
		return nil
	}
	children, err := r.list(ctx, p)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := r.walk(ctx, root, child, job, jobs); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) list(ctx context.Context, dir *remote.Path) ([]*remote.Path, error) {
	if list, ok := r.src.Cache().Get(dir); ok {
		return list, nil
	}
	r.q.publish(Event{Type: EventProgress, Message: fmt.Sprintf("Listing directory %s", dir.Name())})
	list, err := r.src.List(ctx, dir, session.ListFunc(func(dir *remote.Path, batch []*remote.Path) error {
		if r.q.stopped.Load() {
			return transfer.ErrCanceled
		}
		logging.Debug("listing page", logging.Path(dir.Absolute()), zap.Int("entries", len(batch)))
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir.Absolute(), err)
	}
	r.src.Cache().Put(dir, list)
	return list, nil
}
