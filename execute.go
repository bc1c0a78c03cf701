package ferry

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/b1naryth1ef/ferry/internal/logging"
	"github.com/b1naryth1ef/ferry/internal/metrics"
	"github.com/b1naryth1ef/ferry/session"
	"github.com/b1naryth1ef/ferry/transfer"
)

// process runs the jobs in order. With a parallelism above one, jobs wait
// for their parent directory before they start.
func (r *run) process(ctx context.Context, jobs []*Job) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.q.opts.Parallelism)
	for i, job := range jobs {
		if r.q.stopped.Load() {
			job.finish(transfer.ErrCanceled)
			continue
		}
		g.Go(func() error {
			return r.handle(gctx, i, len(jobs), job)
		})
	}
	return g.Wait()
}

// handle moves one job through the data step and the filter's completion.
// Only a failure that halts the queue is returned.
func (r *run) handle(ctx context.Context, index, total int, job *Job) error {
	if r.q.stopped.Load() {
		job.finish(transfer.ErrCanceled)
		return nil
	}
	if job.parent != nil {
		job.parent.Wait()
		if err := job.parent.Err(); err != nil {
			job.finish(fmt.Errorf("parent %s: %w", job.parent.Source.Absolute(), err))
			return nil
		}
	}

	r.q.begin(job)
	r.q.publish(Event{
		Type:    EventProgress,
		Message: fmt.Sprintf("%s %s (%d of %d)", r.q.opts.Kind.Verb(), job.Source.Name(), index+1, total),
		Status:  job.Status.Snapshot(),
		Job:     job,
	})

	err := r.execute(ctx, job)
	if err == nil && job.Status.Canceled() {
		err = transfer.ErrCanceled
	}
	if err == nil {
		job.Status.SetComplete()
	}
	r.q.end(job, err == nil)
	metrics.RecordJob(r.q.opts.Kind.String(), job.Status.Current()-job.Status.Offset(), err == nil)

	r.filter.Complete(ctx, job.Source, r.opts, job.Status)
	job.finish(err)

	switch {
	case err == nil:
		logging.Debug("job completed", logging.Path(job.Source.Absolute()), zap.Int64("bytes", job.Status.Length()))
	case errors.Is(err, transfer.ErrCanceled), errors.Is(err, context.Canceled):
		logging.Info("job canceled", logging.Path(job.Source.Absolute()))
	default:
		logging.Error("job failed", logging.Path(job.Source.Absolute()), zap.Error(err))
		if r.q.opts.HaltOnError {
			r.q.stopped.Store(true)
			return err
		}
	}
	return nil
}

func (r *run) execute(ctx context.Context, job *Job) error {
	if job.Source.IsDirectory() {
		dir, ok := session.Get[session.Directory](r.dst, session.FeatureDirectory)
		if !ok {
			return fmt.Errorf("mkdir %s: %w", job.Destination.Absolute(), session.ErrUnsupported)
		}
		if err := dir.Mkdir(ctx, job.Destination); err != nil {
			return err
		}
		r.dst.Cache().Invalidate(job.Destination.Parent())
		return nil
	}

	status := job.Status
	status.SetCurrent(status.StartOffset())
	if status.Resume() && status.Remaining() == 0 {
		return nil
	}
	err := r.transfer(ctx, job)
	r.dst.Cache().Invalidate(job.Destination.Parent())
	return err
}

// transfer picks the data path for a file: a server-side copy within one
// session, the destination's upload, a segmented download into a
// destination that writes at offsets, or a plain stream.
func (r *run) transfer(ctx context.Context, job *Job) error {
	src, dst, status := job.Source, job.Destination, job.Status

	if r.src == r.dst {
		if c, ok := session.Get[session.Copy](r.dst, session.FeatureCopy); ok {
			if err := c.Copy(ctx, src, dst); err != nil {
				return err
			}
			status.SetCurrent(status.Length())
			return nil
		}
	}

	read, ok := session.Get[session.Read](r.src, session.FeatureRead)
	if !ok {
		return fmt.Errorf("read %s: %w", src.Absolute(), session.ErrUnsupported)
	}

	if up, ok := session.Get[session.Upload](r.dst, session.FeatureUpload); ok {
		in, err := read.Read(ctx, src, status)
		if err != nil {
			return err
		}
		defer in.Close()
		return up.Upload(ctx, dst, in, status)
	}

	write, ok := session.Get[session.Write](r.dst, session.FeatureWrite)
	if !ok {
		return fmt.Errorf("write %s: %w", dst.Absolute(), session.ErrUnsupported)
	}
	out, err := write.Write(ctx, dst, status)
	if err != nil {
		return err
	}

	if down, ok := session.Get[session.Download](r.src, session.FeatureDownload); ok {
		if at, ok := out.(io.WriterAt); ok {
			err := down.Download(ctx, src, at, status)
			return errors.Join(err, out.Close())
		}
	}

	in, err := read.Read(ctx, src, status)
	if err != nil {
		out.Close()
		return err
	}
	_, err = transfer.Copy(ctx, out, in, status)
	in.Close()
	return errors.Join(err, out.Close())
}
