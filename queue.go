// Package ferry runs transfer queues: it expands a source tree into jobs,
// moves each job through the capabilities of the source and destination
// sessions and reports progress to subscribers.
package ferry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/b1naryth1ef/ferry/filter"
	"github.com/b1naryth1ef/ferry/internal/logging"
	"github.com/b1naryth1ef/ferry/internal/metrics"
	"github.com/b1naryth1ef/ferry/internal/retry"
	"github.com/b1naryth1ef/ferry/remote"
	"github.com/b1naryth1ef/ferry/session"
	"github.com/b1naryth1ef/ferry/transfer"
)

// ErrRunning is returned when a queue is started or closed during a run.
var ErrRunning = errors.New("queue is running")

type State uint8

const (
	StateIdle State = iota
	StateExpanding
	StateRunning
	StateCompleted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExpanding:
		return "expanding"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (s State) active() bool {
	return s == StateExpanding || s == StateRunning
}

// FilterFunc builds the filter of a run once the destination session is
// connected.
type FilterFunc func(kind transfer.Kind, target filter.Target, prefs filter.Preferences) filter.Filter

type Options struct {
	Kind transfer.Kind

	Source          session.Session
	SourceRoot      *remote.Path
	Destination     session.Session
	DestinationRoot *remote.Path

	Preferences filter.Preferences

	// Parallelism above one processes that many jobs at once.
	Parallelism int
	HaltOnError bool

	SpeedSamples  int
	SpeedInterval time.Duration
	ClockInterval time.Duration

	Retry  retry.Config
	Prompt session.LoginCallback
	Filter FilterFunc
}

func (o Options) withDefaults() Options {
	if o.Destination == nil {
		o.Destination = o.Source
	}
	if o.Parallelism < 1 {
		o.Parallelism = 1
	}
	if o.SpeedSamples < 1 {
		o.SpeedSamples = 8
	}
	if o.SpeedInterval <= 0 {
		o.SpeedInterval = 500 * time.Millisecond
	}
	if o.ClockInterval <= 0 {
		o.ClockInterval = time.Second
	}
	if o.Retry == (retry.Config{}) {
		o.Retry = retry.DefaultConfig()
	}
	if o.Prompt == nil {
		o.Prompt = session.DisabledLoginCallback
	}
	if o.Filter == nil {
		o.Filter = filter.For
	}
	return o
}

// IncompleteError is the result of a run that did not complete every job.
type IncompleteError struct {
	Completed int
	Total     int
	Err       error
}

func (e *IncompleteError) Error() string {
	msg := fmt.Sprintf("stopped with %d of %d jobs completed", e.Completed, e.Total)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IncompleteError) Unwrap() error {
	return e.Err
}

// Queue transfers the tree below a source root to a destination root. A
// queue can be started again after it completed or stopped; sessions kept
// open by a stopped run are reused.
type Queue struct {
	opts Options

	mu          sync.Mutex
	state       State
	jobs        []*Job
	active      map[*Job]struct{}
	size        int64
	transferred int64
	moved       int64
	completed   int
	err         error
	done        chan struct{}
	started     time.Time
	finished    time.Time

	src session.Session
	dst session.Session

	stopped atomic.Bool

	meter  *Meter
	events *broadcaster
}

func NewQueue(opts Options) *Queue {
	opts = opts.withDefaults()
	return &Queue{
		opts:   opts,
		active: make(map[*Job]struct{}),
		meter:  NewMeter(opts.SpeedSamples, opts.SpeedInterval),
		events: newBroadcaster(),
	}
}

// Start begins a run in the background. With resume set, partially
// transferred files continue from their existing length where the
// destination allows it.
func (q *Queue) Start(ctx context.Context, resume bool) error {
	q.mu.Lock()
	if q.state.active() {
		q.mu.Unlock()
		return ErrRunning
	}
	q.jobs = nil
	clear(q.active)
	q.size = 0
	q.transferred = 0
	q.moved = 0
	q.completed = 0
	q.err = nil
	q.started = time.Now()
	q.finished = time.Time{}
	q.state = StateExpanding
	q.stopped.Store(false)
	q.meter.Reset()
	done := make(chan struct{})
	q.done = done
	q.mu.Unlock()

	go q.run(ctx, resume, done)
	return nil
}

// Cancel stops the run at the next job boundary and interrupts the jobs in
// flight at their next chunk. It does not wait.
func (q *Queue) Cancel() {
	q.stopped.Store(true)
	q.mu.Lock()
	defer q.mu.Unlock()
	for job := range q.active {
		job.Status.SetCanceled()
	}
}

// Done is closed when the current run ends.
func (q *Queue) Done() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return q.done
}

// Wait blocks until the current run ends and returns its result. A run that
// left jobs incomplete returns an *IncompleteError.
func (q *Queue) Wait(ctx context.Context) error {
	select {
	case <-q.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Close releases the sessions a stopped run left open and detaches every
// subscriber.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.state.active() {
		q.mu.Unlock()
		return ErrRunning
	}
	err := q.closeSessions()
	q.mu.Unlock()
	q.events.close()
	return err
}

// closeSessions must be called with q.mu held.
func (q *Queue) closeSessions() error {
	var errs []error
	if q.src != nil {
		errs = append(errs, q.src.Close())
	}
	if q.dst != nil && q.dst != q.src {
		errs = append(errs, q.dst.Close())
	}
	q.src, q.dst = nil, nil
	return errors.Join(errs...)
}

// Subscribe returns a channel receiving the events of every run. Progress
// and state events wait for the subscriber; data and clock events are
// dropped when its buffer is full. cancel detaches the subscriber without
// closing the channel.
func (q *Queue) Subscribe(buffer int) (<-chan Event, func()) {
	return q.events.subscribe(buffer)
}

func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

func (q *Queue) Jobs() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Job(nil), q.jobs...)
}

// Size is the sum of the lengths of all jobs of the run.
func (q *Queue) Size() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Transferred counts the bytes at the destination: every completed job plus
// the current bytes of the jobs in flight.
func (q *Queue) Transferred() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.transferred
	for job := range q.active {
		n += job.Status.Current()
	}
	return n
}

// throughput counts the bytes moved by this run. Unlike Transferred it
// leaves out what resumed jobs found at the destination.
func (q *Queue) throughput() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.moved
	for job := range q.active {
		n += movedBy(job)
	}
	return n
}

func movedBy(job *Job) int64 {
	return max(job.Status.Current()-job.Status.StartOffset(), 0)
}

func (q *Queue) Completed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed
}

// Summary describes the outcome of the last run. A run that left jobs
// behind reads as stopped even when it reached the end of its list.
func (q *Queue) Summary() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateStopped || q.completed < len(q.jobs) {
		return fmt.Sprintf("stopped with %d of %d jobs completed", q.completed, len(q.jobs))
	}
	return fmt.Sprintf("completed %d of %d jobs", q.completed, len(q.jobs))
}

// Elapsed is the run time of the current or last run.
func (q *Queue) Elapsed() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started.IsZero() {
		return 0
	}
	if !q.finished.IsZero() {
		return q.finished.Sub(q.started)
	}
	return time.Since(q.started)
}

// Progress is a point-in-time view of a run.
type Progress struct {
	Size           int64
	Transferred    int64
	Speed          float64
	Remaining      time.Duration
	RemainingKnown bool
	Elapsed        time.Duration
}

func (q *Queue) Progress() Progress {
	p := Progress{
		Size:        q.Size(),
		Transferred: q.Transferred(),
		Speed:       q.meter.Speed(),
		Elapsed:     q.Elapsed(),
	}
	p.Remaining, p.RemainingKnown = TimeRemaining(p.Size, p.Transferred, p.Speed)
	return p
}

func (q *Queue) setState(s State) {
	q.mu.Lock()
	q.state = s
	q.mu.Unlock()
	e := Event{Type: EventState, State: s}
	if s == StateCompleted || s == StateStopped {
		e.Message = q.Summary()
	}
	q.events.publish(e)
}

func (q *Queue) publish(e Event) {
	q.events.publish(e)
}

func (q *Queue) run(ctx context.Context, resume bool, done chan struct{}) {
	defer close(done)
	metrics.QueueStarted()
	defer metrics.QueueStopped()

	q.publish(Event{Type: EventState, State: StateExpanding})
	err := q.process(ctx, resume)

	final := StateCompleted
	if err != nil || q.stopped.Load() || ctx.Err() != nil {
		final = StateStopped
	}

	q.mu.Lock()
	total, completed := len(q.jobs), q.completed
	q.finished = time.Now()
	cause := err
	if cause == nil && completed < total {
		cause = q.firstError()
		if cause == nil {
			cause = transfer.ErrCanceled
		}
	}
	if cause != nil {
		q.err = &IncompleteError{Completed: completed, Total: total, Err: cause}
	} else if cerr := q.closeSessions(); cerr != nil {
		logging.Warn("failed to close sessions", zap.Error(cerr))
	}
	q.mu.Unlock()

	q.setState(final)
	logging.Info("queue finished",
		zap.Stringer("kind", q.opts.Kind),
		zap.Stringer("state", final),
		zap.Int("completed", completed),
		zap.Int("total", total),
		zap.Duration("elapsed", q.Elapsed()),
	)
}

// firstError must be called with q.mu held.
func (q *Queue) firstError() error {
	for _, job := range q.jobs {
		if err := job.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) process(ctx context.Context, resume bool) error {
	src, dst, err := q.sessions(ctx)
	if err != nil {
		return err
	}

	root, err := resolve(ctx, src, q.opts.SourceRoot)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", q.opts.SourceRoot.Absolute(), err)
	}
	target := filter.Target{Session: dst, SourceRoot: root, Root: q.opts.DestinationRoot}
	r := &run{
		q:      q,
		src:    src,
		dst:    dst,
		target: target,
		filter: q.opts.Filter(q.opts.Kind, target, q.opts.Preferences),
		opts:   transfer.Options{Resume: resume},
	}

	jobs, err := r.expand(ctx, root)
	if err != nil {
		return err
	}
	var size int64
	for _, job := range jobs {
		size += job.Status.Length()
	}
	q.mu.Lock()
	q.jobs = jobs
	q.size = size
	q.mu.Unlock()
	q.setState(StateRunning)

	stop := q.tick(ctx)
	defer stop()
	return r.process(ctx, jobs)
}

// sessions returns the connected clones used by a run. Clones left open by
// a stopped run are reused; every cache starts empty. Source and destination
// share one clone only when it copies server side, since a stream between
// two paths needs a reader and a writer open at once.
func (q *Queue) sessions(ctx context.Context) (session.Session, session.Session, error) {
	q.mu.Lock()
	src, dst := q.src, q.dst
	q.mu.Unlock()

	if src == nil {
		src = q.opts.Source.Clone()
		if err := q.connect(ctx, src); err != nil {
			return nil, nil, err
		}
		dst = src
		if q.opts.Destination != q.opts.Source {
			dst = q.opts.Destination.Clone()
		} else if _, ok := session.Get[session.Copy](src, session.FeatureCopy); !ok {
			dst = q.opts.Destination.Clone()
		}
		if dst != src {
			if err := q.connect(ctx, dst); err != nil {
				src.Close()
				return nil, nil, err
			}
		}
		q.mu.Lock()
		q.src, q.dst = src, dst
		q.mu.Unlock()
	}

	src.Cache().Clear()
	dst.Cache().Clear()
	return src, dst, nil
}

func (q *Queue) connect(ctx context.Context, s session.Session) error {
	q.publish(Event{Type: EventProgress, Message: fmt.Sprintf("Opening %s", s.Host())})
	err := retry.Do(ctx, q.opts.Retry, func() error {
		if err := s.Connect(ctx); err != nil {
			return err
		}
		return s.Login(ctx, q.opts.Prompt)
	})
	if err != nil {
		s.Close()
		return fmt.Errorf("connect %s: %w", s.Host(), err)
	}
	logging.Debug("session connected", zap.Stringer("host", s.Host()))
	return nil
}

func (q *Queue) begin(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active[job] = struct{}{}
	if q.stopped.Load() {
		job.Status.SetCanceled()
	}
}

func (q *Queue) end(job *Job, completed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, job)
	q.moved += movedBy(job)
	if completed {
		q.transferred += job.Status.Length()
		q.completed++
	}
}

// tick runs the speed and clock tasks until the returned stop is called.
func (q *Queue) tick(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		speed := time.NewTicker(q.opts.SpeedInterval)
		defer speed.Stop()
		clock := time.NewTicker(q.opts.ClockInterval)
		defer clock.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-speed.C:
				q.sample()
			case <-clock.C:
				q.publish(Event{Type: EventClock, Clock: FormatClock(q.Elapsed())})
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (q *Queue) sample() {
	transferred := q.Transferred()
	speed := q.meter.Sample(q.throughput())
	metrics.SetSpeed(speed)

	size := q.Size()
	remaining, known := TimeRemaining(size, transferred, speed)
	e := Event{
		Type:    EventData,
		Message: DataMessage(transferred, size, speed, remaining, known),
	}
	q.mu.Lock()
	for job := range q.active {
		e.Status = job.Status.Snapshot()
		break
	}
	q.mu.Unlock()
	q.publish(e)
}
