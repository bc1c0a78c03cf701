package ferry

import (
	"sync"

	"github.com/b1naryth1ef/ferry/remote"
	"github.com/b1naryth1ef/ferry/transfer"
)

// Job is one expanded source path together with its transfer status.
type Job struct {
	Source      *remote.Path
	Destination *remote.Path
	Status      *transfer.Status

	// parent is the directory job that has to finish before this one starts
	// when jobs run in parallel. Nil when the parent already exists.
	parent *Job

	done chan struct{}
	once sync.Once
	err  error
}

func newJob(source, destination *remote.Path, status *transfer.Status, parent *Job) *Job {
	return &Job{
		Source:      source,
		Destination: destination,
		Status:      status,
		parent:      parent,
		done:        make(chan struct{}),
	}
}

// Wait blocks until the job has been processed.
func (j *Job) Wait() {
	<-j.done
}

func (j *Job) finish(err error) {
	j.once.Do(func() {
		j.err = err
		close(j.done)
	})
}

// Err returns the error of a processed job.
func (j *Job) Err() error {
	select {
	case <-j.done:
		return j.err
	default:
		return nil
	}
}

// Completed reports whether the data step of the job finished.
func (j *Job) Completed() bool {
	return j.Status.Complete()
}
