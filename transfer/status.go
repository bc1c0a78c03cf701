// Package transfer holds the per-job state shared between the queue and the
// backend capabilities that move bytes.
package transfer

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrCanceled is returned by data movement interrupted through Status.SetCanceled.
var ErrCanceled = errors.New("transfer canceled")

// Status tracks a single job. Length and current are read together through
// Snapshot so observers never see a torn pair.
type Status struct {
	mu       sync.Mutex
	length   int64
	offset   int64
	current  int64
	resume   bool
	exists   bool
	complete bool

	canceled atomic.Bool
}

// Snapshot is a consistent copy of a Status.
type Snapshot struct {
	Length   int64
	Offset   int64
	Current  int64
	Resume   bool
	Complete bool
	Canceled bool
}

func NewStatus(length int64) *Status {
	return &Status{length: length}
}

func (s *Status) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Length:   s.length,
		Offset:   s.offset,
		Current:  s.current,
		Resume:   s.resume,
		Complete: s.complete,
		Canceled: s.canceled.Load(),
	}
}

func (s *Status) Length() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.length
}

func (s *Status) SetLength(n int64) {
	s.mu.Lock()
	s.length = n
	s.mu.Unlock()
}

// Offset is where a resumed transfer starts. Only meaningful when Resume is set.
func (s *Status) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

func (s *Status) SetOffset(n int64) {
	s.mu.Lock()
	s.offset = n
	s.mu.Unlock()
}

// Current is the number of bytes of this job present at the destination.
func (s *Status) Current() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Status) SetCurrent(n int64) {
	s.mu.Lock()
	s.current = n
	s.mu.Unlock()
}

func (s *Status) AddCurrent(n int64) {
	s.mu.Lock()
	s.current += n
	s.mu.Unlock()
}

func (s *Status) Resume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resume
}

func (s *Status) SetResume(resume bool) {
	s.mu.Lock()
	s.resume = resume
	s.mu.Unlock()
}

// Exists reports whether the destination already existed when the job was prepared.
func (s *Status) Exists() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exists
}

func (s *Status) SetExists(exists bool) {
	s.mu.Lock()
	s.exists = exists
	s.mu.Unlock()
}

func (s *Status) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

func (s *Status) SetComplete() {
	s.mu.Lock()
	s.complete = true
	s.mu.Unlock()
}

// Canceled may be polled from any goroutine.
func (s *Status) Canceled() bool {
	return s.canceled.Load()
}

func (s *Status) SetCanceled() {
	s.canceled.Store(true)
}

// StartOffset returns the byte offset data movement begins at: the resume
// offset when resuming, otherwise zero.
func (s *Status) StartOffset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resume {
		return s.offset
	}
	return 0
}

// Remaining is the number of bytes still to move.
func (s *Status) Remaining() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := int64(0)
	if s.resume {
		start = s.offset
	}
	if s.length < start {
		return 0
	}
	return s.length - start
}
