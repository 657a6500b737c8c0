// Package shaper serializes outbound upstream calls through a single worker
// so request traffic keeps a human-looking minimum spacing.
package shaper

import (
	"fmt"
	"sync"
	"time"

	"github.com/mkalpine/codeassist-relay/internal/utils"
)

type outcome struct {
	value interface{}
	err   error
}

type task struct {
	fn   func() (interface{}, error)
	done chan outcome
}

// Status is a snapshot of the shaper's queue for observability.
type Status struct {
	Processing int `json:"processing"`
	Queued     int `json:"queued"`
}

// Shaper is a FIFO pacing queue. Exactly one task runs at a time; before each
// task the worker waits until at least minDelay plus a uniform jitter has
// passed since the previous task finished.
type Shaper struct {
	minDelayMs int64
	jitterMs   int64

	mu         sync.Mutex
	cond       *sync.Cond
	queue      []*task
	processing bool
	closed     bool
	// lastFinish is the completion time of the previous task, success or
	// failure. The inter-task delay is measured from here.
	lastFinish time.Time
}

// New creates a shaper and starts its worker goroutine.
func New(minDelayMs, jitterMs int) *Shaper {
	s := &Shaper{
		minDelayMs: int64(minDelayMs),
		jitterMs:   int64(jitterMs),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.worker()
	return s
}

// Enqueue submits a task and blocks until it has run. The task's result and
// error propagate unchanged; a failing task does not affect later tasks.
func (s *Shaper) Enqueue(fn func() (interface{}, error)) (interface{}, error) {
	t := &task{fn: fn, done: make(chan outcome, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("shaper is closed")
	}
	s.queue = append(s.queue, t)
	s.cond.Signal()
	s.mu.Unlock()

	out := <-t.done
	return out.value, out.err
}

// GetStatus reports how many tasks are processing (0 or 1) and queued.
func (s *Shaper) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	processing := 0
	if s.processing {
		processing = 1
	}
	return Status{Processing: processing, Queued: len(s.queue)}
}

// Close stops the worker after the current task. Queued tasks that never ran
// fail with a closed error.
func (s *Shaper) Close() {
	s.mu.Lock()
	s.closed = true
	pending := s.queue
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	for _, t := range pending {
		t.done <- outcome{err: fmt.Errorf("shaper is closed")}
	}
}

func (s *Shaper) worker() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		t := s.queue[0]
		s.queue = s.queue[1:]
		lastFinish := s.lastFinish
		s.mu.Unlock()

		if !lastFinish.IsZero() {
			required := time.Duration(s.minDelayMs)*time.Millisecond + utils.RandomBetweenMs(0, s.jitterMs)
			if wait := required - time.Since(lastFinish); wait > 0 {
				time.Sleep(wait)
			}
		}

		s.mu.Lock()
		s.processing = true
		s.mu.Unlock()

		value, err := t.fn()
		t.done <- outcome{value: value, err: err}

		s.mu.Lock()
		s.processing = false
		s.lastFinish = time.Now()
		s.mu.Unlock()
	}
}
