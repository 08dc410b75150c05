// Package scheduler provides the per-link event strand used by the
// provisioning engine.
//
// Every event that touches a link (a received frame, a timer expiry, an OOB
// input from the application) runs through Scheduler.Do, so link state is
// only ever mutated by one goroutine at a time and needs no further locking.
// The scheduler also owns all timers of the link: once Close has run, no
// timer callback can reach link state, even if its time.AfterFunc already
// fired and is waiting for the strand.
//
// Code running inside the strand must not call Do on the same scheduler.
// Work that has to leave the strand (application callbacks, releasing pool
// slots guarded by other locks) is queued with Defer and runs right after the
// current event, outside the critical section.
package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/logging"
)

// ErrClosed is returned by Do after the scheduler has been closed.
var ErrClosed = errors.New("scheduler: closed")

// Config configures a Scheduler.
type Config struct {
	// Name identifies the strand in log output.
	Name string

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Scheduler serializes the events of one link.
type Scheduler struct {
	name string
	log  logging.LeveledLogger

	mu       sync.Mutex
	closed   bool
	timers   []*Timer
	deferred []func()
}

// New creates a scheduler.
func New(config Config) *Scheduler {
	s := &Scheduler{name: config.Name}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("scheduler")
	}
	return s
}

// Do runs fn inside the strand. It returns ErrClosed without running fn if
// the scheduler was closed.
func (s *Scheduler) Do(fn func()) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	fn()
	s.unlock()
	return nil
}

// Defer queues fn to run after the current event has left the strand.
// Must be called from inside the strand.
func (s *Scheduler) Defer(fn func()) {
	s.deferred = append(s.deferred, fn)
}

// Close stops every timer and rejects all further events. Deferred work
// queued by the current event still runs. Must be called from inside the
// strand; calling it twice is harmless.
func (s *Scheduler) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for _, t := range s.timers {
		t.Stop()
	}
	if s.log != nil {
		s.log.Debugf("%s: closed", s.name)
	}
}

// Closed reports whether Close has run. Must be called from inside the strand.
func (s *Scheduler) Closed() bool {
	return s.closed
}

// NewTimer creates a stopped timer whose callback runs inside the strand.
// Must be called from inside the strand or before the scheduler is shared.
func (s *Scheduler) NewTimer(name string, fn func()) *Timer {
	t := &Timer{s: s, name: name, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// unlock releases the strand and runs deferred work.
func (s *Scheduler) unlock() {
	deferred := s.deferred
	s.deferred = nil
	s.mu.Unlock()
	for _, fn := range deferred {
		fn()
	}
}

func (s *Scheduler) fire(t *Timer, gen uint64) {
	s.mu.Lock()
	if s.closed || t.gen != gen {
		// Stopped or re-armed after this expiry was already in flight.
		s.unlock()
		return
	}
	t.t = nil
	if s.log != nil {
		s.log.Tracef("%s: timer %s fired", s.name, t.name)
	}
	t.fn()
	s.unlock()
}

// Timer is a one-shot timer owned by a Scheduler. All methods must be called
// from inside the owning strand.
type Timer struct {
	s    *Scheduler
	name string
	fn   func()
	t    *time.Timer
	gen  uint64
}

// Reset arms the timer to fire after d, replacing any pending expiry.
// Resetting a timer of a closed scheduler is a no-op.
func (t *Timer) Reset(d time.Duration) {
	t.Stop()
	if t.s.closed {
		return
	}
	gen := t.gen
	t.t = time.AfterFunc(d, func() { t.s.fire(t, gen) })
}

// Stop disarms the timer. A callback already waiting for the strand is
// discarded.
func (t *Timer) Stop() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.gen++
}

// Armed reports whether the timer has a pending expiry.
func (t *Timer) Armed() bool {
	return t.t != nil
}
