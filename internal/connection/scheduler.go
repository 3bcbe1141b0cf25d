package connection

import (
	"sync"
	"time"
)

// Scheduler runs at most one deferred reconnect callback after a fixed
// delay. There is no backoff: every attempt waits the same interval.
type Scheduler struct {
	delay time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	seq     uint64 // Bumped on every Schedule/Cancel; stale timers compare against it
	stopped bool
}

// NewScheduler creates a Scheduler. A non-positive delay uses
// DefaultReconnectDelay.
func NewScheduler(delay time.Duration) *Scheduler {
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	return &Scheduler{delay: delay}
}

// Delay returns the fixed reconnect delay.
func (s *Scheduler) Delay() time.Duration {
	return s.delay
}

// Schedule arms the timer to call fn after the delay, replacing any pending
// timer. It returns false if the scheduler has been stopped.
func (s *Scheduler) Schedule(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}

	s.clearLocked()
	seq := s.seq

	s.timer = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		if s.stopped || s.seq != seq {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()

		fn()
	})

	return true
}

// Cancel drops the pending timer, if any. A timer that already fired but
// has not yet run its callback is invalidated too.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

// Stop cancels the pending timer and refuses all future Schedule calls.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
	s.stopped = true
}

// Pending reports whether a callback is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Scheduler) clearLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.seq++
}
