// Package retry provides the single-slot restart timer used by the wake
// listener and the backoff loop used by outbound HTTP calls.
package retry

import (
	"sync"
	"time"
)

// Scheduler holds at most one pending timer. Cancel guarantees the callback
// of the cancelled timer never runs, even if it already fired and is waiting
// on the lock.
type Scheduler struct {
	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	pending bool
	fired   int
}

// Schedule arms fn to run after d. It returns false and does nothing when a
// timer is already pending.
func (s *Scheduler) Schedule(d time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending {
		return false
	}
	s.pending = true
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		if !s.pending || s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.pending = false
		s.timer = nil
		s.fired++
		s.mu.Unlock()
		fn()
	})
	return true
}

// Cancel drops the pending timer, reporting whether one was pending.
func (s *Scheduler) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pending {
		return false
	}
	s.pending = false
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return true
}

// Pending reports whether a timer is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Fired returns how many callbacks have run.
func (s *Scheduler) Fired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}
