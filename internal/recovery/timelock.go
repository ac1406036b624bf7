package recovery

import (
	"time"

	"github.com/guardianvault/recoveryd/internal/model"
)

// TimelockScheduler gates the final ownership transfer.
//
// Remaining time is derived from the start instant and the clock, never
// from a countdown, so irregular polling or a process restart does not
// skew it. Poll reports completion exactly once.
type TimelockScheduler struct {
	clock     Clock
	startedAt time.Time
	duration  time.Duration
	running   bool
	fired     bool
}

// NewTimelockScheduler creates an idle scheduler.
func NewTimelockScheduler(clock Clock) *TimelockScheduler {
	if clock == nil {
		clock = SystemClock()
	}
	return &TimelockScheduler{clock: clock}
}

// Start begins a window of the given duration at the current instant.
// Starting a running scheduler restarts it.
func (s *TimelockScheduler) Start(duration time.Duration) {
	s.Resume(s.clock.Now(), duration)
}

// Resume restores a window persisted with its original start instant.
func (s *TimelockScheduler) Resume(startedAt time.Time, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	s.startedAt = startedAt
	s.duration = duration
	s.running = true
	s.fired = false
}

// Cancel stops the window. Safe to call repeatedly.
func (s *TimelockScheduler) Cancel() {
	s.running = false
}

// Running reports whether a window is active and has not fired.
func (s *TimelockScheduler) Running() bool {
	return s.running && !s.fired
}

// Remaining returns duration - (now - start), clamped to [0, duration].
func (s *TimelockScheduler) Remaining() time.Duration {
	if !s.running {
		return 0
	}
	elapsed := s.clock.Now().Sub(s.startedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := s.duration - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports whether a window is running and has reached zero. It
// stays true after Poll fires until the state leaves the window.
func (s *TimelockScheduler) Expired() bool {
	return s.running && s.Remaining() == 0
}

// Poll returns true exactly once: on the first call after remaining time
// reaches zero. Later calls, and calls after Cancel, return false.
func (s *TimelockScheduler) Poll() bool {
	if !s.running || s.fired {
		return false
	}
	if s.Remaining() > 0 {
		return false
	}
	s.fired = true
	return true
}

// rearm lets the next Poll fire again. Used when the completion could not
// be committed, e.g. the finalize submission failed.
func (s *TimelockScheduler) rearm() {
	s.fired = false
}

// Deadline returns the instant remaining time reaches zero.
func (s *TimelockScheduler) Deadline() time.Time {
	return s.startedAt.Add(s.duration)
}

// Window returns the persisted form of the running window, nil if idle.
func (s *TimelockScheduler) Window() *model.TimelockWindow {
	if !s.running {
		return nil
	}
	return &model.TimelockWindow{StartedAt: s.startedAt, Duration: s.duration}
}
