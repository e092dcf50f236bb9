// Package schedule provides a single-slot scheduled task: at most one
// pending callback, where scheduling again cancels and replaces the previous
// one. This makes trailing-edge debounce and its last-write-wins guarantee
// explicit and testable.
package schedule

import (
	"sync"
	"time"
)

// Task holds at most one pending callback.
// The zero value is ready to use.
type Task struct {
	mu      sync.Mutex
	timer   *time.Timer
	fn      func()
	pending bool
}

// Reschedule cancels any pending callback and schedules fn to run after d.
// Only the most recent call takes effect.
func (t *Task) Reschedule(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.fn = fn
	t.pending = true
	t.timer = time.AfterFunc(d, func() { t.fire() })
}

func (t *Task) fire() {
	t.mu.Lock()
	if !t.pending {
		t.mu.Unlock()
		return
	}
	fn := t.fn
	t.pending = false
	t.fn = nil
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Cancel discards the pending callback, if any. Reports whether one was pending.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.pending
	if t.timer != nil {
		t.timer.Stop()
	}
	t.pending = false
	t.fn = nil
	return was
}

// Flush runs the pending callback immediately, if any. Reports whether one ran.
func (t *Task) Flush() bool {
	t.mu.Lock()
	if !t.pending {
		t.mu.Unlock()
		return false
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	fn := t.fn
	t.pending = false
	t.fn = nil
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
	return true
}

// Pending reports whether a callback is scheduled.
func (t *Task) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}
