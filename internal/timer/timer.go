// Package timer implements the single-shot timers used by the MAC layer.
package timer

import (
	"sync"
	"time"
)

// Stopper is returned by Clock.AfterFunc.
type Stopper interface {
	Stop() bool
}

// Clock provides the current time and delayed function execution.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

// SystemClock implements Clock using the time package.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// AfterFunc calls f in its own goroutine after d.
func (SystemClock) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// Timer is a named single-shot timer. Re-starting a running timer replaces
// its previous schedule and a stopped timer never invokes its callback.
type Timer struct {
	mu sync.Mutex

	name     string
	clock    Clock
	callback func()

	handle   Stopper
	gen      uint64
	running  bool
	duration time.Duration
	started  time.Time
}

// New returns a new Timer which calls cb on expiry.
func New(clock Clock, name string, cb func()) *Timer {
	return &Timer{
		name:     name,
		clock:    clock,
		callback: cb,
	}
}

// Name returns the timer name.
func (t *Timer) Name() string {
	return t.name
}

// Start (re)arms the timer. A negative duration expires immediately.
func (t *Timer) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handle != nil {
		t.handle.Stop()
	}
	if d < 0 {
		d = 0
	}

	t.gen++
	gen := t.gen
	t.running = true
	t.duration = d
	t.started = t.clock.Now()
	t.handle = t.clock.AfterFunc(d, func() {
		t.fire(gen)
	})
}

// Stop disarms the timer.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	t.running = false
	if t.handle != nil {
		t.handle.Stop()
		t.handle = nil
	}
}

// IsRunning returns true when the timer is armed.
func (t *Timer) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Duration returns the duration the timer was last armed with.
func (t *Timer) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration
}

// Deadline returns the expiry time of the last schedule.
func (t *Timer) Deadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started.Add(t.duration)
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	cb := t.callback
	t.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Elapsed returns the time elapsed since the given time. The zero time
// results in zero elapsed time.
func Elapsed(c Clock, since time.Time) time.Duration {
	if since.IsZero() {
		return 0
	}
	return c.Now().Sub(since)
}
