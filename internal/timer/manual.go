package timer

import (
	"sort"
	"sync"
	"time"
)

// ManualClock is a Clock which only moves forward when Advance is called.
// Expired callbacks are executed synchronously by Advance, in expiry order.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	clock   *ManualClock
	at      time.Time
	seq     int
	f       func()
	stopped bool
}

// NewManualClock returns a ManualClock set to the given time.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current (manual) time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f to be called after d.
func (c *ManualClock) AfterFunc(d time.Duration, f func()) Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	t := &manualTimer{
		clock: c,
		at:    c.now.Add(d),
		seq:   c.seq,
		f:     f,
	}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d, firing all timers expiring within
// that period.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDue(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.stopped = true
		c.now = next.at
		c.mu.Unlock()

		next.f()
	}
}

// Pending returns the number of armed timers.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (c *ManualClock) nextDue(target time.Time) *manualTimer {
	var active []*manualTimer
	for _, t := range c.timers {
		if !t.stopped {
			active = append(active, t)
		}
	}
	c.timers = active

	sort.SliceStable(active, func(i, j int) bool {
		if active[i].at.Equal(active[j].at) {
			return active[i].seq < active[j].seq
		}
		return active[i].at.Before(active[j].at)
	})

	if len(active) == 0 || active[0].at.After(target) {
		return nil
	}
	return active[0]
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}
