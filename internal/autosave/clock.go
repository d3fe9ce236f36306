package autosave

import (
	"sort"
	"sync"
	"time"
)

// Timer is a scheduled callback that can be stopped before it fires.
type Timer interface {
	Stop() bool
}

// Clock supplies the current time and schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(delay time.Duration, fn func()) Timer
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns time.Now.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// AfterFunc schedules fn on its own goroutine after delay.
func (SystemClock) AfterFunc(delay time.Duration, fn func()) Timer {
	return time.AfterFunc(delay, fn)
}

// ManualClock is a virtual clock. Scheduled callbacks run synchronously inside Advance
// or Set, in due-time order, on the caller's goroutine.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	nextSeq uint64
	timers  map[uint64]*manualTimer
}

type manualTimer struct {
	clock *ManualClock
	seq   uint64
	due   time.Time
	fn    func()
}

// NewManualClock returns a virtual clock starting at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{
		now:    start,
		timers: make(map[uint64]*manualTimer),
	}
}

// Now returns the virtual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules fn at Now()+delay.
func (c *ManualClock) AfterFunc(delay time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSeq++
	timer := &manualTimer{
		clock: c,
		seq:   c.nextSeq,
		due:   c.now.Add(delay),
		fn:    fn,
	}
	c.timers[timer.seq] = timer
	return timer
}

// Pending returns the number of scheduled, unfired timers.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Advance moves virtual time forward by delta and fires every timer that became due.
func (c *ManualClock) Advance(delta time.Duration) {
	c.Set(c.Now().Add(delta))
}

// Set moves virtual time to target and fires every timer due at or before it.
// Timers scheduled by fired callbacks also run if they fall due before target.
func (c *ManualClock) Set(target time.Time) {
	for {
		c.mu.Lock()
		next := c.earliestDueLocked(target)
		if next == nil {
			if target.After(c.now) {
				c.now = target
			}
			c.mu.Unlock()
			return
		}
		delete(c.timers, next.seq)
		if next.due.After(c.now) {
			c.now = next.due
		}
		c.mu.Unlock()
		next.fn()
	}
}

func (c *ManualClock) earliestDueLocked(target time.Time) *manualTimer {
	due := make([]*manualTimer, 0, len(c.timers))
	for _, timer := range c.timers {
		if !timer.due.After(target) {
			due = append(due, timer)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].seq < due[j].seq
		}
		return due[i].due.Before(due[j].due)
	})
	return due[0]
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if _, ok := t.clock.timers[t.seq]; !ok {
		return false
	}
	delete(t.clock.timers, t.seq)
	return true
}
