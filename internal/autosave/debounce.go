package autosave

import (
	"sync"
	"time"
)

// DebounceTimer is a single-shot timer that is either armed or idle.
// Arming replaces any pending callback; a cancelled or replaced callback never runs.
type DebounceTimer struct {
	clock      Clock
	mu         sync.Mutex
	pending    Timer
	generation uint64
}

// NewDebounceTimer returns an idle timer driven by clock.
func NewDebounceTimer(clock Clock) *DebounceTimer {
	if clock == nil {
		clock = SystemClock{}
	}
	return &DebounceTimer{clock: clock}
}

// Arm cancels any pending callback and schedules fn after delay.
func (d *DebounceTimer) Arm(delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
	generation := d.generation
	d.pending = d.clock.AfterFunc(delay, func() {
		d.mu.Lock()
		if d.generation != generation || d.pending == nil {
			d.mu.Unlock()
			return
		}
		d.pending = nil
		d.generation++
		d.mu.Unlock()
		fn()
	})
}

// Cancel disarms the timer. It reports whether a callback was pending.
func (d *DebounceTimer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelLocked()
}

// Armed reports whether a callback is pending.
func (d *DebounceTimer) Armed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

func (d *DebounceTimer) cancelLocked() bool {
	d.generation++
	if d.pending == nil {
		return false
	}
	d.pending.Stop()
	d.pending = nil
	return true
}
