package autosave

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/draftsafe/internal/drafts"
)

// UpdateBuffer accumulates field edits that have not been persisted yet and owns the
// debounce timer that schedules the next flush.
type UpdateBuffer struct {
	mu       sync.Mutex
	pending  drafts.Fields
	delay    time.Duration
	timer    *DebounceTimer
	onExpire func()
	sealed   bool
}

// NewUpdateBuffer returns an empty buffer. onExpire runs after delay elapses with no Merge.
func NewUpdateBuffer(clock Clock, delay time.Duration, onExpire func()) *UpdateBuffer {
	return &UpdateBuffer{
		delay:    delay,
		timer:    NewDebounceTimer(clock),
		onExpire: onExpire,
	}
}

// Merge overlays update on the pending edits and restarts the quiet period.
// It reports false, leaving the buffer untouched, once the buffer is sealed.
func (b *UpdateBuffer) Merge(update drafts.Fields) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return false
	}
	b.pending = b.pending.Merge(update)
	b.timer.Arm(b.delay, b.onExpire)
	return true
}

// Requeue puts taken edits back underneath anything merged since they were taken.
func (b *UpdateBuffer) Requeue(taken drafts.Fields) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = taken.Merge(b.pending)
	if !b.sealed && !b.pending.IsEmpty() {
		b.timer.Arm(b.delay, b.onExpire)
	}
}

// Take cancels the timer and returns the pending edits, leaving the buffer empty.
func (b *UpdateBuffer) Take() drafts.Fields {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timer.Cancel()
	taken := b.pending
	b.pending = drafts.Fields{}
	return taken
}

// Peek returns a copy of the pending edits.
func (b *UpdateBuffer) Peek() drafts.Fields {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.Clone()
}

// HasPending reports whether any edit is waiting to be flushed.
func (b *UpdateBuffer) HasPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.pending.IsEmpty()
}

// Armed reports whether a flush is scheduled.
func (b *UpdateBuffer) Armed() bool {
	return b.timer.Armed()
}

// Seal refuses further merges and cancels the timer. Pending edits stay until taken.
func (b *UpdateBuffer) Seal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealed = true
	b.timer.Cancel()
}
