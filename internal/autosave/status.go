package autosave

import (
	"context"
	"sync"
	"time"
)

// StatusKind names a status transition.
type StatusKind string

const (
	StatusSaving   StatusKind = "saving"
	StatusSaved    StatusKind = "saved"
	StatusError    StatusKind = "error"
	StatusRestored StatusKind = "restored"

	defaultStatusBufferSize = 16
)

// StatusEvent is what observers see: the saving indicator, versions, and errors.
type StatusEvent struct {
	DraftID    string
	Kind       StatusKind
	Saving     bool
	Version    int64
	SnapshotID int64
	Err        error
	Timestamp  time.Time
}

// StatusDispatcher fans status events out to per-draft subscribers.
// Publishing never blocks; a subscriber with a full buffer misses the event.
type StatusDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*statusSubscriber
	nextID      int64
	bufferSize  int
}

type statusSubscriber struct {
	id     int64
	stream chan StatusEvent
}

func NewStatusDispatcher() *StatusDispatcher {
	return &StatusDispatcher{
		subscribers: make(map[string]map[int64]*statusSubscriber),
		bufferSize:  defaultStatusBufferSize,
	}
}

// Subscribe registers for events of draftID until ctx ends or the returned cleanup runs.
func (d *StatusDispatcher) Subscribe(ctx context.Context, draftID string) (<-chan StatusEvent, func()) {
	if draftID == "" {
		ch := make(chan StatusEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &statusSubscriber{
		id:     d.nextSequence(),
		stream: make(chan StatusEvent, d.bufferSize),
	}
	d.registerSubscriber(draftID, subscriber)
	done := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			close(done)
			d.unregisterSubscriber(draftID, subscriber.id)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return subscriber.stream, cleanup
}

func (d *StatusDispatcher) Publish(event StatusEvent) {
	if d == nil || event.DraftID == "" || event.Kind == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.DraftID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*statusSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *StatusDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *StatusDispatcher) registerSubscriber(draftID string, subscriber *statusSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[draftID]; !ok {
		d.subscribers[draftID] = make(map[int64]*statusSubscriber)
	}
	d.subscribers[draftID][subscriber.id] = subscriber
}

func (d *StatusDispatcher) unregisterSubscriber(draftID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[draftID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, draftID)
		}
	}
	d.mu.Unlock()
}
