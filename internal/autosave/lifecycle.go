package autosave

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Signal tells a session that its host may become unreachable.
type Signal string

const (
	// SignalHidden is reversible: the host is being hidden or deactivated.
	SignalHidden Signal = "hidden"
	// SignalTeardown is irreversible: the host is about to be destroyed.
	SignalTeardown Signal = "teardown"
)

// ErrUnknownSignal indicates an unrecognized lifecycle signal name.
var ErrUnknownSignal = errors.New("autosave: unknown lifecycle signal")

// ParseSignal maps a signal name to a Signal.
func ParseSignal(raw string) (Signal, error) {
	switch Signal(strings.ToLower(strings.TrimSpace(raw))) {
	case SignalHidden:
		return SignalHidden, nil
	case SignalTeardown:
		return SignalTeardown, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSignal, raw)
	}
}

// LifecycleSource is implemented by the host environment.
type LifecycleSource interface {
	OnBecomingUnreachable(callback func(Signal)) (unsubscribe func())
}

// LifecycleHub routes host signals to the sessions of individual drafts.
type LifecycleHub struct {
	mu        sync.RWMutex
	listeners map[string]map[int64]func(Signal)
	nextID    int64
}

func NewLifecycleHub() *LifecycleHub {
	return &LifecycleHub{listeners: make(map[string]map[int64]func(Signal))}
}

// Source returns the LifecycleSource seen by the session of draftID.
func (h *LifecycleHub) Source(draftID string) LifecycleSource {
	return hubSource{hub: h, draftID: draftID}
}

// Emit delivers signal to every listener of draftID and reports how many were notified.
// Listeners run synchronously so a forced flush has finished when Emit returns.
func (h *LifecycleHub) Emit(draftID string, signal Signal) int {
	h.mu.RLock()
	callbacks := make([]func(Signal), 0, len(h.listeners[draftID]))
	for _, callback := range h.listeners[draftID] {
		callbacks = append(callbacks, callback)
	}
	h.mu.RUnlock()
	for _, callback := range callbacks {
		callback(signal)
	}
	return len(callbacks)
}

func (h *LifecycleHub) subscribe(draftID string, callback func(Signal)) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if _, ok := h.listeners[draftID]; !ok {
		h.listeners[draftID] = make(map[int64]func(Signal))
	}
	h.listeners[draftID][id] = callback
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			listeners := h.listeners[draftID]
			if listeners == nil {
				return
			}
			delete(listeners, id)
			if len(listeners) == 0 {
				delete(h.listeners, draftID)
			}
		})
	}
}

type hubSource struct {
	hub     *LifecycleHub
	draftID string
}

func (s hubSource) OnBecomingUnreachable(callback func(Signal)) func() {
	return s.hub.subscribe(s.draftID, callback)
}
