package autosave

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSignal(t *testing.T) {
	signal, err := ParseSignal(" Hidden ")
	require.NoError(t, err)
	assert.Equal(t, SignalHidden, signal)

	signal, err = ParseSignal("teardown")
	require.NoError(t, err)
	assert.Equal(t, SignalTeardown, signal)

	_, err = ParseSignal("suspend")
	assert.True(t, errors.Is(err, ErrUnknownSignal))
}

func TestLifecycleHubRoutesByDraft(t *testing.T) {
	hub := NewLifecycleHub()
	var first, second []Signal
	unsubscribeFirst := hub.Source("draft-1").OnBecomingUnreachable(func(signal Signal) {
		first = append(first, signal)
	})
	hub.Source("draft-2").OnBecomingUnreachable(func(signal Signal) {
		second = append(second, signal)
	})

	assert.Equal(t, 1, hub.Emit("draft-1", SignalHidden))
	assert.Equal(t, []Signal{SignalHidden}, first)
	assert.Empty(t, second)

	assert.Equal(t, 1, hub.Emit("draft-1", SignalTeardown))
	assert.Equal(t, 1, hub.Emit("draft-2", SignalTeardown))
	assert.Equal(t, []Signal{SignalHidden, SignalTeardown}, first)
	assert.Equal(t, []Signal{SignalTeardown}, second)

	unsubscribeFirst()
	unsubscribeFirst()
	assert.Zero(t, hub.Emit("draft-1", SignalHidden))
	assert.Len(t, first, 2)
}

func TestLifecycleHubAllowsUnsubscribeFromCallback(t *testing.T) {
	hub := NewLifecycleHub()
	calls := 0
	var unsubscribe func()
	unsubscribe = hub.Source("draft-1").OnBecomingUnreachable(func(Signal) {
		calls++
		unsubscribe()
	})

	hub.Emit("draft-1", SignalTeardown)
	hub.Emit("draft-1", SignalTeardown)
	assert.Equal(t, 1, calls)
}
