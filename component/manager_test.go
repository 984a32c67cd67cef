package component

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeComponent struct {
	name     string
	initErr  error
	startErr error
	stopErr  error
	events   *[]string
}

func (f *fakeComponent) Name() string { return f.name }

func (f *fakeComponent) Initialize() error {
	*f.events = append(*f.events, "init:"+f.name)
	return f.initErr
}

func (f *fakeComponent) Start(_ context.Context) error {
	*f.events = append(*f.events, "start:"+f.name)
	return f.startErr
}

func (f *fakeComponent) Stop(_ time.Duration) error {
	*f.events = append(*f.events, "stop:"+f.name)
	return f.stopErr
}

func TestManagerStartOrderStopReverse(t *testing.T) {
	var events []string
	mgr := NewManager(slog.Default())
	mgr.Register(&fakeComponent{name: "a", events: &events})
	mgr.Register(&fakeComponent{name: "b", events: &events})
	mgr.Register(&fakeComponent{name: "c", events: &events})

	require.NoError(t, mgr.StartAll(context.Background()))
	require.NoError(t, mgr.StopAll(time.Second))

	assert.Equal(t, []string{
		"init:a", "start:a",
		"init:b", "start:b",
		"init:c", "start:c",
		"stop:c", "stop:b", "stop:a",
	}, events)
}

func TestManagerStartFailureStopsSequence(t *testing.T) {
	var events []string
	mgr := NewManager(slog.Default())
	mgr.Register(&fakeComponent{name: "a", events: &events})
	mgr.Register(&fakeComponent{name: "b", startErr: fmt.Errorf("boom"), events: &events})
	mgr.Register(&fakeComponent{name: "c", events: &events})

	err := mgr.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b")

	states := mgr.States()
	assert.Equal(t, StateStarted, states["a"])
	assert.Equal(t, StateFailed, states["b"])
	assert.Equal(t, StateCreated, states["c"])

	// StopAll still winds down the components that did start
	require.NoError(t, mgr.StopAll(time.Second))
	assert.Equal(t, StateStopped, mgr.States()["a"])
	assert.NotContains(t, events, "stop:c")
}

func TestManagerStopAllReturnsFirstError(t *testing.T) {
	var events []string
	mgr := NewManager(slog.Default())
	mgr.Register(&fakeComponent{name: "a", stopErr: fmt.Errorf("a failed"), events: &events})
	mgr.Register(&fakeComponent{name: "b", events: &events})

	require.NoError(t, mgr.StartAll(context.Background()))

	err := mgr.StopAll(time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a failed")
	assert.Contains(t, events, "stop:b", "later components must still be stopped")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "started", StateStarted.String())
	assert.Equal(t, "unknown", State(99).String())
}
