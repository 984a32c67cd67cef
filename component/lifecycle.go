// Package component defines the lifecycle contract shared by every runtime
// piece of the tracker (feed adapters, arbiter, policies, aggregator, feeds)
// and a manager that starts them in dependency order and stops them in
// reverse.
package component

import (
	"context"
	"time"
)

// State represents the current lifecycle state of a component
type State int

const (
	// StateCreated indicates the component was created but not initialized
	StateCreated State = iota
	// StateInitialized indicates the component was initialized but not started
	StateInitialized
	// StateStarted indicates the component is running
	StateStarted
	// StateStopped indicates the component was stopped
	StateStopped
	// StateFailed indicates the component failed during a lifecycle operation
	StateFailed
)

// String returns a string representation of the component state
func (cs State) String() string {
	switch cs {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LifecycleComponent is implemented by every managed component:
//   - Initialize() error                  // setup/create only, no context
//   - Start(ctx context.Context) error    // spawn the component's goroutines
//   - Stop(timeout time.Duration) error   // graceful shutdown within timeout
//
// Start must not block; long-running work belongs on goroutines owned by the
// component and wound down by Stop or by the context passed to Start.
type LifecycleComponent interface {
	Name() string
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}
