package component

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/SensorsIot/BalloonHunter-sub005/errors"
	"github.com/SensorsIot/BalloonHunter-sub005/metric"
)

// managed tracks one component and its lifecycle state.
type managed struct {
	component LifecycleComponent
	state     State
	lastErr   error
}

// Manager owns the lifecycle of a set of components. Components are started
// in registration order and stopped in reverse, so a component may depend on
// anything registered before it.
type Manager struct {
	logger  *slog.Logger
	metrics *metric.Metrics

	mu         sync.Mutex
	components []*managed
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerMetrics exports per-component status gauges.
func WithManagerMetrics(m *metric.Metrics) ManagerOption {
	return func(mgr *Manager) { mgr.metrics = m }
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger, options ...ManagerOption) *Manager {
	mgr := &Manager{logger: logger}
	for _, opt := range options {
		if opt != nil {
			opt(mgr)
		}
	}
	return mgr
}

// Register adds a component. Registration order is start order.
func (mgr *Manager) Register(c LifecycleComponent) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.components = append(mgr.components, &managed{component: c, state: StateCreated})
}

// StartAll initializes and starts every component in registration order. The
// first failure stops the sequence and the error names the component; already
// started components are left running for the caller to StopAll.
func (mgr *Manager) StartAll(ctx context.Context) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	for _, mc := range mgr.components {
		name := mc.component.Name()

		if err := mc.component.Initialize(); err != nil {
			mc.state = StateFailed
			mc.lastErr = err
			mgr.setStatus(name, mc.state)
			return errors.WrapFatal(err, "Manager", "StartAll", "initialize "+name)
		}
		mc.state = StateInitialized

		if err := mc.component.Start(ctx); err != nil {
			mc.state = StateFailed
			mc.lastErr = err
			mgr.setStatus(name, mc.state)
			return errors.WrapFatal(err, "Manager", "StartAll", "start "+name)
		}
		mc.state = StateStarted
		mgr.setStatus(name, mc.state)
		mgr.logger.Info("component started", "component", name)
	}
	return nil
}

// StopAll stops every started component in reverse registration order. All
// components are attempted; the first error is returned.
func (mgr *Manager) StopAll(timeout time.Duration) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	var firstErr error
	for i := len(mgr.components) - 1; i >= 0; i-- {
		mc := mgr.components[i]
		if mc.state != StateStarted {
			continue
		}
		name := mc.component.Name()

		if err := mc.component.Stop(timeout); err != nil {
			mc.state = StateFailed
			mc.lastErr = err
			mgr.logger.Error("component stop failed", "component", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		} else {
			mc.state = StateStopped
			mgr.logger.Info("component stopped", "component", name)
		}
		mgr.setStatus(name, mc.state)
	}
	return firstErr
}

// States returns a snapshot of component states keyed by name.
func (mgr *Manager) States() map[string]State {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	states := make(map[string]State, len(mgr.components))
	for _, mc := range mgr.components {
		states[mc.component.Name()] = mc.state
	}
	return states
}

func (mgr *Manager) setStatus(name string, state State) {
	if mgr.metrics != nil {
		mgr.metrics.ComponentStatus.WithLabelValues(name).Set(float64(state))
	}
}
