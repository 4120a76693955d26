package probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rollguard/rollguard/internal/interfaces"
	"github.com/rollguard/rollguard/pkg/logging"
)

const (
	defaultInterval           = 10 * time.Second
	defaultHealthyThreshold   = 2
	defaultUnhealthyThreshold = 3

	// stopTimeout bounds how long Remove waits for a probe goroutine
	// to observe cancellation before bookkeeping is deleted anyway.
	stopTimeout = 5 * time.Second
)

// worker is the per-target probe loop bookkeeping
type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Monitor runs one probe loop per registered target and maintains a
// hysteresis-filtered status for each. Raw probe flaps below the
// configured thresholds never surface as status transitions.
type Monitor struct {
	mu        sync.RWMutex
	targets   map[string]interfaces.ProbeTarget
	states    map[string]*interfaces.ProbeState
	workers   map[string]*worker
	observers []interfaces.ProbeObserver
	store     interfaces.RecordStore[interfaces.ProbeTarget]
	logger    *logging.Logger
	baseCtx   context.Context
	baseStop  context.CancelFunc
}

// NewMonitor creates a probe monitor. The optional store persists
// target definitions across restarts; pass nil to keep them in memory
// only.
func NewMonitor(store interfaces.RecordStore[interfaces.ProbeTarget]) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		targets:  make(map[string]interfaces.ProbeTarget),
		states:   make(map[string]*interfaces.ProbeState),
		workers:  make(map[string]*worker),
		store:    store,
		logger:   logging.NewLogger("probe-monitor"),
		baseCtx:  ctx,
		baseStop: cancel,
	}
}

// Observe registers an observer called once per status transition.
// Observers must be registered before targets start probing to see
// every transition.
func (m *Monitor) Observe(observer interfaces.ProbeObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, observer)
}

// AddTarget registers a target and starts its probe loop. The first
// probe fires immediately, then every Interval.
func (m *Monitor) AddTarget(target interfaces.ProbeTarget) error {
	if target.ID == "" {
		return fmt.Errorf("probe target ID cannot be empty")
	}
	if target.Interval <= 0 {
		target.Interval = defaultInterval
	}
	if target.HealthyThreshold <= 0 {
		target.HealthyThreshold = defaultHealthyThreshold
	}
	if target.UnhealthyThreshold <= 0 {
		target.UnhealthyThreshold = defaultUnhealthyThreshold
	}

	prober, err := proberForTarget(target)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.targets[target.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("probe target %s already registered", target.ID)
	}

	m.targets[target.ID] = target
	m.states[target.ID] = &interfaces.ProbeState{
		TargetID:     target.ID,
		DeploymentID: target.DeploymentID,
		Name:         target.Name,
		Status:       interfaces.ProbeUnknown,
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	w := &worker{cancel: cancel, done: make(chan struct{})}
	m.workers[target.ID] = w
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Put(target.ID, target); err != nil {
			m.logger.Warn("Failed to persist probe target %s: %v", target.ID, err)
		}
	}

	go m.run(ctx, w, target, prober)
	m.logger.Debug("Started probe loop for target %s (%s)", target.ID, target.Name)
	return nil
}

// run is the per-target probe loop
func (m *Monitor) run(ctx context.Context, w *worker, target interfaces.ProbeTarget, prober Prober) {
	defer close(w.done)

	timer := time.NewTimer(0) // first probe immediately
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			err := prober.Probe(ctx)
			if ctx.Err() != nil {
				return
			}
			m.recordResult(target.ID, err)
			timer.Reset(target.Interval)
		}
	}
}

// recordResult folds one raw probe result through the hysteresis
// counters and notifies observers on a status transition
func (m *Monitor) recordResult(targetID string, probeErr error) {
	m.mu.Lock()

	target, ok := m.targets[targetID]
	state, okState := m.states[targetID]
	if !ok || !okState {
		m.mu.Unlock()
		return
	}

	previous := state.Status
	state.LastChecked = time.Now().UTC()

	if probeErr == nil {
		state.ConsecutiveOK++
		state.ConsecutiveFail = 0
		state.LastError = ""
		if state.ConsecutiveOK >= target.HealthyThreshold {
			state.Status = interfaces.ProbeHealthy
		} else if state.Status != interfaces.ProbeHealthy {
			// Recovering but not past the threshold yet.
			state.Status = interfaces.ProbeDegraded
		}
	} else {
		state.ConsecutiveFail++
		state.ConsecutiveOK = 0
		state.LastError = probeErr.Error()
		if state.ConsecutiveFail >= target.UnhealthyThreshold {
			state.Status = interfaces.ProbeUnhealthy
		} else if state.Status == interfaces.ProbeHealthy {
			// Failing but not past the threshold yet.
			state.Status = interfaces.ProbeDegraded
		}
	}

	changed := state.Status != previous
	snapshot := *state
	observers := make([]interfaces.ProbeObserver, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	if !changed {
		return
	}

	m.logger.Info("Probe target %s transitioned %s -> %s", targetID, previous, snapshot.Status)
	for _, observer := range observers {
		observer(snapshot, previous)
	}
}

// State returns the current state of one target
func (m *Monitor) State(targetID string) (interfaces.ProbeState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[targetID]
	if !ok {
		return interfaces.ProbeState{}, false
	}
	return *state, true
}

// DeploymentHealth aggregates all targets of one deployment. All
// targets healthy yields HEALTHY, any unhealthy yields UNHEALTHY,
// anything else yields DEGRADED. A deployment with no targets is
// UNKNOWN.
func (m *Monitor) DeploymentHealth(deploymentID string) interfaces.DeploymentHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	health := interfaces.DeploymentHealth{
		DeploymentID: deploymentID,
		Status:       interfaces.ProbeUnknown,
	}

	healthy := 0
	unhealthy := 0
	for id, target := range m.targets {
		if target.DeploymentID != deploymentID {
			continue
		}
		state := m.states[id]
		health.Targets = append(health.Targets, *state)
		switch state.Status {
		case interfaces.ProbeHealthy:
			healthy++
		case interfaces.ProbeUnhealthy:
			unhealthy++
		}
	}

	total := len(health.Targets)
	if total == 0 {
		return health
	}

	health.Score = float64(healthy) / float64(total)
	switch {
	case healthy == total:
		health.Status = interfaces.ProbeHealthy
	case unhealthy > 0:
		health.Status = interfaces.ProbeUnhealthy
	default:
		health.Status = interfaces.ProbeDegraded
	}
	return health
}

// RemoveTarget stops a target's probe loop and deletes its state. The
// wait for loop shutdown is bounded; bookkeeping is removed either way.
func (m *Monitor) RemoveTarget(targetID string) error {
	m.mu.Lock()
	w, ok := m.workers[targetID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("probe target %s not registered", targetID)
	}
	delete(m.workers, targetID)
	m.mu.Unlock()

	w.cancel()
	select {
	case <-w.done:
	case <-time.After(stopTimeout):
		m.logger.Warn("Probe loop for target %s did not stop within %s", targetID, stopTimeout)
	}

	m.mu.Lock()
	delete(m.targets, targetID)
	delete(m.states, targetID)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Delete(targetID); err != nil {
			m.logger.Warn("Failed to remove persisted probe target %s: %v", targetID, err)
		}
	}
	return nil
}

// StopDeployment removes every target belonging to a deployment
func (m *Monitor) StopDeployment(deploymentID string) {
	m.mu.RLock()
	var ids []string
	for id, target := range m.targets {
		if target.DeploymentID == deploymentID {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.RemoveTarget(id); err != nil {
			m.logger.Warn("Failed to remove probe target %s: %v", id, err)
		}
	}
}

// Stop cancels every probe loop and waits for shutdown, bounded by the
// given context
func (m *Monitor) Stop(ctx context.Context) error {
	m.baseStop()

	m.mu.Lock()
	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*worker)
	m.mu.Unlock()

	for _, w := range workers {
		select {
		case <-w.done:
		case <-ctx.Done():
			return fmt.Errorf("probe monitor shutdown interrupted: %w", ctx.Err())
		}
	}
	return nil
}
