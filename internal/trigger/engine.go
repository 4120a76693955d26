// Package trigger implements automatic rollback triggers. Each trigger
// watches one metric for a deployment and fires at most once; firing
// runs the deployment abort path.
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"

	"github.com/rollguard/rollguard/internal/interfaces"
	"github.com/rollguard/rollguard/pkg/logging"
)

// ThresholdConfig declares the rollback thresholds for one deployment
type ThresholdConfig struct {
	MinHealthScore  float64 `json:"min_health_score"`
	MaxErrorRate    float64 `json:"max_error_rate"`
	MaxResponseTime float64 `json:"max_response_time"`
}

// Engine evaluates rollback triggers. The fired flag on each trigger is
// checked and set under the engine lock, so concurrent breaching
// updates produce exactly one abort.
type Engine struct {
	mu        sync.Mutex
	triggers  map[string]*interfaces.Trigger
	byDep     map[string][]string // deployment ID -> trigger IDs
	observers []interfaces.TriggerObserver
	aborter   interfaces.Aborter
	store     interfaces.RecordStore[interfaces.Trigger]
	audit     interfaces.AuditSink
	logger    *logging.Logger
}

// NewEngine creates a trigger engine. The store may be nil for
// in-memory operation.
func NewEngine(store interfaces.RecordStore[interfaces.Trigger], audit interfaces.AuditSink) *Engine {
	return &Engine{
		triggers: make(map[string]*interfaces.Trigger),
		byDep:    make(map[string][]string),
		store:    store,
		audit:    audit,
		logger:   logging.NewLogger("trigger-engine"),
	}
}

// SetAborter injects the abort path. Called once during wiring.
func (e *Engine) SetAborter(aborter interfaces.Aborter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aborter = aborter
}

// Observe registers an observer called exactly once per trigger fire
func (e *Engine) Observe(observer interfaces.TriggerObserver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, observer)
}

// Setup creates the standard trigger set for a deployment: health,
// error-rate, and response-time watchers with the given thresholds.
// A zero threshold disables that trigger kind.
func (e *Engine) Setup(deploymentID string, cfg ThresholdConfig) ([]interfaces.Trigger, error) {
	if deploymentID == "" {
		return nil, fmt.Errorf("deployment ID cannot be empty")
	}

	specs := []struct {
		kind      interfaces.TriggerKind
		threshold float64
	}{
		{interfaces.TriggerHealth, cfg.MinHealthScore},
		{interfaces.TriggerErrorRate, cfg.MaxErrorRate},
		{interfaces.TriggerResponseTime, cfg.MaxResponseTime},
	}

	var created []interfaces.Trigger
	for _, spec := range specs {
		if spec.threshold <= 0 {
			continue
		}
		t, err := e.add(deploymentID, spec.kind, spec.threshold, false, "")
		if err != nil {
			return nil, err
		}
		created = append(created, *t)
	}
	return created, nil
}

// add creates and registers one trigger
func (e *Engine) add(deploymentID string, kind interfaces.TriggerKind, threshold float64, fired bool, reason string) (*interfaces.Trigger, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate trigger ID: %w", err)
	}

	t := &interfaces.Trigger{
		ID:           id,
		DeploymentID: deploymentID,
		Kind:         kind,
		Threshold:    threshold,
		Fired:        fired,
		Reason:       reason,
		CreatedAt:    time.Now().UTC(),
	}
	if fired {
		t.FiredAt = t.CreatedAt
	}

	e.mu.Lock()
	e.triggers[id] = t
	e.byDep[deploymentID] = append(e.byDep[deploymentID], id)
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.Put(id, *t); err != nil {
			return nil, fmt.Errorf("failed to persist trigger %s: %w", id, err)
		}
	}
	return t, nil
}

// breached reports whether a value violates a trigger's threshold.
// Health fires below the threshold; error rate and response time fire
// above it.
func breached(kind interfaces.TriggerKind, value, threshold float64) bool {
	switch kind {
	case interfaces.TriggerHealth:
		return value < threshold
	case interfaces.TriggerErrorRate, interfaces.TriggerResponseTime:
		return value > threshold
	default:
		return false
	}
}

// kindForMetric maps an ingested metric kind to the trigger kind that
// watches it
func kindForMetric(kind interfaces.MetricKind) (interfaces.TriggerKind, bool) {
	switch kind {
	case interfaces.MetricHealthScore:
		return interfaces.TriggerHealth, true
	case interfaces.MetricErrorRate:
		return interfaces.TriggerErrorRate, true
	case interfaces.MetricResponseTime:
		return interfaces.TriggerResponseTime, true
	default:
		return "", false
	}
}

// UpdateMetric records a metric observation against the deployment's
// triggers and fires any whose threshold is breached. A trigger that
// has already fired treats further breaches as suppressed no-ops.
func (e *Engine) UpdateMetric(ctx context.Context, deploymentID string, metricKind interfaces.MetricKind, value float64) error {
	triggerKind, ok := kindForMetric(metricKind)
	if !ok {
		return nil // counters and other kinds have no trigger
	}

	e.mu.Lock()
	var toFire *interfaces.Trigger
	for _, id := range e.byDep[deploymentID] {
		t := e.triggers[id]
		if t.Kind != triggerKind {
			continue
		}
		t.LastValue = value
		if t.Fired {
			continue // already fired, suppress
		}
		if breached(t.Kind, value, t.Threshold) {
			// Check-and-set under the engine lock: only one updater
			// can observe Fired == false for this breach.
			t.Fired = true
			t.FiredAt = time.Now().UTC()
			t.Reason = fmt.Sprintf("%s %.4f breached threshold %.4f", t.Kind, value, t.Threshold)
			toFire = t
		}
	}

	var snapshot interfaces.Trigger
	var observers []interfaces.TriggerObserver
	if toFire != nil {
		snapshot = *toFire
		observers = make([]interfaces.TriggerObserver, len(e.observers))
		copy(observers, e.observers)
	}
	aborter := e.aborter
	e.mu.Unlock()

	if toFire == nil {
		return nil
	}

	return e.fire(ctx, snapshot, observers, aborter)
}

// ManualAbort records an already-fired manual trigger and runs the
// abort path
func (e *Engine) ManualAbort(ctx context.Context, deploymentID string, reason string) error {
	if reason == "" {
		reason = "manual rollback requested"
	}
	t, err := e.add(deploymentID, interfaces.TriggerManual, 0, true, reason)
	if err != nil {
		return err
	}

	e.mu.Lock()
	snapshot := *t
	observers := make([]interfaces.TriggerObserver, len(e.observers))
	copy(observers, e.observers)
	aborter := e.aborter
	e.mu.Unlock()

	return e.fire(ctx, snapshot, observers, aborter)
}

// fire persists the fired trigger, notifies observers, and runs the
// abort
func (e *Engine) fire(ctx context.Context, t interfaces.Trigger, observers []interfaces.TriggerObserver, aborter interfaces.Aborter) error {
	e.logger.Warn("Trigger %s fired for deployment %s: %s", t.ID, t.DeploymentID, t.Reason)

	if e.store != nil {
		if err := e.store.Put(t.ID, t); err != nil {
			e.logger.Warn("Failed to persist fired trigger %s: %v", t.ID, err)
		}
	}
	if e.audit != nil {
		e.audit.Emit(interfaces.AuditEvent{
			Kind:      interfaces.AuditTriggerFired,
			Actor:     "trigger-engine",
			Resource:  t.DeploymentID,
			Result:    interfaces.AuditResultSuccess,
			Timestamp: time.Now().UTC(),
			Details: map[string]interface{}{
				"trigger_id": t.ID,
				"kind":       string(t.Kind),
				"reason":     t.Reason,
			},
		})
	}

	for _, observer := range observers {
		observer(t)
	}

	if aborter == nil {
		return fmt.Errorf("trigger %s fired but no aborter configured", t.ID)
	}
	if err := aborter.Abort(ctx, t.DeploymentID, t.Reason); err != nil {
		return fmt.Errorf("abort for deployment %s failed: %w", t.DeploymentID, err)
	}
	return nil
}

// Status returns all triggers for a deployment with their thresholds,
// last observed values, and fired state
func (e *Engine) Status(deploymentID string) []interfaces.Trigger {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := e.byDep[deploymentID]
	out := make([]interfaces.Trigger, 0, len(ids))
	for _, id := range ids {
		out = append(out, *e.triggers[id])
	}
	return out
}

// Remove deletes all triggers for a deployment
func (e *Engine) Remove(deploymentID string) {
	e.mu.Lock()
	ids := e.byDep[deploymentID]
	delete(e.byDep, deploymentID)
	for _, id := range ids {
		delete(e.triggers, id)
	}
	e.mu.Unlock()

	if e.store != nil {
		for _, id := range ids {
			if err := e.store.Delete(id); err != nil {
				e.logger.Warn("Failed to remove persisted trigger %s: %v", id, err)
			}
		}
	}
}
