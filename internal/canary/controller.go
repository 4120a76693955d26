// Package canary implements staged traffic shifting for rollouts.
// Traffic moves through a fixed ladder of percentages; advancement is
// strictly monotonic and gated on observed health and error rate.
package canary

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"

	"github.com/rollguard/rollguard/internal/interfaces"
	"github.com/rollguard/rollguard/pkg/logging"
)

// Default advancement thresholds, used when a rollout supplies none
const (
	DefaultMinHealthScore = 0.95
	DefaultMaxErrorRate   = 0.05
)

// Controller manages canary rollouts. A TrafficRouter must be injected;
// the controller never assumes a routing backend. Rollback delegates to
// the Aborter so all abort paths converge on a single in-flight abort
// per deployment.
type Controller struct {
	mu       sync.RWMutex
	canaries map[string]*interfaces.Canary
	byDep    map[string]string // deployment ID -> canary ID
	router   interfaces.TrafficRouter
	aborter  interfaces.Aborter
	store    interfaces.RecordStore[interfaces.Canary]
	audit    interfaces.AuditSink
	logger   *logging.Logger
}

// NewController creates a canary controller. The store may be nil for
// in-memory operation; router must not be nil.
func NewController(router interfaces.TrafficRouter, store interfaces.RecordStore[interfaces.Canary], audit interfaces.AuditSink) (*Controller, error) {
	if router == nil {
		return nil, fmt.Errorf("traffic router is required")
	}
	return &Controller{
		canaries: make(map[string]*interfaces.Canary),
		byDep:    make(map[string]string),
		router:   router,
		store:    store,
		audit:    audit,
		logger:   logging.NewLogger("canary-controller"),
	}, nil
}

// SetAborter injects the abort path. Called once during wiring; the
// orchestrator implements Aborter but is constructed after the
// controller.
func (c *Controller) SetAborter(aborter interfaces.Aborter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborter = aborter
}

// Start begins a canary rollout. initialPercent is snapped down to the
// nearest ladder step; zero or below starts at the first step.
func (c *Controller) Start(ctx context.Context, deploymentID string, initialPercent int, thresholds interfaces.CanaryThresholds) (*interfaces.Canary, error) {
	if deploymentID == "" {
		return nil, fmt.Errorf("deployment ID cannot be empty")
	}
	if initialPercent > 100 {
		return nil, fmt.Errorf("initial percent %d out of range", initialPercent)
	}
	if thresholds.MinHealthScore <= 0 {
		thresholds.MinHealthScore = DefaultMinHealthScore
	}
	if thresholds.MaxErrorRate <= 0 {
		thresholds.MaxErrorRate = DefaultMaxErrorRate
	}

	stepIndex := 0
	for i, step := range interfaces.CanarySteps {
		if step <= initialPercent {
			stepIndex = i
		}
	}

	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate canary ID: %w", err)
	}

	c.mu.Lock()
	if existing, ok := c.byDep[deploymentID]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("deployment %s already has canary %s", deploymentID, existing)
	}

	now := time.Now().UTC()
	cn := &interfaces.Canary{
		ID:             id,
		DeploymentID:   deploymentID,
		Status:         interfaces.CanaryRunning,
		CurrentPercent: interfaces.CanarySteps[stepIndex],
		StepIndex:      stepIndex,
		Thresholds:     thresholds,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	c.canaries[id] = cn
	c.byDep[deploymentID] = id
	c.mu.Unlock()

	if err := c.router.SetTrafficSplit(ctx, deploymentID, cn.CurrentPercent); err != nil {
		c.mu.Lock()
		delete(c.canaries, id)
		delete(c.byDep, deploymentID)
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to apply initial traffic split: %w", err)
	}

	if err := c.persist(cn); err != nil {
		return nil, err
	}

	c.logger.Info("Started canary %s for deployment %s at %d%%", id, deploymentID, cn.CurrentPercent)
	snapshot := *cn
	return &snapshot, nil
}

// RecordMetric folds one observation into the canary's current-step
// metrics. Requests and errors accumulate; gauges keep the latest
// sample.
func (c *Controller) RecordMetric(deploymentID string, kind interfaces.MetricKind, value float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cn, err := c.byDeploymentLocked(deploymentID)
	if err != nil {
		return err
	}

	switch kind {
	case interfaces.MetricRequest:
		cn.Metrics.Requests += int64(value)
	case interfaces.MetricError:
		cn.Metrics.Errors += int64(value)
	case interfaces.MetricHealthScore:
		cn.Metrics.HealthScore = value
	case interfaces.MetricResponseTime:
		cn.Metrics.AvgResponseTime = value
	case interfaces.MetricErrorRate:
		// Derived from request and error counters; ignore direct sets.
	default:
		return fmt.Errorf("unknown metric kind %q", kind)
	}
	cn.UpdatedAt = time.Now().UTC()
	return nil
}

// ShouldAdvance reports whether the canary's current-step metrics meet
// both advancement gates: health at or above the minimum and error
// rate at or below the maximum.
func (c *Controller) ShouldAdvance(canaryID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cn, ok := c.canaries[canaryID]
	if !ok {
		return false, fmt.Errorf("canary %s not found", canaryID)
	}
	if cn.Status != interfaces.CanaryRunning {
		return false, nil
	}
	return cn.Metrics.HealthScore >= cn.Thresholds.MinHealthScore &&
		cn.Metrics.ErrorRate() <= cn.Thresholds.MaxErrorRate, nil
}

// ShouldRollback reports whether either advancement gate is violated
func (c *Controller) ShouldRollback(canaryID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cn, ok := c.canaries[canaryID]
	if !ok {
		return false, fmt.Errorf("canary %s not found", canaryID)
	}
	if cn.Status != interfaces.CanaryRunning {
		return false, nil
	}
	return cn.Metrics.HealthScore < cn.Thresholds.MinHealthScore ||
		cn.Metrics.ErrorRate() > cn.Thresholds.MaxErrorRate, nil
}

// Advance moves the canary to the next traffic step strictly greater
// than its current percentage. Steps only ever increase; reaching 100%
// completes the canary. Step counters reset so each step is judged on
// its own traffic. Only one of several concurrent Advance calls for
// the same step commits; the rest fail without moving the ladder.
func (c *Controller) Advance(ctx context.Context, canaryID string) (*interfaces.Canary, error) {
	c.mu.Lock()
	cn, ok := c.canaries[canaryID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("canary %s not found", canaryID)
	}
	if cn.Status != interfaces.CanaryRunning {
		c.mu.Unlock()
		return nil, fmt.Errorf("canary %s is %s, cannot advance", canaryID, cn.Status)
	}

	prev := cn.CurrentPercent
	next, nextIndex := 0, -1
	for i, step := range interfaces.CanarySteps {
		if step > prev {
			next, nextIndex = step, i
			break
		}
	}
	if nextIndex < 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("canary %s is already at the final step", canaryID)
	}
	deploymentID := cn.DeploymentID
	c.mu.Unlock()

	if err := c.router.SetTrafficSplit(ctx, deploymentID, next); err != nil {
		return nil, fmt.Errorf("failed to shift traffic to %d%%: %w", next, err)
	}

	c.mu.Lock()
	// The canary may have moved while the router call ran. Commit only
	// if the step we planned from is still current.
	if cn.Status != interfaces.CanaryRunning || cn.CurrentPercent != prev {
		c.mu.Unlock()
		return nil, fmt.Errorf("canary %s changed during advance, step %d%% not committed", canaryID, next)
	}
	cn.StepIndex = nextIndex
	cn.CurrentPercent = next
	cn.Metrics.Requests = 0
	cn.Metrics.Errors = 0
	if next == 100 {
		cn.Status = interfaces.CanaryCompleted
	}
	cn.UpdatedAt = time.Now().UTC()
	snapshot := *cn
	c.mu.Unlock()

	if err := c.persist(&snapshot); err != nil {
		return nil, err
	}

	c.logger.Info("Canary %s advanced to %d%%", canaryID, next)
	c.emitAudit(interfaces.AuditCanaryAdvanced, canaryID, map[string]interface{}{
		"percent": next,
	})
	return &snapshot, nil
}

// Rollback drops canary traffic to zero and delegates the deployment
// abort to the injected Aborter
func (c *Controller) Rollback(ctx context.Context, canaryID string, reason string) error {
	c.mu.Lock()
	cn, ok := c.canaries[canaryID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("canary %s not found", canaryID)
	}
	if cn.Status == interfaces.CanaryRolledBack {
		c.mu.Unlock()
		return nil
	}
	deploymentID := cn.DeploymentID
	aborter := c.aborter
	c.mu.Unlock()

	if aborter == nil {
		return fmt.Errorf("no aborter configured for canary rollback")
	}
	return aborter.Abort(ctx, deploymentID, reason)
}

// MarkRolledBack records the canary as rolled back with traffic at
// zero. Called by the abort path after the router has been reset; it
// must not re-enter Abort.
func (c *Controller) MarkRolledBack(deploymentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cn, err := c.byDeploymentLocked(deploymentID)
	if err != nil {
		return
	}
	cn.Status = interfaces.CanaryRolledBack
	cn.CurrentPercent = 0
	cn.UpdatedAt = time.Now().UTC()
	snapshot := *cn
	go func() {
		if err := c.persist(&snapshot); err != nil {
			c.logger.Warn("Failed to persist rolled-back canary %s: %v", snapshot.ID, err)
		}
	}()
}

// Get returns a snapshot of one canary
func (c *Controller) Get(canaryID string) (*interfaces.Canary, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cn, ok := c.canaries[canaryID]
	if !ok {
		return nil, fmt.Errorf("canary %s not found", canaryID)
	}
	snapshot := *cn
	return &snapshot, nil
}

// GetByDeployment returns the canary for a deployment, if any
func (c *Controller) GetByDeployment(deploymentID string) (*interfaces.Canary, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cn, err := c.byDeploymentLocked(deploymentID)
	if err != nil {
		return nil, err
	}
	snapshot := *cn
	return &snapshot, nil
}

// byDeploymentLocked resolves a deployment's canary. Callers hold mu.
func (c *Controller) byDeploymentLocked(deploymentID string) (*interfaces.Canary, error) {
	id, ok := c.byDep[deploymentID]
	if !ok {
		return nil, fmt.Errorf("no canary for deployment %s", deploymentID)
	}
	return c.canaries[id], nil
}

// persist writes the canary record if a store is configured
func (c *Controller) persist(cn *interfaces.Canary) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.Put(cn.ID, *cn); err != nil {
		return fmt.Errorf("failed to persist canary %s: %w", cn.ID, err)
	}
	return nil
}

// emitAudit sends a canary lifecycle event if a sink is configured
func (c *Controller) emitAudit(kind, canaryID string, details map[string]interface{}) {
	if c.audit == nil {
		return
	}
	c.audit.Emit(interfaces.AuditEvent{
		Kind:      kind,
		Actor:     "canary-controller",
		Resource:  canaryID,
		Result:    interfaces.AuditResultSuccess,
		Timestamp: time.Now().UTC(),
		Details:   details,
	})
}
