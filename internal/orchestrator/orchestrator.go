package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"

	"github.com/rollguard/rollguard/internal/canary"
	"github.com/rollguard/rollguard/internal/checkpoint"
	"github.com/rollguard/rollguard/internal/interfaces"
	"github.com/rollguard/rollguard/internal/metrics"
	"github.com/rollguard/rollguard/internal/probe"
	"github.com/rollguard/rollguard/internal/trigger"
	"github.com/rollguard/rollguard/pkg/logging"
)

// StartRequest describes a rollout to begin. InitialPercent selects
// the canary's starting traffic step; zero means the first step.
type StartRequest struct {
	MigrationKind     interfaces.MigrationKind    `json:"migration_kind"`
	SourceVersion     string                      `json:"source_version"`
	TargetVersion     string                      `json:"target_version"`
	InitialPercent    int                         `json:"initial_percent,omitempty"`
	CanaryThresholds  interfaces.CanaryThresholds `json:"canary_thresholds"`
	TriggerThresholds trigger.ThresholdConfig     `json:"trigger_thresholds"`
	ProbeTargets      []interfaces.ProbeTarget    `json:"probe_targets,omitempty"`
}

// abortState tracks the single in-flight abort for a deployment.
// Every caller of Abort for the same deployment shares one outcome.
type abortState struct {
	once sync.Once
	done chan struct{}
	err  error
}

// Orchestrator drives rollout lifecycles. It implements
// interfaces.Aborter so the canary controller and trigger engine can
// delegate rollback without importing this package's concrete type.
type Orchestrator struct {
	mu          sync.RWMutex
	deployments map[string]*interfaces.Deployment
	aborts      map[string]*abortState

	router      interfaces.TrafficRouter
	checkpoints *checkpoint.Store
	canaries    *canary.Controller
	triggers    *trigger.Engine
	probes      *probe.Monitor
	sink        *metrics.Sink
	store       interfaces.RecordStore[interfaces.Deployment]
	audit       interfaces.AuditSink
	logger      *logging.Logger
}

// Config wires the orchestrator's collaborators
type Config struct {
	Router      interfaces.TrafficRouter
	Checkpoints *checkpoint.Store
	Canaries    *canary.Controller
	Triggers    *trigger.Engine
	Probes      *probe.Monitor
	Sink        *metrics.Sink
	Store       interfaces.RecordStore[interfaces.Deployment]
	Audit       interfaces.AuditSink
}

// New creates an orchestrator and registers itself as the abort path
// on the canary controller and trigger engine
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Router == nil {
		return nil, fmt.Errorf("traffic router is required")
	}
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if cfg.Canaries == nil || cfg.Triggers == nil || cfg.Probes == nil {
		return nil, fmt.Errorf("canary controller, trigger engine, and probe monitor are required")
	}

	o := &Orchestrator{
		deployments: make(map[string]*interfaces.Deployment),
		aborts:      make(map[string]*abortState),
		router:      cfg.Router,
		checkpoints: cfg.Checkpoints,
		canaries:    cfg.Canaries,
		triggers:    cfg.Triggers,
		probes:      cfg.Probes,
		sink:        cfg.Sink,
		store:       cfg.Store,
		audit:       cfg.Audit,
		logger:      logging.NewLogger("orchestrator"),
	}

	cfg.Canaries.SetAborter(o)
	cfg.Triggers.SetAborter(o)

	o.loadPersisted()
	return o, nil
}

// loadPersisted restores deployment records from the store on startup
func (o *Orchestrator) loadPersisted() {
	if o.store == nil {
		return
	}
	records, err := o.store.List()
	if err != nil {
		o.logger.Warn("Failed to load persisted deployments: %v", err)
		return
	}
	for id, d := range records {
		d := d
		o.deployments[id] = &d
	}
	if len(records) > 0 {
		o.logger.Info("Loaded %d persisted deployment(s)", len(records))
	}
}

// StartRollout validates the request, captures a pre-rollout
// checkpoint, then starts the canary, triggers, and probes
func (o *Orchestrator) StartRollout(ctx context.Context, req StartRequest) (*interfaces.Deployment, error) {
	if req.TargetVersion == "" {
		return nil, fmt.Errorf("%w: target version is required", ErrInvalidRequest)
	}
	switch req.MigrationKind {
	case interfaces.MigrationCodeVersion, interfaces.MigrationConfig, interfaces.MigrationSchema:
	case "":
		req.MigrationKind = interfaces.MigrationCodeVersion
	default:
		return nil, fmt.Errorf("%w: unknown migration kind %q", ErrInvalidRequest, req.MigrationKind)
	}

	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate deployment ID: %w", err)
	}

	now := time.Now().UTC()
	d := &interfaces.Deployment{
		ID:            id,
		MigrationKind: req.MigrationKind,
		SourceVersion: req.SourceVersion,
		TargetVersion: req.TargetVersion,
		Status:        interfaces.StatusStarting,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	o.mu.Lock()
	o.deployments[id] = d
	o.mu.Unlock()
	if err := o.persist(d); err != nil {
		return nil, err
	}

	// Pre-rollout checkpoint. A rollout without a verified restore
	// point never proceeds.
	cp, err := o.checkpoints.Create(ctx,
		fmt.Sprintf("pre-rollout for deployment %s (%s -> %s)", id, req.SourceVersion, req.TargetVersion),
		map[string]string{"deployment_id": id})
	if err != nil {
		o.setStatus(d, interfaces.StatusFailed)
		return nil, fmt.Errorf("failed to create pre-rollout checkpoint: %w", err)
	}

	o.mu.Lock()
	d.CheckpointID = cp.ID
	d.Status = interfaces.StatusDeploying
	d.UpdatedAt = time.Now().UTC()
	o.mu.Unlock()
	if err := o.persist(d); err != nil {
		return nil, err
	}

	cn, err := o.canaries.Start(ctx, id, req.InitialPercent, req.CanaryThresholds)
	if err != nil {
		o.setStatus(d, interfaces.StatusFailed)
		return nil, fmt.Errorf("failed to start canary: %w", err)
	}

	if _, err := o.triggers.Setup(id, req.TriggerThresholds); err != nil {
		o.setStatus(d, interfaces.StatusFailed)
		return nil, fmt.Errorf("failed to set up rollback triggers: %w", err)
	}

	for _, target := range req.ProbeTargets {
		target.DeploymentID = id
		if err := o.probes.AddTarget(target); err != nil {
			o.logger.Warn("Failed to add probe target %s: %v", target.ID, err)
		}
	}

	o.mu.Lock()
	d.Traffic = interfaces.TrafficSplit{TargetPercent: cn.CurrentPercent, CurrentPercent: cn.CurrentPercent}
	d.UpdatedAt = time.Now().UTC()
	snapshot := *d
	o.mu.Unlock()
	if err := o.persist(d); err != nil {
		return nil, err
	}

	o.emitAudit(interfaces.AuditRolloutStarted, id, interfaces.AuditResultSuccess, map[string]interface{}{
		"checkpoint_id":  cp.ID,
		"target_version": req.TargetVersion,
	})
	o.logger.Info("Started rollout %s (%s -> %s) with checkpoint %s",
		id, req.SourceVersion, req.TargetVersion, cp.ID)
	return &snapshot, nil
}

// Promote shifts the deployment to 100% traffic and marks it
// production. Promoting a deployment already in production is a no-op.
func (o *Orchestrator) Promote(ctx context.Context, deploymentID string) (*interfaces.Deployment, error) {
	o.mu.Lock()
	d, ok := o.deployments[deploymentID]
	if !ok {
		o.mu.Unlock()
		return nil, ErrDeploymentNotFound
	}
	switch d.Status {
	case interfaces.StatusProduction:
		snapshot := *d
		o.mu.Unlock()
		return &snapshot, nil
	case interfaces.StatusRolledBack:
		o.mu.Unlock()
		return nil, ErrAlreadyRolledBack
	case interfaces.StatusDeploying, interfaces.StatusLive:
	default:
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: status is %s", ErrNotDeploying, d.Status)
	}
	o.mu.Unlock()

	if err := o.router.SetTrafficSplit(ctx, deploymentID, 100); err != nil {
		return nil, fmt.Errorf("failed to shift traffic for promotion: %w", err)
	}

	o.mu.Lock()
	d.Status = interfaces.StatusProduction
	d.Traffic = interfaces.TrafficSplit{TargetPercent: 100, CurrentPercent: 100}
	d.UpdatedAt = time.Now().UTC()
	snapshot := *d
	o.mu.Unlock()
	if err := o.persist(d); err != nil {
		return nil, err
	}

	// Production deployments no longer need canary monitoring.
	o.probes.StopDeployment(deploymentID)
	o.triggers.Remove(deploymentID)

	o.emitAudit(interfaces.AuditRolloutPromoted, deploymentID, interfaces.AuditResultSuccess, nil)
	o.logger.Info("Promoted deployment %s to production", deploymentID)
	return &snapshot, nil
}

// Abort rolls a deployment back to its pre-rollout checkpoint. Only
// one abort runs per deployment; concurrent and repeated calls share
// the first abort's outcome.
func (o *Orchestrator) Abort(ctx context.Context, deploymentID string, reason string) error {
	o.mu.Lock()
	d, ok := o.deployments[deploymentID]
	if !ok {
		o.mu.Unlock()
		return ErrDeploymentNotFound
	}
	if d.Status == interfaces.StatusRolledBack {
		o.mu.Unlock()
		return nil // already rolled back, idempotent
	}
	st, ok := o.aborts[deploymentID]
	if !ok {
		st = &abortState{done: make(chan struct{})}
		o.aborts[deploymentID] = st
	}
	o.mu.Unlock()

	st.once.Do(func() {
		defer close(st.done)
		st.err = o.doAbort(ctx, d, reason)
		if st.err != nil {
			// A failed abort must not be cached forever; clearing the
			// state lets a later call retry once the cause is repaired.
			o.mu.Lock()
			delete(o.aborts, d.ID)
			o.mu.Unlock()
		}
	})

	select {
	case <-st.done:
		return st.err
	case <-ctx.Done():
		return fmt.Errorf("abort wait interrupted: %w", ctx.Err())
	}
}

// doAbort performs the actual rollback: traffic to zero, checkpoint
// restore, then monitor teardown. Restore failure leaves the
// deployment status unchanged and surfaces the error; the workspace
// must not be reported rolled back when it is not.
func (o *Orchestrator) doAbort(ctx context.Context, d *interfaces.Deployment, reason string) error {
	o.logger.Warn("Aborting deployment %s: %s", d.ID, reason)

	if err := o.router.SetTrafficSplit(ctx, d.ID, 0); err != nil {
		o.logger.Warn("Failed to zero traffic for %s during abort: %v", d.ID, err)
	}

	o.mu.RLock()
	checkpointID := d.CheckpointID
	o.mu.RUnlock()

	if checkpointID != "" {
		result, err := o.checkpoints.Restore(ctx, checkpointID, interfaces.RestoreOptions{})
		if err != nil {
			o.emitAudit(interfaces.AuditRolloutAborted, d.ID, interfaces.AuditResultFailure, map[string]interface{}{
				"reason": reason,
				"error":  err.Error(),
			})
			return fmt.Errorf("rollback restore of checkpoint %s failed: %w", checkpointID, err)
		}
		if !result.Success {
			o.emitAudit(interfaces.AuditRolloutAborted, d.ID, interfaces.AuditResultFailure, map[string]interface{}{
				"reason":       reason,
				"failed_files": len(result.Failed),
			})
			return fmt.Errorf("rollback restore of checkpoint %s reported %d failed file(s)", checkpointID, len(result.Failed))
		}
	}

	o.mu.Lock()
	d.Status = interfaces.StatusRolledBack
	d.Reason = reason
	d.Traffic = interfaces.TrafficSplit{TargetPercent: 0, CurrentPercent: 0}
	d.UpdatedAt = time.Now().UTC()
	o.mu.Unlock()
	if err := o.persist(d); err != nil {
		return err
	}

	o.canaries.MarkRolledBack(d.ID)
	o.probes.StopDeployment(d.ID)
	o.triggers.Remove(d.ID)

	o.emitAudit(interfaces.AuditRolloutAborted, d.ID, interfaces.AuditResultSuccess, map[string]interface{}{
		"reason": reason,
	})
	o.logger.Info("Deployment %s rolled back", d.ID)
	return nil
}

// RecordMetric is the single telemetry ingestion path. Observations
// fan out to the metrics sink, the canary counters, and the trigger
// engine; a breached trigger aborts the deployment before this call
// returns.
func (o *Orchestrator) RecordMetric(ctx context.Context, deploymentID string, kind interfaces.MetricKind, value float64) error {
	o.mu.RLock()
	_, ok := o.deployments[deploymentID]
	o.mu.RUnlock()
	if !ok {
		return ErrDeploymentNotFound
	}

	if o.sink != nil {
		o.sink.Record(deploymentID, kind, value)
	}

	if err := o.canaries.RecordMetric(deploymentID, kind, value); err != nil {
		o.logger.Debug("Canary metric record for %s skipped: %v", deploymentID, err)
	}

	if err := o.triggers.UpdateMetric(ctx, deploymentID, kind, value); err != nil {
		return err
	}

	// Request and error counters imply an error rate; feed the derived
	// value through the error-rate trigger.
	if kind == interfaces.MetricRequest || kind == interfaces.MetricError {
		if cn, err := o.canaries.GetByDeployment(deploymentID); err == nil {
			if err := o.triggers.UpdateMetric(ctx, deploymentID, interfaces.MetricErrorRate, cn.Metrics.ErrorRate()); err != nil {
				return err
			}
		}
	}
	return nil
}

// EvaluateCanary checks the advancement gates and either advances the
// canary one step or rolls the deployment back
func (o *Orchestrator) EvaluateCanary(ctx context.Context, deploymentID string) (*interfaces.Canary, error) {
	cn, err := o.canaries.GetByDeployment(deploymentID)
	if err != nil {
		return nil, err
	}

	rollback, err := o.canaries.ShouldRollback(cn.ID)
	if err != nil {
		return nil, err
	}
	if rollback {
		if err := o.Abort(ctx, deploymentID, "canary gates violated"); err != nil {
			return nil, err
		}
		return o.canaries.Get(cn.ID)
	}

	advance, err := o.canaries.ShouldAdvance(cn.ID)
	if err != nil {
		return nil, err
	}
	if advance && cn.Status == interfaces.CanaryRunning {
		return o.canaries.Advance(ctx, cn.ID)
	}
	return cn, nil
}

// GetCanary returns the canary state for a deployment without
// evaluating the gates
func (o *Orchestrator) GetCanary(deploymentID string) (*interfaces.Canary, error) {
	return o.canaries.GetByDeployment(deploymentID)
}

// Get returns a snapshot of one deployment
func (o *Orchestrator) Get(deploymentID string) (*interfaces.Deployment, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	d, ok := o.deployments[deploymentID]
	if !ok {
		return nil, ErrDeploymentNotFound
	}
	snapshot := *d
	return &snapshot, nil
}

// List returns up to limit deployments, newest first. limit <= 0
// returns all of them.
func (o *Orchestrator) List(limit int) []interfaces.Deployment {
	o.mu.RLock()
	out := make([]interfaces.Deployment, 0, len(o.deployments))
	for _, d := range o.deployments {
		out = append(out, *d)
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// setStatus updates a deployment's status and persists it
func (o *Orchestrator) setStatus(d *interfaces.Deployment, status interfaces.DeploymentStatus) {
	o.mu.Lock()
	d.Status = status
	d.UpdatedAt = time.Now().UTC()
	o.mu.Unlock()
	if err := o.persist(d); err != nil {
		o.logger.Warn("Failed to persist deployment %s: %v", d.ID, err)
	}
}

// persist writes the deployment record if a store is configured
func (o *Orchestrator) persist(d *interfaces.Deployment) error {
	if o.store == nil {
		return nil
	}
	o.mu.RLock()
	snapshot := *d
	o.mu.RUnlock()
	if err := o.store.Put(snapshot.ID, snapshot); err != nil {
		return fmt.Errorf("failed to persist deployment %s: %w", snapshot.ID, err)
	}
	return nil
}

// emitAudit sends a rollout lifecycle event if a sink is configured
func (o *Orchestrator) emitAudit(kind, deploymentID, result string, details map[string]interface{}) {
	if o.audit == nil {
		return
	}
	o.audit.Emit(interfaces.AuditEvent{
		Kind:      kind,
		Actor:     "orchestrator",
		Resource:  deploymentID,
		Result:    result,
		Timestamp: time.Now().UTC(),
		Details:   details,
	})
}
