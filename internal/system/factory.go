// Package system wires rollguard components together from server
// configuration.
package system

import (
	"context"
	"fmt"
	"time"

	"github.com/rollguard/rollguard/internal/canary"
	"github.com/rollguard/rollguard/internal/checkpoint"
	"github.com/rollguard/rollguard/internal/config"
	"github.com/rollguard/rollguard/internal/events"
	"github.com/rollguard/rollguard/internal/interfaces"
	"github.com/rollguard/rollguard/internal/metrics"
	"github.com/rollguard/rollguard/internal/orchestrator"
	"github.com/rollguard/rollguard/internal/probe"
	"github.com/rollguard/rollguard/internal/state"
	"github.com/rollguard/rollguard/internal/trigger"
)

// Components holds the fully wired control plane
type Components struct {
	Audit        *events.AuditBus
	Sink         *metrics.Sink
	Router       interfaces.TrafficRouter
	Checkpoints  *checkpoint.Store
	Probes       *probe.Monitor
	Canaries     *canary.Controller
	Triggers     *trigger.Engine
	Orchestrator *orchestrator.Orchestrator
}

// Build constructs all components from the server configuration
func Build(cfg *config.ServerConfig) (*Components, error) {
	audit := events.NewAuditBus()
	sink := metrics.NewSink()

	var router interfaces.TrafficRouter
	if cfg.RouterEndpoint != "" {
		webhook, err := canary.NewWebhookRouter(cfg.RouterEndpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to create traffic router: %w", err)
		}
		router = webhook
	} else {
		router = canary.NewInMemoryRouter()
	}

	manifestStore, err := state.NewFileStore[interfaces.Checkpoint](cfg.StorePath("checkpoints"))
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint manifest store: %w", err)
	}
	deploymentStore, err := state.NewFileStore[interfaces.Deployment](cfg.StorePath("deployments"))
	if err != nil {
		return nil, fmt.Errorf("failed to create deployment store: %w", err)
	}
	canaryStore, err := state.NewFileStore[interfaces.Canary](cfg.StorePath("canaries"))
	if err != nil {
		return nil, fmt.Errorf("failed to create canary store: %w", err)
	}
	triggerStore, err := state.NewFileStore[interfaces.Trigger](cfg.StorePath("triggers"))
	if err != nil {
		return nil, fmt.Errorf("failed to create trigger store: %w", err)
	}
	probeStore, err := state.NewFileStore[interfaces.ProbeTarget](cfg.StorePath("probe_targets"))
	if err != nil {
		return nil, fmt.Errorf("failed to create probe target store: %w", err)
	}

	checkpointOpts := []checkpoint.Option{
		checkpoint.WithAuditSink(audit),
		checkpoint.WithPoolSize(cfg.CheckpointWorkers),
	}
	if cfg.Archive.Enabled {
		archiver, err := state.NewS3Archiver(state.S3ArchiveConfig{
			Bucket:    cfg.Archive.Bucket,
			Region:    cfg.Archive.Region,
			Prefix:    cfg.Archive.Prefix,
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create checkpoint archiver: %w", err)
		}
		checkpointOpts = append(checkpointOpts, checkpoint.WithArchiver(archiver))
	}

	checkpoints, err := checkpoint.NewStore(cfg.WorkspaceDir, manifestStore, checkpointOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	probes := probe.NewMonitor(probeStore)

	canaries, err := canary.NewController(router, canaryStore, audit)
	if err != nil {
		return nil, fmt.Errorf("failed to create canary controller: %w", err)
	}

	triggers := trigger.NewEngine(triggerStore, audit)

	orch, err := orchestrator.New(orchestrator.Config{
		Router:      router,
		Checkpoints: checkpoints,
		Canaries:    canaries,
		Triggers:    triggers,
		Probes:      probes,
		Sink:        sink,
		Store:       deploymentStore,
		Audit:       audit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	// Probe transitions feed the aggregate health score into the metric
	// ingestion path, so an unhealthy deployment can trip its health
	// trigger without an external reporter.
	probes.Observe(func(st interfaces.ProbeState, _ interfaces.ProbeStatus) {
		health := probes.DeploymentHealth(st.DeploymentID)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = orch.RecordMetric(ctx, st.DeploymentID, interfaces.MetricHealthScore, health.Score)
	})

	return &Components{
		Audit:        audit,
		Sink:         sink,
		Router:       router,
		Checkpoints:  checkpoints,
		Probes:       probes,
		Canaries:     canaries,
		Triggers:     triggers,
		Orchestrator: orch,
	}, nil
}

// Close stops background work: probe loops first, then the checkpoint
// worker pool
func (c *Components) Close(ctx context.Context) error {
	if err := c.Probes.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop probe monitor: %w", err)
	}
	c.Checkpoints.Stop()
	return nil
}
