package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollguard/rollguard/internal/canary"
	"github.com/rollguard/rollguard/internal/checkpoint"
	"github.com/rollguard/rollguard/internal/interfaces"
	"github.com/rollguard/rollguard/internal/metrics"
	"github.com/rollguard/rollguard/internal/probe"
	"github.com/rollguard/rollguard/internal/state"
	"github.com/rollguard/rollguard/internal/trigger"
)

type harness struct {
	orch      *Orchestrator
	router    *canary.InMemoryRouter
	triggers  *trigger.Engine
	canaries  *canary.Controller
	workspace string
}

func newHarness(t *testing.T, files map[string]string) *harness {
	t.Helper()

	workspace := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(workspace, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}

	manifests, err := state.NewFileStore[interfaces.Checkpoint](filepath.Join(t.TempDir(), "checkpoints.json"))
	require.NoError(t, err)
	checkpoints, err := checkpoint.NewStore(workspace, manifests)
	require.NoError(t, err)
	t.Cleanup(checkpoints.Stop)

	router := canary.NewInMemoryRouter()
	canaries, err := canary.NewController(router, nil, nil)
	require.NoError(t, err)
	triggers := trigger.NewEngine(nil, nil)
	probes := probe.NewMonitor(nil)
	t.Cleanup(func() { _ = probes.Stop(context.Background()) })

	orch, err := New(Config{
		Router:      router,
		Checkpoints: checkpoints,
		Canaries:    canaries,
		Triggers:    triggers,
		Probes:      probes,
		Sink:        metrics.NewSink(),
	})
	require.NoError(t, err)

	return &harness{
		orch:      orch,
		router:    router,
		triggers:  triggers,
		canaries:  canaries,
		workspace: workspace,
	}
}

func (h *harness) readFile(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(h.workspace, rel))
	require.NoError(t, err)
	return string(data)
}

func TestOrchestrator_StartRollout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[string]string{"app.conf": "version=1"})

	d, err := h.orch.StartRollout(context.Background(), StartRequest{
		SourceVersion: "v1",
		TargetVersion: "v2",
	})
	require.NoError(t, err)

	assert.Equal(t, interfaces.StatusDeploying, d.Status)
	assert.NotEmpty(t, d.CheckpointID)
	assert.Equal(t, 5, d.Traffic.CurrentPercent)

	split, ok := h.router.Split(d.ID)
	require.True(t, ok)
	assert.Equal(t, 5, split)

	cn, err := h.orch.GetCanary(d.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.CanaryRunning, cn.Status)
}

func TestOrchestrator_StartRolloutValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	t.Run("MissingTargetVersion", func(t *testing.T) {
		_, err := h.orch.StartRollout(context.Background(), StartRequest{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidRequest))
	})

	t.Run("UnknownMigrationKind", func(t *testing.T) {
		_, err := h.orch.StartRollout(context.Background(), StartRequest{
			TargetVersion: "v2",
			MigrationKind: "teleport",
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidRequest))
	})
}

func TestOrchestrator_TriggerFireRollsBackWorkspace(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[string]string{"app.conf": "version=1"})

	d, err := h.orch.StartRollout(context.Background(), StartRequest{
		TargetVersion:     "v2",
		TriggerThresholds: trigger.ThresholdConfig{MaxErrorRate: 0.05},
	})
	require.NoError(t, err)

	// Simulate the rollout mutating the workspace.
	require.NoError(t, os.WriteFile(filepath.Join(h.workspace, "app.conf"), []byte("version=2"), 0o600))

	// A breaching error rate fires the trigger, which aborts the
	// deployment before RecordMetric returns.
	require.NoError(t, h.orch.RecordMetric(context.Background(), d.ID, interfaces.MetricErrorRate, 0.5))

	got, err := h.orch.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusRolledBack, got.Status)
	assert.Equal(t, "version=1", h.readFile(t, "app.conf"))

	split, ok := h.router.Split(d.ID)
	require.True(t, ok)
	assert.Zero(t, split)

	cn, err := h.orch.GetCanary(d.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.CanaryRolledBack, cn.Status)
	assert.Empty(t, h.triggers.Status(d.ID), "triggers are torn down after rollback")
}

func TestOrchestrator_DerivedErrorRateFiresTrigger(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[string]string{"app.conf": "version=1"})

	d, err := h.orch.StartRollout(context.Background(), StartRequest{
		TargetVersion:     "v2",
		TriggerThresholds: trigger.ThresholdConfig{MaxErrorRate: 0.1},
	})
	require.NoError(t, err)

	require.NoError(t, h.orch.RecordMetric(context.Background(), d.ID, interfaces.MetricRequest, 100))
	require.NoError(t, h.orch.RecordMetric(context.Background(), d.ID, interfaces.MetricError, 50))

	got, err := h.orch.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusRolledBack, got.Status,
		"error counters imply an error rate that must reach the trigger")
}

func TestOrchestrator_Promote(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[string]string{"app.conf": "version=1"})

	d, err := h.orch.StartRollout(context.Background(), StartRequest{
		TargetVersion:     "v2",
		TriggerThresholds: trigger.ThresholdConfig{MaxErrorRate: 0.05},
	})
	require.NoError(t, err)

	promoted, err := h.orch.Promote(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusProduction, promoted.Status)
	assert.Equal(t, 100, promoted.Traffic.CurrentPercent)

	split, ok := h.router.Split(d.ID)
	require.True(t, ok)
	assert.Equal(t, 100, split)
	assert.Empty(t, h.triggers.Status(d.ID), "production deployments drop their triggers")

	t.Run("PromoteAgainIsNoop", func(t *testing.T) {
		again, err := h.orch.Promote(context.Background(), d.ID)
		require.NoError(t, err)
		assert.Equal(t, interfaces.StatusProduction, again.Status)
	})

	t.Run("UnknownDeployment", func(t *testing.T) {
		_, err := h.orch.Promote(context.Background(), "no-such-deployment")
		assert.True(t, errors.Is(err, ErrDeploymentNotFound))
	})
}

func TestOrchestrator_PromoteAfterRollbackRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[string]string{"app.conf": "version=1"})

	d, err := h.orch.StartRollout(context.Background(), StartRequest{TargetVersion: "v2"})
	require.NoError(t, err)
	require.NoError(t, h.orch.Abort(context.Background(), d.ID, "operator rollback"))

	_, err = h.orch.Promote(context.Background(), d.ID)
	assert.True(t, errors.Is(err, ErrAlreadyRolledBack))
}

func TestOrchestrator_ConcurrentAbortsShareOneRollback(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[string]string{"app.conf": "version=1"})

	d, err := h.orch.StartRollout(context.Background(), StartRequest{TargetVersion: "v2"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(h.workspace, "app.conf"), []byte("version=2"), 0o600))

	const callers = 16
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		i := i
		go func() {
			defer wg.Done()
			errs[i] = h.orch.Abort(context.Background(), d.ID, "concurrent abort")
		}()
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}

	got, err := h.orch.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusRolledBack, got.Status)
	assert.Equal(t, "version=1", h.readFile(t, "app.conf"))

	t.Run("AbortAfterRollbackIsNoop", func(t *testing.T) {
		require.NoError(t, h.orch.Abort(context.Background(), d.ID, "again"))
	})
}

func TestOrchestrator_FailedAbortCanBeRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[string]string{"app.conf": "version=1"})

	d, err := h.orch.StartRollout(context.Background(), StartRequest{TargetVersion: "v2"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(h.workspace, "app.conf"), []byte("version=2"), 0o600))

	// Corrupt the stored checkpoint so the restore inside the abort
	// fails verification.
	stored := filepath.Join(h.workspace, ".rollguard", "checkpoints", d.CheckpointID, "app.conf")
	require.NoError(t, os.WriteFile(stored, []byte("tampered"), 0o600))

	err = h.orch.Abort(context.Background(), d.ID, "trigger fired")
	require.Error(t, err)

	got, err := h.orch.Get(d.ID)
	require.NoError(t, err)
	assert.NotEqual(t, interfaces.StatusRolledBack, got.Status, "failed abort must not report rolled back")

	// Repair the storage; the retry must run a fresh abort instead of
	// returning the cached failure.
	require.NoError(t, os.WriteFile(stored, []byte("version=1"), 0o600))

	require.NoError(t, h.orch.Abort(context.Background(), d.ID, "retry after repair"))

	got, err = h.orch.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusRolledBack, got.Status)
	assert.Equal(t, "version=1", h.readFile(t, "app.conf"))
}

func TestOrchestrator_EvaluateCanary(t *testing.T) {
	t.Parallel()

	t.Run("AdvancesWhenGatesPass", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, map[string]string{"app.conf": "version=1"})
		d, err := h.orch.StartRollout(context.Background(), StartRequest{
			TargetVersion:    "v2",
			CanaryThresholds: interfaces.CanaryThresholds{MinHealthScore: 0.9, MaxErrorRate: 0.1},
		})
		require.NoError(t, err)

		require.NoError(t, h.orch.RecordMetric(context.Background(), d.ID, interfaces.MetricHealthScore, 0.99))
		require.NoError(t, h.orch.RecordMetric(context.Background(), d.ID, interfaces.MetricRequest, 100))

		cn, err := h.orch.EvaluateCanary(context.Background(), d.ID)
		require.NoError(t, err)
		assert.Equal(t, 10, cn.CurrentPercent)
	})

	t.Run("RollsBackWhenGatesFail", func(t *testing.T) {
		t.Parallel()

		// Trigger thresholds stay zero so the rollback comes from the
		// canary gate evaluation, not a fired trigger.
		h := newHarness(t, map[string]string{"app.conf": "version=1"})
		d, err := h.orch.StartRollout(context.Background(), StartRequest{
			TargetVersion:    "v2",
			CanaryThresholds: interfaces.CanaryThresholds{MinHealthScore: 0.9, MaxErrorRate: 0.1},
		})
		require.NoError(t, err)

		require.NoError(t, h.orch.RecordMetric(context.Background(), d.ID, interfaces.MetricHealthScore, 0.4))

		cn, err := h.orch.EvaluateCanary(context.Background(), d.ID)
		require.NoError(t, err)
		assert.Equal(t, interfaces.CanaryRolledBack, cn.Status)

		got, err := h.orch.Get(d.ID)
		require.NoError(t, err)
		assert.Equal(t, interfaces.StatusRolledBack, got.Status)
	})
}

func TestOrchestrator_RecordMetricUnknownDeployment(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	err := h.orch.RecordMetric(context.Background(), "no-such-deployment", interfaces.MetricRequest, 1)
	assert.True(t, errors.Is(err, ErrDeploymentNotFound))
}

func TestOrchestrator_List(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[string]string{"app.conf": "version=1"})

	first, err := h.orch.StartRollout(context.Background(), StartRequest{TargetVersion: "v2"})
	require.NoError(t, err)
	require.NoError(t, h.orch.Abort(context.Background(), first.ID, "make room"))

	second, err := h.orch.StartRollout(context.Background(), StartRequest{TargetVersion: "v3"})
	require.NoError(t, err)

	all := h.orch.List(0)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")

	limited := h.orch.List(1)
	require.Len(t, limited, 1)
	assert.Equal(t, second.ID, limited[0].ID)
}

func TestOrchestrator_PersistedDeploymentsSurviveRestart(t *testing.T) {
	t.Parallel()

	workspace := t.TempDir()
	stateDir := t.TempDir()

	manifests, err := state.NewFileStore[interfaces.Checkpoint](filepath.Join(stateDir, "checkpoints.json"))
	require.NoError(t, err)
	checkpoints, err := checkpoint.NewStore(workspace, manifests)
	require.NoError(t, err)
	t.Cleanup(checkpoints.Stop)

	deployments, err := state.NewFileStore[interfaces.Deployment](filepath.Join(stateDir, "deployments.json"))
	require.NoError(t, err)

	build := func(store interfaces.RecordStore[interfaces.Deployment]) *Orchestrator {
		router := canary.NewInMemoryRouter()
		canaries, err := canary.NewController(router, nil, nil)
		require.NoError(t, err)
		probes := probe.NewMonitor(nil)
		t.Cleanup(func() { _ = probes.Stop(context.Background()) })

		orch, err := New(Config{
			Router:      router,
			Checkpoints: checkpoints,
			Canaries:    canaries,
			Triggers:    trigger.NewEngine(nil, nil),
			Probes:      probes,
			Store:       store,
		})
		require.NoError(t, err)
		return orch
	}

	d, err := build(deployments).StartRollout(context.Background(), StartRequest{TargetVersion: "v2"})
	require.NoError(t, err)

	reopened, err := state.NewFileStore[interfaces.Deployment](filepath.Join(stateDir, "deployments.json"))
	require.NoError(t, err)

	got, err := build(reopened).Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, "v2", got.TargetVersion)
}
