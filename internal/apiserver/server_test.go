package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type testServer struct {
	handler   http.Handler
	workspace string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "app.conf"), []byte("version=1"), 0o600))

	cfg := config.NewServerConfig()
	cfg.WorkspaceDir = workspace
	cfg.StateDir = t.TempDir()

	audit := events.NewSynchronousAuditBus()
	manifests, err := state.NewFileStore[interfaces.Checkpoint](filepath.Join(cfg.StateDir, "checkpoints.json"))
	require.NoError(t, err)
	checkpoints, err := checkpoint.NewStore(workspace, manifests, checkpoint.WithAuditSink(audit))
	require.NoError(t, err)
	t.Cleanup(checkpoints.Stop)

	router := canary.NewInMemoryRouter()
	canaries, err := canary.NewController(router, nil, nil)
	require.NoError(t, err)
	triggers := trigger.NewEngine(nil, nil)
	probes := probe.NewMonitor(nil)
	t.Cleanup(func() { _ = probes.Stop(context.Background()) })
	sink := metrics.NewSink()

	orch, err := orchestrator.New(orchestrator.Config{
		Router:      router,
		Checkpoints: checkpoints,
		Canaries:    canaries,
		Triggers:    triggers,
		Probes:      probes,
		Sink:        sink,
		Audit:       audit,
	})
	require.NoError(t, err)

	server, err := NewAPIServer(cfg, Components{
		Orchestrator: orch,
		Checkpoints:  checkpoints,
		Probes:       probes,
		Triggers:     triggers,
		Sink:         sink,
		Audit:        audit,
	})
	require.NoError(t, err)

	return &testServer{handler: server.Router(), workspace: workspace}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestAPIServer_Health(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decodeJSON(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])
}

func TestAPIServer_NotFoundIsJSON(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/v1/no-such-endpoint", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body ErrorResponse
	decodeJSON(t, rec, &body)
	assert.Equal(t, "not_found", body.Error)
}

func TestAPIServer_InvalidIDRejected(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/v1/rollouts/bad_id!", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body ErrorResponse
	decodeJSON(t, rec, &body)
	assert.Equal(t, "invalid_id", body.Error)
}

func TestAPIServer_CheckpointEndpoints(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/checkpoints", CreateCheckpointRequest{
		Description: "before upgrade",
		Tags:        map[string]string{"ticket": "OPS-42"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var cp interfaces.Checkpoint
	decodeJSON(t, rec, &cp)
	require.NotEmpty(t, cp.ID)
	assert.Equal(t, 1, cp.FileCount)

	t.Run("List", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/checkpoints", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Checkpoints []interfaces.Checkpoint `json:"checkpoints"`
		}
		decodeJSON(t, rec, &body)
		require.Len(t, body.Checkpoints, 1)
		assert.Equal(t, cp.ID, body.Checkpoints[0].ID)
	})

	t.Run("Get", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/checkpoints/"+cp.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("Validate", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/checkpoints/"+cp.ID+"/validate", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var report interfaces.ValidationReport
		decodeJSON(t, rec, &report)
		assert.True(t, report.Valid)
	})

	t.Run("Compare", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(ts.workspace, "app.conf"), []byte("version=2"), 0o600))

		rec := ts.do(t, http.MethodGet, "/api/v1/checkpoints/"+cp.ID+"/compare", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var result interfaces.CompareResult
		decodeJSON(t, rec, &result)
		assert.Equal(t, []string{"app.conf"}, result.Modified)
	})

	t.Run("CompareAgainstCheckpoint", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/checkpoints", CreateCheckpointRequest{
			Description: "after edit",
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		var other interfaces.Checkpoint
		decodeJSON(t, rec, &other)

		rec = ts.do(t, http.MethodGet, "/api/v1/checkpoints/"+cp.ID+"/compare?against="+other.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var result interfaces.CompareResult
		decodeJSON(t, rec, &result)
		assert.Equal(t, other.ID, result.ComparedTo)
		assert.Equal(t, []string{"app.conf"}, result.Modified)

		t.Run("MalformedAgainstRejected", func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, "/api/v1/checkpoints/"+cp.ID+"/compare?against=bad_id%21", nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})

		t.Run("UnknownAgainstIsNotFound", func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, "/api/v1/checkpoints/"+cp.ID+"/compare?against=missing", nil)
			require.Equal(t, http.StatusNotFound, rec.Code)
		})
	})

	t.Run("RestoreDryRun", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/checkpoints/"+cp.ID+"/restore", RestoreRequest{DryRun: true})
		require.Equal(t, http.StatusOK, rec.Code)

		var result interfaces.RestoreResult
		decodeJSON(t, rec, &result)
		assert.True(t, result.DryRun)
		require.Len(t, result.Changes, 1)
	})

	t.Run("Restore", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/checkpoints/"+cp.ID+"/restore", RestoreRequest{})
		require.Equal(t, http.StatusOK, rec.Code)

		data, err := os.ReadFile(filepath.Join(ts.workspace, "app.conf"))
		require.NoError(t, err)
		assert.Equal(t, "version=1", string(data))
	})

	t.Run("InvalidResolutionRejected", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/checkpoints/"+cp.ID+"/restore", RestoreRequest{
			Resolution: "coin-flip",
		})
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Delete", func(t *testing.T) {
		rec := ts.do(t, http.MethodDelete, "/api/v1/checkpoints/"+cp.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = ts.do(t, http.MethodGet, "/api/v1/checkpoints/"+cp.ID, nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestAPIServer_CheckpointCleanup(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	for i := 0; i < 3; i++ {
		rec := ts.do(t, http.MethodPost, "/api/v1/checkpoints", CreateCheckpointRequest{
			Description: fmt.Sprintf("snapshot %d", i),
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/checkpoints/cleanup", CleanupRequest{
		MaxCount:   1,
		KeepLatest: 1,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result interfaces.CleanupResult
	decodeJSON(t, rec, &result)
	assert.Len(t, result.Removed, 2)
	assert.Equal(t, 1, result.Kept)
}

func TestAPIServer_RolloutLifecycle(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/rollouts", StartRolloutRequest{
		SourceVersion: "v1",
		TargetVersion: "v2",
		Triggers:      TriggerSpec{MaxErrorRate: 0.1},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var d interfaces.Deployment
	decodeJSON(t, rec, &d)
	require.NotEmpty(t, d.ID)
	assert.Equal(t, interfaces.StatusDeploying, d.Status)

	t.Run("Get", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/rollouts/"+d.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("ListIncludesDeployment", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/rollouts", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Deployments []interfaces.Deployment `json:"deployments"`
		}
		decodeJSON(t, rec, &body)
		require.Len(t, body.Deployments, 1)
	})

	t.Run("RecordMetric", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/rollouts/"+d.ID+"/metrics", RecordMetricRequest{
			Kind:  "health_score",
			Value: 0.99,
		})
		require.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("MetricHistory", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/rollouts/"+d.ID+"/metrics?kind=health_score", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Points []interfaces.MetricPoint `json:"points"`
		}
		decodeJSON(t, rec, &body)
		require.Len(t, body.Points, 1)
	})

	t.Run("GetCanary", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/rollouts/"+d.ID+"/canary", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var cn interfaces.Canary
		decodeJSON(t, rec, &cn)
		assert.Equal(t, 5, cn.CurrentPercent)
	})

	t.Run("EvaluateCanaryAdvances", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/rollouts/"+d.ID+"/metrics", RecordMetricRequest{
			Kind:  "request",
			Value: 100,
		})
		require.Equal(t, http.StatusAccepted, rec.Code)

		rec = ts.do(t, http.MethodPost, "/api/v1/rollouts/"+d.ID+"/canary/evaluate", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var cn interfaces.Canary
		decodeJSON(t, rec, &cn)
		assert.Equal(t, 10, cn.CurrentPercent)
	})

	t.Run("Abort", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/rollouts/"+d.ID+"/abort", AbortRequest{
			Reason: "operator rollback",
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var got interfaces.Deployment
		decodeJSON(t, rec, &got)
		assert.Equal(t, interfaces.StatusRolledBack, got.Status)
		assert.Equal(t, "operator rollback", got.Reason)
	})
}

func TestAPIServer_RolloutValidation(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	t.Run("MissingTargetVersion", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/rollouts", StartRolloutRequest{})
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("UnknownMetricKind", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/rollouts/some-id/metrics", RecordMetricRequest{
			Kind: "temperature",
		})
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("MetricForUnknownDeployment", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/rollouts/no-such-id/metrics", RecordMetricRequest{
			Kind:  "health_score",
			Value: 1,
		})
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("PromoteUnknownDeployment", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/rollouts/no-such-id/promote", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestAPIServer_Alerts(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/rollouts/dep-1/alerts", AlertRequest{
		Severity: "high",
		Message:  "error rate climbing",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var alert interfaces.Alert
	decodeJSON(t, rec, &alert)
	require.NotEmpty(t, alert.ID)

	t.Run("List", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/rollouts/dep-1/alerts", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Alerts []interfaces.Alert `json:"alerts"`
		}
		decodeJSON(t, rec, &body)
		require.Len(t, body.Alerts, 1)
	})

	t.Run("AcknowledgeAndResolve", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/alerts/"+alert.ID+"/ack", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = ts.do(t, http.MethodPost, "/api/v1/alerts/"+alert.ID+"/resolve", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = ts.do(t, http.MethodGet, "/api/v1/rollouts/dep-1/alerts", nil)
		var body struct {
			Alerts []interfaces.Alert `json:"alerts"`
		}
		decodeJSON(t, rec, &body)
		assert.Empty(t, body.Alerts, "resolved alerts drop out of the open list")
	})

	t.Run("UnknownAlert", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/alerts/missing/ack", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("InvalidSeverity", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/rollouts/dep-1/alerts", AlertRequest{
			Severity: "catastrophic",
			Message:  "nope",
		})
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAPIServer_RolloutStartsAtRequestedPercent(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/rollouts", StartRolloutRequest{
		TargetVersion:  "v2",
		InitialPercent: 25,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var d interfaces.Deployment
	decodeJSON(t, rec, &d)
	assert.Equal(t, 25, d.Traffic.CurrentPercent)

	t.Run("OutOfRangeRejected", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/rollouts", StartRolloutRequest{
			TargetVersion:  "v2",
			InitialPercent: 150,
		})
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAPIServer_AlertsWithoutSink(t *testing.T) {
	t.Parallel()

	workspace := t.TempDir()
	cfg := config.NewServerConfig()
	cfg.WorkspaceDir = workspace
	cfg.StateDir = t.TempDir()

	manifests, err := state.NewFileStore[interfaces.Checkpoint](filepath.Join(cfg.StateDir, "checkpoints.json"))
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

	orch, err := orchestrator.New(orchestrator.Config{
		Router:      router,
		Checkpoints: checkpoints,
		Canaries:    canaries,
		Triggers:    triggers,
		Probes:      probes,
	})
	require.NoError(t, err)

	server, err := NewAPIServer(cfg, Components{
		Orchestrator: orch,
		Checkpoints:  checkpoints,
	})
	require.NoError(t, err)
	ts := &testServer{handler: server.Router(), workspace: workspace}

	for _, path := range []string{"/api/v1/alerts/alert-1/ack", "/api/v1/alerts/alert-1/resolve"} {
		rec := ts.do(t, http.MethodPost, path, nil)
		require.Equal(t, http.StatusNotFound, rec.Code, path)

		var body ErrorResponse
		decodeJSON(t, rec, &body)
		assert.Equal(t, "not_found", body.Error)
	}
}

func TestAPIServer_AuditTrail(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/checkpoints", CreateCheckpointRequest{})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Events []interfaces.AuditEvent `json:"events"`
	}
	decodeJSON(t, rec, &body)
	require.NotEmpty(t, body.Events)
	assert.Equal(t, interfaces.AuditCheckpointCreated, body.Events[0].Kind)
}

func TestAPIServer_PrometheusEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestConverter_ProbeSpecs(t *testing.T) {
	t.Parallel()

	c := NewRequestConverter()

	t.Run("HTTPProbeDecodes", func(t *testing.T) {
		req, err := c.ToStartRequest(StartRolloutRequest{
			TargetVersion: "v2",
			Probes: []ProbeSpec{{
				ID:   "api-health",
				Kind: "http",
				Params: map[string]interface{}{
					"url":             "http://localhost:8080/health",
					"expected_status": 200,
					"timeout":         "2s",
				},
			}},
		})
		require.NoError(t, err)
		require.Len(t, req.ProbeTargets, 1)
		require.NotNil(t, req.ProbeTargets[0].HTTP)
		assert.Equal(t, "http://localhost:8080/health", req.ProbeTargets[0].HTTP.URL)
	})

	t.Run("HTTPProbeRequiresURL", func(t *testing.T) {
		_, err := c.ToStartRequest(StartRolloutRequest{
			TargetVersion: "v2",
			Probes: []ProbeSpec{{
				ID:     "api-health",
				Kind:   "http",
				Params: map[string]interface{}{},
			}},
		})
		require.Error(t, err)
	})

	t.Run("UnknownKindRejected", func(t *testing.T) {
		err := c.Validate(StartRolloutRequest{
			TargetVersion: "v2",
			Probes:        []ProbeSpec{{ID: "x", Kind: "tcp"}},
		})
		require.Error(t, err)
	})
}
