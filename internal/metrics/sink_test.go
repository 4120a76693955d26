package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollguard/rollguard/internal/interfaces"
)

func TestSink_RecordAndPoints(t *testing.T) {
	t.Parallel()

	s := NewSink()

	s.Record("dep-1", interfaces.MetricHealthScore, 0.95)
	s.Record("dep-1", interfaces.MetricErrorRate, 0.02)
	s.Record("dep-2", interfaces.MetricHealthScore, 0.5)

	t.Run("AllKinds", func(t *testing.T) {
		points := s.Points("dep-1", "", time.Time{})
		assert.Len(t, points, 2)
	})

	t.Run("FilterByKind", func(t *testing.T) {
		points := s.Points("dep-1", interfaces.MetricHealthScore, time.Time{})
		require.Len(t, points, 1)
		assert.InDelta(t, 0.95, points[0].Value, 0.001)
	})

	t.Run("FilterBySince", func(t *testing.T) {
		points := s.Points("dep-1", "", time.Now().UTC().Add(time.Hour))
		assert.Empty(t, points)
	})

	t.Run("DeploymentsAreIsolated", func(t *testing.T) {
		points := s.Points("dep-2", "", time.Time{})
		assert.Len(t, points, 1)
	})
}

func TestSink_HistoryRingIsBounded(t *testing.T) {
	t.Parallel()

	s := NewSink()

	for i := 0; i < maxPointsPerDeployment+50; i++ {
		s.Record("dep-1", interfaces.MetricResponseTime, float64(i))
	}

	points := s.Points("dep-1", "", time.Time{})
	require.Len(t, points, maxPointsPerDeployment)
	assert.InDelta(t, 50, points[0].Value, 0.001, "oldest points are dropped first")
	assert.InDelta(t, float64(maxPointsPerDeployment+49), points[len(points)-1].Value, 0.001)
}

func TestSink_Stats(t *testing.T) {
	t.Parallel()

	s := NewSink()

	for _, v := range []float64{100, 200, 300} {
		s.Record("dep-1", interfaces.MetricResponseTime, v)
	}

	stats := s.Stats("dep-1", interfaces.MetricResponseTime, 0)
	assert.Equal(t, 3, stats.Count)
	assert.InDelta(t, 100, stats.Min, 0.001)
	assert.InDelta(t, 300, stats.Max, 0.001)
	assert.InDelta(t, 200, stats.Avg, 0.001)

	empty := s.Stats("dep-1", interfaces.MetricErrorRate, 0)
	assert.Zero(t, empty.Count)
}

func TestSink_AlertLifecycle(t *testing.T) {
	t.Parallel()

	s := NewSink()

	alert, err := s.RaiseAlert("dep-1", interfaces.SeverityHigh, "error rate climbing")
	require.NoError(t, err)
	require.NotEmpty(t, alert.ID)
	assert.False(t, alert.Acknowledged)

	t.Run("UnknownSeverityRejected", func(t *testing.T) {
		_, err := s.RaiseAlert("dep-1", "catastrophic", "nope")
		require.Error(t, err)
	})

	t.Run("Acknowledge", func(t *testing.T) {
		require.NoError(t, s.Acknowledge(alert.ID))
		alerts := s.Alerts("dep-1", false)
		require.Len(t, alerts, 1)
		assert.True(t, alerts[0].Acknowledged)
	})

	t.Run("ResolveHidesFromOpenList", func(t *testing.T) {
		require.NoError(t, s.Resolve(alert.ID))

		assert.Empty(t, s.Alerts("dep-1", false))
		resolved := s.Alerts("dep-1", true)
		require.Len(t, resolved, 1)
		assert.True(t, resolved[0].Resolved)
		assert.False(t, resolved[0].ResolvedAt.IsZero())
	})

	t.Run("UnknownAlertID", func(t *testing.T) {
		assert.Error(t, s.Acknowledge("missing"))
		assert.Error(t, s.Resolve("missing"))
	})
}

func TestSink_PrometheusHandler(t *testing.T) {
	t.Parallel()

	s := NewSink()
	s.Record("dep-1", interfaces.MetricHealthScore, 0.97)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "rollguard_metric_observations_total")
	assert.Contains(t, body, "rollguard_metric_last_value")
}
