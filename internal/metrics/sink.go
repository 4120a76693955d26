// Package metrics provides the observability sink: per-deployment
// metric history, alert lifecycle, and Prometheus export.
package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rollguard/rollguard/internal/interfaces"
	"github.com/rollguard/rollguard/pkg/logging"
)

// maxPointsPerDeployment caps the per-deployment metric history ring
const maxPointsPerDeployment = 1000

// Sink stores recent metric points per deployment, manages alerts, and
// mirrors observations into a Prometheus registry.
type Sink struct {
	mu     sync.RWMutex
	points map[string][]interfaces.MetricPoint
	alerts map[string]*interfaces.Alert
	logger *logging.Logger

	registry     *prometheus.Registry
	observations *prometheus.CounterVec
	gauges       *prometheus.GaugeVec
	alertsTotal  *prometheus.CounterVec
}

// NewSink creates a metrics sink with its own Prometheus registry
func NewSink() *Sink {
	registry := prometheus.NewRegistry()

	observations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rollguard",
		Name:      "metric_observations_total",
		Help:      "Total metric observations recorded per deployment and kind.",
	}, []string{"deployment_id", "kind"})

	gauges := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rollguard",
		Name:      "metric_last_value",
		Help:      "Last observed value per deployment and metric kind.",
	}, []string{"deployment_id", "kind"})

	alertsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rollguard",
		Name:      "alerts_total",
		Help:      "Alerts raised per deployment and severity.",
	}, []string{"deployment_id", "severity"})

	registry.MustRegister(observations, gauges, alertsTotal)

	return &Sink{
		points:       make(map[string][]interfaces.MetricPoint),
		alerts:       make(map[string]*interfaces.Alert),
		logger:       logging.NewLogger("metrics-sink"),
		registry:     registry,
		observations: observations,
		gauges:       gauges,
		alertsTotal:  alertsTotal,
	}
}

// Handler returns the Prometheus scrape handler for this sink's registry
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Record stores one metric observation, trimming the per-deployment
// ring to its cap
func (s *Sink) Record(deploymentID string, kind interfaces.MetricKind, value float64) {
	point := interfaces.MetricPoint{
		DeploymentID: deploymentID,
		Kind:         kind,
		Value:        value,
		Timestamp:    time.Now().UTC(),
	}

	s.mu.Lock()
	ring := append(s.points[deploymentID], point)
	if len(ring) > maxPointsPerDeployment {
		ring = ring[len(ring)-maxPointsPerDeployment:]
	}
	s.points[deploymentID] = ring
	s.mu.Unlock()

	s.observations.WithLabelValues(deploymentID, string(kind)).Inc()
	s.gauges.WithLabelValues(deploymentID, string(kind)).Set(value)
}

// Points returns metric points for a deployment, optionally filtered
// by kind and restricted to samples at or after since. A zero since
// disables the time filter; an empty kind matches everything.
func (s *Sink) Points(deploymentID string, kind interfaces.MetricKind, since time.Time) []interfaces.MetricPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []interfaces.MetricPoint
	for _, p := range s.points[deploymentID] {
		if kind != "" && p.Kind != kind {
			continue
		}
		if !since.IsZero() && p.Timestamp.Before(since) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Stats summarizes points of one kind over a window ending now
func (s *Sink) Stats(deploymentID string, kind interfaces.MetricKind, window time.Duration) interfaces.MetricStats {
	since := time.Time{}
	if window > 0 {
		since = time.Now().UTC().Add(-window)
	}
	points := s.Points(deploymentID, kind, since)

	stats := interfaces.MetricStats{Kind: kind, Count: len(points)}
	if len(points) == 0 {
		return stats
	}

	sum := 0.0
	stats.Min = points[0].Value
	stats.Max = points[0].Value
	for _, p := range points {
		sum += p.Value
		if p.Value < stats.Min {
			stats.Min = p.Value
		}
		if p.Value > stats.Max {
			stats.Max = p.Value
		}
	}
	stats.Avg = sum / float64(len(points))
	return stats
}

// RaiseAlert records a new alert for a deployment
func (s *Sink) RaiseAlert(deploymentID string, severity interfaces.AlertSeverity, message string) (*interfaces.Alert, error) {
	switch severity {
	case interfaces.SeverityCritical, interfaces.SeverityHigh, interfaces.SeverityMedium, interfaces.SeverityLow:
	default:
		return nil, fmt.Errorf("unknown alert severity %q", severity)
	}

	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate alert ID: %w", err)
	}

	alert := &interfaces.Alert{
		ID:           id,
		DeploymentID: deploymentID,
		Severity:     severity,
		Message:      message,
		CreatedAt:    time.Now().UTC(),
	}

	s.mu.Lock()
	s.alerts[id] = alert
	s.mu.Unlock()

	s.alertsTotal.WithLabelValues(deploymentID, string(severity)).Inc()
	s.logger.Warn("Alert raised for deployment %s [%s]: %s", deploymentID, severity, message)

	snapshot := *alert
	return &snapshot, nil
}

// Acknowledge marks an alert as seen by an operator
func (s *Sink) Acknowledge(alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alerts[alertID]
	if !ok {
		return fmt.Errorf("alert %s not found", alertID)
	}
	alert.Acknowledged = true
	return nil
}

// Resolve closes an alert
func (s *Sink) Resolve(alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alerts[alertID]
	if !ok {
		return fmt.Errorf("alert %s not found", alertID)
	}
	alert.Resolved = true
	alert.ResolvedAt = time.Now().UTC()
	return nil
}

// Alerts returns alerts for a deployment; includeResolved controls
// whether closed alerts appear
func (s *Sink) Alerts(deploymentID string, includeResolved bool) []interfaces.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []interfaces.Alert
	for _, alert := range s.alerts {
		if alert.DeploymentID != deploymentID {
			continue
		}
		if alert.Resolved && !includeResolved {
			continue
		}
		out = append(out, *alert)
	}
	return out
}
