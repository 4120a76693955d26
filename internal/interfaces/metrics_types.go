package interfaces

import "time"

// MetricKind identifies what a recorded metric observation measures
type MetricKind string

// Metric kinds accepted by the ingestion path. Request and error are
// counters; the rest are gauges sampled per observation.
const (
	MetricHealthScore  MetricKind = "health_score"
	MetricErrorRate    MetricKind = "error_rate"
	MetricResponseTime MetricKind = "response_time"
	MetricRequest      MetricKind = "request"
	MetricError        MetricKind = "error"
)

// MetricPoint is one recorded observation for a deployment
type MetricPoint struct {
	DeploymentID string     `json:"deployment_id"`
	Kind         MetricKind `json:"kind"`
	Value        float64    `json:"value"`
	Timestamp    time.Time  `json:"timestamp"`
}

// MetricStats summarizes points of one kind over a window
type MetricStats struct {
	Kind  MetricKind `json:"kind"`
	Count int        `json:"count"`
	Avg   float64    `json:"avg"`
	Min   float64    `json:"min"`
	Max   float64    `json:"max"`
}

// AlertSeverity ranks alerts for triage
type AlertSeverity string

// Alert severities
const (
	SeverityCritical AlertSeverity = "critical"
	SeverityHigh     AlertSeverity = "high"
	SeverityMedium   AlertSeverity = "medium"
	SeverityLow      AlertSeverity = "low"
)

// Alert is a raised condition on a deployment with its lifecycle flags
type Alert struct {
	ID           string        `json:"id"`
	DeploymentID string        `json:"deployment_id"`
	Severity     AlertSeverity `json:"severity"`
	Message      string        `json:"message"`
	Acknowledged bool          `json:"acknowledged"`
	Resolved     bool          `json:"resolved"`
	CreatedAt    time.Time     `json:"created_at"`
	ResolvedAt   time.Time     `json:"resolved_at,omitempty"`
}
