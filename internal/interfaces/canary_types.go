package interfaces

import "time"

// CanaryStatus represents the lifecycle state of a canary rollout
type CanaryStatus string

// Canary lifecycle states
const (
	CanaryRunning    CanaryStatus = "running"
	CanaryCompleted  CanaryStatus = "completed"
	CanaryRolledBack CanaryStatus = "rolled_back"
)

// CanarySteps is the fixed traffic progression for canary rollouts,
// in percent. Advancement is strictly monotonic through these values.
var CanarySteps = []int{5, 10, 25, 50, 75, 100}

// CanaryMetrics accumulates observations for the current canary step
type CanaryMetrics struct {
	Requests        int64   `json:"requests"`
	Errors          int64   `json:"errors"`
	HealthScore     float64 `json:"health_score"`
	AvgResponseTime float64 `json:"avg_response_time"`
}

// ErrorRate returns errors/requests, guarding against division by zero
func (m CanaryMetrics) ErrorRate() float64 {
	if m.Requests <= 0 {
		if m.Errors > 0 {
			return 1.0
		}
		return 0
	}
	return float64(m.Errors) / float64(m.Requests)
}

// CanaryThresholds gate advancement between traffic steps
type CanaryThresholds struct {
	MinHealthScore float64 `json:"min_health_score"`
	MaxErrorRate   float64 `json:"max_error_rate"`
}

// Canary tracks one canary rollout through its traffic steps
type Canary struct {
	ID             string           `json:"id"`
	DeploymentID   string           `json:"deployment_id"`
	Status         CanaryStatus     `json:"status"`
	CurrentPercent int              `json:"current_percent"`
	StepIndex      int              `json:"step_index"`
	Metrics        CanaryMetrics    `json:"metrics"`
	Thresholds     CanaryThresholds `json:"thresholds"`
	StartedAt      time.Time        `json:"started_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}
