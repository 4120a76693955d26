package interfaces

import "time"

// TriggerKind identifies which metric a rollback trigger watches
type TriggerKind string

// Trigger kinds. Health triggers fire when the value drops below the
// threshold; error-rate and response-time triggers fire when the value
// rises above it. Manual triggers are created already fired.
const (
	TriggerHealth       TriggerKind = "health"
	TriggerErrorRate    TriggerKind = "error_rate"
	TriggerResponseTime TriggerKind = "response_time"
	TriggerManual       TriggerKind = "manual"
)

// Trigger is one rollback condition attached to a deployment
type Trigger struct {
	ID           string      `json:"id"`
	DeploymentID string      `json:"deployment_id"`
	Kind         TriggerKind `json:"kind"`
	Threshold    float64     `json:"threshold"`
	LastValue    float64     `json:"last_value"`
	Fired        bool        `json:"fired"`
	FiredAt      time.Time   `json:"fired_at,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// TriggerObserver is notified exactly once when a trigger fires
type TriggerObserver func(trigger Trigger)
