package interfaces

import (
	"context"
	"time"
)

// ProbeStatus is the hysteresis-filtered health state of a probe target
type ProbeStatus string

// Probe states. Targets start UNKNOWN and move between the other states
// only after enough consecutive results in one direction.
const (
	ProbeUnknown   ProbeStatus = "unknown"
	ProbeHealthy   ProbeStatus = "healthy"
	ProbeDegraded  ProbeStatus = "degraded"
	ProbeUnhealthy ProbeStatus = "unhealthy"
)

// ProbeKind selects the probing mechanism for a target
type ProbeKind string

// Supported probe kinds
const (
	ProbeKindHTTP      ProbeKind = "http"
	ProbeKindPredicate ProbeKind = "predicate"
)

// HTTPProbeConfig configures an HTTP health probe
type HTTPProbeConfig struct {
	URL            string            `json:"url" mapstructure:"url"`
	Method         string            `json:"method,omitempty" mapstructure:"method"`
	Headers        map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	ExpectedStatus int               `json:"expected_status" mapstructure:"expected_status"`
	Timeout        time.Duration     `json:"timeout" mapstructure:"timeout"`
}

// Predicate is a caller-supplied health check used by predicate probes
type Predicate func(ctx context.Context) error

// ProbeTarget describes one endpoint or check watched by the monitor
type ProbeTarget struct {
	ID                 string           `json:"id"`
	DeploymentID       string           `json:"deployment_id"`
	Name               string           `json:"name"`
	Kind               ProbeKind        `json:"kind"`
	HTTP               *HTTPProbeConfig `json:"http,omitempty"`
	Predicate          Predicate        `json:"-"`
	Interval           time.Duration    `json:"interval"`
	HealthyThreshold   int              `json:"healthy_threshold"`
	UnhealthyThreshold int              `json:"unhealthy_threshold"`
}

// ProbeState is the monitor's current view of one target
type ProbeState struct {
	TargetID        string      `json:"target_id"`
	DeploymentID    string      `json:"deployment_id"`
	Name            string      `json:"name"`
	Status          ProbeStatus `json:"status"`
	ConsecutiveOK   int         `json:"consecutive_ok"`
	ConsecutiveFail int         `json:"consecutive_fail"`
	LastError       string      `json:"last_error,omitempty"`
	LastChecked     time.Time   `json:"last_checked"`
}

// DeploymentHealth aggregates all probe targets of one deployment
type DeploymentHealth struct {
	DeploymentID string       `json:"deployment_id"`
	Status       ProbeStatus  `json:"status"`
	Score        float64      `json:"score"`
	Targets      []ProbeState `json:"targets"`
}

// ProbeObserver is notified once per probe status transition
type ProbeObserver func(state ProbeState, previous ProbeStatus)
