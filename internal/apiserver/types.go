package apiserver

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/rollguard/rollguard/internal/interfaces"
	"github.com/rollguard/rollguard/internal/orchestrator"
	"github.com/rollguard/rollguard/internal/trigger"
)

// StartRolloutRequest is the API payload to begin a rollout
type StartRolloutRequest struct {
	MigrationKind  string  `json:"migration_kind" validate:"omitempty,oneof=code_version config schema"`
	SourceVersion  string  `json:"source_version"`
	TargetVersion  string  `json:"target_version" validate:"required"`
	InitialPercent int     `json:"initial_percent" validate:"omitempty,gte=0,lte=100"`
	MinHealthScore float64 `json:"min_health_score" validate:"omitempty,gt=0,lte=1"`
	MaxErrorRate   float64 `json:"max_error_rate" validate:"omitempty,gt=0,lte=1"`

	Triggers TriggerSpec `json:"triggers"`
	Probes   []ProbeSpec `json:"probes" validate:"dive"`
}

// TriggerSpec declares rollback trigger thresholds. Zero disables a
// trigger kind.
type TriggerSpec struct {
	MinHealthScore  float64 `json:"min_health_score" validate:"omitempty,gt=0,lte=1"`
	MaxErrorRate    float64 `json:"max_error_rate" validate:"omitempty,gt=0,lte=1"`
	MaxResponseTime float64 `json:"max_response_time" validate:"omitempty,gt=0"`
}

// ProbeSpec declares one probe target. Params carries the kind-specific
// configuration and is decoded into the typed config for the kind.
type ProbeSpec struct {
	ID                 string                 `json:"id" validate:"required"`
	Name               string                 `json:"name"`
	Kind               string                 `json:"kind" validate:"required,oneof=http"`
	IntervalSeconds    int                    `json:"interval_seconds" validate:"omitempty,gt=0"`
	HealthyThreshold   int                    `json:"healthy_threshold" validate:"omitempty,gt=0"`
	UnhealthyThreshold int                    `json:"unhealthy_threshold" validate:"omitempty,gt=0"`
	Params             map[string]interface{} `json:"params"`
}

// RecordMetricRequest is the API payload for metric ingestion
type RecordMetricRequest struct {
	Kind  string  `json:"kind" validate:"required,oneof=health_score error_rate response_time request error"`
	Value float64 `json:"value"`
}

// AbortRequest is the API payload for a manual abort
type AbortRequest struct {
	Reason string `json:"reason"`
}

// CreateCheckpointRequest is the API payload to capture a checkpoint
type CreateCheckpointRequest struct {
	Description string            `json:"description"`
	Tags        map[string]string `json:"tags"`
}

// RestoreRequest is the API payload for a checkpoint restore
type RestoreRequest struct {
	Files      []string `json:"files"`
	DryRun     bool     `json:"dry_run"`
	Resolution string   `json:"resolution" validate:"omitempty,oneof=prefer-checkpoint prefer-current manual"`
}

// CleanupRequest is the API payload for a checkpoint cleanup pass
type CleanupRequest struct {
	MaxAgeHours int  `json:"max_age_hours" validate:"omitempty,gte=0"`
	MaxCount    int  `json:"max_count" validate:"omitempty,gte=0"`
	KeepLatest  int  `json:"keep_latest" validate:"omitempty,gte=0"`
	Archive     bool `json:"archive"`
}

// AlertRequest is the API payload to raise an alert
type AlertRequest struct {
	Severity string `json:"severity" validate:"required,oneof=critical high medium low"`
	Message  string `json:"message" validate:"required"`
}

// RequestConverter validates API payloads and converts them into the
// orchestrator's domain types. Probe parameter maps decode through
// mapstructure into the typed config for the probe kind.
type RequestConverter struct {
	validate *validator.Validate
}

// NewRequestConverter creates a converter with a shared validator
func NewRequestConverter() *RequestConverter {
	return &RequestConverter{validate: validator.New()}
}

// Validate runs struct validation on any request payload
func (c *RequestConverter) Validate(req interface{}) error {
	if err := c.validate.Struct(req); err != nil {
		return fmt.Errorf("request validation failed: %w", err)
	}
	return nil
}

// ToStartRequest converts a validated API payload into an orchestrator
// start request
func (c *RequestConverter) ToStartRequest(req StartRolloutRequest) (orchestrator.StartRequest, error) {
	if err := c.Validate(req); err != nil {
		return orchestrator.StartRequest{}, err
	}

	out := orchestrator.StartRequest{
		MigrationKind:  interfaces.MigrationKind(req.MigrationKind),
		SourceVersion:  req.SourceVersion,
		TargetVersion:  req.TargetVersion,
		InitialPercent: req.InitialPercent,
		CanaryThresholds: interfaces.CanaryThresholds{
			MinHealthScore: req.MinHealthScore,
			MaxErrorRate:   req.MaxErrorRate,
		},
		TriggerThresholds: trigger.ThresholdConfig{
			MinHealthScore:  req.Triggers.MinHealthScore,
			MaxErrorRate:    req.Triggers.MaxErrorRate,
			MaxResponseTime: req.Triggers.MaxResponseTime,
		},
	}

	for _, spec := range req.Probes {
		target, err := c.toProbeTarget(spec)
		if err != nil {
			return orchestrator.StartRequest{}, err
		}
		out.ProbeTargets = append(out.ProbeTargets, target)
	}
	return out, nil
}

// toProbeTarget decodes one probe spec into a typed target
func (c *RequestConverter) toProbeTarget(spec ProbeSpec) (interfaces.ProbeTarget, error) {
	target := interfaces.ProbeTarget{
		ID:                 spec.ID,
		Name:               spec.Name,
		Kind:               interfaces.ProbeKind(spec.Kind),
		Interval:           time.Duration(spec.IntervalSeconds) * time.Second,
		HealthyThreshold:   spec.HealthyThreshold,
		UnhealthyThreshold: spec.UnhealthyThreshold,
	}

	switch target.Kind {
	case interfaces.ProbeKindHTTP:
		var httpCfg interfaces.HTTPProbeConfig
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:     &httpCfg,
			DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		})
		if err != nil {
			return interfaces.ProbeTarget{}, fmt.Errorf("failed to build probe decoder: %w", err)
		}
		if err := decoder.Decode(spec.Params); err != nil {
			return interfaces.ProbeTarget{}, fmt.Errorf("invalid http probe params for %s: %w", spec.ID, err)
		}
		if httpCfg.URL == "" {
			return interfaces.ProbeTarget{}, fmt.Errorf("http probe %s requires a url param", spec.ID)
		}
		target.HTTP = &httpCfg
	default:
		return interfaces.ProbeTarget{}, fmt.Errorf("unsupported probe kind %q", spec.Kind)
	}
	return target, nil
}

// ToRestoreOptions converts a validated restore payload
func (c *RequestConverter) ToRestoreOptions(req RestoreRequest) (interfaces.RestoreOptions, error) {
	if err := c.Validate(req); err != nil {
		return interfaces.RestoreOptions{}, err
	}
	return interfaces.RestoreOptions{
		Files:      req.Files,
		DryRun:     req.DryRun,
		Resolution: interfaces.ConflictResolution(req.Resolution),
	}, nil
}

// ToCleanupPolicy converts a validated cleanup payload
func (c *RequestConverter) ToCleanupPolicy(req CleanupRequest) (interfaces.CleanupPolicy, error) {
	if err := c.Validate(req); err != nil {
		return interfaces.CleanupPolicy{}, err
	}
	return interfaces.CleanupPolicy{
		MaxAge:     time.Duration(req.MaxAgeHours) * time.Hour,
		MaxCount:   req.MaxCount,
		KeepLatest: req.KeepLatest,
		Archive:    req.Archive,
	}, nil
}
