package interfaces

import "time"

// AuditEvent records one lifecycle action for the audit trail
type AuditEvent struct {
	Kind      string                 `json:"kind"`
	Actor     string                 `json:"actor"`
	Resource  string                 `json:"resource"`
	Result    string                 `json:"result"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Audit event kinds emitted by the control plane
const (
	AuditRolloutStarted     = "rollout.started"
	AuditRolloutPromoted    = "rollout.promoted"
	AuditRolloutAborted     = "rollout.aborted"
	AuditCanaryAdvanced     = "canary.advanced"
	AuditTriggerFired       = "trigger.fired"
	AuditCheckpointCreated  = "checkpoint.created"
	AuditCheckpointRestored = "checkpoint.restored"
	AuditCheckpointDeleted  = "checkpoint.deleted"
)

// Audit event results
const (
	AuditResultSuccess = "success"
	AuditResultFailure = "failure"
)

// AuditSink receives audit events. Implementations must be safe for
// concurrent use; Emit must not block on slow consumers.
type AuditSink interface {
	Emit(event AuditEvent)
}
