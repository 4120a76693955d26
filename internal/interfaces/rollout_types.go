// Package interfaces defines the core types and contracts shared across
// rollguard components. Implementations live in their own packages; this
// package keeps the dependency graph flat.
package interfaces

import (
	"context"
	"time"
)

// DeploymentStatus represents the lifecycle state of a deployment
type DeploymentStatus string

// Deployment lifecycle states
const (
	StatusStarting   DeploymentStatus = "starting"
	StatusDeploying  DeploymentStatus = "deploying"
	StatusLive       DeploymentStatus = "live"
	StatusProduction DeploymentStatus = "production"
	StatusRolledBack DeploymentStatus = "rolled_back"
	StatusFailed     DeploymentStatus = "failed"
)

// MigrationKind classifies what a deployment is changing
type MigrationKind string

// Supported migration kinds
const (
	MigrationCodeVersion MigrationKind = "code_version"
	MigrationConfig      MigrationKind = "config"
	MigrationSchema      MigrationKind = "schema"
)

// TrafficSplit tracks how much traffic the target version receives
type TrafficSplit struct {
	TargetPercent  int `json:"target_percent"`
	CurrentPercent int `json:"current_percent"`
}

// Deployment is the orchestrator's view of a rollout in progress
type Deployment struct {
	ID            string           `json:"id"`
	MigrationKind MigrationKind    `json:"migration_kind"`
	SourceVersion string           `json:"source_version"`
	TargetVersion string           `json:"target_version"`
	Status        DeploymentStatus `json:"status"`
	Traffic       TrafficSplit     `json:"traffic"`
	CheckpointID  string           `json:"checkpoint_id,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// TrafficRouter shifts traffic between the stable and target versions.
// The orchestrator and canary controller never talk to a routing backend
// directly; a router implementation is injected at construction time.
type TrafficRouter interface {
	// SetTrafficSplit routes the given percentage of traffic to the
	// deployment's target version. 0 means all traffic on the stable
	// version, 100 means fully shifted.
	SetTrafficSplit(ctx context.Context, deploymentID string, targetPercent int) error
}

// Aborter rolls a deployment back to its pre-rollout state. The
// orchestrator implements it; the canary controller and trigger engine
// depend only on the interface so rollback paths converge on a single
// in-flight abort per deployment.
type Aborter interface {
	Abort(ctx context.Context, deploymentID string, reason string) error
}
