// Package orchestrator coordinates rollout lifecycles: pre-rollout
// checkpoints, canary traffic shifting, trigger wiring, probe setup,
// and the single-flight abort path.
package orchestrator

import (
	"errors"
	"fmt"

	"github.com/rollguard/rollguard/internal/interfaces"
)

// Error represents a structured rollout error with context
type Error struct {
	Code       string                      // Machine-readable error code
	Message    string                      // Human-readable message
	Status     interfaces.DeploymentStatus // Related deployment status
	HTTPStatus int                         // Suggested HTTP status code
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common rollout errors
var (
	ErrDeploymentNotFound = &Error{
		Code:       "DEPLOYMENT_NOT_FOUND",
		Message:    "Deployment not found",
		HTTPStatus: 404, // Not Found
	}

	ErrInvalidRequest = &Error{
		Code:       "INVALID_REQUEST",
		Message:    "Invalid rollout request",
		HTTPStatus: 400, // Bad Request
	}

	ErrAlreadyRolledBack = &Error{
		Code:       "ALREADY_ROLLED_BACK",
		Message:    "Deployment has been rolled back",
		Status:     interfaces.StatusRolledBack,
		HTTPStatus: 409, // Conflict
	}

	ErrNotDeploying = &Error{
		Code:       "NOT_DEPLOYING",
		Message:    "Deployment is not in a promotable state",
		HTTPStatus: 409, // Conflict
	}
)

// IsRolloutError checks if an error is an orchestrator.Error
func IsRolloutError(err error) (*Error, bool) {
	var rErr *Error
	if errors.As(err, &rErr) {
		return rErr, true
	}
	return nil, false
}
