package canary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// WebhookRouter applies traffic splits by POSTing them to an external
// routing control endpoint
type WebhookRouter struct {
	endpoint string
	client   *http.Client
}

// NewWebhookRouter creates a router that calls the given endpoint
func NewWebhookRouter(endpoint string) (*WebhookRouter, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("router endpoint cannot be empty")
	}
	return &WebhookRouter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// SetTrafficSplit posts the new split to the routing endpoint
func (r *WebhookRouter) SetTrafficSplit(ctx context.Context, deploymentID string, targetPercent int) error {
	if targetPercent < 0 || targetPercent > 100 {
		return fmt.Errorf("target percent %d out of range", targetPercent)
	}

	body, err := json.Marshal(map[string]interface{}{
		"deployment_id":  deploymentID,
		"target_percent": targetPercent,
	})
	if err != nil {
		return fmt.Errorf("failed to encode traffic split: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build router request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("router request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("router rejected traffic split with status %d", resp.StatusCode)
	}
	return nil
}

// InMemoryRouter records traffic splits without an external backend.
// Used by the CLI when no routing endpoint is configured, and by tests.
type InMemoryRouter struct {
	mu     sync.RWMutex
	splits map[string]int
}

// NewInMemoryRouter creates an in-memory router
func NewInMemoryRouter() *InMemoryRouter {
	return &InMemoryRouter{splits: make(map[string]int)}
}

// SetTrafficSplit records the split
func (r *InMemoryRouter) SetTrafficSplit(_ context.Context, deploymentID string, targetPercent int) error {
	if targetPercent < 0 || targetPercent > 100 {
		return fmt.Errorf("target percent %d out of range", targetPercent)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.splits[deploymentID] = targetPercent
	return nil
}

// Split returns the recorded split for a deployment
func (r *InMemoryRouter) Split(deploymentID string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	percent, ok := r.splits[deploymentID]
	return percent, ok
}
