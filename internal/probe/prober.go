// Package probe implements health probing with hysteresis filtering.
// Each target runs on its own goroutine; raw probe results are folded
// through consecutive-result counters before a status transition is
// reported.
package probe

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rollguard/rollguard/internal/interfaces"
)

// Prober executes a single health check attempt
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber checks an HTTP endpoint for an expected status code
type HTTPProber struct {
	config interfaces.HTTPProbeConfig
	client *http.Client
}

// NewHTTPProber creates an HTTP prober from config. The per-attempt
// timeout comes from the config; zero means no timeout beyond the
// caller's context. Method defaults to GET.
func NewHTTPProber(config interfaces.HTTPProbeConfig) (*HTTPProber, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("probe URL cannot be empty")
	}
	if config.Method == "" {
		config.Method = http.MethodGet
	}
	if config.ExpectedStatus == 0 {
		config.ExpectedStatus = http.StatusOK
	}
	return &HTTPProber{
		config: config,
		client: &http.Client{},
	}, nil
}

// Probe performs one HTTP health check attempt
func (p *HTTPProber) Probe(ctx context.Context) error {
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, p.config.Method, p.config.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}
	for name, value := range p.config.Headers {
		req.Header.Set(name, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != p.config.ExpectedStatus {
		return fmt.Errorf("unexpected status %d, want %d", resp.StatusCode, p.config.ExpectedStatus)
	}
	return nil
}

// PredicateProber wraps a caller-supplied check function
type PredicateProber struct {
	predicate interfaces.Predicate
}

// NewPredicateProber creates a prober from a predicate function
func NewPredicateProber(predicate interfaces.Predicate) (*PredicateProber, error) {
	if predicate == nil {
		return nil, fmt.Errorf("predicate cannot be nil")
	}
	return &PredicateProber{predicate: predicate}, nil
}

// Probe runs the predicate once
func (p *PredicateProber) Probe(ctx context.Context) error {
	return p.predicate(ctx)
}

// proberForTarget builds the right prober for a target definition
func proberForTarget(target interfaces.ProbeTarget) (Prober, error) {
	switch target.Kind {
	case interfaces.ProbeKindHTTP:
		if target.HTTP == nil {
			return nil, fmt.Errorf("http probe target %s has no http config", target.ID)
		}
		return NewHTTPProber(*target.HTTP)
	case interfaces.ProbeKindPredicate:
		return NewPredicateProber(target.Predicate)
	default:
		return nil, fmt.Errorf("unknown probe kind %q", target.Kind)
	}
}
