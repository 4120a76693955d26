// Package events provides the audit event bus for rollout lifecycle actions.
package events

import (
	"sync"

	"github.com/rollguard/rollguard/internal/interfaces"
	"github.com/rollguard/rollguard/pkg/logging"
)

// defaultRingSize caps the in-memory audit trail exposed via the API
const defaultRingSize = 500

// Handler is a function that handles audit events
type Handler func(event interfaces.AuditEvent)

// AuditBus fans audit events out to registered handlers, logs every
// event through the structured logger, and keeps a bounded in-memory
// ring of recent events for the API to expose. It implements
// interfaces.AuditSink.
type AuditBus struct {
	mu          sync.RWMutex
	handlers    []Handler
	ring        []interfaces.AuditEvent
	ringSize    int
	synchronous bool // When true, handlers are called synchronously (for testing)
	logger      *logging.Logger
}

// NewAuditBus creates a new audit bus
func NewAuditBus() *AuditBus {
	return &AuditBus{
		ringSize: defaultRingSize,
		logger:   logging.NewLogger("audit"),
	}
}

// NewSynchronousAuditBus creates a bus that calls handlers synchronously (for testing)
func NewSynchronousAuditBus() *AuditBus {
	b := NewAuditBus()
	b.synchronous = true
	return b
}

// Subscribe registers a handler for all audit events
func (b *AuditBus) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = append(b.handlers, handler)
}

// Emit records an event, logs it, and dispatches it to handlers.
// Dispatch is asynchronous by default so slow handlers never block the
// control loop emitting the event.
func (b *AuditBus) Emit(event interfaces.AuditEvent) {
	b.mu.Lock()
	b.ring = append(b.ring, event)
	if len(b.ring) > b.ringSize {
		b.ring = b.ring[len(b.ring)-b.ringSize:]
	}
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	synchronous := b.synchronous
	b.mu.Unlock()

	b.logger.Info("audit kind=%s actor=%s resource=%s result=%s",
		event.Kind, event.Actor, event.Resource, event.Result)

	if synchronous {
		for _, handler := range handlers {
			handler(event)
		}
	} else {
		for _, handler := range handlers {
			go handler(event)
		}
	}
}

// Recent returns up to limit most recent events, newest first.
// limit <= 0 returns everything in the ring.
func (b *AuditBus) Recent(limit int) []interfaces.AuditEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.ring)
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]interfaces.AuditEvent, limit)
	for i := 0; i < limit; i++ {
		out[i] = b.ring[n-1-i]
	}
	return out
}
