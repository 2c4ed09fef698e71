// Package events provides the in-process event bus used to decouple the
// fleet subsystems: the registry publishes liveness transitions, the channel
// publishes agent registrations, and recovery subscribes to both.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents different event types
type EventType string

const (
	NodeRegistered   EventType = "NODE_REGISTERED"
	NodeUnhealthy    EventType = "NODE_UNHEALTHY"
	NodeOffline      EventType = "NODE_OFFLINE"
	NodeDrained      EventType = "NODE_DRAINED"
	TenantMigrated   EventType = "TENANT_MIGRATED"
	TenantRecovered  EventType = "TENANT_RECOVERED"
	RecoveryStarted  EventType = "RECOVERY_STARTED"
	RecoveryFinished EventType = "RECOVERY_FINISHED"
	BalanceDebited   EventType = "BALANCE_DEBITED"
	TopupTriggered   EventType = "TOPUP_TRIGGERED"
	TopupDisabled    EventType = "TOPUP_DISABLED"
	ErrorOccurred    EventType = "ERROR_OCCURRED"
)

// Event represents a system event
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Module    string         `json:"module"`
	Data      map[string]any `json:"data"`
}

// Handler is a subscriber callback. Handlers run on the publisher's
// goroutine and must not block on external calls.
type Handler func(Event)

// Bus handles event emission and subscription
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	log      zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		log:      log.With().Str("service", "events").Logger(),
	}
}

// Subscribe registers a handler for an event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish emits an event to all subscribers of its type
func (b *Bus) Publish(eventType EventType, module string, data map[string]any) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Module:    module,
		Data:      data,
	}

	b.log.Debug().
		Str("event_type", string(eventType)).
		Str("module", module).
		Msg("Event published")

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[eventType]))
	copy(handlers, b.handlers[eventType])
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// PublishError emits an error event
func (b *Bus) PublishError(module string, err error, context map[string]any) {
	data := map[string]any{
		"error":   err.Error(),
		"context": context,
	}
	b.Publish(ErrorOccurred, module, data)
}
