// Package webhooks fans control-plane events out to tenant-registered HTTP
// endpoints. Subscriptions are tenant-scoped, payloads are HMAC-signed, and
// endpoints that fail repeatedly are disabled automatically.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/generativebots/acp-backend/internal/events"
)

// WebhookEmitter is the interface for dispatching webhook events. Both the
// in-memory Dispatcher and CloudDispatcher satisfy this interface.
type WebhookEmitter interface {
	Emit(eventType EventType, tenantID string, data map[string]interface{})
	Forward(event *events.Event)
	Shutdown()
}

// EventType defines the control-plane events that can trigger webhooks.
// Values mirror the CloudEvents types emitted on the internal bus.
type EventType string

const (
	EventEnvelopeQueued   EventType = events.TypeEnvelopeQueued
	EventOutboxSuccess    EventType = events.TypeOutboxSuccess
	EventOutboxConflict   EventType = events.TypeOutboxConflict
	EventOutboxDLQ        EventType = events.TypeOutboxDLQ
	EventOutboxRequeued   EventType = events.TypeOutboxRequeued
	EventGuardrailBlocked EventType = events.TypeGuardrailBlocked
	EventCatalogSynced    EventType = events.TypeCatalogSynced
)

// KnownEvents lists every event type a subscription may register for.
func KnownEvents() []EventType {
	return []EventType{
		EventEnvelopeQueued,
		EventOutboxSuccess,
		EventOutboxConflict,
		EventOutboxDLQ,
		EventOutboxRequeued,
		EventGuardrailBlocked,
		EventCatalogSynced,
	}
}

// Subscriptions are disabled once this many deliveries fail in a row.
const maxConsecutiveFailures = 10

// WebhookSubscription represents a registered webhook endpoint.
type WebhookSubscription struct {
	ID        string      `json:"id"`
	URL       string      `json:"url"`
	Events    []EventType `json:"events"`
	Secret    string      `json:"secret,omitempty"`
	Active    bool        `json:"active"`
	TenantID  string      `json:"tenant_id"`
	CreatedAt time.Time   `json:"created_at"`
	FailCount int         `json:"fail_count"`
}

// WebhookEvent is the payload sent to webhook subscribers.
type WebhookEvent struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	TenantID  string                 `json:"tenant_id"`
	Data      map[string]interface{} `json:"data"`
}

// Registry stores and manages webhook subscriptions
type Registry struct {
	mu      sync.RWMutex
	hooks   map[string]*WebhookSubscription // id -> hook
	byEvent map[EventType][]*WebhookSubscription
	logger  *log.Logger
	known   map[EventType]bool
}

// NewRegistry creates a new webhook registry
func NewRegistry() *Registry {
	known := make(map[EventType]bool)
	for _, et := range KnownEvents() {
		known[et] = true
	}
	return &Registry{
		hooks:   make(map[string]*WebhookSubscription),
		byEvent: make(map[EventType][]*WebhookSubscription),
		logger:  log.New(log.Writer(), "[WEBHOOKS] ", log.LstdFlags),
		known:   known,
	}
}

// Register adds a webhook subscription. Subscriptions for event types the
// control plane never emits are rejected so a typo does not register a hook
// that silently never fires.
func (r *Registry) Register(sub *WebhookSubscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if len(sub.Events) == 0 {
		return fmt.Errorf("at least one event type is required")
	}
	for _, evt := range sub.Events {
		if !r.known[evt] {
			return fmt.Errorf("unknown event type %q", evt)
		}
	}

	if sub.ID == "" {
		sub.ID = fmt.Sprintf("wh-%d", time.Now().UnixNano())
	}
	sub.Active = true
	sub.CreatedAt = time.Now()
	sub.FailCount = 0

	r.hooks[sub.ID] = sub

	for _, evt := range sub.Events {
		r.byEvent[evt] = append(r.byEvent[evt], sub)
	}

	r.logger.Printf("📡 Registered webhook %s → %s (events: %v)", sub.ID, sub.URL, sub.Events)
	return nil
}

// Unregister removes a webhook subscription
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[id]
	if !ok {
		return fmt.Errorf("webhook %s not found", id)
	}

	delete(r.hooks, id)

	// Remove from event index
	for _, evt := range sub.Events {
		filtered := make([]*WebhookSubscription, 0)
		for _, s := range r.byEvent[evt] {
			if s.ID != id {
				filtered = append(filtered, s)
			}
		}
		r.byEvent[evt] = filtered
	}

	r.logger.Printf("🗑️  Unregistered webhook %s", id)
	return nil
}

// GetSubscribers returns all active subscribers for an event type
func (r *Registry) GetSubscribers(eventType EventType) []*WebhookSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*WebhookSubscription
	for _, sub := range r.byEvent[eventType] {
		if sub.Active {
			active = append(active, sub)
		}
	}
	return active
}

// ListAll returns all registered webhooks
func (r *Registry) ListAll() []*WebhookSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*WebhookSubscription, 0, len(r.hooks))
	for _, sub := range r.hooks {
		result = append(result, sub)
	}
	return result
}

// MarkFailed increments the consecutive-failure count and disables the
// subscription once it reaches the limit.
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[id]
	if !ok {
		return
	}
	sub.FailCount++
	if sub.FailCount >= maxConsecutiveFailures {
		sub.Active = false
		r.logger.Printf("⚠️  Webhook %s disabled after %d consecutive failures", id, sub.FailCount)
	}
}

// MarkDelivered resets the consecutive-failure count after a successful
// delivery, so transient outages do not accumulate toward auto-disable.
func (r *Registry) MarkDelivered(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.hooks[id]; ok {
		sub.FailCount = 0
	}
}

// SignPayload creates HMAC-SHA256 signature for webhook verification
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
