// Package audit records guardrail decisions and envelope lifecycle changes
// into a per-tenant trail. Recording never fails the caller: backends log
// their own insert errors and move on.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Category partitions the trail by event source.
type Category string

const (
	CategoryGuardrail Category = "guardrail"
	CategoryOutbox    Category = "outbox"
)

// Actor types recorded on trail entries.
const (
	ActorAgent  = "agent"
	ActorWorker = "worker"
)

// Identity names who is writing to the trail. The agent-side control plane
// and the outbox worker run separate recorders with distinct identities.
type Identity struct {
	ActorType string
	ActorID   string
}

var (
	AgentIdentity  = Identity{ActorType: ActorAgent, ActorID: "control-plane"}
	WorkerIdentity = Identity{ActorType: ActorWorker, ActorID: "outbox"}
)

// Entry is one audit trail row.
type Entry struct {
	ID        string                 `json:"id"`
	TenantID  string                 `json:"tenant_id"`
	ActorType string                 `json:"actor_type"`
	ActorID   string                 `json:"actor_id"`
	Category  Category               `json:"category"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}

// Recorder persists audit entries and serves recent history.
//
// Record is fire-and-forget: implementations stamp the entry with their
// identity plus id/timestamp defaults and log any persistence failure
// instead of returning it.
type Recorder interface {
	Record(ctx context.Context, entry Entry)
	Recent(ctx context.Context, tenantID string, category Category, limit int) ([]Entry, error)
}

// GuardrailEntry builds the trail entry for one guardrail evaluation.
func GuardrailEntry(tenantID, name string, allowed bool, reason string) Entry {
	return Entry{
		TenantID: tenantID,
		Category: CategoryGuardrail,
		Payload: map[string]interface{}{
			"guardrail": name,
			"allowed":   allowed,
			"reason":    reason,
		},
	}
}

// OutboxEntry builds the trail entry for one envelope status change.
func OutboxEntry(tenantID, envelopeID, toolSlug, status string, metadata map[string]interface{}) Entry {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	return Entry{
		TenantID: tenantID,
		Category: CategoryOutbox,
		Payload: map[string]interface{}{
			"envelope_id": envelopeID,
			"tool_slug":   toolSlug,
			"status":      status,
			"metadata":    metadata,
		},
	}
}

// stamp fills identity, id, and timestamp defaults on an entry.
func stamp(entry Entry, identity Identity, now time.Time) Entry {
	if entry.ActorType == "" {
		entry.ActorType = identity.ActorType
	}
	if entry.ActorID == "" {
		entry.ActorID = identity.ActorID
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now.UTC()
	}
	return entry
}
