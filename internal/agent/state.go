// Package agent is the control-plane glue the host agent runtime calls
// into: callbacks that seed and guard each turn, the enqueue_envelope tool,
// and the desk blueprint that shapes shared session state.
package agent

import (
	"time"

	"github.com/generativebots/acp-backend/internal/envelope"
)

// Shared-state keys the desk surface and the callbacks cooperate on. The
// guardrail scaffold key lives in the guardrails package.
const (
	DeskStateKey     = "desk"
	ApprovalModalKey = "approval_modal"
	OutboxStateKey   = "outbox"
)

// EnsureDeskState returns the desk sub-state, initialising it with an empty
// queue when missing.
func EnsureDeskState(state map[string]interface{}) map[string]interface{} {
	desk, ok := state[DeskStateKey].(map[string]interface{})
	if !ok {
		desk = map[string]interface{}{}
		state[DeskStateKey] = desk
	}
	if _, ok := desk["queue"]; !ok {
		desk["queue"] = []interface{}{}
	}
	return desk
}

// SeedQueue replaces the desk queue with the given items.
func SeedQueue(state map[string]interface{}, items []map[string]interface{}) {
	desk := EnsureDeskState(state)
	queue := make([]interface{}, 0, len(items))
	for _, item := range items {
		queue = append(queue, item)
	}
	desk["queue"] = queue
}

// AppendQueueItem appends one item to the desk queue.
func AppendQueueItem(state map[string]interface{}, item map[string]interface{}) {
	desk := EnsureDeskState(state)
	queue, _ := desk["queue"].([]interface{})
	desk["queue"] = append(queue, item)
}

// QueueItems returns the desk queue items that are object-shaped.
func QueueItems(state map[string]interface{}) []map[string]interface{} {
	desk, ok := state[DeskStateKey].(map[string]interface{})
	if !ok {
		return nil
	}
	queue, ok := desk["queue"].([]interface{})
	if !ok {
		return nil
	}
	items := make([]map[string]interface{}, 0, len(queue))
	for _, raw := range queue {
		if item, ok := raw.(map[string]interface{}); ok {
			items = append(items, item)
		}
	}
	return items
}

// SetApprovalModal projects the approval prompt for a queued envelope: what
// the tool will do, the scopes it needs, and the agent's proposal.
func SetApprovalModal(state map[string]interface{}, env envelope.Envelope, requiredScopes []string, proposal map[string]interface{}) {
	if requiredScopes == nil {
		requiredScopes = []string{}
	}
	state[ApprovalModalKey] = map[string]interface{}{
		"envelopeId":     env.EnvelopeID,
		"toolSlug":       env.ToolSlug,
		"arguments":      env.Arguments,
		"risk":           string(env.Risk),
		"requiredScopes": requiredScopes,
		"proposal":       proposal,
	}
}

// StashLastEnvelope records the most recently queued envelope so the
// after-model callback can end the invocation.
func StashLastEnvelope(state map[string]interface{}, env envelope.Envelope) {
	outboxState, ok := state[OutboxStateKey].(map[string]interface{})
	if !ok {
		outboxState = map[string]interface{}{}
		state[OutboxStateKey] = outboxState
	}
	outboxState["last_envelope_id"] = env.EnvelopeID
	outboxState["last_envelope_slug"] = env.ToolSlug
	outboxState["last_envelope_created_at"] = env.CreatedAt.UTC().Format(time.RFC3339)
}

// LastEnvelopeID returns the envelope stashed by the current turn, if any.
func LastEnvelopeID(state map[string]interface{}) string {
	outboxState, ok := state[OutboxStateKey].(map[string]interface{})
	if !ok {
		return ""
	}
	id, _ := outboxState["last_envelope_id"].(string)
	return id
}
