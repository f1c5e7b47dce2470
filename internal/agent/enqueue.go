package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/generativebots/acp-backend/internal/audit"
	"github.com/generativebots/acp-backend/internal/catalog"
	"github.com/generativebots/acp-backend/internal/envelope"
	"github.com/generativebots/acp-backend/internal/events"
)

// EnqueueEnvelope is the tool the agent calls to stage an action. The
// payload must name a catalogued tool and carry arguments that satisfy its
// JSON Schema; on success the envelope is persisted to the outbox, audited,
// and projected into shared state. The returned object is the tool's wire
// response: {status: "queued", envelopeId, risk} or {status: "error",
// message}. Nothing is committed on error.
func (cp *ControlPlane) EnqueueEnvelope(
	ctx context.Context,
	state map[string]interface{},
	payload map[string]interface{},
	requiredScopes []string,
	proposal map[string]interface{},
) map[string]interface{} {
	result, err := cp.enqueue(ctx, state, payload, requiredScopes, proposal)
	if err != nil {
		cp.logger.Printf("⚠️ Enqueue rejected: %v", err)
		return map[string]interface{}{"status": "error", "message": err.Error()}
	}
	return result
}

func (cp *ControlPlane) enqueue(
	ctx context.Context,
	state map[string]interface{},
	payload map[string]interface{},
	requiredScopes []string,
	proposal map[string]interface{},
) (map[string]interface{}, error) {
	if payload == nil {
		return nil, fmt.Errorf("envelope payload is required")
	}

	slug := payloadSlug(payload)
	if slug == "" {
		return nil, fmt.Errorf("tool_slug is required to enqueue an envelope")
	}

	entry, err := cp.catalog.GetTool(ctx, cp.cfg.TenantID, slug)
	if err != nil {
		return nil, fmt.Errorf("look up tool %q: %w", slug, err)
	}
	if entry == nil {
		return nil, fmt.Errorf("tool %q not found in catalog: %w", slug, catalog.ErrUnknownTool)
	}

	arguments, ok := payload["arguments"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("envelope arguments must be an object")
	}
	if err := entry.Validate(arguments); err != nil {
		return nil, err
	}

	env, err := envelope.FromPayload(payload, cp.cfg.TenantID, entry.Risk)
	if err != nil {
		return nil, err
	}

	record, err := cp.store.Enqueue(ctx, *env, nil)
	if err != nil {
		return nil, fmt.Errorf("enqueue envelope: %w", err)
	}

	// Audit only after the insert succeeded.
	cp.recorder.Record(ctx, audit.OutboxEntry(cp.cfg.TenantID, record.EnvelopeID(), record.Envelope.ToolSlug,
		string(record.Status), nil))

	scopes := requiredScopes
	if len(scopes) == 0 {
		scopes = entry.RequiredScopes
	}
	cp.blueprint.RegisterEnvelope(state, record, scopes, proposal)

	if cp.emitter != nil {
		cp.emitter.Emit(events.TypeEnvelopeQueued, "/agent/enqueue", record.EnvelopeID(), cp.cfg.TenantID,
			map[string]interface{}{
				"envelope_id": record.EnvelopeID(),
				"tool_slug":   record.Envelope.ToolSlug,
				"risk":        string(record.Envelope.Risk),
			})
	}

	cp.logger.Printf("📤 Queued envelope %s (%s, risk=%s)", record.EnvelopeID(), record.Envelope.ToolSlug, record.Envelope.Risk)
	return map[string]interface{}{
		"status":     "queued",
		"envelopeId": record.EnvelopeID(),
		"risk":       string(record.Envelope.Risk),
	}, nil
}

func payloadSlug(payload map[string]interface{}) string {
	if slug, ok := payload["tool_slug"].(string); ok && strings.TrimSpace(slug) != "" {
		return strings.TrimSpace(slug)
	}
	if slug, ok := payload["slug"].(string); ok {
		return strings.TrimSpace(slug)
	}
	return ""
}
