package agent

import (
	"strings"

	"github.com/generativebots/acp-backend/internal/catalog"
	"github.com/generativebots/acp-backend/internal/guardrails"
	"github.com/generativebots/acp-backend/internal/objectives"
	"github.com/generativebots/acp-backend/internal/outbox"
)

const promptInstructions = "You orchestrate tenant actions via Composio." +
	" Before executing, construct an envelope using the `enqueue_envelope` tool." +
	" Always provide arguments that satisfy the catalog JSON Schema and include supporting evidence."

// DeskBlueprint shapes the desk surface: queue seeding from objectives,
// pending-envelope hydration, the system-prompt prefix, and the state
// projection for freshly queued envelopes.
type DeskBlueprint struct{}

func NewDeskBlueprint() *DeskBlueprint { return &DeskBlueprint{} }

// SeedState initialises the desk queue from tenant objectives. A queue that
// already has items is left alone.
func (b *DeskBlueprint) SeedState(state map[string]interface{}, objs []objectives.Objective) {
	desk := EnsureDeskState(state)
	if queue, ok := desk["queue"].([]interface{}); ok && len(queue) > 0 {
		return
	}
	items := make([]map[string]interface{}, 0, len(objs))
	for _, obj := range objs {
		items = append(items, obj.ToQueueItem())
	}
	SeedQueue(state, items)
}

// EnsureSharedState idempotently prepares the turn: desk queue seeded,
// guardrail scaffold present, pending envelopes hydrated.
func (b *DeskBlueprint) EnsureSharedState(state map[string]interface{}, objs []objectives.Objective, pending []*outbox.Record) {
	b.SeedState(state, objs)
	guardrails.EnsureState(state)
	b.HydratePending(state, pending)
}

// HydratePending merges pending outbox records into the desk queue, skipping
// envelopes that already have a queue item.
func (b *DeskBlueprint) HydratePending(state map[string]interface{}, pending []*outbox.Record) {
	if len(pending) == 0 {
		return
	}
	seen := make(map[string]bool)
	for _, item := range QueueItems(state) {
		if id, ok := item["id"].(string); ok {
			seen[id] = true
		}
	}
	for _, record := range pending {
		if seen[record.EnvelopeID()] {
			continue
		}
		AppendQueueItem(state, record.ToSharedState())
	}
}

// PromptPrefix renders the system-prompt preamble: tenant objectives, the
// tool catalog, and the standing envelope instructions.
func (b *DeskBlueprint) PromptPrefix(objs []objectives.Objective, entries []*catalog.Entry) string {
	objectiveLines := make([]string, 0, len(objs))
	for _, obj := range objs {
		objectiveLines = append(objectiveLines, obj.PromptLine())
	}
	if len(objectiveLines) == 0 {
		objectiveLines = []string{"- No objectives configured"}
	}

	toolLines := make([]string, 0, len(entries))
	for _, entry := range entries {
		toolLines = append(toolLines, entry.PromptSnippet())
	}
	if len(toolLines) == 0 {
		toolLines = []string{"Tool catalog is empty; request catalog sync before executing envelopes."}
	}

	var sb strings.Builder
	sb.WriteString("Tenant objectives:\n")
	sb.WriteString(strings.Join(objectiveLines, "\n"))
	sb.WriteString("\n\nAvailable Composio tools:\n")
	sb.WriteString(strings.Join(toolLines, "\n"))
	sb.WriteString("\n\n")
	sb.WriteString(promptInstructions)
	return sb.String()
}

// RegisterEnvelope projects a freshly queued record into shared state: queue
// item, approval modal, and the last-envelope stash.
func (b *DeskBlueprint) RegisterEnvelope(state map[string]interface{}, record *outbox.Record, requiredScopes []string, proposal map[string]interface{}) {
	AppendQueueItem(state, record.ToSharedState())

	if proposal == nil {
		proposal = map[string]interface{}{
			"summary":  "Autonomous envelope queued",
			"evidence": []string{"No additional evidence provided"},
		}
	}
	SetApprovalModal(state, record.Envelope, requiredScopes, proposal)
	StashLastEnvelope(state, record.Envelope)
}
