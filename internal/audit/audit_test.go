package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordStampsIdentityAndDefaults(t *testing.T) {
	recorder := NewMemoryRecorder(WorkerIdentity, 10)
	pinned := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	recorder.SetClock(func() time.Time { return pinned })

	recorder.Record(context.Background(), OutboxEntry("tenant-demo", "env-1", "GMAIL__drafts.create", "success", nil))

	entries, err := recorder.Recent(context.Background(), "tenant-demo", "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, ActorWorker, entry.ActorType)
	assert.Equal(t, "outbox", entry.ActorID)
	assert.Equal(t, CategoryOutbox, entry.Category)
	assert.Equal(t, pinned, entry.CreatedAt)
}

func TestGuardrailEntryPayload(t *testing.T) {
	entry := GuardrailEntry("tenant-demo", "trust_threshold", false, "Trust score 0.4000 below threshold 0.8000")
	assert.Equal(t, CategoryGuardrail, entry.Category)
	assert.Equal(t, map[string]interface{}{
		"guardrail": "trust_threshold",
		"allowed":   false,
		"reason":    "Trust score 0.4000 below threshold 0.8000",
	}, entry.Payload)
}

func TestOutboxEntryPayload(t *testing.T) {
	entry := OutboxEntry("tenant-demo", "env-1", "GMAIL__drafts.create", "dlq", map[string]interface{}{"error": "boom"})
	assert.Equal(t, CategoryOutbox, entry.Category)
	assert.Equal(t, map[string]interface{}{
		"envelope_id": "env-1",
		"tool_slug":   "GMAIL__drafts.create",
		"status":      "dlq",
		"metadata":    map[string]interface{}{"error": "boom"},
	}, entry.Payload)
}

func TestRecentFiltersAndOrders(t *testing.T) {
	recorder := NewMemoryRecorder(AgentIdentity, 10)
	ctx := context.Background()

	recorder.Record(ctx, GuardrailEntry("tenant-demo", "quiet_hours", true, "outside"))
	recorder.Record(ctx, OutboxEntry("tenant-demo", "env-1", "slug", "pending", nil))
	recorder.Record(ctx, GuardrailEntry("tenant-other", "quiet_hours", false, "active"))
	recorder.Record(ctx, GuardrailEntry("tenant-demo", "trust_threshold", false, "low"))

	guardrail, err := recorder.Recent(ctx, "tenant-demo", CategoryGuardrail, 0)
	require.NoError(t, err)
	require.Len(t, guardrail, 2)
	assert.Equal(t, "trust_threshold", guardrail[0].Payload["guardrail"])
	assert.Equal(t, "quiet_hours", guardrail[1].Payload["guardrail"])

	limited, err := recorder.Recent(ctx, "tenant-demo", "", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, CategoryGuardrail, limited[0].Category)
}

func TestRingEvictsOldest(t *testing.T) {
	recorder := NewMemoryRecorder(AgentIdentity, 2)
	ctx := context.Background()

	recorder.Record(ctx, GuardrailEntry("tenant-demo", "first", true, ""))
	recorder.Record(ctx, GuardrailEntry("tenant-demo", "second", true, ""))
	recorder.Record(ctx, GuardrailEntry("tenant-demo", "third", true, ""))

	assert.Equal(t, 2, recorder.Len())
	entries, err := recorder.Recent(ctx, "tenant-demo", "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "third", entries[0].Payload["guardrail"])
	assert.Equal(t, "second", entries[1].Payload["guardrail"])
}
