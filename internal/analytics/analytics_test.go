package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/generativebots/acp-backend/internal/audit"
	"github.com/generativebots/acp-backend/internal/envelope"
	"github.com/generativebots/acp-backend/internal/outbox"
)

const testTenant = "tenant-demo"

func newSummaryHarness(t *testing.T) (*Service, *outbox.MemoryStore, *audit.MemoryRecorder) {
	t.Helper()
	store := outbox.NewMemoryStore()
	recorder := audit.NewMemoryRecorder(audit.WorkerIdentity, 0)
	service := NewService(store, recorder)
	service.SetClock(func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) })
	return service, store, recorder
}

func enqueue(t *testing.T, store *outbox.MemoryStore, id string) {
	t.Helper()
	env, err := envelope.FromPayload(map[string]interface{}{
		"envelope_id": id,
		"tool_slug":   "SLACK__chat.postMessage",
		"arguments":   map[string]interface{}{"channel": "#ops", "text": "hi"},
	}, testTenant, envelope.RiskLow)
	require.NoError(t, err)
	_, err = store.Enqueue(context.Background(), *env, nil)
	require.NoError(t, err)
}

func TestSummaryCountsQueueDepth(t *testing.T) {
	service, store, _ := newSummaryHarness(t)
	ctx := context.Background()

	enqueue(t, store, "env-1")
	enqueue(t, store, "env-2")
	enqueue(t, store, "env-3")
	require.NoError(t, store.MarkInProgress(ctx, "env-3"))
	require.NoError(t, store.MarkFailure(ctx, "env-3", "boom", nil, true))

	summary, err := service.Summary(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Outbox.Pending)
	assert.Equal(t, 1, summary.Outbox.DLQ)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), summary.UpdatedAt)
}

func TestSummaryRollsUpActionsByLatestStatus(t *testing.T) {
	service, _, recorder := newSummaryHarness(t)
	ctx := context.Background()

	// env-a walks failed -> success; only the latest status counts.
	recorder.Record(ctx, audit.OutboxEntry(testTenant, "env-a", "GMAIL__drafts.create", "failed", nil))
	recorder.Record(ctx, audit.OutboxEntry(testTenant, "env-a", "GMAIL__drafts.create", "success", nil))
	recorder.Record(ctx, audit.OutboxEntry(testTenant, "env-b", "SLACK__chat.postMessage", "dlq", nil))
	recorder.Record(ctx, audit.OutboxEntry(testTenant, "env-c", "SLACK__chat.postMessage", "pending", nil))

	summary, err := service.Summary(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Actions.Total)
	assert.Equal(t, 1, summary.Actions.Approved)
	assert.Equal(t, 1, summary.Actions.Rejected)
	assert.Equal(t, 1, summary.Actions.Pending)
}

func TestSummaryRollsUpGuardrailBlocks(t *testing.T) {
	service, _, recorder := newSummaryHarness(t)
	ctx := context.Background()

	recorder.Record(ctx, audit.GuardrailEntry(testTenant, "quiet_hours", true, ""))
	recorder.Record(ctx, audit.GuardrailEntry(testTenant, "trust_threshold", false, "Trust 0.50 below 0.80."))
	recorder.Record(ctx, audit.GuardrailEntry(testTenant, "trust_threshold", false, "Trust 0.60 below 0.80."))
	recorder.Record(ctx, audit.GuardrailEntry(testTenant, "scope_validation", false, "Missing scope."))

	summary, err := service.Summary(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Guardrails.Evaluations)
	assert.Equal(t, 3, summary.Guardrails.Blocks)
	assert.Equal(t, 2, summary.Guardrails.BlocksByName["trust_threshold"])
	assert.Equal(t, 1, summary.Guardrails.BlocksByName["scope_validation"])
}

func TestSummaryScopedToTenant(t *testing.T) {
	service, store, recorder := newSummaryHarness(t)
	ctx := context.Background()

	enqueue(t, store, "env-mine")
	recorder.Record(ctx, audit.GuardrailEntry("tenant-other", "trust_threshold", false, "blocked"))

	summary, err := service.Summary(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Outbox.Pending)
	assert.Zero(t, summary.Guardrails.Evaluations, "other tenants' trail is invisible")
}
