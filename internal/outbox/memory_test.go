package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/generativebots/acp-backend/internal/envelope"
)

func testEnvelope(t *testing.T, id string) envelope.Envelope {
	t.Helper()
	env, err := envelope.FromPayload(map[string]interface{}{
		"envelope_id": id,
		"tool_slug":   "GMAIL__drafts.create",
		"arguments":   map[string]interface{}{"to": "c@example.com"},
	}, "tenant-demo", envelope.RiskMedium)
	require.NoError(t, err)
	return *env
}

func TestEnqueueStartsPendingWithZeroAttempts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	record, err := store.Enqueue(ctx, testEnvelope(t, "env-1"), map[string]interface{}{"title": "Draft"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, record.Status)
	assert.Equal(t, 0, record.Attempts)

	fetched, err := store.Get(ctx, "env-1")
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, StatusPending, fetched.Status)
	assert.Equal(t, "Draft", fetched.Metadata["title"])
}

func TestGetUnknownReturnsNil(t *testing.T) {
	store := NewMemoryStore()
	record, err := store.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestListPendingSkipsFutureNextRunAt(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return base })

	_, err := store.Enqueue(ctx, testEnvelope(t, "env-now"), nil)
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, testEnvelope(t, "env-later"), nil)
	require.NoError(t, err)
	require.NoError(t, store.Defer(ctx, "env-later", 30*time.Second))

	pending, err := store.ListPending(ctx, "tenant-demo", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "env-now", pending[0].EnvelopeID())

	// Advance past the deferral; both become eligible, unscheduled first.
	store.SetClock(func() time.Time { return base.Add(time.Minute) })
	pending, err = store.ListPending(ctx, "tenant-demo", 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "env-now", pending[0].EnvelopeID())
	assert.Equal(t, "env-later", pending[1].EnvelopeID())
}

func TestListPendingFiltersTenantAndLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := store.Enqueue(ctx, testEnvelope(t, id), nil)
		require.NoError(t, err)
	}
	other, err := envelope.FromPayload(map[string]interface{}{
		"tool_slug": "SLACK__chat.postMessage",
		"arguments": map[string]interface{}{},
	}, "tenant-other", envelope.RiskLow)
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, *other, nil)
	require.NoError(t, err)

	pending, err := store.ListPending(ctx, "tenant-demo", 2)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	all, err := store.ListPending(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestMarkSuccessLeavesAttemptsAndMergesResult(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Enqueue(ctx, testEnvelope(t, "env-1"), map[string]interface{}{"title": "Draft"})
	require.NoError(t, err)
	require.NoError(t, store.MarkInProgress(ctx, "env-1"))
	require.NoError(t, store.MarkSuccess(ctx, "env-1", map[string]interface{}{"status": "ok"}))

	record, err := store.Get(ctx, "env-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, record.Status)
	assert.Equal(t, 0, record.Attempts)
	assert.Nil(t, record.NextRunAt)
	assert.Equal(t, "ok", record.Metadata["status"])
	assert.Equal(t, "Draft", record.Metadata["title"])
}

func TestMarkInProgressOnlyClaimsPending(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Enqueue(ctx, testEnvelope(t, "env-1"), nil)
	require.NoError(t, err)

	require.NoError(t, store.MarkInProgress(ctx, "env-1"))
	assert.ErrorIs(t, store.MarkInProgress(ctx, "env-1"), ErrAlreadyClaimed)
	assert.ErrorIs(t, store.MarkInProgress(ctx, "ghost"), ErrNotFound)
}

func TestMarkFailureIncrementsAttemptsByOne(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Enqueue(ctx, testEnvelope(t, "env-1"), nil)
	require.NoError(t, err)

	require.NoError(t, store.MarkFailure(ctx, "env-1", "boom", nil, false))
	record, err := store.Get(ctx, "env-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, record.Status)
	assert.Equal(t, 1, record.Attempts)
	assert.Equal(t, "boom", record.LastError)
	assert.Nil(t, record.NextRunAt)

	retryIn := 10 * time.Second
	require.NoError(t, store.MarkFailure(ctx, "env-1", "boom again", &retryIn, false))
	record, err = store.Get(ctx, "env-1")
	require.NoError(t, err)
	assert.Equal(t, 2, record.Attempts)
	require.NotNil(t, record.NextRunAt)
}

func TestMarkFailureMoveToDLQ(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Enqueue(ctx, testEnvelope(t, "env-1"), nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkFailure(ctx, "env-1", "exhausted", nil, true))

	record, err := store.Get(ctx, "env-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDLQ, record.Status)
	assert.True(t, record.DLQ)

	dead, err := store.ListDLQ(ctx, "tenant-demo", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "env-1", dead[0].EnvelopeID())
}

func TestMarkConflictIsTerminalAndCountsTheAttempt(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Enqueue(ctx, testEnvelope(t, "env-1"), nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkInProgress(ctx, "env-1"))
	require.NoError(t, store.MarkConflict(ctx, "env-1", "409 Conflict"))

	record, err := store.Get(ctx, "env-1")
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, record.Status)
	assert.Equal(t, 1, record.Attempts)
	assert.Equal(t, "409 Conflict", record.LastError)

	pending, err := store.ListPending(ctx, "tenant-demo", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDeferKeepsPendingWithoutCountingAttempt(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return base })

	_, err := store.Enqueue(ctx, testEnvelope(t, "env-1"), nil)
	require.NoError(t, err)
	require.NoError(t, store.Defer(ctx, "env-1", 5*time.Second))

	record, err := store.Get(ctx, "env-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, record.Status)
	assert.Equal(t, 0, record.Attempts)
	require.NotNil(t, record.NextRunAt)
	assert.Equal(t, base.Add(5*time.Second), *record.NextRunAt)
}

func TestRequeueFromDLQResetsRecord(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Enqueue(ctx, testEnvelope(t, "env-1"), nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkFailure(ctx, "env-1", "dead", nil, true))

	record, err := store.RequeueFromDLQ(ctx, "env-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, StatusPending, record.Status)
	assert.Equal(t, 0, record.Attempts)
	assert.Empty(t, record.LastError)
	assert.Nil(t, record.NextRunAt)

	dead, err := store.ListDLQ(ctx, "tenant-demo", 10)
	require.NoError(t, err)
	assert.Empty(t, dead)

	missing, err := store.RequeueFromDLQ(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCounts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := store.Enqueue(ctx, testEnvelope(t, id), nil)
		require.NoError(t, err)
	}
	require.NoError(t, store.MarkFailure(ctx, "b", "dead", nil, true))

	pending, err := store.CountPending(ctx, "tenant-demo")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	dead, err := store.CountDLQ(ctx, "tenant-demo")
	require.NoError(t, err)
	assert.Equal(t, 1, dead)
}

func TestStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Enqueue(ctx, testEnvelope(t, "env-1"), map[string]interface{}{"title": "Draft"})
	require.NoError(t, err)

	record, err := store.Get(ctx, "env-1")
	require.NoError(t, err)
	record.Status = StatusSuccess
	record.Metadata["title"] = "tampered"

	fresh, err := store.Get(ctx, "env-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, fresh.Status)
	assert.Equal(t, "Draft", fresh.Metadata["title"])
}
