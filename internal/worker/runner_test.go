package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/generativebots/acp-backend/internal/actions"
	"github.com/generativebots/acp-backend/internal/audit"
	"github.com/generativebots/acp-backend/internal/catalog"
	"github.com/generativebots/acp-backend/internal/envelope"
	"github.com/generativebots/acp-backend/internal/outbox"
)

type workerHarness struct {
	store     *outbox.MemoryStore
	catalog   *catalog.MemoryCatalog
	executor  *StubExecutor
	limiter   *MemoryRateLimiter
	recorder  *audit.MemoryRecorder
	projector *actions.MemoryProjector
	runner    *Runner
	sleeps    []time.Duration
	base      time.Time
}

func newWorkerHarness(t *testing.T, cfg Config) *workerHarness {
	t.Helper()

	h := &workerHarness{
		store:     outbox.NewMemoryStore(),
		catalog:   catalog.NewMemoryCatalog(),
		executor:  NewStubExecutor(),
		limiter:   NewMemoryRateLimiter(),
		recorder:  audit.NewMemoryRecorder(audit.WorkerIdentity, 0),
		projector: actions.NewMemoryProjector(),
		base:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	h.store.SetClock(func() time.Time { return h.base })
	h.limiter.SetClock(func() time.Time { return h.base })
	require.NoError(t, h.catalog.SyncEntries(context.Background(), "tenant-demo", catalog.DemoEntries()))

	h.runner = NewRunner(cfg, Deps{
		Store:     h.store,
		Catalog:   h.catalog,
		Executor:  h.executor,
		Limiter:   h.limiter,
		Recorder:  h.recorder,
		Projector: h.projector,
	})
	h.runner.SetClock(func() time.Time { return h.base })
	h.runner.SetSleep(func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	})
	return h
}

func (h *workerHarness) enqueue(t *testing.T, id, slug string) *outbox.Record {
	t.Helper()
	env, err := envelope.FromPayload(map[string]interface{}{
		"envelope_id": id,
		"tool_slug":   slug,
		"arguments":   map[string]interface{}{"to": "c@example.com"},
	}, "tenant-demo", envelope.RiskMedium)
	require.NoError(t, err)
	record, err := h.store.Enqueue(context.Background(), *env, nil)
	require.NoError(t, err)
	return record
}

func (h *workerHarness) outboxAudit(t *testing.T) []audit.Entry {
	t.Helper()
	entries, err := h.recorder.Recent(context.Background(), "tenant-demo", audit.CategoryOutbox, 0)
	require.NoError(t, err)
	return entries
}

func TestRunOnceExecutesPendingEnvelope(t *testing.T) {
	h := newWorkerHarness(t, DefaultConfig())
	h.enqueue(t, "env-ok", "GMAIL__drafts.create")
	h.executor.SetResult(map[string]interface{}{"draft_id": "d-1"})

	processed, err := h.runner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, h.executor.Calls("env-ok"))

	record, err := h.store.Get(context.Background(), "env-ok")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, outbox.StatusSuccess, record.Status)
	assert.Equal(t, 0, record.Attempts)
	assert.Equal(t, "d-1", record.Metadata["draft_id"])

	entries := h.outboxAudit(t)
	require.Len(t, entries, 1)
	assert.Equal(t, "success", entries[0].Payload["status"])
	assert.Equal(t, "env-ok", entries[0].Payload["envelope_id"])
	assert.Equal(t, audit.ActorWorker, entries[0].ActorType)

	projected, ok := h.projector.Get(record.Envelope.ExternalID)
	require.True(t, ok)
	assert.Equal(t, "granted", projected.Approval)
	assert.Equal(t, "approved", projected.Status)
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	h := newWorkerHarness(t, DefaultConfig())
	h.enqueue(t, "env-flaky", "GMAIL__drafts.create")
	h.executor.FailNext("env-flaky", 1, errors.New("upstream timeout"))

	_, err := h.runner.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, h.executor.Calls("env-flaky"))
	assert.Equal(t, []time.Duration{time.Second}, h.sleeps)

	record, err := h.store.Get(context.Background(), "env-flaky")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusSuccess, record.Status)
}

func TestExhaustedRetriesMoveToDLQ(t *testing.T) {
	h := newWorkerHarness(t, DefaultConfig())
	h.enqueue(t, "env-doomed", "GMAIL__drafts.create")
	h.executor.FailNext("env-doomed", -1, errors.New("smtp unreachable"))

	_, err := h.runner.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, h.executor.Calls("env-doomed"))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeps)

	record, err := h.store.Get(context.Background(), "env-doomed")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusDLQ, record.Status)
	assert.True(t, record.DLQ)
	assert.Equal(t, "smtp unreachable", record.LastError)

	entries := h.outboxAudit(t)
	require.Len(t, entries, 1)
	assert.Equal(t, "dlq", entries[0].Payload["status"])
}

func TestConflictIsTerminalWithoutRetry(t *testing.T) {
	h := newWorkerHarness(t, DefaultConfig())
	h.enqueue(t, "env-dup", "GMAIL__drafts.create")
	h.executor.FailNext("env-dup", -1, &ConflictError{StatusCode: 409, Message: "draft already exists"})

	_, err := h.runner.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, h.executor.Calls("env-dup"))
	assert.Empty(t, h.sleeps)

	record, err := h.store.Get(context.Background(), "env-dup")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusConflict, record.Status)
	assert.Equal(t, 1, record.Attempts)
	assert.False(t, record.DLQ)

	entries := h.outboxAudit(t)
	require.Len(t, entries, 1)
	assert.Equal(t, "conflict", entries[0].Payload["status"])
	assert.Contains(t, entries[0].Payload["reason"], "draft already exists")
}

func TestPolicyGateParksBlockedEnvelope(t *testing.T) {
	h := newWorkerHarness(t, DefaultConfig())
	h.catalog.SetPolicy("tenant-demo", "GMAIL__drafts.create", &catalog.EffectivePolicy{
		WriteAllowed: false,
	})
	h.enqueue(t, "env-blocked", "GMAIL__drafts.create")

	processed, err := h.runner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 0, h.executor.Calls("env-blocked"))

	record, err := h.store.Get(context.Background(), "env-blocked")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailed, record.Status)
	assert.Equal(t, "writes_disabled_by_policy", record.LastError)
	assert.Equal(t, 1, record.Attempts)

	// Parked records are no longer eligible for polling.
	pending, err := h.store.ListPending(context.Background(), "tenant-demo", 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	entries := h.outboxAudit(t)
	require.Len(t, entries, 1)
	assert.Equal(t, "failed", entries[0].Payload["status"])
}

func TestPolicyGateDefersWhenRequeueDelaySet(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailedRequeueDelay = 2 * time.Minute
	h := newWorkerHarness(t, cfg)
	h.catalog.SetPolicy("tenant-demo", "GMAIL__drafts.create", &catalog.EffectivePolicy{
		WriteAllowed: false,
	})
	h.enqueue(t, "env-waiting", "GMAIL__drafts.create")

	_, err := h.runner.RunOnce(context.Background())
	require.NoError(t, err)

	record, err := h.store.Get(context.Background(), "env-waiting")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, record.Status)
	assert.Equal(t, 0, record.Attempts)
	require.NotNil(t, record.NextRunAt)
	assert.Equal(t, h.base.Add(2*time.Minute), *record.NextRunAt)

	// Deferral is not a status change, so nothing lands in the trail.
	assert.Empty(t, h.outboxAudit(t))
}

func TestRateBucketDefersSecondSend(t *testing.T) {
	h := newWorkerHarness(t, DefaultConfig())
	h.catalog.SetPolicy("tenant-demo", "GMAIL__drafts.create", &catalog.EffectivePolicy{
		WriteAllowed: true,
		RateBucket:   "tickets.api",
	})
	h.enqueue(t, "env-first", "GMAIL__drafts.create")
	h.enqueue(t, "env-second", "GMAIL__drafts.create")

	processed, err := h.runner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	assert.Equal(t, 1, h.executor.Calls("env-first"))
	assert.Equal(t, 0, h.executor.Calls("env-second"))

	second, err := h.store.Get(context.Background(), "env-second")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, second.Status)
	assert.Equal(t, 0, second.Attempts)
	require.NotNil(t, second.NextRunAt)
	assert.Equal(t, h.base.Add(2*time.Second), *second.NextRunAt)

	// Only the executed envelope reaches the trail.
	entries := h.outboxAudit(t)
	require.Len(t, entries, 1)
	assert.Equal(t, "env-first", entries[0].Payload["envelope_id"])
}

type racedStore struct {
	outbox.Store
	raced map[string]bool
}

func (s *racedStore) MarkInProgress(ctx context.Context, envelopeID string) error {
	if s.raced[envelopeID] {
		return outbox.ErrAlreadyClaimed
	}
	return s.Store.MarkInProgress(ctx, envelopeID)
}

func TestRunOnceSkipsRecordsClaimedElsewhere(t *testing.T) {
	h := newWorkerHarness(t, DefaultConfig())
	h.enqueue(t, "env-mine", "GMAIL__drafts.create")
	h.enqueue(t, "env-theirs", "GMAIL__drafts.create")

	runner := NewRunner(DefaultConfig(), Deps{
		Store:    &racedStore{Store: h.store, raced: map[string]bool{"env-theirs": true}},
		Catalog:  h.catalog,
		Executor: h.executor,
		Recorder: h.recorder,
	})
	runner.SetSleep(func(context.Context, time.Duration) error { return nil })

	processed, err := runner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	assert.Equal(t, 1, h.executor.Calls("env-mine"))
	assert.Equal(t, 0, h.executor.Calls("env-theirs"))
}

func TestStatusCountsPendingAndDLQ(t *testing.T) {
	h := newWorkerHarness(t, DefaultConfig())
	h.enqueue(t, "env-a", "GMAIL__drafts.create")
	h.enqueue(t, "env-b", "GMAIL__drafts.create")
	require.NoError(t, h.store.MarkFailure(context.Background(), "env-b", "boom", nil, true))

	stats, err := h.runner.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.DLQ)
}

func TestDrainDLQRequeuesRecords(t *testing.T) {
	h := newWorkerHarness(t, DefaultConfig())
	h.enqueue(t, "env-a", "GMAIL__drafts.create")
	h.enqueue(t, "env-b", "GMAIL__drafts.create")
	require.NoError(t, h.store.MarkFailure(context.Background(), "env-a", "boom", nil, true))
	require.NoError(t, h.store.MarkFailure(context.Background(), "env-b", "boom", nil, true))

	drained, err := h.runner.DrainDLQ(context.Background(), "tenant-demo", 50)
	require.NoError(t, err)
	assert.Equal(t, 2, drained)

	for _, id := range []string{"env-a", "env-b"} {
		record, err := h.store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusPending, record.Status)
		assert.Equal(t, 0, record.Attempts)
		assert.Empty(t, record.LastError)
		assert.False(t, record.DLQ)
	}
}

func TestRetryDLQRequiresDeadLetteredRecord(t *testing.T) {
	h := newWorkerHarness(t, DefaultConfig())
	h.enqueue(t, "env-dead", "GMAIL__drafts.create")
	h.enqueue(t, "env-live", "GMAIL__drafts.create")
	require.NoError(t, h.store.MarkFailure(context.Background(), "env-dead", "boom", nil, true))

	found, err := h.runner.RetryDLQ(context.Background(), "tenant-demo", "env-dead")
	require.NoError(t, err)
	assert.True(t, found)

	record, err := h.store.Get(context.Background(), "env-dead")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, record.Status)

	// Records that are not dead-lettered are left untouched.
	found, err = h.runner.RetryDLQ(context.Background(), "tenant-demo", "env-live")
	require.NoError(t, err)
	assert.False(t, found)

	// Unknown ids and foreign tenants report not found.
	found, err = h.runner.RetryDLQ(context.Background(), "tenant-demo", "env-ghost")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, h.store.MarkFailure(context.Background(), "env-live", "boom", nil, true))
	found, err = h.runner.RetryDLQ(context.Background(), "tenant-other", "env-live")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	h := newWorkerHarness(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		h.runner.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
}
