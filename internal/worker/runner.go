package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/generativebots/acp-backend/internal/actions"
	"github.com/generativebots/acp-backend/internal/audit"
	"github.com/generativebots/acp-backend/internal/catalog"
	"github.com/generativebots/acp-backend/internal/events"
	"github.com/generativebots/acp-backend/internal/outbox"
)

// reasonWritesDisabled is recorded when tenant policy blocks execution.
const reasonWritesDisabled = "writes_disabled_by_policy"

// Config tunes the worker loop.
type Config struct {
	// TenantID scopes polling; empty drains every tenant.
	TenantID string

	PollInterval time.Duration
	BatchSize    int
	Retry        RetryPolicy

	// RateGaps maps bucket names to minimum send gaps; unknown buckets use
	// DefaultRateGap.
	RateGaps       map[string]time.Duration
	DefaultRateGap time.Duration

	// FailedRequeueDelay controls the policy gate. Zero parks blocked
	// records as failed until an operator intervenes; a positive delay
	// defers them instead so they re-enter the queue once writes are
	// re-enabled.
	FailedRequeueDelay time.Duration
}

// DefaultConfig polls every five seconds in batches of five.
func DefaultConfig() Config {
	return Config{
		PollInterval:   5 * time.Second,
		BatchSize:      5,
		Retry:          DefaultRetryPolicy(),
		RateGaps:       DefaultRateGaps(),
		DefaultRateGap: time.Second,
	}
}

// Deps are the runner's collaborators. Store and Executor are required;
// Catalog enables the policy gate, Projector and Emitter are optional, and
// nil Limiter, Recorder, or Metrics get in-memory defaults.
type Deps struct {
	Store     outbox.Store
	Catalog   catalog.Service
	Executor  Executor
	Limiter   RateLimiter
	Recorder  audit.Recorder
	Projector actions.Projector
	Emitter   events.Emitter
	Metrics   *Metrics
}

// Runner drains pending envelopes through policy, rate, and retry handling.
type Runner struct {
	cfg       Config
	store     outbox.Store
	catalog   catalog.Service
	executor  Executor
	limiter   RateLimiter
	recorder  audit.Recorder
	projector actions.Projector
	emitter   events.Emitter
	metrics   *Metrics

	clock  func() time.Time
	sleep  sleepFunc
	logger *log.Logger
}

func NewRunner(cfg Config, deps Deps) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.RateGaps == nil {
		cfg.RateGaps = DefaultRateGaps()
	}
	if cfg.DefaultRateGap <= 0 {
		cfg.DefaultRateGap = time.Second
	}

	limiter := deps.Limiter
	if limiter == nil {
		limiter = NewMemoryRateLimiter()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = audit.NewMemoryRecorder(audit.WorkerIdentity, 0)
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetricsWith(nil)
	}

	return &Runner{
		cfg:       cfg,
		store:     deps.Store,
		catalog:   deps.Catalog,
		executor:  deps.Executor,
		limiter:   limiter,
		recorder:  recorder,
		projector: deps.Projector,
		emitter:   deps.Emitter,
		metrics:   metrics,
		clock:     time.Now,
		sleep:     sleepContext,
		logger:    log.New(log.Writer(), "[WORKER] ", log.LstdFlags),
	}
}

// SetClock pins the time source. Test hook.
func (r *Runner) SetClock(clock func() time.Time) { r.clock = clock }

// SetSleep replaces the backoff/poll sleeper. Test hook.
func (r *Runner) SetSleep(sleep sleepFunc) { r.sleep = sleep }

// Run polls until ctx is cancelled. Cancellation stops the claiming of new
// records; the in-flight record always runs to a terminal outcome.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Printf("🚀 Worker started (poll %s, batch %d, max attempts %d)",
		r.cfg.PollInterval, r.cfg.BatchSize, r.cfg.Retry.MaxAttempts)

	for ctx.Err() == nil {
		processed, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.Printf("⚠️ Poll failed: %v", err)
			processed = 0
		}
		if processed == 0 {
			if r.sleep(ctx, r.cfg.PollInterval) != nil {
				break
			}
		}
	}

	r.logger.Printf("👋 Worker stopped")
}

// RunOnce polls one batch and processes it sequentially. Every listed
// record counts as processed, including ones that were only deferred.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	records, err := r.store.ListPending(ctx, r.cfg.TenantID, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	r.metrics.ObserveBatch(len(records))

	processed := 0
	for _, record := range records {
		if ctx.Err() != nil {
			break
		}
		// The in-flight record is finished even if shutdown starts mid-way.
		r.processRecord(context.WithoutCancel(ctx), record)
		processed++
	}
	return processed, nil
}

func (r *Runner) processRecord(ctx context.Context, record *outbox.Record) {
	envelopeID := record.EnvelopeID()
	tenantID := record.TenantID()
	slug := record.Envelope.ToolSlug

	var policy *catalog.EffectivePolicy
	if r.catalog != nil {
		resolved, err := r.catalog.GetEffectivePolicy(ctx, tenantID, slug)
		if err != nil {
			r.logger.Printf("⚠️ Policy lookup failed for %s: %v", envelopeID, err)
		} else {
			policy = resolved
		}
	}

	if policy != nil && !policy.WriteAllowed {
		r.handlePolicyBlocked(ctx, record)
		return
	}

	bucket := ""
	gap := time.Duration(0)
	if policy != nil && policy.RateBucket != "" {
		bucket = policy.RateBucket
		gap = r.gapFor(bucket)
		wait, err := r.limiter.WaitFor(ctx, tenantID, bucket, gap)
		if err != nil {
			// Rate limiting degrades to best effort when the limiter
			// backend is unreachable.
			r.logger.Printf("⚠️ Rate limiter unavailable for %s: %v", envelopeID, err)
		} else if wait > 0 {
			retryIn := ceilSeconds(wait)
			if err := r.store.Defer(ctx, envelopeID, retryIn); err != nil {
				r.logger.Printf("⚠️ Defer failed for %s: %v", envelopeID, err)
				return
			}
			r.metrics.RecordDeferral(bucket)
			r.logger.Printf("⏳ Deferred %s by %s (bucket %s saturated)", envelopeID, retryIn, bucket)
			return
		}
	}

	if err := r.store.MarkInProgress(ctx, envelopeID); err != nil {
		if errors.Is(err, outbox.ErrAlreadyClaimed) {
			r.logger.Printf("⏭ Skipping %s: claimed elsewhere", envelopeID)
			return
		}
		r.logger.Printf("⚠️ Claim failed for %s: %v", envelopeID, err)
		return
	}
	r.logger.Printf("▶️ Executing %s (%s) for tenant %s", envelopeID, slug, tenantID)

	start := r.clock()
	result, attempts, err := executeWithRetry(ctx, r.cfg.Retry, r.sleep, func() (map[string]interface{}, error) {
		return r.executor.Execute(ctx, record.Envelope)
	})
	r.metrics.ObserveProviderLatency(r.clock().Sub(start).Seconds())

	switch {
	case err == nil:
		r.handleSuccess(ctx, record, result, attempts, bucket, gap)
	case IsConflict(err):
		r.handleConflict(ctx, record, err, attempts)
	default:
		r.handleFailure(ctx, record, err, attempts)
	}
}

func (r *Runner) handlePolicyBlocked(ctx context.Context, record *outbox.Record) {
	envelopeID := record.EnvelopeID()

	if r.cfg.FailedRequeueDelay > 0 {
		if err := r.store.Defer(ctx, envelopeID, r.cfg.FailedRequeueDelay); err != nil {
			r.logger.Printf("⚠️ Defer failed for %s: %v", envelopeID, err)
			return
		}
		r.metrics.RecordOutcome("deferred", 0)
		r.logger.Printf("⏸ Writes disabled for %s; retrying in %s", envelopeID, r.cfg.FailedRequeueDelay)
		return
	}

	if err := r.store.MarkFailure(ctx, envelopeID, reasonWritesDisabled, nil, false); err != nil {
		r.logger.Printf("⚠️ MarkFailure failed for %s: %v", envelopeID, err)
		return
	}
	r.recorder.Record(ctx, audit.OutboxEntry(record.TenantID(), envelopeID, record.Envelope.ToolSlug,
		string(outbox.StatusFailed), map[string]interface{}{"error": reasonWritesDisabled}))
	r.metrics.RecordOutcome("policy_blocked", 0)
	r.logger.Printf("⛔ Writes disabled by policy for %s", envelopeID)
}

func (r *Runner) handleSuccess(ctx context.Context, record *outbox.Record, result map[string]interface{}, attempts int, bucket string, gap time.Duration) {
	envelopeID := record.EnvelopeID()
	if result == nil {
		result = map[string]interface{}{}
	}

	if err := r.store.MarkSuccess(ctx, envelopeID, result); err != nil {
		r.logger.Printf("⚠️ MarkSuccess failed for %s: %v", envelopeID, err)
		return
	}

	if r.projector != nil {
		if err := r.projector.Project(ctx, record, outbox.StatusSuccess, result); err != nil {
			r.logger.Printf("⚠️ Actions projection failed for %s: %v", envelopeID, err)
		}
	}

	r.recorder.Record(ctx, audit.OutboxEntry(record.TenantID(), envelopeID, record.Envelope.ToolSlug,
		string(outbox.StatusSuccess), result))
	r.emit(events.TypeOutboxSuccess, record, map[string]interface{}{"attempts": attempts})
	r.metrics.RecordOutcome("success", attempts)
	r.logger.Printf("✅ Executed %s in %d attempt(s)", envelopeID, attempts)

	if bucket != "" {
		if err := r.limiter.RecordSend(ctx, record.TenantID(), bucket, gap); err != nil {
			r.logger.Printf("⚠️ Rate stamp failed for bucket %s: %v", bucket, err)
		}
	}
}

func (r *Runner) handleConflict(ctx context.Context, record *outbox.Record, execErr error, attempts int) {
	envelopeID := record.EnvelopeID()
	reason := execErr.Error()

	if err := r.store.MarkConflict(ctx, envelopeID, reason); err != nil {
		r.logger.Printf("⚠️ MarkConflict failed for %s: %v", envelopeID, err)
		return
	}
	r.recorder.Record(ctx, audit.OutboxEntry(record.TenantID(), envelopeID, record.Envelope.ToolSlug,
		string(outbox.StatusConflict), map[string]interface{}{"reason": reason}))
	r.emit(events.TypeOutboxConflict, record, map[string]interface{}{"reason": reason})
	r.metrics.RecordOutcome("conflict", attempts)
	r.logger.Printf("⚠️ Conflict for %s: %s", envelopeID, reason)
}

func (r *Runner) handleFailure(ctx context.Context, record *outbox.Record, execErr error, attempts int) {
	envelopeID := record.EnvelopeID()
	reason := execErr.Error()

	if err := r.store.MarkFailure(ctx, envelopeID, reason, nil, true); err != nil {
		r.logger.Printf("⚠️ MarkFailure failed for %s: %v", envelopeID, err)
		return
	}
	r.recorder.Record(ctx, audit.OutboxEntry(record.TenantID(), envelopeID, record.Envelope.ToolSlug,
		string(outbox.StatusDLQ), map[string]interface{}{"error": reason}))
	r.emit(events.TypeOutboxDLQ, record, map[string]interface{}{"error": reason})
	r.metrics.RecordOutcome("dlq", attempts)
	r.logger.Printf("❌ Moved %s to DLQ after %d attempt(s): %s", envelopeID, attempts, reason)
}

func (r *Runner) emit(eventType string, record *outbox.Record, data map[string]interface{}) {
	if r.emitter == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["envelope_id"] = record.EnvelopeID()
	data["tool_slug"] = record.Envelope.ToolSlug
	r.emitter.Emit(eventType, "/worker/outbox", record.EnvelopeID(), record.TenantID(), data)
}

func (r *Runner) gapFor(bucket string) time.Duration {
	if gap, ok := r.cfg.RateGaps[bucket]; ok {
		return gap
	}
	return r.cfg.DefaultRateGap
}

// ceilSeconds rounds a wait up to whole seconds so deferred records never
// come back a fraction early.
func ceilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	secs := d / time.Second
	if d%time.Second != 0 {
		secs++
	}
	return secs * time.Second
}
