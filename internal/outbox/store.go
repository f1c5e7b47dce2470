package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/generativebots/acp-backend/internal/envelope"
)

var (
	// ErrNotFound is returned by lifecycle transitions on an unknown
	// envelope id.
	ErrNotFound = errors.New("outbox record not found")

	// ErrAlreadyClaimed is returned by MarkInProgress when the record is
	// no longer pending, meaning another worker claimed it first.
	ErrAlreadyClaimed = errors.New("outbox record already claimed")
)

// Store is the outbox persistence contract. Get and RequeueFromDLQ return
// (nil, nil) for unknown ids; the Mark* transitions return ErrNotFound.
//
// An empty tenantID on the list and count operations means all tenants.
type Store interface {
	// Enqueue persists a new record with status pending and zero attempts.
	Enqueue(ctx context.Context, env envelope.Envelope, metadata map[string]interface{}) (*Record, error)

	Get(ctx context.Context, envelopeID string) (*Record, error)

	// ListPending returns records that are eligible to run now: status
	// pending and next_run_at unset or due, ordered next_run_at first
	// (nulls leading) then queued_at ascending.
	ListPending(ctx context.Context, tenantID string, limit int) ([]*Record, error)

	// ListDLQ returns dead-lettered records, newest first.
	ListDLQ(ctx context.Context, tenantID string, limit int) ([]*Record, error)

	// MarkInProgress atomically claims a pending record. Implementations
	// sharing a backing store must guarantee two workers cannot both
	// succeed for the same id.
	MarkInProgress(ctx context.Context, envelopeID string) error

	// MarkSuccess finishes a record, merging the provider result into its
	// metadata and clearing next_run_at. Attempts are left unchanged.
	MarkSuccess(ctx context.Context, envelopeID string, result map[string]interface{}) error

	// MarkFailure increments attempts and records the error. With
	// moveToDLQ the record lands in dlq and a mirror row is upserted into
	// the DLQ table; otherwise status becomes failed and next_run_at is
	// set to now+retryIn when retryIn is non-nil.
	MarkFailure(ctx context.Context, envelopeID string, errMsg string, retryIn *time.Duration, moveToDLQ bool) error

	// MarkConflict parks a record in the terminal conflict state. The
	// attempt that surfaced the conflict is counted.
	MarkConflict(ctx context.Context, envelopeID string, reason string) error

	// Defer reschedules a pending record to now+retryIn without counting
	// an attempt.
	Defer(ctx context.Context, envelopeID string, retryIn time.Duration) error

	// RequeueFromDLQ resets a record to pending with zero attempts, no
	// error, and no schedule, and removes its DLQ mirror.
	RequeueFromDLQ(ctx context.Context, envelopeID string) (*Record, error)

	CountPending(ctx context.Context, tenantID string) (int, error)
	CountDLQ(ctx context.Context, tenantID string) (int, error)
}
