package worker

import (
	"context"
	"fmt"

	"github.com/generativebots/acp-backend/internal/events"
)

// Stats summarises queue depth for the status command and the API.
type Stats struct {
	Pending int `json:"pending"`
	DLQ     int `json:"dlq"`
}

// Status counts pending and dead-lettered envelopes for the configured
// tenant scope.
func (r *Runner) Status(ctx context.Context) (Stats, error) {
	pending, err := r.store.CountPending(ctx, r.cfg.TenantID)
	if err != nil {
		return Stats{}, fmt.Errorf("count pending: %w", err)
	}
	dlq, err := r.store.CountDLQ(ctx, r.cfg.TenantID)
	if err != nil {
		return Stats{}, fmt.Errorf("count dlq: %w", err)
	}
	return Stats{Pending: pending, DLQ: dlq}, nil
}

// DrainDLQ requeues up to limit dead-lettered envelopes back to pending.
// Returns how many were drained; a requeue error stops the sweep but keeps
// the count of records already drained.
func (r *Runner) DrainDLQ(ctx context.Context, tenantID string, limit int) (int, error) {
	if tenantID == "" {
		tenantID = r.cfg.TenantID
	}
	dead, err := r.store.ListDLQ(ctx, tenantID, limit)
	if err != nil {
		return 0, fmt.Errorf("list dlq: %w", err)
	}

	drained := 0
	for _, record := range dead {
		requeued, err := r.store.RequeueFromDLQ(ctx, record.EnvelopeID())
		if err != nil {
			return drained, fmt.Errorf("requeue %s: %w", record.EnvelopeID(), err)
		}
		if requeued == nil {
			continue
		}
		drained++
		r.emit(events.TypeOutboxRequeued, requeued, map[string]interface{}{"source": "drain"})
		r.logger.Printf("♻️ Requeued %s from DLQ", requeued.EnvelopeID())
	}
	return drained, nil
}

// RetryDLQ requeues a single dead-lettered envelope. The boolean reports
// whether the envelope was found in the tenant's DLQ; records that exist
// but are not dead-lettered are left untouched.
func (r *Runner) RetryDLQ(ctx context.Context, tenantID, envelopeID string) (bool, error) {
	record, err := r.store.Get(ctx, envelopeID)
	if err != nil {
		return false, fmt.Errorf("get %s: %w", envelopeID, err)
	}
	if record == nil || !record.DLQ {
		return false, nil
	}
	if tenantID != "" && record.TenantID() != tenantID {
		return false, nil
	}

	requeued, err := r.store.RequeueFromDLQ(ctx, envelopeID)
	if err != nil {
		return false, fmt.Errorf("requeue %s: %w", envelopeID, err)
	}
	if requeued == nil {
		return false, nil
	}
	r.emit(events.TypeOutboxRequeued, requeued, map[string]interface{}{"source": "retry-dlq"})
	r.logger.Printf("♻️ Requeued %s from DLQ", envelopeID)
	return true, nil
}
