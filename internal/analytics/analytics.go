// Package analytics aggregates per-tenant activity counters for the read
// API: action history rollups, live outbox depth, and guardrail outcomes.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/generativebots/acp-backend/internal/audit"
	"github.com/generativebots/acp-backend/internal/outbox"
)

// defaultAuditWindow bounds how much trail one summary inspects.
const defaultAuditWindow = 500

// ActionStats rolls envelopes up by their UI status.
type ActionStats struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
}

// OutboxStats is the live queue depth.
type OutboxStats struct {
	Pending int `json:"pending"`
	DLQ     int `json:"dlq"`
}

// GuardrailStats counts evaluations and blocks within the audit window.
type GuardrailStats struct {
	Evaluations  int            `json:"evaluations"`
	Blocks       int            `json:"blocks"`
	BlocksByName map[string]int `json:"blocksByName"`
}

// Summary is the aggregated analytics payload for one tenant.
type Summary struct {
	Actions    ActionStats    `json:"actions"`
	Outbox     OutboxStats    `json:"outbox"`
	Guardrails GuardrailStats `json:"guardrails"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Service computes summaries from the outbox store and the audit trail. It
// is read-only; nothing here mutates control-plane state.
type Service struct {
	store    outbox.Store
	recorder audit.Recorder
	window   int
	clock    func() time.Time
}

// NewService creates an analytics service over the given store and trail.
func NewService(store outbox.Store, recorder audit.Recorder) *Service {
	return &Service{
		store:    store,
		recorder: recorder,
		window:   defaultAuditWindow,
		clock:    time.Now,
	}
}

// SetClock pins the timestamp source. Test hook.
func (s *Service) SetClock(clock func() time.Time) { s.clock = clock }

// Summary aggregates the tenant's counters.
func (s *Service) Summary(ctx context.Context, tenantID string) (*Summary, error) {
	pending, err := s.store.CountPending(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	dlq, err := s.store.CountDLQ(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("count dlq: %w", err)
	}

	outboxTrail, err := s.recorder.Recent(ctx, tenantID, audit.CategoryOutbox, s.window)
	if err != nil {
		return nil, fmt.Errorf("read outbox trail: %w", err)
	}
	guardrailTrail, err := s.recorder.Recent(ctx, tenantID, audit.CategoryGuardrail, s.window)
	if err != nil {
		return nil, fmt.Errorf("read guardrail trail: %w", err)
	}

	return &Summary{
		Actions:    rollupActions(outboxTrail),
		Outbox:     OutboxStats{Pending: pending, DLQ: dlq},
		Guardrails: rollupGuardrails(guardrailTrail),
		UpdatedAt:  s.clock().UTC(),
	}, nil
}

// rollupActions collapses the outbox trail onto one status per envelope.
// Entries arrive newest first, so the first status seen per envelope is its
// latest.
func rollupActions(entries []audit.Entry) ActionStats {
	var stats ActionStats
	seen := make(map[string]bool)

	for _, entry := range entries {
		id, _ := entry.Payload["envelope_id"].(string)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		status, _ := entry.Payload["status"].(string)
		stats.Total++
		switch outbox.UIStatus(outbox.Status(status)) {
		case "approved":
			stats.Approved++
		case "rejected":
			stats.Rejected++
		default:
			stats.Pending++
		}
	}
	return stats
}

func rollupGuardrails(entries []audit.Entry) GuardrailStats {
	stats := GuardrailStats{BlocksByName: make(map[string]int)}

	for _, entry := range entries {
		stats.Evaluations++
		if allowed, ok := entry.Payload["allowed"].(bool); !ok || allowed {
			continue
		}
		stats.Blocks++
		if name, _ := entry.Payload["guardrail"].(string); name != "" {
			stats.BlocksByName[name]++
		}
	}
	return stats
}
