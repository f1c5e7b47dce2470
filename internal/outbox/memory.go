package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/generativebots/acp-backend/internal/envelope"
)

// MemoryStore keeps outbox records in process memory. It backs unit tests
// and the demo driver, and is the reference implementation for the
// lifecycle semantics the durable stores must match.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string
	clock   func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		clock:   time.Now,
	}
}

// SetClock overrides the store's time source. Tests use it to pin
// scheduling decisions.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func (s *MemoryStore) now() time.Time {
	return s.clock().UTC()
}

func (s *MemoryStore) Enqueue(_ context.Context, env envelope.Envelope, metadata map[string]interface{}) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	record := &Record{
		Envelope:  env,
		Status:    StatusPending,
		Attempts:  0,
		QueuedAt:  now,
		UpdatedAt: now,
		Metadata:  copyMap(metadata),
	}
	if _, exists := s.records[env.EnvelopeID]; !exists {
		s.order = append(s.order, env.EnvelopeID)
	}
	s.records[env.EnvelopeID] = record
	return cloneRecord(record), nil
}

func (s *MemoryStore) Get(_ context.Context, envelopeID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[envelopeID]
	if !ok {
		return nil, nil
	}
	return cloneRecord(record), nil
}

func (s *MemoryStore) ListPending(_ context.Context, tenantID string, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	eligible := make([]*Record, 0)
	for _, id := range s.order {
		record := s.records[id]
		if record.Status != StatusPending {
			continue
		}
		if tenantID != "" && record.TenantID() != tenantID {
			continue
		}
		if record.NextRunAt != nil && record.NextRunAt.After(now) {
			continue
		}
		eligible = append(eligible, record)
	}

	// next_run_at nulls first, then by queue insertion time.
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		switch {
		case a.NextRunAt == nil && b.NextRunAt != nil:
			return true
		case a.NextRunAt != nil && b.NextRunAt == nil:
			return false
		case a.NextRunAt != nil && b.NextRunAt != nil && !a.NextRunAt.Equal(*b.NextRunAt):
			return a.NextRunAt.Before(*b.NextRunAt)
		}
		return a.QueuedAt.Before(b.QueuedAt)
	})

	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	out := make([]*Record, len(eligible))
	for i, record := range eligible {
		out[i] = cloneRecord(record)
	}
	return out, nil
}

func (s *MemoryStore) ListDLQ(_ context.Context, tenantID string, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dead := make([]*Record, 0)
	for _, id := range s.order {
		record := s.records[id]
		if !record.DLQ {
			continue
		}
		if tenantID != "" && record.TenantID() != tenantID {
			continue
		}
		dead = append(dead, record)
	}
	sort.SliceStable(dead, func(i, j int) bool {
		return dead[i].UpdatedAt.After(dead[j].UpdatedAt)
	})

	if limit > 0 && len(dead) > limit {
		dead = dead[:limit]
	}
	out := make([]*Record, len(dead))
	for i, record := range dead {
		out[i] = cloneRecord(record)
	}
	return out, nil
}

func (s *MemoryStore) MarkInProgress(_ context.Context, envelopeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[envelopeID]
	if !ok {
		return ErrNotFound
	}
	if record.Status != StatusPending {
		return ErrAlreadyClaimed
	}
	record.Status = StatusInProgress
	record.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) MarkSuccess(_ context.Context, envelopeID string, result map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[envelopeID]
	if !ok {
		return ErrNotFound
	}
	record.Status = StatusSuccess
	record.Metadata = mergeMaps(record.Metadata, result)
	record.NextRunAt = nil
	record.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) MarkFailure(_ context.Context, envelopeID string, errMsg string, retryIn *time.Duration, moveToDLQ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[envelopeID]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	record.Attempts++
	record.LastError = errMsg
	record.UpdatedAt = now
	if moveToDLQ {
		record.Status = StatusDLQ
		record.DLQ = true
		record.NextRunAt = nil
		return nil
	}
	record.Status = StatusFailed
	if retryIn != nil {
		at := now.Add(*retryIn)
		record.NextRunAt = &at
	} else {
		record.NextRunAt = nil
	}
	return nil
}

func (s *MemoryStore) MarkConflict(_ context.Context, envelopeID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[envelopeID]
	if !ok {
		return ErrNotFound
	}
	record.Status = StatusConflict
	record.Attempts++
	record.LastError = reason
	record.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Defer(_ context.Context, envelopeID string, retryIn time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[envelopeID]
	if !ok {
		return ErrNotFound
	}
	at := s.now().Add(retryIn)
	record.NextRunAt = &at
	record.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) RequeueFromDLQ(_ context.Context, envelopeID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[envelopeID]
	if !ok {
		return nil, nil
	}
	record.Status = StatusPending
	record.DLQ = false
	record.Attempts = 0
	record.LastError = ""
	record.NextRunAt = nil
	record.UpdatedAt = s.now()
	return cloneRecord(record), nil
}

func (s *MemoryStore) CountPending(ctx context.Context, tenantID string) (int, error) {
	pending, err := s.ListPending(ctx, tenantID, 0)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

func (s *MemoryStore) CountDLQ(ctx context.Context, tenantID string) (int, error) {
	dead, err := s.ListDLQ(ctx, tenantID, 0)
	if err != nil {
		return 0, err
	}
	return len(dead), nil
}

// Clear drops every record. Test helper.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*Record)
	s.order = nil
}

func cloneRecord(record *Record) *Record {
	clone := *record
	if record.NextRunAt != nil {
		at := *record.NextRunAt
		clone.NextRunAt = &at
	}
	clone.Metadata = copyMap(record.Metadata)
	return &clone
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mergeMaps(base, extra map[string]interface{}) map[string]interface{} {
	merged := copyMap(base)
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
