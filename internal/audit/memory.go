package audit

import (
	"context"
	"sync"
	"time"
)

const defaultMemoryCapacity = 512

// MemoryRecorder keeps the most recent entries in a bounded in-memory ring.
// Used by tests and the demo wiring.
type MemoryRecorder struct {
	mu       sync.Mutex
	identity Identity
	entries  []Entry
	capacity int
	clock    func() time.Time
}

var _ Recorder = (*MemoryRecorder)(nil)

// NewMemoryRecorder creates a ring recorder. A capacity of zero or below
// falls back to the default.
func NewMemoryRecorder(identity Identity, capacity int) *MemoryRecorder {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryRecorder{
		identity: identity,
		capacity: capacity,
		clock:    time.Now,
	}
}

// SetClock pins the timestamp source. Test hook.
func (r *MemoryRecorder) SetClock(clock func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
}

func (r *MemoryRecorder) Record(_ context.Context, entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, stamp(entry, r.identity, r.clock()))
	if len(r.entries) > r.capacity {
		r.entries = r.entries[len(r.entries)-r.capacity:]
	}
}

// Recent returns entries newest first, optionally filtered by tenant and
// category. A non-positive limit returns everything that matches.
func (r *MemoryRecorder) Recent(_ context.Context, tenantID string, category Category, limit int) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := make([]Entry, 0, len(r.entries))
	for i := len(r.entries) - 1; i >= 0; i-- {
		entry := r.entries[i]
		if tenantID != "" && entry.TenantID != tenantID {
			continue
		}
		if category != "" && entry.Category != category {
			continue
		}
		matched = append(matched, entry)
		if limit > 0 && len(matched) >= limit {
			break
		}
	}
	return matched, nil
}

// Len reports how many entries the ring currently holds.
func (r *MemoryRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
