package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/generativebots/acp-backend/internal/outbox"
)

// MemoryArchive keeps archived records in process memory, for tests and the
// local demo loop.
type MemoryArchive struct {
	mu      sync.RWMutex
	records map[string]*ArchivedRecord // tenant/envelope -> record
	clock   func() time.Time
}

var _ Archiver = (*MemoryArchive)(nil)

// NewMemoryArchive creates an empty in-memory archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{
		records: make(map[string]*ArchivedRecord),
		clock:   time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (a *MemoryArchive) SetClock(clock func() time.Time) { a.clock = clock }

func archiveKey(tenantID, envelopeID string) string {
	return tenantID + "/" + envelopeID
}

func (a *MemoryArchive) Archive(_ context.Context, record *outbox.Record) error {
	payload, err := json.Marshal(map[string]interface{}{
		"arguments":     record.Envelope.Arguments,
		"metadata":      record.Metadata,
		"external_id":   record.Envelope.ExternalID,
		"trust_context": record.Envelope.TrustContext,
	})
	if err != nil {
		return fmt.Errorf("failed to encode archive payload for %s: %w", record.EnvelopeID(), err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.records[archiveKey(record.TenantID(), record.EnvelopeID())] = &ArchivedRecord{
		TenantID:   record.TenantID(),
		EnvelopeID: record.EnvelopeID(),
		ToolSlug:   record.Envelope.ToolSlug,
		Risk:       string(record.Envelope.Risk),
		Attempts:   int64(record.Attempts),
		LastError:  record.LastError,
		Payload:    string(payload),
		QueuedAt:   record.QueuedAt,
		ArchivedAt: a.clock().UTC(),
	}
	return nil
}

func (a *MemoryArchive) ListArchived(_ context.Context, tenantID string, limit int) ([]*ArchivedRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []*ArchivedRecord
	for _, rec := range a.records {
		if tenantID != "" && rec.TenantID != tenantID {
			continue
		}
		clone := *rec
		out = append(out, &clone)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ArchivedAt.After(out[j].ArchivedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get fetches one archived record, or (nil, nil) when it was never archived.
func (a *MemoryArchive) Get(_ context.Context, tenantID, envelopeID string) (*ArchivedRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	rec, ok := a.records[archiveKey(tenantID, envelopeID)]
	if !ok {
		return nil, nil
	}
	clone := *rec
	return &clone, nil
}
