// Package actions projects executed envelopes into the actions history table
// used by analytics and the activity views.
package actions

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/generativebots/acp-backend/internal/outbox"
)

// TypeMCPExec marks rows projected from envelope executions.
const TypeMCPExec = "mcp.exec"

// ActionRecord is one projected history row, keyed by the envelope's
// external_id so repeated deliveries collapse onto a single row.
type ActionRecord struct {
	ExternalID string                 `json:"external_id"`
	TenantID   string                 `json:"tenant_id"`
	Type       string                 `json:"type"`
	Title      string                 `json:"title"`
	Status     string                 `json:"status"`
	Risk       string                 `json:"risk"`
	Approval   string                 `json:"approval"`
	Tool       map[string]interface{} `json:"tool"`
	Args       map[string]interface{} `json:"args"`
	Result     map[string]interface{} `json:"result"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Projector mirrors outbox outcomes into the actions history. Failures are
// returned so the worker can log them; they never block the outcome itself.
type Projector interface {
	Project(ctx context.Context, record *outbox.Record, status outbox.Status, result map[string]interface{}) error
}

// FromOutbox builds the history row for an outbox outcome.
func FromOutbox(record *outbox.Record, status outbox.Status, result map[string]interface{}, now time.Time) ActionRecord {
	if result == nil {
		result = map[string]interface{}{"status": "sent"}
	}
	approval := "pending"
	if status == outbox.StatusSuccess {
		approval = "granted"
	}
	return ActionRecord{
		ExternalID: record.Envelope.ExternalID,
		TenantID:   record.TenantID(),
		Type:       TypeMCPExec,
		Title:      outbox.HumaniseSlug(record.Envelope.ToolSlug),
		Status:     outbox.UIStatus(status),
		Risk:       string(record.Envelope.Risk),
		Approval:   approval,
		Tool:       toolDescriptor(record.Envelope.ToolSlug),
		Args:       record.Envelope.Arguments,
		Result:     result,
		UpdatedAt:  now.UTC(),
	}
}

// toolDescriptor splits a provider slug into its app and action parts.
func toolDescriptor(slug string) map[string]interface{} {
	if app, name, found := strings.Cut(slug, "__"); found {
		return map[string]interface{}{"name": name, "composio_app": app}
	}
	return map[string]interface{}{"name": slug, "composio_app": nil}
}

// MemoryProjector keeps projected rows in memory. Used by tests and the demo
// wiring.
type MemoryProjector struct {
	mu      sync.Mutex
	records map[string]ActionRecord
	clock   func() time.Time
}

var _ Projector = (*MemoryProjector)(nil)

func NewMemoryProjector() *MemoryProjector {
	return &MemoryProjector{
		records: make(map[string]ActionRecord),
		clock:   time.Now,
	}
}

// SetClock pins the timestamp source. Test hook.
func (p *MemoryProjector) SetClock(clock func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = clock
}

func (p *MemoryProjector) Project(_ context.Context, record *outbox.Record, status outbox.Status, result map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	row := FromOutbox(record, status, result, p.clock())
	p.records[row.ExternalID] = row
	return nil
}

// Get returns the projected row for an external id, if any.
func (p *MemoryProjector) Get(externalID string) (ActionRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	record, ok := p.records[externalID]
	return record, ok
}

// Len reports how many distinct external ids have been projected.
func (p *MemoryProjector) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}
