package audit

import (
	"context"
	"log"
	"time"

	"github.com/supabase-community/postgrest-go"

	"github.com/generativebots/acp-backend/internal/database"
)

// auditRow is the audit_log table shape.
type auditRow struct {
	ID        string                 `json:"id"`
	TenantID  string                 `json:"tenant_id"`
	ActorType string                 `json:"actor_type"`
	ActorID   string                 `json:"actor_id"`
	Category  string                 `json:"category"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt string                 `json:"created_at"`
}

// SupabaseRecorder persists trail entries to the audit_log table.
type SupabaseRecorder struct {
	db       *database.Client
	identity Identity
	clock    func() time.Time
	logger   *log.Logger
}

var _ Recorder = (*SupabaseRecorder)(nil)

func NewSupabaseRecorder(db *database.Client, identity Identity) *SupabaseRecorder {
	return &SupabaseRecorder{
		db:       db,
		identity: identity,
		clock:    time.Now,
		logger:   log.New(log.Writer(), "[AUDIT] ", log.LstdFlags),
	}
}

func (r *SupabaseRecorder) Record(_ context.Context, entry Entry) {
	entry = stamp(entry, r.identity, r.clock())
	row := auditRow{
		ID:        entry.ID,
		TenantID:  entry.TenantID,
		ActorType: entry.ActorType,
		ActorID:   entry.ActorID,
		Category:  string(entry.Category),
		Payload:   entry.Payload,
		CreatedAt: entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	}

	_, _, err := r.db.From(database.TableAuditLog).
		Insert(row, false, "", "", "").
		Execute()
	if err != nil {
		r.logger.Printf("⚠️ Failed to persist %s audit entry %s: %v", entry.Category, entry.ID, err)
	}
}

func (r *SupabaseRecorder) Recent(_ context.Context, tenantID string, category Category, limit int) ([]Entry, error) {
	query := r.db.From(database.TableAuditLog).Select("*", "", false)
	if tenantID != "" {
		query = query.Eq("tenant_id", tenantID)
	}
	if category != "" {
		query = query.Eq("category", string(category))
	}
	query = query.Order("created_at", &postgrest.OrderOpts{Ascending: false})
	if limit > 0 {
		query = query.Limit(limit, "")
	}

	var rows []auditRow
	if _, err := query.ExecuteTo(&rows); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		createdAt, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
		if err != nil {
			createdAt = time.Time{}
		}
		entries = append(entries, Entry{
			ID:        row.ID,
			TenantID:  row.TenantID,
			ActorType: row.ActorType,
			ActorID:   row.ActorID,
			Category:  Category(row.Category),
			Payload:   row.Payload,
			CreatedAt: createdAt,
		})
	}
	return entries, nil
}
