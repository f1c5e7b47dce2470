package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/generativebots/acp-backend/internal/database"
	"github.com/generativebots/acp-backend/internal/outbox"
)

// actionRow is the actions table shape. task_id and employee_id stay null
// for envelope-originated rows; they belong to task-driven executions.
type actionRow struct {
	TenantID    string                 `json:"tenant_id"`
	TaskID      interface{}            `json:"task_id"`
	EmployeeID  interface{}            `json:"employee_id"`
	ExternalID  string                 `json:"external_id"`
	Type        string                 `json:"type"`
	Title       string                 `json:"title"`
	Status      string                 `json:"status"`
	Tool        map[string]interface{} `json:"tool"`
	Args        map[string]interface{} `json:"args"`
	Risk        string                 `json:"risk"`
	Approval    string                 `json:"approval"`
	Constraints map[string]interface{} `json:"constraints"`
	Result      map[string]interface{} `json:"result"`
	UpdatedAt   string                 `json:"updated_at"`
}

// SupabaseProjector upserts history rows into the actions table, keyed on
// external_id.
type SupabaseProjector struct {
	db    *database.Client
	clock func() time.Time
}

var _ Projector = (*SupabaseProjector)(nil)

func NewSupabaseProjector(db *database.Client) *SupabaseProjector {
	return &SupabaseProjector{db: db, clock: time.Now}
}

func (p *SupabaseProjector) Project(_ context.Context, record *outbox.Record, status outbox.Status, result map[string]interface{}) error {
	projected := FromOutbox(record, status, result, p.clock())
	row := actionRow{
		TenantID:    projected.TenantID,
		ExternalID:  projected.ExternalID,
		Type:        projected.Type,
		Title:       projected.Title,
		Status:      projected.Status,
		Tool:        projected.Tool,
		Args:        projected.Args,
		Risk:        projected.Risk,
		Approval:    projected.Approval,
		Constraints: map[string]interface{}{},
		Result:      projected.Result,
		UpdatedAt:   projected.UpdatedAt.Format(time.RFC3339Nano),
	}

	_, _, err := p.db.From(database.TableActions).
		Upsert(row, "external_id", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("project action %s: %w", projected.ExternalID, err)
	}
	return nil
}
