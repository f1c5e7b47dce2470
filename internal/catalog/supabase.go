package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/generativebots/acp-backend/internal/database"
	"github.com/generativebots/acp-backend/internal/envelope"
)

// catalogRow mirrors the tool_catalog table.
type catalogRow struct {
	TenantID       string                 `json:"tenant_id"`
	ToolSlug       string                 `json:"tool_slug"`
	DisplayName    string                 `json:"display_name"`
	Description    string                 `json:"description"`
	Version        string                 `json:"version"`
	Risk           string                 `json:"risk"`
	Schema         map[string]interface{} `json:"schema"`
	RequiredScopes []string               `json:"required_scopes"`
	UpdatedAt      string                 `json:"updated_at,omitempty"`
}

func (r *catalogRow) entry() *Entry {
	return &Entry{
		Slug:           r.ToolSlug,
		DisplayName:    r.DisplayName,
		Description:    r.Description,
		Version:        r.Version,
		Risk:           envelope.NormalizeRisk(r.Risk, envelope.RiskMedium),
		Schema:         r.Schema,
		RequiredScopes: r.RequiredScopes,
	}
}

// policyRow mirrors the effective-policy view joining tenant overrides onto
// catalog defaults.
type policyRow struct {
	TenantID     string `json:"tenant_id"`
	ToolSlug     string `json:"tool_slug"`
	WriteAllowed *bool  `json:"write_allowed"`
	RateBucket   string `json:"rate_bucket"`
	Risk         string `json:"risk"`
	Approval     string `json:"approval"`
}

// SupabaseCatalog is the durable catalog backed by the tool_catalog table
// and the effective-policy view.
type SupabaseCatalog struct {
	db *database.Client
}

// NewSupabaseCatalog wraps a database client.
func NewSupabaseCatalog(db *database.Client) *SupabaseCatalog {
	return &SupabaseCatalog{db: db}
}

// ListTools returns all entries registered for a tenant.
func (c *SupabaseCatalog) ListTools(ctx context.Context, tenantID string) ([]*Entry, error) {
	var rows []catalogRow
	_, err := c.db.From(database.TableToolCatalog).
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		Order("tool_slug", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query tool_catalog: %w", err)
	}

	entries := make([]*Entry, 0, len(rows))
	for i := range rows {
		entries = append(entries, rows[i].entry())
	}
	return entries, nil
}

// GetTool resolves a slug case-insensitively. Returns (nil, nil) when the
// tenant has no such tool.
func (c *SupabaseCatalog) GetTool(ctx context.Context, tenantID, slug string) (*Entry, error) {
	var rows []catalogRow
	_, err := c.db.From(database.TableToolCatalog).
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		Ilike("tool_slug", strings.TrimSpace(slug)).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query tool_catalog: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].entry(), nil
}

// GetEffectivePolicy resolves the policy view row for a slug; tools without
// an override row fall back to the entry defaults.
func (c *SupabaseCatalog) GetEffectivePolicy(ctx context.Context, tenantID, slug string) (*EffectivePolicy, error) {
	var rows []policyRow
	_, err := c.db.From(database.ViewEffectivePolicy).
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		Ilike("tool_slug", strings.TrimSpace(slug)).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", database.ViewEffectivePolicy, err)
	}

	if len(rows) > 0 {
		row := rows[0]
		policy := &EffectivePolicy{
			ToolSlug:     row.ToolSlug,
			WriteAllowed: true,
			RateBucket:   row.RateBucket,
			Risk:         envelope.NormalizeRisk(row.Risk, envelope.RiskMedium),
			Approval:     row.Approval,
		}
		if row.WriteAllowed != nil {
			policy.WriteAllowed = *row.WriteAllowed
		}
		return policy, nil
	}

	entry, err := c.GetTool(ctx, tenantID, slug)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	return defaultPolicyFor(entry), nil
}

// SyncEntries bulk-upserts the tenant's entries, idempotent on
// (tenant_id, tool_slug).
func (c *SupabaseCatalog) SyncEntries(ctx context.Context, tenantID string, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	rows := make([]catalogRow, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, catalogRow{
			TenantID:       tenantID,
			ToolSlug:       entry.Slug,
			DisplayName:    entry.DisplayName,
			Description:    entry.Description,
			Version:        entry.Version,
			Risk:           string(entry.Risk),
			Schema:         entry.Schema,
			RequiredScopes: entry.RequiredScopes,
			UpdatedAt:      now,
		})
	}

	_, _, err := c.db.From(database.TableToolCatalog).
		Upsert(rows, "tenant_id,tool_slug", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("upsert tool_catalog: %w", err)
	}
	return nil
}

var _ Service = (*SupabaseCatalog)(nil)
