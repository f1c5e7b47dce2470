package tenants

import (
	"context"
	"fmt"
	"time"

	"github.com/generativebots/acp-backend/internal/database"
)

// tenantRow is the tenants table column shape. Timestamps travel as strings
// to absorb the PostgREST format.
type tenantRow struct {
	TenantID  string                 `json:"tenant_id"`
	Name      string                 `json:"tenant_name"`
	Status    string                 `json:"status"`
	Settings  map[string]interface{} `json:"settings,omitempty"`
	CreatedAt string                 `json:"created_at,omitempty"`
}

type apiKeyRow struct {
	KeyID      string   `json:"key_id"`
	TenantID   string   `json:"tenant_id"`
	Name       string   `json:"name"`
	KeyHash    string   `json:"key_hash"`
	Scopes     []string `json:"scopes,omitempty"`
	IsActive   bool     `json:"is_active"`
	ExpiresAt  *string  `json:"expires_at,omitempty"`
	LastUsedAt *string  `json:"last_used_at,omitempty"`
	CreatedAt  string   `json:"created_at,omitempty"`
}

// SupabaseStore persists tenants and API keys through PostgREST.
type SupabaseStore struct {
	db *database.Client
}

var _ Store = (*SupabaseStore)(nil)

func NewSupabaseStore(db *database.Client) *SupabaseStore {
	return &SupabaseStore{db: db}
}

func (s *SupabaseStore) GetTenant(_ context.Context, tenantID string) (*Tenant, error) {
	var rows []tenantRow
	_, err := s.db.From(database.TableTenants).
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant %s: %w", tenantID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	tenant := rowToTenant(rows[0])
	return &tenant, nil
}

func (s *SupabaseStore) UpsertTenant(_ context.Context, tenant *Tenant) error {
	row := tenantRow{
		TenantID: tenant.TenantID,
		Name:     tenant.Name,
		Status:   tenant.Status,
		Settings: tenant.Settings,
	}
	if !tenant.CreatedAt.IsZero() {
		row.CreatedAt = tenant.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	_, _, err := s.db.From(database.TableTenants).
		Upsert(row, "tenant_id", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to upsert tenant %s: %w", tenant.TenantID, err)
	}
	return nil
}

func (s *SupabaseStore) GetAPIKey(_ context.Context, keyID string) (*APIKey, error) {
	var rows []apiKeyRow
	_, err := s.db.From(database.TableAPIKeys).
		Select("*", "", false).
		Eq("key_id", keyID).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	key := rowToAPIKey(rows[0])
	return &key, nil
}

func (s *SupabaseStore) CreateAPIKey(_ context.Context, key *APIKey) error {
	row := apiKeyRow{
		KeyID:    key.KeyID,
		TenantID: key.TenantID,
		Name:     key.Name,
		KeyHash:  key.KeyHash,
		Scopes:   key.Scopes,
		IsActive: key.IsActive,
	}
	if key.ExpiresAt != nil {
		stamp := key.ExpiresAt.UTC().Format(time.RFC3339Nano)
		row.ExpiresAt = &stamp
	}
	if !key.CreatedAt.IsZero() {
		row.CreatedAt = key.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	_, _, err := s.db.From(database.TableAPIKeys).
		Insert(row, false, "", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to create api key %s: %w", key.KeyID, err)
	}
	return nil
}

func (s *SupabaseStore) RevokeAPIKey(_ context.Context, keyID string) error {
	_, _, err := s.db.From(database.TableAPIKeys).
		Update(map[string]interface{}{"is_active": false}, "", "").
		Eq("key_id", keyID).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to revoke api key %s: %w", keyID, err)
	}
	return nil
}

func (s *SupabaseStore) TouchAPIKey(_ context.Context, keyID string, usedAt time.Time) error {
	_, _, err := s.db.From(database.TableAPIKeys).
		Update(map[string]interface{}{
			"last_used_at": usedAt.UTC().Format(time.RFC3339Nano),
		}, "", "").
		Eq("key_id", keyID).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to touch api key %s: %w", keyID, err)
	}
	return nil
}

func rowToTenant(row tenantRow) Tenant {
	tenant := Tenant{
		TenantID: row.TenantID,
		Name:     row.Name,
		Status:   row.Status,
		Settings: row.Settings,
	}
	if row.CreatedAt != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, row.CreatedAt); err == nil {
			tenant.CreatedAt = parsed.UTC()
		}
	}
	return tenant
}

func rowToAPIKey(row apiKeyRow) APIKey {
	key := APIKey{
		KeyID:    row.KeyID,
		TenantID: row.TenantID,
		Name:     row.Name,
		KeyHash:  row.KeyHash,
		Scopes:   row.Scopes,
		IsActive: row.IsActive,
	}
	if row.ExpiresAt != nil && *row.ExpiresAt != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, *row.ExpiresAt); err == nil {
			utc := parsed.UTC()
			key.ExpiresAt = &utc
		}
	}
	if row.LastUsedAt != nil && *row.LastUsedAt != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, *row.LastUsedAt); err == nil {
			utc := parsed.UTC()
			key.LastUsedAt = &utc
		}
	}
	if row.CreatedAt != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, row.CreatedAt); err == nil {
			key.CreatedAt = parsed.UTC()
		}
	}
	return key
}
