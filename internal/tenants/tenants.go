// Package tenants manages the workspaces the control plane serves and the
// API keys that authenticate requests on their behalf. Keys use the format
// acp_<key_id>.<secret>; the key ID is public and used for lookup, only a
// bcrypt hash of the secret is ever stored.
package tenants

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix marks control-plane API keys.
const KeyPrefix = "acp_"

// Tenant statuses. Suspended tenants fail authentication but keep their
// durable state.
const (
	StatusActive    = "ACTIVE"
	StatusTrial     = "TRIAL"
	StatusSuspended = "SUSPENDED"
)

// Tenant is a workspace served by the control plane.
type Tenant struct {
	TenantID  string                 `json:"tenant_id"`
	Name      string                 `json:"tenant_name"`
	Status    string                 `json:"status"`
	Settings  map[string]interface{} `json:"settings,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// APIKey is the stored half of an issued key. The secret never persists.
type APIKey struct {
	KeyID      string     `json:"key_id"`
	TenantID   string     `json:"tenant_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"key_hash"`
	Scopes     []string   `json:"scopes,omitempty"`
	IsActive   bool       `json:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Store persists tenants and API keys. Lookups return (nil, nil) when the
// row does not exist.
type Store interface {
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
	UpsertTenant(ctx context.Context, tenant *Tenant) error
	GetAPIKey(ctx context.Context, keyID string) (*APIKey, error)
	CreateAPIKey(ctx context.Context, key *APIKey) error
	RevokeAPIKey(ctx context.Context, keyID string) error
	TouchAPIKey(ctx context.Context, keyID string, usedAt time.Time) error
}

// Manager issues and validates API keys and resolves the tenant behind a
// request.
type Manager struct {
	store  Store
	clock  func() time.Time
	logger *log.Logger
}

// NewManager creates a manager backed by the given store.
func NewManager(store Store) *Manager {
	return &Manager{
		store:  store,
		clock:  time.Now,
		logger: log.New(log.Writer(), "[TENANTS] ", log.LstdFlags),
	}
}

// SetClock overrides the time source, for tests.
func (m *Manager) SetClock(clock func() time.Time) { m.clock = clock }

// LoadTenant fetches a tenant and ensures it may use the control plane.
func (m *Manager) LoadTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	tenant, err := m.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, errors.New("tenant not found")
	}
	if tenant.Status != StatusActive && tenant.Status != StatusTrial {
		return nil, fmt.Errorf("tenant is %s", tenant.Status)
	}
	return tenant, nil
}

// CreateAPIKey mints a key for a tenant and returns the stored record plus
// the full key string. The full key is shown once; it cannot be recovered
// from storage.
func (m *Manager) CreateAPIKey(ctx context.Context, tenantID, name string, scopes []string) (*APIKey, string, error) {
	idBytes := make([]byte, 8)
	rand.Read(idBytes)
	keyID := hex.EncodeToString(idBytes) // 16 chars

	secretBytes := make([]byte, 24)
	rand.Read(secretBytes)
	secret := hex.EncodeToString(secretBytes) // 48 chars

	fullKey := fmt.Sprintf("%s%s.%s", KeyPrefix, keyID, secret)

	// Hash only the secret part. The ID is used for lookup.
	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	key := &APIKey{
		KeyID:     keyID,
		TenantID:  tenantID,
		Name:      name,
		KeyHash:   string(secretHash),
		Scopes:    scopes,
		IsActive:  true,
		CreatedAt: m.clock().UTC(),
	}

	if err := m.store.CreateAPIKey(ctx, key); err != nil {
		return nil, "", err
	}

	m.logger.Printf("🔑 Issued API key %s for tenant %s (%s)", keyID, tenantID, name)
	return key, fullKey, nil
}

// ValidateAPIKey checks a full key string and returns the tenant it belongs
// to. Key format: acp_<key_id>.<secret>.
func (m *Manager) ValidateAPIKey(ctx context.Context, fullKey string) (*Tenant, error) {
	if !strings.HasPrefix(fullKey, KeyPrefix) {
		return nil, errors.New("invalid key format")
	}
	parts := strings.Split(strings.TrimPrefix(fullKey, KeyPrefix), ".")
	if len(parts) != 2 {
		return nil, errors.New("invalid key format")
	}

	keyID := parts[0]
	secret := parts[1]

	key, err := m.store.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("lookup failed: %w", err)
	}
	if key == nil {
		return nil, errors.New("invalid api key")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(secret)); err != nil {
		return nil, errors.New("invalid api key secret")
	}

	if !key.IsActive {
		return nil, errors.New("api key inactive")
	}
	if key.ExpiresAt != nil && m.clock().After(*key.ExpiresAt) {
		return nil, errors.New("api key expired")
	}

	// Best effort; a failed stamp must not fail authentication.
	if err := m.store.TouchAPIKey(ctx, keyID, m.clock().UTC()); err != nil {
		m.logger.Printf("⚠️ Could not stamp last_used_at for key %s: %v", keyID, err)
	}

	return m.LoadTenant(ctx, key.TenantID)
}

type contextKey string

const tenantIDKey contextKey = "tenant_id"

// WithTenant adds tenant ID to context
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// GetTenantID extracts tenant ID from context
func GetTenantID(ctx context.Context) (string, error) {
	id, ok := ctx.Value(tenantIDKey).(string)
	if !ok || id == "" {
		return "", errors.New("tenant context missing")
	}
	return id, nil
}
