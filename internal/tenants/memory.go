package tenants

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps tenants and keys in process memory, for tests and the
// local demo loop.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	keys    map[string]*APIKey
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*Tenant),
		keys:    make(map[string]*APIKey),
	}
}

func (s *MemoryStore) GetTenant(_ context.Context, tenantID string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenant, ok := s.tenants[tenantID]
	if !ok {
		return nil, nil
	}
	clone := *tenant
	return &clone, nil
}

func (s *MemoryStore) UpsertTenant(_ context.Context, tenant *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *tenant
	s.tenants[tenant.TenantID] = &clone
	return nil
}

func (s *MemoryStore) GetAPIKey(_ context.Context, keyID string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[keyID]
	if !ok {
		return nil, nil
	}
	clone := *key
	return &clone, nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *key
	s.keys[key.KeyID] = &clone
	return nil
}

func (s *MemoryStore) RevokeAPIKey(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key, ok := s.keys[keyID]; ok {
		key.IsActive = false
	}
	return nil
}

func (s *MemoryStore) TouchAPIKey(_ context.Context, keyID string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key, ok := s.keys[keyID]; ok {
		stamp := usedAt
		key.LastUsedAt = &stamp
	}
	return nil
}

// SeedDemo provisions the demo workspace used by the local loop.
func SeedDemo(ctx context.Context, store Store, tenantID string) (*Tenant, error) {
	tenant := &Tenant{
		TenantID:  tenantID,
		Name:      "Demo Workspace",
		Status:    StatusActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.UpsertTenant(ctx, tenant); err != nil {
		return nil, err
	}
	return tenant, nil
}
