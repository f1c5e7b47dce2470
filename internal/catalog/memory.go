package catalog

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
)

// MemoryCatalog is the in-process catalog used by tests, the simulation
// driver, and demo deployments. Entries and policy overrides live in maps
// keyed by tenant and lower-cased slug.
type MemoryCatalog struct {
	mu       sync.RWMutex
	entries  map[string]map[string]*Entry          // tenant -> lslug -> entry
	policies map[string]map[string]*EffectivePolicy // tenant -> lslug -> override
	logger   *log.Logger
}

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		entries:  make(map[string]map[string]*Entry),
		policies: make(map[string]map[string]*EffectivePolicy),
		logger:   log.New(log.Writer(), "[CATALOG] ", log.LstdFlags),
	}
}

// Register adds or replaces one entry for a tenant.
func (c *MemoryCatalog) Register(tenantID string, entry *Entry) error {
	if entry == nil || strings.TrimSpace(entry.Slug) == "" {
		return fmt.Errorf("catalog entry requires a slug")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entries[tenantID] == nil {
		c.entries[tenantID] = make(map[string]*Entry)
	}
	c.entries[tenantID][strings.ToLower(entry.Slug)] = entry
	c.logger.Printf("📦 Registered tool: %s (tenant=%s, risk=%s)", entry.Slug, tenantID, entry.Risk)
	return nil
}

// SetPolicy installs a policy override for a (tenant, slug) pair.
func (c *MemoryCatalog) SetPolicy(tenantID, slug string, policy *EffectivePolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.policies[tenantID] == nil {
		c.policies[tenantID] = make(map[string]*EffectivePolicy)
	}
	if policy.ToolSlug == "" {
		policy.ToolSlug = slug
	}
	c.policies[tenantID][strings.ToLower(slug)] = policy
}

// ListTools returns the tenant's entries sorted by slug.
func (c *MemoryCatalog) ListTools(ctx context.Context, tenantID string) ([]*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tools := make([]*Entry, 0, len(c.entries[tenantID]))
	for _, entry := range c.entries[tenantID] {
		tools = append(tools, entry)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Slug < tools[j].Slug })
	return tools, nil
}

// GetTool resolves a slug case-insensitively. Missing entries return (nil, nil).
func (c *MemoryCatalog) GetTool(ctx context.Context, tenantID, slug string) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[tenantID][strings.ToLower(strings.TrimSpace(slug))], nil
}

// GetEffectivePolicy resolves the override for a slug, falling back to the
// registered entry's defaults. Unknown slugs resolve to (nil, nil).
func (c *MemoryCatalog) GetEffectivePolicy(ctx context.Context, tenantID, slug string) (*EffectivePolicy, error) {
	key := strings.ToLower(strings.TrimSpace(slug))

	c.mu.RLock()
	defer c.mu.RUnlock()

	if policy := c.policies[tenantID][key]; policy != nil {
		return policy, nil
	}
	if entry := c.entries[tenantID][key]; entry != nil {
		return defaultPolicyFor(entry), nil
	}
	return nil, nil
}

// SyncEntries upserts the full set for a tenant, keyed on slug.
func (c *MemoryCatalog) SyncEntries(ctx context.Context, tenantID string, entries []*Entry) error {
	for _, entry := range entries {
		if err := c.Register(tenantID, entry); err != nil {
			return err
		}
	}
	return nil
}

var _ Service = (*MemoryCatalog)(nil)
