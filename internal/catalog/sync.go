package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/generativebots/acp-backend/internal/envelope"
	"github.com/generativebots/acp-backend/internal/events"
)

// ProviderClient lists the tools the remote execution provider exposes for
// the configured client identity.
type ProviderClient interface {
	ListTools(ctx context.Context) ([]*Entry, error)
}

// HTTPProviderClient pulls the tool inventory from the provider's REST API.
type HTTPProviderClient struct {
	baseURL    string
	apiKey     string
	clientID   string
	httpClient *http.Client
}

// NewHTTPProviderClient creates a provider client. Timeout bounds every
// inventory pull.
func NewHTTPProviderClient(baseURL, apiKey, clientID string, timeout time.Duration) *HTTPProviderClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPProviderClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		clientID:   clientID,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// providerTool is the provider's wire shape for one tool.
type providerTool struct {
	Slug        string                 `json:"slug"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Version     string                 `json:"version"`
	Risk        string                 `json:"risk"`
	InputSchema map[string]interface{} `json:"input_schema"`
	Scopes      []string               `json:"scopes"`
}

// ListTools fetches the provider tool inventory.
func (p *HTTPProviderClient) ListTools(ctx context.Context) ([]*Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/tools", nil)
	if err != nil {
		return nil, fmt.Errorf("build tools request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if p.clientID != "" {
		req.Header.Set("X-Client-ID", p.clientID)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider tools request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider tools request: status %d", resp.StatusCode)
	}

	var body struct {
		Items []providerTool `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode provider tools: %w", err)
	}

	entries := make([]*Entry, 0, len(body.Items))
	for _, item := range body.Items {
		if item.Slug == "" {
			continue
		}
		entries = append(entries, &Entry{
			Slug:           item.Slug,
			DisplayName:    item.Name,
			Description:    item.Description,
			Version:        item.Version,
			Risk:           envelope.NormalizeRisk(item.Risk, envelope.RiskMedium),
			Schema:         item.InputSchema,
			RequiredScopes: item.Scopes,
		})
	}
	return entries, nil
}

// Syncer refreshes a tenant's catalog from the provider inventory.
type Syncer struct {
	catalog  Service
	provider ProviderClient
	emitter  events.Emitter
	logger   *log.Logger
}

// NewSyncer wires a catalog refresh. emitter may be nil.
func NewSyncer(catalog Service, provider ProviderClient, emitter events.Emitter) *Syncer {
	return &Syncer{
		catalog:  catalog,
		provider: provider,
		emitter:  emitter,
		logger:   log.New(log.Writer(), "[CATALOG-SYNC] ", log.LstdFlags),
	}
}

// Sync pulls the provider inventory and upserts it for the tenant.
// Returns the number of entries synced.
func (s *Syncer) Sync(ctx context.Context, tenantID string) (int, error) {
	entries, err := s.provider.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("list provider tools: %w", err)
	}
	if len(entries) == 0 {
		s.logger.Printf("⚠️  Provider returned no tools for tenant %s", tenantID)
		return 0, nil
	}

	if err := s.catalog.SyncEntries(ctx, tenantID, entries); err != nil {
		return 0, fmt.Errorf("sync entries: %w", err)
	}

	s.logger.Printf("✅ Synced %d catalog entries for tenant %s", len(entries), tenantID)
	if s.emitter != nil {
		s.emitter.Emit(events.TypeCatalogSynced, "/catalog/sync", "", tenantID,
			map[string]interface{}{"count": len(entries)})
	}
	return len(entries), nil
}
