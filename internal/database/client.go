// Package database wraps the Supabase client used by every durable store in
// the control plane. Individual packages (outbox, catalog, audit, ...) build
// their queries through Client.From; this package owns connection setup,
// schema selection, and the table inventory used by diagnostics.
package database

import (
	"context"
	"fmt"
	"os"

	"github.com/supabase-community/postgrest-go"
	supabase "github.com/supabase-community/supabase-go"
)

// Table names of the control-plane schema.
const (
	TableOutbox      = "outbox"
	TableOutboxDLQ   = "outbox_dlq"
	TableAuditLog    = "audit_log"
	TableToolCatalog = "tool_catalog"
	TableObjectives  = "objectives"
	TableActions     = "actions"
	TableTenants     = "tenants"
	TableAPIKeys     = "api_keys"

	// ViewEffectivePolicy joins tenant-level overrides onto catalog defaults.
	ViewEffectivePolicy = "catalog_tools_view"
)

// RequiredTables is the set acp-check verifies on bootstrap.
var RequiredTables = []string{
	TableOutbox,
	TableOutboxDLQ,
	TableAuditLog,
	TableToolCatalog,
	TableObjectives,
	TableActions,
}

// Client wraps the Supabase Go client for the control-plane schema.
type Client struct {
	client *supabase.Client
	url    string
	schema string
}

// NewClient creates a client from SUPABASE_URL, SUPABASE_SERVICE_KEY, and
// optional SUPABASE_SCHEMA.
func NewClient() (*Client, error) {
	return NewClientWith(
		os.Getenv("SUPABASE_URL"),
		os.Getenv("SUPABASE_SERVICE_KEY"),
		os.Getenv("SUPABASE_SCHEMA"),
	)
}

// NewClientWith creates a client from explicit settings.
func NewClientWith(url, key, schema string) (*Client, error) {
	if url == "" || key == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}

	opts := &supabase.ClientOptions{}
	if schema != "" {
		opts.Schema = schema
	}
	client, err := supabase.NewClient(url, key, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}

	return &Client{client: client, url: url, schema: schema}, nil
}

// From starts a query against a table or view.
func (c *Client) From(table string) *postgrest.QueryBuilder {
	return c.client.From(table)
}

// URL returns the configured project URL (for diagnostics output).
func (c *Client) URL() string { return c.url }

// CheckTable verifies a table or view answers a minimal select. Used by
// acp-check and the API health endpoint.
func (c *Client) CheckTable(ctx context.Context, table string) error {
	var rows []map[string]interface{}
	_, err := c.client.From(table).
		Select("*", "", false).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return fmt.Errorf("table %s unreachable: %w", table, err)
	}
	return nil
}

// Health pings the primary outbox table.
func (c *Client) Health(ctx context.Context) error {
	return c.CheckTable(ctx, TableOutbox)
}
