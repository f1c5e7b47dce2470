// Package catalog is the per-tenant registry of executable tools: the
// authoritative contract the enqueue path validates arguments against, and
// the source of the effective write/rate-bucket policy the worker consults
// before executing.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/generativebots/acp-backend/internal/envelope"
)

// ErrUnknownTool identifies staging attempts against a slug the tenant has
// not registered. Lookups themselves resolve misses to (nil, nil).
var ErrUnknownTool = errors.New("unknown tool slug")

// SchemaError reports arguments that failed JSON-Schema validation.
type SchemaError struct {
	Slug string
	Err  error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("arguments rejected by schema for %s: %v", e.Slug, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// Entry is the per-tenant view of one executable tool.
type Entry struct {
	Slug           string                 `json:"slug"`
	DisplayName    string                 `json:"display_name"`
	Description    string                 `json:"description"`
	Version        string                 `json:"version"`
	Risk           envelope.Risk          `json:"risk"`
	Schema         map[string]interface{} `json:"schema"`
	RequiredScopes []string               `json:"required_scopes"`

	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
}

// Validate checks arguments against the entry's JSON Schema (draft 2020-12).
// An entry without a schema accepts anything. The schema is compiled once and
// cached on the entry.
func (e *Entry) Validate(arguments map[string]interface{}) error {
	if len(e.Schema) == 0 {
		return nil
	}

	e.compileOnce.Do(func() {
		raw, err := json.Marshal(e.Schema)
		if err != nil {
			e.compileErr = fmt.Errorf("marshal schema for %s: %w", e.Slug, err)
			return
		}
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		url := "catalog://" + e.Slug
		if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
			e.compileErr = fmt.Errorf("register schema for %s: %w", e.Slug, err)
			return
		}
		e.compiled, e.compileErr = compiler.Compile(url)
	})
	if e.compileErr != nil {
		return e.compileErr
	}

	if arguments == nil {
		arguments = map[string]interface{}{}
	}
	if err := e.compiled.Validate(normalizeInstance(arguments)); err != nil {
		return &SchemaError{Slug: e.Slug, Err: err}
	}
	return nil
}

// PromptSnippet renders the one-line tool description used in the agent's
// system prompt.
func (e *Entry) PromptSnippet() string {
	scopes := "none"
	if len(e.RequiredScopes) > 0 {
		scopes = strings.Join(e.RequiredScopes, ", ")
	}
	return fmt.Sprintf("- %s (%s, risk=%s, scopes: %s): %s",
		e.Slug, e.DisplayName, e.Risk, scopes, e.Description)
}

// normalizeInstance converts arbitrary decoded-JSON-ish values into the
// types the validator expects. Arguments assembled in Go code may carry
// ints or typed slices that a JSON round trip flattens.
func normalizeInstance(v interface{}) interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// EffectivePolicy is the resolved execution policy for a (tenant, slug)
// pair. WriteAllowed=false disables execution regardless of guardrail
// outcomes; RateBucket names the throttling channel the worker consults.
type EffectivePolicy struct {
	ToolSlug     string        `json:"tool_slug"`
	WriteAllowed bool          `json:"write_allowed"`
	RateBucket   string        `json:"rate_bucket,omitempty"`
	Risk         envelope.Risk `json:"risk,omitempty"`
	Approval     string        `json:"approval,omitempty"`
}

// defaultPolicyFor is the fallback when no override row exists for a
// registered tool: writes allowed, no rate bucket, risk from the entry.
func defaultPolicyFor(entry *Entry) *EffectivePolicy {
	return &EffectivePolicy{
		ToolSlug:     entry.Slug,
		WriteAllowed: true,
		Risk:         entry.Risk,
	}
}

// Service is the catalog + policy resolver contract. Lookups are
// case-insensitive on slug; missing entries resolve to (nil, nil).
type Service interface {
	ListTools(ctx context.Context, tenantID string) ([]*Entry, error)
	GetTool(ctx context.Context, tenantID, slug string) (*Entry, error)
	GetEffectivePolicy(ctx context.Context, tenantID, slug string) (*EffectivePolicy, error)

	// SyncEntries upserts the full set from an external source, idempotent
	// keyed on (tenant, slug).
	SyncEntries(ctx context.Context, tenantID string, entries []*Entry) error
}
