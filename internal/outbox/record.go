// Package outbox persists staged envelopes and tracks their execution
// lifecycle: pending → in_progress → success | conflict | failed | dlq.
// Three stores share one interface: in-memory for tests and demos,
// Supabase (PostgREST) for the hosted deployment, and direct Postgres
// for deployments that own their database.
package outbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/generativebots/acp-backend/internal/envelope"
)

// Status is the lifecycle state of an outbox record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusConflict   Status = "conflict"
	StatusDLQ        Status = "dlq"
)

// Record is an envelope persisted to the outbox queue together with its
// delivery bookkeeping.
type Record struct {
	Envelope  envelope.Envelope      `json:"envelope"`
	Status    Status                 `json:"status"`
	Attempts  int                    `json:"attempts"`
	LastError string                 `json:"last_error,omitempty"`
	QueuedAt  time.Time              `json:"queued_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	NextRunAt *time.Time             `json:"next_run_at,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	DLQ       bool                   `json:"dlq"`
}

// EnvelopeID returns the primary identifier of the staged envelope.
func (r *Record) EnvelopeID() string { return r.Envelope.EnvelopeID }

// TenantID returns the tenant that owns the record.
func (r *Record) TenantID() string { return r.Envelope.TenantID }

// ToSharedState projects the record into the desk queue item shape the UI
// renders: id, humanised title, UI status, and evidence lines.
func (r *Record) ToSharedState() map[string]interface{} {
	evidence := []string{
		fmt.Sprintf("Tool: %s", r.Envelope.ToolSlug),
		fmt.Sprintf("Risk: %s", r.Envelope.Risk),
		fmt.Sprintf("Queued: %s", r.QueuedAt.UTC().Format(time.RFC3339)),
	}
	if r.Attempts > 0 {
		evidence = append(evidence, fmt.Sprintf("Attempts: %d", r.Attempts))
	}
	if r.LastError != "" {
		evidence = append(evidence, fmt.Sprintf("Error: %s", r.LastError))
	}

	title := ""
	if raw, ok := r.Metadata["title"].(string); ok {
		title = strings.TrimSpace(raw)
	}
	if title == "" {
		title = HumaniseSlug(r.Envelope.ToolSlug)
	}

	return map[string]interface{}{
		"id":       r.Envelope.EnvelopeID,
		"title":    title,
		"status":   UIStatus(r.Status),
		"evidence": evidence,
	}
}

// UIStatus collapses the outbox lifecycle onto the three states the desk
// UI and the actions history understand.
func UIStatus(status Status) string {
	switch status {
	case StatusSuccess:
		return "approved"
	case StatusFailed, StatusDLQ, StatusConflict:
		return "rejected"
	default:
		return "pending"
	}
}

// HumaniseSlug renders a provider tool slug as a display title, e.g.
// "GMAIL__drafts.create" becomes "Gmail · Drafts Create".
func HumaniseSlug(slug string) string {
	if slug == "" {
		return "Queued Envelope"
	}

	if provider, remainder, found := strings.Cut(slug, "__"); found {
		providerLabel := titleWords(strings.ReplaceAll(provider, "_", " "))
		actionLabel := titleWords(despace(remainder))
		return strings.TrimSpace(providerLabel + " · " + actionLabel)
	}

	label := titleWords(despace(slug))
	if label == "" {
		return "Queued Envelope"
	}
	return label
}

func despace(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, ".", " "), "_", " ")
}

func titleWords(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}
