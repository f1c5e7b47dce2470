// Package envelope defines the unit of work staged by the control plane:
// a validated description of one tool invocation, carrying its arguments,
// idempotency key, and supporting context.
package envelope

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Risk classifies the blast radius of a tool invocation.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// NormalizeRisk maps an arbitrary string onto a known risk level,
// falling back when the value is empty or unrecognized.
func NormalizeRisk(value string, fallback Risk) Risk {
	switch Risk(strings.ToLower(strings.TrimSpace(value))) {
	case RiskLow:
		return RiskLow
	case RiskMedium:
		return RiskMedium
	case RiskHigh:
		return RiskHigh
	default:
		return fallback
	}
}

// ErrInvalidEnvelope is wrapped by every construction failure so callers can
// branch with errors.Is without parsing messages.
var ErrInvalidEnvelope = errors.New("invalid envelope")

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidEnvelope, fmt.Sprintf(format, args...))
}

// Envelope is one staged tool invocation. (tenant_id, external_id) identifies
// the attempt across retries; the execution provider treats repeated
// deliveries of the same external_id as idempotent.
type Envelope struct {
	EnvelopeID         string                 `json:"envelope_id"`
	TenantID           string                 `json:"tenant_id"`
	ToolSlug           string                 `json:"tool_slug"`
	Arguments          map[string]interface{} `json:"arguments"`
	ConnectedAccountID string                 `json:"connected_account_id,omitempty"`
	Risk               Risk                   `json:"risk"`
	ExternalID         string                 `json:"external_id"`
	TrustContext       map[string]interface{} `json:"trust_context,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
}

// FromPayload builds an Envelope from an agent-proposed payload.
//
// The payload must carry a non-empty "tool_slug" (legacy alias: "slug") and a
// mapping "arguments". Missing identifiers are minted; a provided external_id
// is preserved verbatim so provider-side idempotency survives retries.
func FromPayload(payload map[string]interface{}, tenantID string, defaultRisk Risk) (*Envelope, error) {
	if payload == nil {
		return nil, invalidf("payload must be a mapping")
	}

	slug := stringField(payload, "tool_slug")
	if slug == "" {
		slug = stringField(payload, "slug")
	}
	if slug == "" {
		return nil, invalidf("missing tool_slug")
	}

	args, ok := mapField(payload, "arguments")
	if !ok {
		return nil, invalidf("missing arguments mapping for %s", slug)
	}

	createdAt, err := timestampField(payload, "created_at")
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		EnvelopeID:         stringField(payload, "envelope_id"),
		TenantID:           tenantID,
		ToolSlug:           slug,
		Arguments:          args,
		ConnectedAccountID: stringField(payload, "connected_account_id"),
		Risk:               NormalizeRisk(stringField(payload, "risk"), defaultRisk),
		ExternalID:         stringField(payload, "external_id"),
		TrustContext:       optionalMap(payload, "trust_context"),
		Metadata:           optionalMap(payload, "metadata"),
		CreatedAt:          createdAt,
	}
	if env.EnvelopeID == "" {
		env.EnvelopeID = uuid.NewString()
	}
	if env.ExternalID == "" {
		env.ExternalID = uuid.NewString()
	}
	return env, nil
}

// ToRecord flattens the envelope into the outbox column shape.
func (e *Envelope) ToRecord() map[string]interface{} {
	return map[string]interface{}{
		"id":                   e.EnvelopeID,
		"tenant_id":            e.TenantID,
		"tool_slug":            e.ToolSlug,
		"arguments":            e.Arguments,
		"connected_account_id": e.ConnectedAccountID,
		"risk":                 string(e.Risk),
		"external_id":          e.ExternalID,
		"trust_context":        e.TrustContext,
		"metadata":             e.Metadata,
		"created_at":           e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// FromRecord rebuilds an envelope from a stored record. Inverse of ToRecord.
func FromRecord(record map[string]interface{}) (*Envelope, error) {
	if record == nil {
		return nil, invalidf("record must be a mapping")
	}
	slug := stringField(record, "tool_slug")
	if slug == "" {
		return nil, invalidf("record missing tool_slug")
	}
	id := stringField(record, "id")
	if id == "" {
		id = stringField(record, "envelope_id")
	}
	if id == "" {
		return nil, invalidf("record missing id")
	}
	createdAt, err := timestampField(record, "created_at")
	if err != nil {
		return nil, err
	}
	args, ok := mapField(record, "arguments")
	if !ok {
		args = map[string]interface{}{}
	}
	return &Envelope{
		EnvelopeID:         id,
		TenantID:           stringField(record, "tenant_id"),
		ToolSlug:           slug,
		Arguments:          args,
		ConnectedAccountID: stringField(record, "connected_account_id"),
		Risk:               NormalizeRisk(stringField(record, "risk"), RiskMedium),
		ExternalID:         stringField(record, "external_id"),
		TrustContext:       optionalMap(record, "trust_context"),
		Metadata:           optionalMap(record, "metadata"),
		CreatedAt:          createdAt,
	}, nil
}

// ── field helpers ──────────────────────────────────────────────────────────

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func mapField(m map[string]interface{}, key string) (map[string]interface{}, bool) {
	v, ok := m[key].(map[string]interface{})
	return v, ok
}

func optionalMap(m map[string]interface{}, key string) map[string]interface{} {
	if v, ok := m[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}

// timestampField normalises created_at to UTC. Accepts time.Time values and
// RFC3339 strings; absent defaults to the current UTC instant. Precision is
// bounded to microseconds so records survive a serialise/parse round trip.
func timestampField(m map[string]interface{}, key string) (time.Time, error) {
	raw, present := m[key]
	if !present || raw == nil {
		return time.Now().UTC().Truncate(time.Microsecond), nil
	}
	switch v := raw.(type) {
	case time.Time:
		return v.UTC().Truncate(time.Microsecond), nil
	case string:
		if strings.TrimSpace(v) == "" {
			return time.Now().UTC().Truncate(time.Microsecond), nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v))
		if err != nil {
			return time.Time{}, invalidf("unparseable %s %q", key, v)
		}
		return parsed.UTC().Truncate(time.Microsecond), nil
	default:
		return time.Time{}, invalidf("unsupported %s type %T", key, raw)
	}
}
