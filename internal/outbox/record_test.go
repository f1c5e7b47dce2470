package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/generativebots/acp-backend/internal/envelope"
)

func TestUIStatusMapping(t *testing.T) {
	assert.Equal(t, "approved", UIStatus(StatusSuccess))
	assert.Equal(t, "rejected", UIStatus(StatusFailed))
	assert.Equal(t, "rejected", UIStatus(StatusDLQ))
	assert.Equal(t, "rejected", UIStatus(StatusConflict))
	assert.Equal(t, "pending", UIStatus(StatusPending))
	assert.Equal(t, "pending", UIStatus(StatusInProgress))
}

func TestHumaniseSlug(t *testing.T) {
	assert.Equal(t, "Gmail · Drafts Create", HumaniseSlug("GMAIL__drafts.create"))
	assert.Equal(t, "Slack · Chat Postmessage", HumaniseSlug("SLACK__chat.postMessage"))
	assert.Equal(t, "Send Email", HumaniseSlug("send_email"))
	assert.Equal(t, "Queued Envelope", HumaniseSlug(""))
}

func TestToSharedState(t *testing.T) {
	env, err := envelope.FromPayload(map[string]interface{}{
		"envelope_id": "env-9",
		"tool_slug":   "GMAIL__drafts.create",
		"arguments":   map[string]interface{}{"to": "c@example.com"},
	}, "tenant-demo", envelope.RiskHigh)
	require.NoError(t, err)

	queued := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	record := &Record{
		Envelope:  *env,
		Status:    StatusFailed,
		Attempts:  2,
		LastError: "smtp timeout",
		QueuedAt:  queued,
	}

	item := record.ToSharedState()
	assert.Equal(t, "env-9", item["id"])
	assert.Equal(t, "Gmail · Drafts Create", item["title"])
	assert.Equal(t, "rejected", item["status"])
	assert.Equal(t, []string{
		"Tool: GMAIL__drafts.create",
		"Risk: high",
		"Queued: 2024-05-01T12:00:00Z",
		"Attempts: 2",
		"Error: smtp timeout",
	}, item["evidence"])
}

func TestToSharedStatePrefersMetadataTitle(t *testing.T) {
	env, err := envelope.FromPayload(map[string]interface{}{
		"tool_slug": "GMAIL__drafts.create",
		"arguments": map[string]interface{}{},
	}, "tenant-demo", envelope.RiskLow)
	require.NoError(t, err)

	record := &Record{
		Envelope: *env,
		Status:   StatusPending,
		QueuedAt: time.Now().UTC(),
		Metadata: map[string]interface{}{"title": "Draft renewal reminder"},
	}

	item := record.ToSharedState()
	assert.Equal(t, "Draft renewal reminder", item["title"])
	assert.Equal(t, "pending", item["status"])
}
