package actions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/generativebots/acp-backend/internal/envelope"
	"github.com/generativebots/acp-backend/internal/outbox"
)

func sampleRecord(t *testing.T) *outbox.Record {
	t.Helper()
	env, err := envelope.FromPayload(map[string]interface{}{
		"envelope_id": "env-1",
		"external_id": "ext-1",
		"tool_slug":   "GMAIL__drafts.create",
		"arguments":   map[string]interface{}{"to": "c@example.com"},
	}, "tenant-demo", envelope.RiskMedium)
	require.NoError(t, err)
	return &outbox.Record{Envelope: *env, Status: outbox.StatusInProgress}
}

func TestFromOutboxSuccess(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	row := FromOutbox(sampleRecord(t), outbox.StatusSuccess, map[string]interface{}{"id": "draft-1"}, now)

	assert.Equal(t, "ext-1", row.ExternalID)
	assert.Equal(t, TypeMCPExec, row.Type)
	assert.Equal(t, "Gmail · Drafts Create", row.Title)
	assert.Equal(t, "approved", row.Status)
	assert.Equal(t, "granted", row.Approval)
	assert.Equal(t, map[string]interface{}{"name": "drafts.create", "composio_app": "GMAIL"}, row.Tool)
	assert.Equal(t, map[string]interface{}{"id": "draft-1"}, row.Result)
	assert.Equal(t, now, row.UpdatedAt)
}

func TestFromOutboxDefaultsResultAndApproval(t *testing.T) {
	row := FromOutbox(sampleRecord(t), outbox.StatusDLQ, nil, time.Now())
	assert.Equal(t, "rejected", row.Status)
	assert.Equal(t, "pending", row.Approval)
	assert.Equal(t, map[string]interface{}{"status": "sent"}, row.Result)
}

func TestToolDescriptorWithoutProviderPrefix(t *testing.T) {
	row := FromOutbox(&outbox.Record{
		Envelope: envelope.Envelope{
			EnvelopeID: "env-2",
			ExternalID: "ext-2",
			TenantID:   "tenant-demo",
			ToolSlug:   "send_email",
			Risk:       envelope.RiskLow,
		},
	}, outbox.StatusSuccess, nil, time.Now())
	assert.Equal(t, map[string]interface{}{"name": "send_email", "composio_app": nil}, row.Tool)
}

func TestMemoryProjectorUpsertsByExternalID(t *testing.T) {
	projector := NewMemoryProjector()
	ctx := context.Background()
	record := sampleRecord(t)

	require.NoError(t, projector.Project(ctx, record, outbox.StatusSuccess, map[string]interface{}{"id": "v1"}))
	require.NoError(t, projector.Project(ctx, record, outbox.StatusSuccess, map[string]interface{}{"id": "v2"}))

	assert.Equal(t, 1, projector.Len())
	row, ok := projector.Get("ext-1")
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"id": "v2"}, row.Result)
}
