package envelope

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromPayloadMintsIdentifiers(t *testing.T) {
	env, err := FromPayload(map[string]interface{}{
		"tool_slug": "SLACK__chat.postMessage",
		"arguments": map[string]interface{}{"channel": "#renewals", "text": "hi"},
	}, "tenant-demo", RiskMedium)
	require.NoError(t, err)

	assert.NotEmpty(t, env.EnvelopeID)
	assert.NotEmpty(t, env.ExternalID)
	assert.Equal(t, "tenant-demo", env.TenantID)
	assert.Equal(t, "SLACK__chat.postMessage", env.ToolSlug)
	assert.Equal(t, RiskMedium, env.Risk)
	assert.Equal(t, time.UTC, env.CreatedAt.Location())
	assert.WithinDuration(t, time.Now().UTC(), env.CreatedAt, 5*time.Second)
}

func TestFromPayloadLegacySlugKey(t *testing.T) {
	env, err := FromPayload(map[string]interface{}{
		"slug":      "GMAIL__drafts.create",
		"arguments": map[string]interface{}{},
	}, "tenant-demo", RiskLow)
	require.NoError(t, err)
	assert.Equal(t, "GMAIL__drafts.create", env.ToolSlug)
}

func TestFromPayloadPreservesExternalID(t *testing.T) {
	env, err := FromPayload(map[string]interface{}{
		"tool_slug":   "GMAIL__drafts.create",
		"arguments":   map[string]interface{}{},
		"external_id": "idem-42",
	}, "tenant-demo", RiskLow)
	require.NoError(t, err)
	assert.Equal(t, "idem-42", env.ExternalID)
}

func TestFromPayloadRejectsBadInput(t *testing.T) {
	cases := []struct {
		name    string
		payload map[string]interface{}
	}{
		{"nil payload", nil},
		{"missing slug", map[string]interface{}{"arguments": map[string]interface{}{}}},
		{"blank slug", map[string]interface{}{"tool_slug": "   ", "arguments": map[string]interface{}{}}},
		{"missing arguments", map[string]interface{}{"tool_slug": "X__y.z"}},
		{"non-mapping arguments", map[string]interface{}{"tool_slug": "X__y.z", "arguments": "nope"}},
		{"bad timestamp", map[string]interface{}{
			"tool_slug":  "X__y.z",
			"arguments":  map[string]interface{}{},
			"created_at": "not-a-time",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromPayload(tc.payload, "tenant-demo", RiskLow)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidEnvelope))
		})
	}
}

func TestFromPayloadNormalisesRisk(t *testing.T) {
	for raw, want := range map[string]Risk{
		"HIGH":    RiskHigh,
		" medium": RiskMedium,
		"weird":   RiskLow,
		"":        RiskLow,
	} {
		env, err := FromPayload(map[string]interface{}{
			"tool_slug": "X__y.z",
			"arguments": map[string]interface{}{},
			"risk":      raw,
		}, "tenant-demo", RiskLow)
		require.NoError(t, err)
		assert.Equal(t, want, env.Risk, "risk %q", raw)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	env, err := FromPayload(map[string]interface{}{
		"tool_slug":            "TICKETS__issue.update",
		"arguments":            map[string]interface{}{"id": "T-9", "state": "closed"},
		"connected_account_id": "acct-1",
		"risk":                 "high",
		"external_id":          "ext-7",
		"trust_context":        map[string]interface{}{"score": 0.9},
		"metadata":             map[string]interface{}{"origin": "test"},
		"created_at":           "2026-03-01T10:30:00.000125Z",
	}, "tenant-demo", RiskLow)
	require.NoError(t, err)

	back, err := FromRecord(env.ToRecord())
	require.NoError(t, err)
	assert.Equal(t, env, back)
}

func TestFromRecordAcceptsEnvelopeIDKey(t *testing.T) {
	env, err := FromRecord(map[string]interface{}{
		"envelope_id": "env-1",
		"tool_slug":   "X__y.z",
		"created_at":  "2026-01-02T03:04:05Z",
	})
	require.NoError(t, err)
	assert.Equal(t, "env-1", env.EnvelopeID)
	assert.NotNil(t, env.Arguments)
}
