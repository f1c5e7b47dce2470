package guardrails

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteResultsNormalisesPayload(t *testing.T) {
	state := map[string]interface{}{}
	evaluations := []Result{
		{
			Name:    CheckQuietHours,
			Allowed: true,
			Reason:  "Outside quiet hours",
			Metadata: map[string]interface{}{
				"configured": true,
				"window":     "08:00-17:00 UTC",
			},
		},
		{
			Name:    CheckTrust,
			Allowed: false,
			Reason:  "Trust score 0.50 below threshold 0.80",
			Metadata: map[string]interface{}{
				"score":         0.5,
				"threshold":     0.8,
				"missingSignal": false,
				"source":        "metrics",
			},
		},
		{
			Name:    CheckScopes,
			Allowed: false,
			Reason:  "missing scopes: crm.write",
			Metadata: map[string]interface{}{
				"missingScopes":   []string{"crm.write"},
				"requestedScopes": []string{"crm.write"},
				"enabledScopes":   []string{"crm.read"},
			},
		},
		{
			Name:    CheckEvidence,
			Allowed: false,
			Reason:  "missing supporting evidence",
			Metadata: map[string]interface{}{
				"required":        true,
				"missingEvidence": []string{"evidence"},
			},
		},
		{Name: "unknown_guardrail", Allowed: true},
	}

	evaluatedAt := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	WriteResults(state, evaluations, evaluatedAt)
	guardrailState := EnsureState(state)

	quietHours, ok := guardrailState["quietHours"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, quietHours["allowed"])
	assert.Equal(t, "08:00-17:00 UTC", quietHours["window"])

	trust, ok := guardrailState["trust"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, false, trust["allowed"])
	assert.Equal(t, 0.5, trust["score"])
	assert.Equal(t, 0.8, trust["threshold"])
	assert.Equal(t, "metrics", trust["source"])

	scope, ok := guardrailState["scopeValidation"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, false, scope["allowed"])
	assert.Equal(t, []string{"crm.write"}, scope["missingScopes"])

	evidence, ok := guardrailState["evidence"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, false, evidence["allowed"])
	assert.Equal(t, []string{"evidence"}, evidence["missingEvidence"])

	_, present := guardrailState["unknown_guardrail"]
	assert.False(t, present)

	assert.Equal(t, true, guardrailState["blocked"])
	assert.Equal(t, "2024-03-01T10:30:00Z", guardrailState["lastEvaluatedAt"])
}

func TestWriteResultsAllAllowedClearsBlocked(t *testing.T) {
	state := map[string]interface{}{}
	WriteResults(state, []Result{
		{Name: CheckQuietHours, Allowed: true},
		{Name: CheckTrust, Allowed: true},
	}, time.Now())

	guardrailState := EnsureState(state)
	assert.Equal(t, false, guardrailState["blocked"])
}

func TestEnsureStateReusesExistingMap(t *testing.T) {
	state := map[string]interface{}{}
	first := EnsureState(state)
	first["marker"] = 1

	second := EnsureState(state)
	assert.Equal(t, 1, second["marker"])
}
