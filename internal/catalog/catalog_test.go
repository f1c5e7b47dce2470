package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/generativebots/acp-backend/internal/envelope"
)

func demoCatalog(t *testing.T) *MemoryCatalog {
	t.Helper()
	c := NewMemoryCatalog()
	require.NoError(t, SeedDemo(c, "tenant-demo"))
	return c
}

func TestGetToolIsCaseInsensitive(t *testing.T) {
	c := demoCatalog(t)

	for _, slug := range []string{"GMAIL__drafts.create", "gmail__drafts.create", " GMAIL__DRAFTS.CREATE "} {
		entry, err := c.GetTool(context.Background(), "tenant-demo", slug)
		require.NoError(t, err)
		require.NotNil(t, entry, "slug %q", slug)
		assert.Equal(t, "GMAIL__drafts.create", entry.Slug)
	}
}

func TestGetToolUnknownReturnsNil(t *testing.T) {
	c := demoCatalog(t)
	entry, err := c.GetTool(context.Background(), "tenant-demo", "NOPE__does.not.exist")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestValidateAcceptsConformingArguments(t *testing.T) {
	c := demoCatalog(t)
	entry, err := c.GetTool(context.Background(), "tenant-demo", "GMAIL__drafts.create")
	require.NoError(t, err)

	err = entry.Validate(map[string]interface{}{
		"to":      "c@example.com",
		"subject": "Renewal",
		"body":    "Hi",
	})
	assert.NoError(t, err)
}

func TestValidateRejectsMissingRequired(t *testing.T) {
	c := demoCatalog(t)
	entry, err := c.GetTool(context.Background(), "tenant-demo", "GMAIL__drafts.create")
	require.NoError(t, err)

	err = entry.Validate(map[string]interface{}{"to": "c@example.com"})
	require.Error(t, err)

	var schemaErr *SchemaError
	assert.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, "GMAIL__drafts.create", schemaErr.Slug)
}

func TestValidateRejectsWrongType(t *testing.T) {
	c := demoCatalog(t)
	entry, err := c.GetTool(context.Background(), "tenant-demo", "SLACK__chat.postMessage")
	require.NoError(t, err)

	err = entry.Validate(map[string]interface{}{"channel": "#x", "text": 42})
	var schemaErr *SchemaError
	require.True(t, errors.As(err, &schemaErr))
}

func TestValidateWithoutSchemaAllowsAnything(t *testing.T) {
	entry := &Entry{Slug: "X__free.form"}
	assert.NoError(t, entry.Validate(map[string]interface{}{"whatever": true}))
	assert.NoError(t, entry.Validate(nil))
}

func TestEffectivePolicyDefaultsFromEntry(t *testing.T) {
	c := demoCatalog(t)
	policy, err := c.GetEffectivePolicy(context.Background(), "tenant-demo", "GMAIL__drafts.create")
	require.NoError(t, err)
	require.NotNil(t, policy)
	assert.True(t, policy.WriteAllowed)
	assert.Empty(t, policy.RateBucket)
	assert.Equal(t, envelope.RiskMedium, policy.Risk)
}

func TestEffectivePolicyOverrideWins(t *testing.T) {
	c := demoCatalog(t)
	c.SetPolicy("tenant-demo", "SLACK__chat.postMessage", &EffectivePolicy{
		WriteAllowed: false,
		RateBucket:   "slack.minute",
	})

	policy, err := c.GetEffectivePolicy(context.Background(), "tenant-demo", "slack__chat.postmessage")
	require.NoError(t, err)
	require.NotNil(t, policy)
	assert.False(t, policy.WriteAllowed)
	assert.Equal(t, "slack.minute", policy.RateBucket)
}

func TestEffectivePolicyUnknownSlugIsNil(t *testing.T) {
	c := demoCatalog(t)
	policy, err := c.GetEffectivePolicy(context.Background(), "tenant-demo", "GHOST__tool")
	require.NoError(t, err)
	assert.Nil(t, policy)
}

func TestSyncEntriesIsIdempotent(t *testing.T) {
	c := NewMemoryCatalog()
	require.NoError(t, c.SyncEntries(context.Background(), "tenant-demo", DemoEntries()))
	require.NoError(t, c.SyncEntries(context.Background(), "tenant-demo", DemoEntries()))

	tools, err := c.ListTools(context.Background(), "tenant-demo")
	require.NoError(t, err)
	assert.Len(t, tools, 2)
}

func TestPromptSnippetMentionsSlugAndScopes(t *testing.T) {
	c := demoCatalog(t)
	entry, err := c.GetTool(context.Background(), "tenant-demo", "SLACK__chat.postMessage")
	require.NoError(t, err)

	snippet := entry.PromptSnippet()
	assert.Contains(t, snippet, "SLACK__chat.postMessage")
	assert.Contains(t, snippet, "SLACK.CHAT:WRITE")
	assert.Contains(t, snippet, "risk=low")
}
