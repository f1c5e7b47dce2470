package catalog

import (
	"context"

	"github.com/generativebots/acp-backend/internal/envelope"
)

// DemoEntries is the seed catalog used by demo deployments, the simulation
// driver, and the end-to-end tests.
func DemoEntries() []*Entry {
	return []*Entry{
		{
			Slug:        "GMAIL__drafts.create",
			DisplayName: "Create Gmail Draft",
			Description: "Stage an email draft in the connected Gmail account",
			Version:     "1.0",
			Risk:        envelope.RiskMedium,
			Schema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"to":      map[string]interface{}{"type": "string"},
					"subject": map[string]interface{}{"type": "string"},
					"body":    map[string]interface{}{"type": "string"},
				},
				"required":             []interface{}{"to", "subject", "body"},
				"additionalProperties": true,
			},
			RequiredScopes: []string{"GMAIL.SMTP"},
		},
		{
			Slug:        "SLACK__chat.postMessage",
			DisplayName: "Post Slack Message",
			Description: "Post a message to a Slack channel",
			Version:     "1.0",
			Risk:        envelope.RiskLow,
			Schema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"channel": map[string]interface{}{"type": "string"},
					"text":    map[string]interface{}{"type": "string"},
				},
				"required":             []interface{}{"channel", "text"},
				"additionalProperties": true,
			},
			RequiredScopes: []string{"SLACK.CHAT:WRITE"},
		},
	}
}

// SeedDemo registers the demo entries on a memory catalog.
func SeedDemo(c *MemoryCatalog, tenantID string) error {
	return c.SyncEntries(context.Background(), tenantID, DemoEntries())
}
