package objectives

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultObjectives(t *testing.T) {
	defaults := DefaultObjectives()
	require.Len(t, defaults, 2)
	assert.Equal(t, "obj-increase-renewals", defaults[0].ObjectiveID)
	assert.Equal(t, "obj-improve-sla", defaults[1].ObjectiveID)
}

func TestPromptLine(t *testing.T) {
	line := DefaultObjectives()[0].PromptLine()
	assert.Equal(t, "- Increase renewal rate (metric: renewal_rate, target: +5% QoQ, horizon: Q4)", line)
}

func TestToQueueItem(t *testing.T) {
	item := DefaultObjectives()[1].ToQueueItem()
	assert.Equal(t, "obj-improve-sla", item["id"])
	assert.Equal(t, "Improve support SLA", item["title"])
	assert.Equal(t, "pending", item["status"])
	assert.Equal(t, []string{"Ensure all priority incidents receive responses under 30 minutes."}, item["evidence"])
}

func TestMemoryServiceScopesByTenant(t *testing.T) {
	service := NewDemoService("tenant-demo")
	ctx := context.Background()

	demo, err := service.List(ctx, "tenant-demo")
	require.NoError(t, err)
	assert.Len(t, demo, 2)

	other, err := service.List(ctx, "tenant-other")
	require.NoError(t, err)
	assert.Empty(t, other)
}
