package guardrails

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hourPtr(h int) *int { return &h }

func pipelineAt(t *testing.T, start, end *int, hour int) *Pipeline {
	t.Helper()
	cfg := DefaultConfig()
	cfg.QuietHoursStart = start
	cfg.QuietHoursEnd = end
	cfg.Clock = func() time.Time {
		return time.Date(2024, 1, 1, hour, 0, 0, 0, time.UTC)
	}
	return NewPipeline(cfg)
}

func TestQuietHoursOvernightWindowBlocksInside(t *testing.T) {
	p := pipelineAt(t, hourPtr(22), hourPtr(6), 23)
	result := p.checkQuietHours()

	assert.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "Quiet hours active")
	assert.Contains(t, result.Reason, "(overnight)")
	assert.Equal(t, true, result.Metadata["configured"])
	assert.Equal(t, "22:00-06:00 UTC (overnight)", result.Metadata["window"])
}

func TestQuietHoursOvernightEndHourAllows(t *testing.T) {
	// End bound is exclusive: [22, 6) no longer covers hour 6.
	p := pipelineAt(t, hourPtr(22), hourPtr(6), 6)
	result := p.checkQuietHours()
	assert.True(t, result.Allowed)
	assert.Contains(t, result.Reason, "Outside quiet hours")
}

func TestQuietHoursBeforeOvernightStartAllows(t *testing.T) {
	p := pipelineAt(t, hourPtr(22), hourPtr(6), 21)
	result := p.checkQuietHours()
	assert.True(t, result.Allowed)
}

func TestQuietHoursDaytimeWindow(t *testing.T) {
	blocked := pipelineAt(t, hourPtr(8), hourPtr(12), 8).checkQuietHours()
	assert.False(t, blocked.Allowed)

	allowed := pipelineAt(t, hourPtr(8), hourPtr(12), 7).checkQuietHours()
	assert.True(t, allowed.Allowed)

	atEnd := pipelineAt(t, hourPtr(8), hourPtr(12), 12).checkQuietHours()
	assert.True(t, atEnd.Allowed)
}

func TestQuietHoursNotConfiguredAllows(t *testing.T) {
	p := pipelineAt(t, nil, nil, 12)
	result := p.checkQuietHours()

	require.True(t, result.Allowed)
	assert.Equal(t, "quiet hours not configured; allowing", result.Reason)
	assert.Equal(t, false, result.Metadata["configured"])
}

func TestQuietHoursInvalidConfigurationAllows(t *testing.T) {
	p := pipelineAt(t, hourPtr(26), hourPtr(3), 3)
	result := p.checkQuietHours()

	require.True(t, result.Allowed)
	assert.Contains(t, result.Reason, "invalid")
}

func TestQuietHoursEqualBoundsAllow(t *testing.T) {
	p := pipelineAt(t, hourPtr(9), hourPtr(9), 9)
	result := p.checkQuietHours()

	require.True(t, result.Allowed)
	assert.Contains(t, result.Reason, "start and end match")
}
