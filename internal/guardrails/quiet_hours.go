package guardrails

import (
	"fmt"
	"time"
)

// quietWindow is a resolved [start, end) hour-of-day window in UTC. A
// start greater than end means the window wraps past midnight.
type quietWindow struct {
	start int
	end   int
}

// resolveQuietWindow normalises the configured bounds. It returns a nil
// window plus the configuration message when either bound is absent,
// invalid, or the bounds are equal.
func resolveQuietWindow(start, end *int) (*quietWindow, string) {
	if start == nil || end == nil {
		return nil, "quiet hours not configured; allowing"
	}
	if !validHour(*start) || !validHour(*end) {
		return nil, "invalid quiet hours configuration; allowing"
	}
	if *start == *end {
		return nil, "quiet hours start and end match; allowing"
	}
	return &quietWindow{start: *start, end: *end}, ""
}

func (w *quietWindow) Label() string {
	label := fmt.Sprintf("%02d:00-%02d:00 UTC", w.start, w.end)
	if w.start > w.end {
		return label + " (overnight)"
	}
	return label
}

func (w *quietWindow) Contains(t time.Time) bool {
	hour := t.UTC().Hour()
	if w.start < w.end {
		return hour >= w.start && hour < w.end
	}
	return hour >= w.start || hour < w.end
}

func validHour(hour int) bool {
	return hour >= 0 && hour <= 23
}

func (p *Pipeline) checkQuietHours() Result {
	window, configMessage := resolveQuietWindow(p.cfg.QuietHoursStart, p.cfg.QuietHoursEnd)
	if window == nil {
		return Result{
			Name:     CheckQuietHours,
			Allowed:  true,
			Reason:   configMessage,
			Metadata: map[string]interface{}{"configured": false},
		}
	}

	now := p.clock().UTC()
	label := window.Label()
	metadata := map[string]interface{}{
		"configured":  true,
		"window":      label,
		"currentTime": now.Format("15:04:05") + " UTC",
	}

	if window.Contains(now) {
		return Result{
			Name:     CheckQuietHours,
			Allowed:  false,
			Reason:   fmt.Sprintf("Quiet hours active (%s); current time %s UTC", label, now.Format("15:04")),
			Metadata: metadata,
		}
	}
	return Result{
		Name:     CheckQuietHours,
		Allowed:  true,
		Reason:   fmt.Sprintf("Outside quiet hours (%s); current time %s UTC", label, now.Format("15:04")),
		Metadata: metadata,
	}
}
