package guardrails

import (
	"fmt"
	"strings"
)

// checkTrust compares the trust signal against the configured threshold.
// A missing signal is treated as 0.0 so we fail closed until data is
// available. An out-of-range threshold blocks with a configuration error,
// never a silent allow.
func (p *Pipeline) checkTrust(signals Signals) Result {
	threshold := p.cfg.TrustThreshold
	if threshold < 0 || threshold > 1 {
		return Result{
			Name:    CheckTrust,
			Allowed: false,
			Reason: fmt.Sprintf(
				"invalid trust threshold %.4f; must be between 0.0 and 1.0 inclusive", threshold),
			Metadata: map[string]interface{}{
				"configError": true,
				"threshold":   threshold,
			},
		}
	}

	missing := signals.TrustScore == nil
	score := 0.0
	if !missing {
		score = *signals.TrustScore
	}
	// Clamp extreme values so messaging stays sane.
	if score < 0 {
		score = 0
	} else if score > 1 {
		score = 1
	}

	metadata := map[string]interface{}{
		"score":         score,
		"threshold":     threshold,
		"missingSignal": missing,
	}
	if signals.TrustSource != "" {
		metadata["source"] = signals.TrustSource
	}

	var suffix []string
	if missing {
		suffix = append(suffix, "original score missing; treated as 0.0")
	}
	if signals.TrustSource != "" {
		suffix = append(suffix, "source="+signals.TrustSource)
	}
	annotate := func(message string) string {
		if len(suffix) == 0 {
			return message
		}
		return fmt.Sprintf("%s (%s)", message, strings.Join(suffix, "; "))
	}

	if score < threshold {
		return Result{
			Name:     CheckTrust,
			Allowed:  false,
			Reason:   annotate(fmt.Sprintf("Trust score %.4f below threshold %.4f", score, threshold)),
			Metadata: metadata,
		}
	}
	return Result{
		Name:     CheckTrust,
		Allowed:  true,
		Reason:   annotate(fmt.Sprintf("Trust score %.4f meets threshold %.4f", score, threshold)),
		Metadata: metadata,
	}
}
