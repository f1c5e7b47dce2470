package guardrails

import "strings"

// checkEvidence validates that the proposal carries usable supporting
// evidence: a non-blank string, or a list with at least one non-blank
// entry. A missing proposal allows neutrally since there is nothing to
// gate yet.
func (p *Pipeline) checkEvidence(signals Signals) Result {
	if !p.cfg.RequireEvidence {
		return Result{
			Name:    CheckEvidence,
			Allowed: true,
			Reason:  "evidence requirement disabled via settings",
			Metadata: map[string]interface{}{
				"required":        false,
				"missingEvidence": []string{},
			},
		}
	}

	if signals.Proposal == nil {
		return Result{
			Name:    CheckEvidence,
			Allowed: true,
			Reason:  "no proposal to evaluate; allowing",
			Metadata: map[string]interface{}{
				"required":        true,
				"missingEvidence": []string{},
			},
		}
	}

	if hasEvidence(signals.Proposal) {
		return Result{
			Name:    CheckEvidence,
			Allowed: true,
			Reason:  "supporting evidence present",
			Metadata: map[string]interface{}{
				"required":        true,
				"missingEvidence": []string{},
			},
		}
	}
	return Result{
		Name:    CheckEvidence,
		Allowed: false,
		Reason:  "missing supporting evidence",
		Metadata: map[string]interface{}{
			"required":        true,
			"missingEvidence": []string{"evidence"},
		},
	}
}

func hasEvidence(proposal map[string]interface{}) bool {
	raw, ok := proposal["evidence"]
	if !ok || raw == nil {
		return false
	}

	switch value := raw.(type) {
	case string:
		return strings.TrimSpace(value) != ""
	case []string:
		for _, item := range value {
			if strings.TrimSpace(item) != "" {
				return true
			}
		}
		return false
	case []interface{}:
		for _, item := range value {
			switch entry := item.(type) {
			case nil:
				continue
			case string:
				if strings.TrimSpace(entry) != "" {
					return true
				}
			default:
				return true
			}
		}
		return false
	case map[string]interface{}:
		return len(value) > 0
	case bool:
		return value
	default:
		// Other non-nil types count as evidence.
		return true
	}
}
