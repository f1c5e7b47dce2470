package guardrails

import "time"

// StateKey is the shared-state key under which guardrail results are
// projected for the desk UI and downstream callbacks.
const StateKey = "guardrails"

// EnsureState initialises the guardrail sub-map within shared state and
// returns it.
func EnsureState(state map[string]interface{}) map[string]interface{} {
	if existing, ok := state[StateKey].(map[string]interface{}); ok {
		return existing
	}
	fresh := make(map[string]interface{})
	state[StateKey] = fresh
	return fresh
}

// WriteResults projects guardrail evaluations into shared state under
// per-check keys (quietHours, trust, scopeValidation, evidence) plus the
// aggregate blocked flag and evaluation timestamp. Results with unknown
// names are skipped.
func WriteResults(state map[string]interface{}, evaluations []Result, evaluatedAt time.Time) {
	guardrailState := EnsureState(state)

	for _, result := range evaluations {
		key, known := stateKeyFor(result.Name)
		if !known {
			continue
		}
		guardrailState[key] = projectionFor(result)
	}

	guardrailState["blocked"] = Blocking(evaluations) != nil
	guardrailState["lastEvaluatedAt"] = evaluatedAt.UTC().Format(time.RFC3339)
}

func stateKeyFor(name string) (string, bool) {
	switch name {
	case CheckQuietHours:
		return "quietHours", true
	case CheckTrust:
		return "trust", true
	case CheckScopes:
		return "scopeValidation", true
	case CheckEvidence:
		return "evidence", true
	}
	return "", false
}

func projectionFor(result Result) map[string]interface{} {
	entry := map[string]interface{}{"allowed": result.Allowed}
	if result.Reason != "" {
		entry["reason"] = result.Reason
	}

	switch result.Name {
	case CheckQuietHours:
		entry["window"] = metaValue(result, "window")
	case CheckTrust:
		entry["score"] = metaValue(result, "score")
		entry["threshold"] = metaValue(result, "threshold")
		entry["source"] = metaValue(result, "source")
	case CheckScopes:
		entry["missingScopes"] = metaStrings(result, "missingScopes")
	case CheckEvidence:
		entry["missingEvidence"] = metaStrings(result, "missingEvidence")
	}
	return entry
}

func metaValue(result Result, key string) interface{} {
	if result.Metadata == nil {
		return nil
	}
	return result.Metadata[key]
}

func metaStrings(result Result, key string) []string {
	raw := metaValue(result, key)
	if values := toStringSlice(raw); values != nil {
		return values
	}
	return []string{}
}
