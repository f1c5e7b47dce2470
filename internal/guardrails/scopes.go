package guardrails

import (
	"sort"
	"strings"
)

// checkScopes ensures every requested scope is enabled for the connected
// account. Comparison is case-insensitive and whitespace-trimmed; an empty
// requested set allows.
func (p *Pipeline) checkScopes(signals Signals) Result {
	if !p.cfg.EnforceScopeValidation {
		return Result{
			Name:    CheckScopes,
			Allowed: true,
			Reason:  "scope validation disabled via settings",
			Metadata: map[string]interface{}{
				"requestedScopes": []string{},
				"enabledScopes":   []string{},
				"missingScopes":   []string{},
			},
		}
	}

	requested := normaliseScopes(signals.RequestedScopes)
	enabled := normaliseScopes(signals.EnabledScopes)

	metadata := map[string]interface{}{
		"requestedScopes": sortedScopes(requested),
		"enabledScopes":   sortedScopes(enabled),
		"missingScopes":   []string{},
	}

	if len(requested) == 0 {
		return Result{
			Name:     CheckScopes,
			Allowed:  true,
			Reason:   "no scopes requested; allowing",
			Metadata: metadata,
		}
	}

	missing := make([]string, 0)
	for scope := range requested {
		if _, ok := enabled[scope]; !ok {
			missing = append(missing, scope)
		}
	}
	sort.Strings(missing)

	if len(missing) > 0 {
		metadata["missingScopes"] = missing
		return Result{
			Name:     CheckScopes,
			Allowed:  false,
			Reason:   "missing scopes: " + strings.Join(missing, ", "),
			Metadata: metadata,
		}
	}
	return Result{
		Name:     CheckScopes,
		Allowed:  true,
		Reason:   "requested scopes satisfied",
		Metadata: metadata,
	}
}

func normaliseScopes(scopes []string) map[string]struct{} {
	normalised := make(map[string]struct{}, len(scopes))
	for _, raw := range scopes {
		value := strings.ToLower(strings.TrimSpace(raw))
		if value == "" {
			continue
		}
		normalised[value] = struct{}{}
	}
	return normalised
}

func sortedScopes(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for scope := range set {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out
}
