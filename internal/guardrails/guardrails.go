// Package guardrails evaluates the pre-flight checks that gate every
// agent-proposed action: quiet hours, trust threshold, scope validation,
// and evidence requirement.
//
// The pipeline always evaluates all four checks in order and returns the
// full set of results; the first result with Allowed == false is the
// blocking result. Callers short-circuit the LLM turn on block but still
// record every result in audit and shared state.
package guardrails

import (
	"errors"
	"fmt"
	"log"
	"time"
)

// Check names, in pipeline order.
const (
	CheckQuietHours = "quiet_hours"
	CheckTrust      = "trust_threshold"
	CheckScopes     = "scope_validation"
	CheckEvidence   = "evidence_requirement"
)

// ErrInvalidConfig is returned by Config.Validate when a configured
// parameter is outside its legal range.
var ErrInvalidConfig = errors.New("invalid guardrail configuration")

// Result is the outcome of evaluating a single guardrail.
type Result struct {
	Name     string                 `json:"name"`
	Allowed  bool                   `json:"allowed"`
	Reason   string                 `json:"reason,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Config holds the tenant-facing guardrail parameters. Quiet hour bounds
// are nil when unset; an out-of-range or equal pair degrades to an allow
// with a configuration message rather than an error.
type Config struct {
	QuietHoursStart *int
	QuietHoursEnd   *int

	// TrustThreshold is the minimum trust score (0..1) required to
	// auto-run without human approval.
	TrustThreshold float64

	EnforceScopeValidation bool
	RequireEvidence        bool

	// Clock overrides time.Now, used by tests to pin the quiet hours
	// evaluation instant.
	Clock func() time.Time
}

// DefaultConfig returns the recommended guardrail parameters: trust
// threshold 0.8, scope validation and evidence requirement enforced,
// quiet hours unset.
func DefaultConfig() Config {
	return Config{
		TrustThreshold:         0.8,
		EnforceScopeValidation: true,
		RequireEvidence:        true,
	}
}

// Validate checks that configured parameters are within acceptable bounds.
func (c Config) Validate() error {
	if c.TrustThreshold < 0 || c.TrustThreshold > 1 {
		return fmt.Errorf("%w: trust threshold must be between 0.0 and 1.0, got %.4f",
			ErrInvalidConfig, c.TrustThreshold)
	}
	return nil
}

// Signals carries the per-invocation inputs the checks read: the trust
// signal, the scope sets, and the action proposal. All fields are optional;
// each check fails closed or allows neutrally per its own rules.
type Signals struct {
	TrustScore      *float64
	TrustSource     string
	RequestedScopes []string
	EnabledScopes   []string
	Proposal        map[string]interface{}
}

// SignalsFromState extracts Signals from the shared session state map,
// reading the same keys the agent callbacks populate: trust.score,
// trust.source, requested_scopes, enabled_scopes, and proposal.
func SignalsFromState(state map[string]interface{}) Signals {
	signals := Signals{}
	if state == nil {
		return signals
	}

	if trust, ok := state["trust"].(map[string]interface{}); ok {
		if raw, present := trust["score"]; present {
			if score, ok := toFloat(raw); ok {
				value := score
				signals.TrustScore = &value
			}
		}
		if source, ok := trust["source"].(string); ok {
			signals.TrustSource = source
		}
	}

	signals.RequestedScopes = toStringSlice(state["requested_scopes"])
	signals.EnabledScopes = toStringSlice(state["enabled_scopes"])

	if proposal, ok := state["proposal"].(map[string]interface{}); ok {
		signals.Proposal = proposal
	}
	return signals
}

// Pipeline evaluates the ordered guardrail chain against a Config.
type Pipeline struct {
	cfg    Config
	clock  func() time.Time
	logger *log.Logger
}

// NewPipeline builds a pipeline for the given config.
func NewPipeline(cfg Config) *Pipeline {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Pipeline{
		cfg:    cfg,
		clock:  clock,
		logger: log.New(log.Writer(), "[GUARDRAILS] ", log.LstdFlags),
	}
}

// Evaluate runs all four checks in order and returns every result. The
// caller inspects Blocking to find the first failure.
func (p *Pipeline) Evaluate(signals Signals) []Result {
	results := []Result{
		p.checkQuietHours(),
		p.checkTrust(signals),
		p.checkScopes(signals),
		p.checkEvidence(signals),
	}

	if blocking := Blocking(results); blocking != nil {
		p.logger.Printf("⚠️ Blocked by %s: %s", blocking.Name, blocking.Reason)
	}
	return results
}

// Blocking returns the first result with Allowed == false, or nil when
// every check allowed.
func Blocking(results []Result) *Result {
	for i := range results {
		if !results[i].Allowed {
			return &results[i]
		}
	}
	return nil
}

// BlockMessage formats the synthetic model response shown to the user when
// a guardrail blocks the turn.
func BlockMessage(result Result) string {
	reason := result.Reason
	if reason == "" {
		reason = fmt.Sprintf("Request blocked by %s guardrail.", result.Name)
	}
	return fmt.Sprintf(
		"Guardrail prevented this action. %s Please adjust the request or submit for approval later.",
		reason,
	)
}

func toFloat(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func toStringSlice(raw interface{}) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
