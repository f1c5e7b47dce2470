// Package worker drains the outbox: it claims pending envelopes, enforces
// tenant policy and rate buckets, executes against the provider inside a
// retry harness, and records every outcome in the audit trail.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/generativebots/acp-backend/internal/circuitbreaker"
	"github.com/generativebots/acp-backend/internal/envelope"
)

// ConflictError reports a provider-side conflict (HTTP 409). Conflicts are
// terminal: the envelope was already applied or collides with provider
// state, so retrying cannot help.
type ConflictError struct {
	StatusCode int
	Message    string
}

func (e *ConflictError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider conflict (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider conflict: %s", e.Message)
}

// IsConflict classifies an execution error. Typed conflicts match directly;
// untyped errors fall back to the message heuristic so provider SDK errors
// that merely mention a 409 are treated the same way.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "conflict") || strings.Contains(message, "409")
}

// Executor delivers one envelope to the execution provider and returns the
// provider's result payload.
type Executor interface {
	Execute(ctx context.Context, env envelope.Envelope) (map[string]interface{}, error)
}

// executeRequest is the provider wire shape for one execution.
type executeRequest struct {
	UserID             string                 `json:"user_id"`
	ToolSlug           string                 `json:"tool_slug"`
	Arguments          map[string]interface{} `json:"arguments"`
	ExternalID         string                 `json:"external_id"`
	ConnectedAccountID string                 `json:"connected_account_id,omitempty"`
}

// HTTPExecutor posts envelopes to the provider's execute endpoint. The
// external_id doubles as the idempotency key, so redelivering the same
// envelope is safe. Calls run behind a circuit breaker that fails fast once
// the provider stops answering.
type HTTPExecutor struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
}

var _ Executor = (*HTTPExecutor)(nil)

func NewHTTPExecutor(baseURL, apiKey string, timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPExecutor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    circuitbreaker.New(circuitbreaker.DefaultConfig("provider")),
	}
}

func (e *HTTPExecutor) Execute(ctx context.Context, env envelope.Envelope) (map[string]interface{}, error) {
	var result map[string]interface{}
	var execErr error

	err := e.breaker.Execute(func() error {
		result, execErr = e.executeOnce(ctx, env)
		if execErr != nil && !IsConflict(execErr) {
			return execErr
		}
		// The provider answered; a conflict is a business outcome, not a
		// provider failure, and must not trip the breaker.
		return nil
	})
	if err != nil {
		return nil, err
	}
	if execErr != nil {
		return nil, execErr
	}
	return result, nil
}

func (e *HTTPExecutor) executeOnce(ctx context.Context, env envelope.Envelope) (map[string]interface{}, error) {
	payload, err := json.Marshal(executeRequest{
		UserID:             env.TenantID,
		ToolSlug:           env.ToolSlug,
		Arguments:          env.Arguments,
		ExternalID:         env.ExternalID,
		ConnectedAccountID: env.ConnectedAccountID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode execute request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/tools/execute", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build execute request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Idempotency-Key", env.ExternalID)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", env.ToolSlug, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read execute response: %w", err)
	}

	if resp.StatusCode == http.StatusConflict {
		return nil, &ConflictError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("execute %s: status %d: %s", env.ToolSlug, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	result := map[string]interface{}{}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("decode execute response: %w", err)
		}
	}
	return result, nil
}

// StubExecutor is a scriptable in-memory executor for tests and the demo
// loop. By default every call succeeds with {"status": "sent"}.
type StubExecutor struct {
	mu       sync.Mutex
	result   map[string]interface{}
	failures map[string]*stubFailure
	calls    map[string]int
}

type stubFailure struct {
	remaining int // negative = fail forever
	err       error
}

var _ Executor = (*StubExecutor)(nil)

func NewStubExecutor() *StubExecutor {
	return &StubExecutor{
		result:   map[string]interface{}{"status": "sent"},
		failures: make(map[string]*stubFailure),
		calls:    make(map[string]int),
	}
}

// SetResult replaces the success payload.
func (s *StubExecutor) SetResult(result map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = result
}

// FailNext makes the next n executions of an envelope fail with err.
// n < 0 fails every execution.
func (s *StubExecutor) FailNext(envelopeID string, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[envelopeID] = &stubFailure{remaining: n, err: err}
}

// Calls reports how many times an envelope has been executed.
func (s *StubExecutor) Calls(envelopeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[envelopeID]
}

func (s *StubExecutor) Execute(_ context.Context, env envelope.Envelope) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[env.EnvelopeID]++
	if failure := s.failures[env.EnvelopeID]; failure != nil && failure.remaining != 0 {
		if failure.remaining > 0 {
			failure.remaining--
		}
		return nil, failure.err
	}

	result := make(map[string]interface{}, len(s.result))
	for k, v := range s.result {
		result[k] = v
	}
	return result, nil
}
