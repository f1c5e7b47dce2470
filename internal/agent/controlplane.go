package agent

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/generativebots/acp-backend/internal/audit"
	"github.com/generativebots/acp-backend/internal/catalog"
	"github.com/generativebots/acp-backend/internal/events"
	"github.com/generativebots/acp-backend/internal/guardrails"
	"github.com/generativebots/acp-backend/internal/objectives"
	"github.com/generativebots/acp-backend/internal/outbox"
)

// ModelRequest is the mutable view of the turn handed to BeforeModel. The
// host runtime copies SystemInstruction into its provider request after the
// callback returns.
type ModelRequest struct {
	SystemInstruction string
}

// Prepend puts prefix ahead of the current system instruction.
func (r *ModelRequest) Prepend(prefix string) {
	if prefix == "" {
		return
	}
	if r.SystemInstruction == "" {
		r.SystemInstruction = prefix
		return
	}
	r.SystemInstruction = prefix + "\n\n" + r.SystemInstruction
}

// ModelResponse is a synthetic model turn. A non-nil response from
// BeforeModel replaces the provider call entirely and ends the invocation.
type ModelResponse struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Config tunes the control plane callbacks.
type Config struct {
	TenantID   string
	Guardrails guardrails.Config

	// PendingLimit bounds the outbox read that hydrates the desk queue.
	PendingLimit int
}

// Deps are the services behind the control plane. Catalog, Objectives, and
// Store are required; a nil Recorder gets an in-memory default and a nil
// Emitter disables event publication.
type Deps struct {
	Catalog    catalog.Service
	Objectives objectives.Service
	Store      outbox.Store
	Recorder   audit.Recorder
	Emitter    events.Emitter
}

// ControlPlane wires the desk blueprint, the guardrail pipeline, and the
// tenant services into the callbacks the agent runtime invokes around each
// turn.
type ControlPlane struct {
	cfg        Config
	pipeline   *guardrails.Pipeline
	catalog    catalog.Service
	objectives objectives.Service
	store      outbox.Store
	recorder   audit.Recorder
	emitter    events.Emitter
	blueprint  *DeskBlueprint

	clock  func() time.Time
	logger *log.Logger
}

func NewControlPlane(cfg Config, deps Deps) (*ControlPlane, error) {
	if err := cfg.Guardrails.Validate(); err != nil {
		return nil, err
	}
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = 25
	}

	recorder := deps.Recorder
	if recorder == nil {
		recorder = audit.NewMemoryRecorder(audit.AgentIdentity, 0)
	}

	return &ControlPlane{
		cfg:        cfg,
		pipeline:   guardrails.NewPipeline(cfg.Guardrails),
		catalog:    deps.Catalog,
		objectives: deps.Objectives,
		store:      deps.Store,
		recorder:   recorder,
		emitter:    deps.Emitter,
		blueprint:  NewDeskBlueprint(),
		clock:      time.Now,
		logger:     log.New(log.Writer(), "[AGENT] ", log.LstdFlags),
	}, nil
}

// SetClock pins the time source. Test hook.
func (cp *ControlPlane) SetClock(clock func() time.Time) { cp.clock = clock }

// Blueprint exposes the desk blueprint for hosts that render state directly.
func (cp *ControlPlane) Blueprint() *DeskBlueprint { return cp.blueprint }

// BeforeAgent seeds shared state ahead of the turn: desk queue from
// objectives, guardrail scaffold, pending envelopes hydrated into the queue.
func (cp *ControlPlane) BeforeAgent(ctx context.Context, state map[string]interface{}) error {
	objs, pending, err := cp.loadDeskInputs(ctx)
	if err != nil {
		return err
	}
	cp.blueprint.EnsureSharedState(state, objs, pending)
	return nil
}

// BeforeModel gates the turn. Every guardrail is evaluated, projected into
// shared state, and audited; the first block short-circuits the provider
// call with a synthetic response. On allow, the system prompt is prefixed
// with objectives and the tool catalog.
func (cp *ControlPlane) BeforeModel(ctx context.Context, state map[string]interface{}, req *ModelRequest) (*ModelResponse, error) {
	signals := guardrails.SignalsFromState(state)
	results := cp.pipeline.Evaluate(signals)
	guardrails.WriteResults(state, results, cp.clock())

	for _, result := range results {
		cp.recorder.Record(ctx, audit.GuardrailEntry(cp.cfg.TenantID, result.Name, result.Allowed, result.Reason))
	}

	if blocking := guardrails.Blocking(results); blocking != nil {
		cp.emitGuardrailBlocked(*blocking)
		return &ModelResponse{Role: "model", Text: guardrails.BlockMessage(*blocking)}, nil
	}

	objs, pending, err := cp.loadDeskInputs(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := cp.catalog.ListTools(ctx, cp.cfg.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list catalog tools: %w", err)
	}

	if req != nil {
		req.Prepend(cp.blueprint.PromptPrefix(objs, entries))
	}
	cp.blueprint.EnsureSharedState(state, objs, pending)
	return nil, nil
}

// AfterModel reports whether the invocation should end: true once an
// envelope was queued during the turn.
func (cp *ControlPlane) AfterModel(_ context.Context, state map[string]interface{}) bool {
	return LastEnvelopeID(state) != ""
}

func (cp *ControlPlane) loadDeskInputs(ctx context.Context) ([]objectives.Objective, []*outbox.Record, error) {
	objs, err := cp.objectives.List(ctx, cp.cfg.TenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("list objectives: %w", err)
	}
	pending, err := cp.store.ListPending(ctx, cp.cfg.TenantID, cp.cfg.PendingLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("list pending envelopes: %w", err)
	}
	return objs, pending, nil
}

func (cp *ControlPlane) emitGuardrailBlocked(result guardrails.Result) {
	if cp.emitter == nil {
		return
	}
	cp.emitter.Emit(events.TypeGuardrailBlocked, "/agent/control-plane", result.Name, cp.cfg.TenantID,
		map[string]interface{}{
			"guardrail": result.Name,
			"reason":    result.Reason,
		})
}
