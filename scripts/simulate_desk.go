package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/generativebots/acp-backend/internal/agent"
	"github.com/generativebots/acp-backend/internal/analytics"
	"github.com/generativebots/acp-backend/internal/audit"
	"github.com/generativebots/acp-backend/internal/catalog"
	"github.com/generativebots/acp-backend/internal/events"
	"github.com/generativebots/acp-backend/internal/guardrails"
	"github.com/generativebots/acp-backend/internal/objectives"
	"github.com/generativebots/acp-backend/internal/outbox"
	"github.com/generativebots/acp-backend/internal/worker"
)

const tenantID = "tenant-demo"

// The demo walks one desk session end to end against in-memory stores: a
// blocked turn, an allowed turn that queues an envelope, the worker draining
// it, a provider failure walking to the DLQ, and an operator requeue.
func main() {
	ctx := context.Background()

	store := outbox.NewMemoryStore()
	cat := catalog.NewMemoryCatalog()
	if err := catalog.SeedDemo(cat, tenantID); err != nil {
		log.Fatalf("❌ Seed catalog: %v", err)
	}

	bus := events.NewBus()
	observed := bus.Subscribe()

	agentTrail := audit.NewMemoryRecorder(audit.AgentIdentity, 0)
	workerTrail := audit.NewMemoryRecorder(audit.WorkerIdentity, 0)

	plane, err := agent.NewControlPlane(agent.Config{
		TenantID: tenantID,
		Guardrails: guardrails.Config{
			TrustThreshold:         0.8,
			EnforceScopeValidation: true,
		},
	}, agent.Deps{
		Catalog:    cat,
		Objectives: objectives.NewDemoService(tenantID),
		Store:      store,
		Recorder:   agentTrail,
		Emitter:    bus,
	})
	if err != nil {
		log.Fatalf("❌ Control plane: %v", err)
	}

	executor := worker.NewStubExecutor()
	runner := worker.NewRunner(worker.Config{TenantID: tenantID}, worker.Deps{
		Store:    store,
		Catalog:  cat,
		Executor: executor,
		Recorder: workerTrail,
		Emitter:  bus,
	})
	runner.SetSleep(func(context.Context, time.Duration) error { return nil })

	fmt.Println("🤖 Desk Session Starting:", tenantID)

	// 1. Seed the desk.
	state := map[string]interface{}{}
	if err := plane.BeforeAgent(ctx, state); err != nil {
		log.Fatalf("❌ BeforeAgent: %v", err)
	}
	fmt.Printf("📋 Desk seeded with %d queue item(s)\n", len(agent.QueueItems(state)))
	time.Sleep(1 * time.Second)

	// 2. A low-trust turn is blocked before the model runs.
	state["trust"] = map[string]interface{}{"score": 0.52, "source": "session"}
	state["requested_scopes"] = []interface{}{"SLACK.CHAT:WRITE"}
	state["enabled_scopes"] = []interface{}{"SLACK.CHAT:WRITE"}

	fmt.Println("\n🤔 Turn 1: agent proposes a Slack post at trust 0.52...")
	response, err := plane.BeforeModel(ctx, state, &agent.ModelRequest{})
	if err != nil {
		log.Fatalf("❌ BeforeModel: %v", err)
	}
	if response == nil {
		log.Fatalf("❌ Expected the guardrails to block this turn")
	}
	fmt.Printf("⛔ Synthetic response: %s\n", response.Text)
	time.Sleep(1 * time.Second)

	// 3. With trust raised the turn proceeds and the envelope queues.
	state["trust"] = map[string]interface{}{"score": 0.91, "source": "session"}

	fmt.Println("\n🤔 Turn 2: same proposal at trust 0.91...")
	request := &agent.ModelRequest{SystemInstruction: "Reply briefly."}
	response, err = plane.BeforeModel(ctx, state, request)
	if err != nil {
		log.Fatalf("❌ BeforeModel: %v", err)
	}
	if response != nil {
		log.Fatalf("❌ Unexpected block: %s", response.Text)
	}
	fmt.Println("✅ Guardrails passed; system prompt carries objectives + catalog")

	result := plane.EnqueueEnvelope(ctx, state, map[string]interface{}{
		"tool_slug": "SLACK__chat.postMessage",
		"arguments": map[string]interface{}{
			"channel": "#renewals",
			"text":    "Acme contract renews Friday — draft terms attached.",
		},
	}, []string{"SLACK.CHAT:WRITE"}, nil)
	if result["status"] != "queued" {
		log.Fatalf("❌ Enqueue failed: %v", result["message"])
	}
	envelopeID := result["envelopeId"].(string)
	fmt.Printf("📨 Envelope queued: %s (risk=%v)\n", envelopeID, result["risk"])
	fmt.Printf("🏁 Turn complete: %v\n", plane.AfterModel(ctx, state))
	time.Sleep(1 * time.Second)

	// 4. The worker drains it.
	fmt.Println("\n⏳ Worker pass 1...")
	if _, err := runner.RunOnce(ctx); err != nil {
		log.Fatalf("❌ Worker: %v", err)
	}
	printStatus(ctx, runner)

	// 5. A flaky provider exhausts the retry budget and dead-letters.
	fmt.Println("\n🤔 Turn 3: enqueue a Gmail draft against a failing provider...")
	result = plane.EnqueueEnvelope(ctx, state, map[string]interface{}{
		"tool_slug": "GMAIL__drafts.create",
		"arguments": map[string]interface{}{
			"to":      "cfo@acme.test",
			"subject": "Renewal terms",
			"body":    "Draft attached for review.",
		},
	}, []string{"GMAIL.SMTP"}, nil)
	if result["status"] != "queued" {
		log.Fatalf("❌ Enqueue failed: %v", result["message"])
	}
	failingID := result["envelopeId"].(string)
	executor.FailNext(failingID, -1, errors.New("provider 503"))

	fmt.Println("⏳ Worker pass 2...")
	if _, err := runner.RunOnce(ctx); err != nil {
		log.Fatalf("❌ Worker: %v", err)
	}
	printStatus(ctx, runner)

	// 6. The operator requeues the dead letter and the provider recovers.
	fmt.Println("\n♻️ Operator drains the DLQ...")
	drained, err := runner.DrainDLQ(ctx, tenantID, 50)
	if err != nil {
		log.Fatalf("❌ Drain: %v", err)
	}
	fmt.Printf("♻️ drained=%d\n", drained)

	executor.FailNext(failingID, 0, nil)
	fmt.Println("⏳ Worker pass 3...")
	if _, err := runner.RunOnce(ctx); err != nil {
		log.Fatalf("❌ Worker: %v", err)
	}
	printStatus(ctx, runner)

	// 7. Session wrap-up.
	summary, err := analytics.NewService(store, workerTrail).Summary(ctx, tenantID)
	if err != nil {
		log.Fatalf("❌ Summary: %v", err)
	}
	fmt.Printf("\n📊 Session summary: actions=%d approved=%d rejected=%d pending=%d dlq=%d\n",
		summary.Actions.Total, summary.Actions.Approved, summary.Actions.Rejected,
		summary.Outbox.Pending, summary.Outbox.DLQ)

	agentEntries, _ := agentTrail.Recent(ctx, tenantID, "", 0)
	workerEntries, _ := workerTrail.Recent(ctx, tenantID, "", 0)
	fmt.Printf("🧾 Audit trail: %d agent entries, %d worker entries\n", len(agentEntries), len(workerEntries))

	fmt.Println("\n📡 Events observed:")
	for {
		select {
		case event := <-observed:
			fmt.Printf("   %s  %s\n", event.Type, event.Subject)
		default:
			fmt.Println("👋 Done.")
			return
		}
	}
}

func printStatus(ctx context.Context, runner *worker.Runner) {
	stats, err := runner.Status(ctx)
	if err != nil {
		log.Fatalf("❌ Status: %v", err)
	}
	fmt.Printf("📊 Outbox: pending=%d dlq=%d\n", stats.Pending, stats.DLQ)
}
