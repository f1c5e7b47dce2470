package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/generativebots/acp-backend/internal/actions"
	"github.com/generativebots/acp-backend/internal/archive"
	"github.com/generativebots/acp-backend/internal/audit"
	"github.com/generativebots/acp-backend/internal/catalog"
	"github.com/generativebots/acp-backend/internal/config"
	"github.com/generativebots/acp-backend/internal/database"
	"github.com/generativebots/acp-backend/internal/events"
	"github.com/generativebots/acp-backend/internal/outbox"
	"github.com/generativebots/acp-backend/internal/webhooks"
	"github.com/generativebots/acp-backend/internal/worker"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		cmdStart(settings, os.Args[2:])
	case "status":
		cmdStatus(settings, os.Args[2:])
	case "drain":
		cmdDrain(settings, os.Args[2:])
	case "retry-dlq":
		cmdRetryDLQ(settings, os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`ACP Outbox Worker

Usage: outbox-worker <command> [flags]

Commands:
  start      Run the worker loop (--once processes one batch and exits)
  status     Print queue depth: pending=N dlq=M
  drain      Requeue dead-lettered envelopes back to pending
  retry-dlq  Requeue one envelope from the DLQ (exit 2 when not found)
  help       Show this help

Environment:
  OUTBOX_STORE          memory | supabase | postgres (inferred when unset)
  SUPABASE_URL          Supabase project URL
  SUPABASE_SERVICE_KEY  Supabase service-role key
  DATABASE_URL          Postgres DSN (lib/pq)
  PROVIDER_BASE_URL     Action provider endpoint (stub executor when unset)
  RATE_LIMITER          memory | redis
  EVENTS_BACKEND        memory | pubsub

Examples:
  outbox-worker start
  outbox-worker start --once
  outbox-worker status --tenant tenant-demo
  outbox-worker drain --tenant tenant-demo --limit 10
  outbox-worker retry-dlq --tenant tenant-demo --envelope env-42`)
}

// buildStore resolves the outbox backend. The returned cleanup closes any
// underlying connection pool.
func buildStore(settings *config.Settings) (outbox.Store, func(), error) {
	kind, err := settings.OutboxStoreKind()
	if err != nil {
		return nil, nil, err
	}

	switch kind {
	case config.StoreMemory:
		return outbox.NewMemoryStore(), func() {}, nil

	case config.StoreSupabase:
		client, err := database.NewClientWith(settings.SupabaseURL, settings.SupabaseServiceKey, settings.SupabaseSchema)
		if err != nil {
			return nil, nil, fmt.Errorf("supabase client: %w", err)
		}
		return outbox.NewSupabaseStore(client), func() {}, nil

	case config.StorePostgres:
		db, err := sql.Open("postgres", settings.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return outbox.NewPostgresStore(db), func() { db.Close() }, nil
	}

	return nil, nil, fmt.Errorf("unsupported outbox store %q", kind)
}

// buildCatalog wires the policy gate's tool source: Supabase when
// configured, otherwise an in-memory catalog seeded from the overrides file
// and the demo entries.
func buildCatalog(settings *config.Settings) (catalog.Service, error) {
	if settings.SupabaseConfigured() {
		client, err := database.NewClientWith(settings.SupabaseURL, settings.SupabaseServiceKey, settings.SupabaseSchema)
		if err != nil {
			return nil, fmt.Errorf("supabase client: %w", err)
		}
		return catalog.NewSupabaseCatalog(client), nil
	}

	mem := catalog.NewMemoryCatalog()
	if err := catalog.SeedDemo(mem, settings.TenantID); err != nil {
		return nil, fmt.Errorf("seed catalog: %w", err)
	}
	for _, entry := range settings.Overrides.CatalogEntries() {
		if err := mem.Register(settings.TenantID, entry); err != nil {
			return nil, fmt.Errorf("register %s: %w", entry.Slug, err)
		}
	}
	return mem, nil
}

func buildLimiter(settings *config.Settings) (worker.RateLimiter, func(), error) {
	if settings.RateLimiter == config.LimiterRedis {
		if !settings.RedisConfigured() {
			return nil, nil, fmt.Errorf("RATE_LIMITER=redis but REDIS_ADDR is unset")
		}
		limiter, err := worker.NewRedisRateLimiter(settings.RedisAddr, settings.RedisPassword, settings.RedisDB)
		if err != nil {
			return nil, nil, fmt.Errorf("redis rate limiter: %w", err)
		}
		return limiter, func() { limiter.Close() }, nil
	}
	return worker.NewMemoryRateLimiter(), func() {}, nil
}

// workerConfig maps settings onto the runner. Override-file rate gaps are
// overlaid on the defaults so tuning one bucket keeps the rest.
func workerConfig(settings *config.Settings, tenantID string) worker.Config {
	gaps := worker.DefaultRateGaps()
	for bucket, gap := range settings.Overrides.RateGaps() {
		gaps[bucket] = gap
	}

	return worker.Config{
		TenantID:     tenantID,
		PollInterval: settings.OutboxPollInterval,
		BatchSize:    settings.OutboxBatchSize,
		Retry: worker.RetryPolicy{
			MaxAttempts: settings.OutboxMaxAttempts,
			BaseWait:    time.Second,
			MaxWait:     30 * time.Second,
		},
		RateGaps:           gaps,
		FailedRequeueDelay: settings.OutboxFailedRequeueDelay,
	}
}

// opsRunner builds the minimal runner used by status, drain, and retry-dlq.
// Those commands only touch the store, so no executor or catalog is wired.
func opsRunner(settings *config.Settings, tenantID string) (*worker.Runner, func()) {
	store, cleanup, err := buildStore(settings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Store error: %v\n", err)
		os.Exit(1)
	}
	runner := worker.NewRunner(workerConfig(settings, tenantID), worker.Deps{Store: store})
	return runner, cleanup
}

// fanoutEmitter mirrors every event onto each backend. The bus feeds local
// subscribers (webhook forwarder, desk streams); Pub/Sub feeds everyone else.
type fanoutEmitter []events.Emitter

func (f fanoutEmitter) Emit(eventType, source, subject, tenantID string, data map[string]interface{}) {
	for _, emitter := range f {
		emitter.Emit(eventType, source, subject, tenantID, data)
	}
}

func cmdStart(settings *config.Settings, args []string) {
	flags := flag.NewFlagSet("start", flag.ExitOnError)
	once := flags.Bool("once", false, "process one batch and exit")
	tenant := flags.String("tenant", "", "restrict polling to one tenant (default: all)")
	flags.Parse(args)

	logger := log.New(log.Writer(), "[WORKER] ", log.LstdFlags)

	store, cleanup, err := buildStore(settings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Store error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	cat, err := buildCatalog(settings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Catalog error: %v\n", err)
		os.Exit(1)
	}

	limiter, closeLimiter, err := buildLimiter(settings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Rate limiter error: %v\n", err)
		os.Exit(1)
	}
	defer closeLimiter()

	var executor worker.Executor
	if settings.ProviderBaseURL != "" {
		executor = worker.NewHTTPExecutor(settings.ProviderBaseURL, settings.ProviderAPIKey, 30*time.Second)
		logger.Printf("▶️ Executing against provider at %s", settings.ProviderBaseURL)
	} else {
		executor = worker.NewStubExecutor()
		logger.Printf("⚠️ PROVIDER_BASE_URL not set — using the stub executor")
	}

	bus := events.NewBus()
	emitter := events.Emitter(bus)
	if settings.EventsBackend == config.EventsPubSub && settings.PubSubConfigured() {
		ps, err := events.NewPubSubEmitter(settings.PubSubProjectID, settings.PubSubTopicID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Pub/Sub emitter error: %v\n", err)
			os.Exit(1)
		}
		defer ps.Close()
		emitter = fanoutEmitter{bus, ps}
		logger.Printf("📡 Mirroring events to Pub/Sub topic %s", ps.TopicPath())
	}

	// Webhook fan-out rides the bus so the worker never blocks on delivery.
	registry := webhooks.NewRegistry()
	var hookEmitter webhooks.WebhookEmitter
	if settings.WebhooksBackend == config.WebhooksCloudTasks && settings.CloudTasksConfigured() {
		cloud, err := webhooks.NewCloudDispatcher(registry, settings.CloudTasksProject, settings.CloudTasksLocation, settings.CloudTasksQueue, 4)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Cloud Tasks dispatcher error: %v\n", err)
			os.Exit(1)
		}
		hookEmitter = cloud
	} else {
		dispatcher := webhooks.NewDispatcher(registry, 4)
		defer dispatcher.Shutdown()
		hookEmitter = dispatcher
	}
	forwarder := webhooks.NewForwarder(bus, hookEmitter)
	forwarder.Start()
	defer forwarder.Stop()

	var recorder audit.Recorder
	var projector actions.Projector
	if settings.SupabaseConfigured() {
		client, err := database.NewClientWith(settings.SupabaseURL, settings.SupabaseServiceKey, settings.SupabaseSchema)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Supabase client error: %v\n", err)
			os.Exit(1)
		}
		recorder = audit.NewSupabaseRecorder(client, audit.WorkerIdentity)
		projector = actions.NewSupabaseProjector(client)
	}

	runner := worker.NewRunner(workerConfig(settings, *tenant), worker.Deps{
		Store:     store,
		Catalog:   cat,
		Executor:  executor,
		Limiter:   limiter,
		Recorder:  recorder,
		Projector: projector,
		Emitter:   emitter,
		Metrics:   worker.NewMetrics(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DLQ archival runs beside the poll loop when Spanner is configured.
	if settings.SpannerConfigured() {
		archiver, err := archive.NewSpannerArchive(settings.SpannerProject, settings.SpannerInstance, settings.SpannerDatabase)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Spanner archive error: %v\n", err)
			os.Exit(1)
		}
		defer archiver.Close()
		sweeper := archive.NewSweeper(archive.SweeperConfig{
			Interval:  settings.ArchiveSweepInterval,
			Retention: settings.ArchiveRetention,
		}, store, archiver)
		go sweeper.Run(ctx)
	}

	if *once {
		processed, err := runner.RunOnce(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Worker error: %v\n", err)
			os.Exit(1)
		}
		logger.Printf("✅ Processed %d record(s)", processed)
		return
	}

	runner.Run(ctx)
	logger.Printf("👋 Worker stopped")
}

func cmdStatus(settings *config.Settings, args []string) {
	flags := flag.NewFlagSet("status", flag.ExitOnError)
	tenant := flags.String("tenant", "", "restrict counts to one tenant")
	flags.Parse(args)

	runner, cleanup := opsRunner(settings, *tenant)
	defer cleanup()

	stats, err := runner.Status(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("pending=%d dlq=%d\n", stats.Pending, stats.DLQ)
}

func cmdDrain(settings *config.Settings, args []string) {
	flags := flag.NewFlagSet("drain", flag.ExitOnError)
	tenant := flags.String("tenant", "", "restrict the sweep to one tenant")
	limit := flags.Int("limit", 50, "maximum envelopes to requeue")
	flags.Parse(args)

	runner, cleanup := opsRunner(settings, *tenant)
	defer cleanup()

	drained, err := runner.DrainDLQ(context.Background(), *tenant, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Drain error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("drained=%d\n", drained)
}

func cmdRetryDLQ(settings *config.Settings, args []string) {
	flags := flag.NewFlagSet("retry-dlq", flag.ExitOnError)
	tenant := flags.String("tenant", "", "tenant owning the envelope")
	envelopeID := flags.String("envelope", "", "envelope id to requeue")
	flags.Parse(args)

	if *tenant == "" || *envelopeID == "" {
		fmt.Fprintln(os.Stderr, "retry-dlq requires --tenant and --envelope")
		os.Exit(1)
	}

	runner, cleanup := opsRunner(settings, *tenant)
	defer cleanup()

	requeued, err := runner.RetryDLQ(context.Background(), *tenant, *envelopeID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Retry error: %v\n", err)
		os.Exit(1)
	}
	if !requeued {
		fmt.Fprintf(os.Stderr, "Envelope %s not found in the DLQ for %s\n", *envelopeID, *tenant)
		os.Exit(2)
	}
	fmt.Printf("requeued=%s\n", *envelopeID)
}
