package main

import (
	"context"
	"database/sql"
	"log"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/generativebots/acp-backend/internal/analytics"
	"github.com/generativebots/acp-backend/internal/api"
	"github.com/generativebots/acp-backend/internal/audit"
	"github.com/generativebots/acp-backend/internal/catalog"
	"github.com/generativebots/acp-backend/internal/config"
	"github.com/generativebots/acp-backend/internal/database"
	"github.com/generativebots/acp-backend/internal/events"
	"github.com/generativebots/acp-backend/internal/objectives"
	"github.com/generativebots/acp-backend/internal/outbox"
	"github.com/generativebots/acp-backend/internal/tenants"
	"github.com/generativebots/acp-backend/internal/webhooks"
)

func main() {
	settings, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	// One Supabase client backs every durable surface when configured.
	var client *database.Client
	if settings.SupabaseConfigured() {
		client, err = database.NewClientWith(settings.SupabaseURL, settings.SupabaseServiceKey, settings.SupabaseSchema)
		if err != nil {
			log.Fatalf("Failed to initialize Supabase client: %v", err)
		}
	}

	store, closeStore := buildStore(settings, client)
	defer closeStore()

	recorder := buildRecorder(client)
	tenantManager := buildTenants(settings, client)
	cat := buildCatalog(settings, client)

	bus := events.NewBus()

	// Webhook deliveries ride the bus; API handlers only publish.
	registry := webhooks.NewRegistry()
	dispatcher := webhooks.NewDispatcher(registry, 4)
	defer dispatcher.Shutdown()
	forwarder := webhooks.NewForwarder(bus, dispatcher)
	forwarder.Start()
	defer forwarder.Stop()

	server := api.NewServer(api.Config{
		ServiceName:    settings.AppName,
		Port:           settings.Port,
		Env:            settings.Env,
		AllowedOrigins: settings.AllowedOrigins,
	}, api.Deps{
		Store:      store,
		Recorder:   recorder,
		Catalog:    cat,
		Objectives: buildObjectives(settings, client),
		Analytics:  analytics.NewService(store, recorder),
		Webhooks:   registry,
		Tenants:    tenantManager,
		Bus:        bus,
		Emitter:    bus,
		DB:         client,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// buildStore resolves the outbox backend; the read surface tolerates a
// missing durable store and shows an empty in-memory queue instead.
func buildStore(settings *config.Settings, client *database.Client) (outbox.Store, func()) {
	kind, err := settings.OutboxStoreKind()
	if err != nil {
		log.Printf("⚠️ %v — serving from an empty in-memory outbox", err)
		return outbox.NewMemoryStore(), func() {}
	}

	switch kind {
	case config.StoreSupabase:
		return outbox.NewSupabaseStore(client), func() {}
	case config.StorePostgres:
		db, err := sql.Open("postgres", settings.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to open Postgres: %v", err)
		}
		return outbox.NewPostgresStore(db), func() { db.Close() }
	default:
		return outbox.NewMemoryStore(), func() {}
	}
}

// buildRecorder picks the audit trail backend. The API only reads the
// trail, so the write identity is never stamped onto anything.
func buildRecorder(client *database.Client) audit.Recorder {
	if client != nil {
		return audit.NewSupabaseRecorder(client, audit.AgentIdentity)
	}
	return audit.NewMemoryRecorder(audit.AgentIdentity, 0)
}

func buildTenants(settings *config.Settings, client *database.Client) *tenants.Manager {
	if client != nil {
		return tenants.NewManager(tenants.NewSupabaseStore(client))
	}

	store := tenants.NewMemoryStore()
	if _, err := tenants.SeedDemo(context.Background(), store, settings.TenantID); err != nil {
		log.Fatalf("Failed to seed demo tenant: %v", err)
	}
	log.Printf("🔑 Demo tenant %q seeded (accepts X-Tenant-ID)", settings.TenantID)
	return tenants.NewManager(store)
}

func buildCatalog(settings *config.Settings, client *database.Client) catalog.Service {
	if client != nil {
		return catalog.NewSupabaseCatalog(client)
	}

	mem := catalog.NewMemoryCatalog()
	if err := catalog.SeedDemo(mem, settings.TenantID); err != nil {
		log.Fatalf("Failed to seed catalog: %v", err)
	}
	for _, entry := range settings.Overrides.CatalogEntries() {
		if err := mem.Register(settings.TenantID, entry); err != nil {
			log.Fatalf("Failed to register %s: %v", entry.Slug, err)
		}
	}
	return mem
}

func buildObjectives(settings *config.Settings, client *database.Client) objectives.Service {
	if client != nil {
		return objectives.NewSupabaseService(client)
	}
	if seeded := settings.Overrides.ObjectiveList(); len(seeded) > 0 {
		return objectives.NewMemoryService(map[string][]objectives.Objective{
			settings.TenantID: seeded,
		})
	}
	return objectives.NewDemoService(settings.TenantID)
}
