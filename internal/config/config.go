// Package config resolves the control-plane runtime settings. Load reads a
// .env file when one is present, then the process environment, then an
// optional YAML overrides file carrying rate-bucket gaps and catalog /
// objective seeds. A missing overrides file is fine; a malformed one is an
// error.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/generativebots/acp-backend/internal/guardrails"
)

// Backend selection values.
const (
	StoreMemory   = "memory"
	StoreSupabase = "supabase"
	StorePostgres = "postgres"

	LimiterMemory = "memory"
	LimiterRedis  = "redis"

	EventsMemory = "memory"
	EventsPubSub = "pubsub"

	WebhooksPool       = "pool"
	WebhooksCloudTasks = "cloudtasks"
)

// DefaultOverridesFile is consulted when ACP_CONFIG_FILE is unset.
const DefaultOverridesFile = "acp.yaml"

// Settings is the resolved runtime configuration shared by the worker, the
// API server, and the diagnostics CLI.
type Settings struct {
	AppName      string
	Env          string
	TenantID     string
	UserID       string
	DefaultModel string

	// Guardrail parameters. Quiet hour bounds stay nil when unset.
	QuietHoursStart  *int
	QuietHoursEnd    *int
	TrustThreshold   float64
	ScopeEnforcement bool
	EvidenceRequired bool

	ProviderAPIKey   string
	ProviderBaseURL  string
	ProviderClientID string

	SupabaseURL        string
	SupabaseServiceKey string
	SupabaseSchema     string
	DatabaseURL        string

	OutboxStore              string
	OutboxPollInterval       time.Duration
	OutboxBatchSize          int
	OutboxMaxAttempts        int
	OutboxFailedRequeueDelay time.Duration

	RateLimiter   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	EventsBackend   string
	PubSubProjectID string
	PubSubTopicID   string

	WebhooksBackend    string
	CloudTasksProject  string
	CloudTasksLocation string
	CloudTasksQueue    string

	SpannerProject       string
	SpannerInstance      string
	SpannerDatabase      string
	ArchiveSweepInterval time.Duration
	ArchiveRetention     time.Duration

	Port           string
	AllowedOrigins []string

	Overrides Overrides
}

// Load resolves the settings from .env + environment + overrides file.
func Load() (*Settings, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	s := &Settings{
		AppName:        envString("ACP_APP_NAME", "acp-backend"),
		Env:            envString("ACP_ENV", ""),
		TenantID:       envString("ACP_TENANT_ID", "tenant-demo"),
		UserID:         envString("ACP_USER_ID", "demo_user"),
		DefaultModel:   envString("ACP_DEFAULT_MODEL", "gemini-2.5-flash"),
		SupabaseURL:    envString("SUPABASE_URL", ""),
		SupabaseSchema: envString("SUPABASE_SCHEMA", "public"),
		DatabaseURL:    envString("DATABASE_URL", ""),

		ProviderAPIKey:   envString("PROVIDER_API_KEY", ""),
		ProviderBaseURL:  envString("PROVIDER_BASE_URL", ""),
		ProviderClientID: envString("PROVIDER_CLIENT_ID", ""),

		OutboxStore: envString("OUTBOX_STORE", ""),

		RateLimiter:   envString("RATE_LIMITER", LimiterMemory),
		RedisAddr:     envString("REDIS_ADDR", ""),
		RedisPassword: envString("REDIS_PASSWORD", ""),

		EventsBackend:   envString("EVENTS_BACKEND", EventsMemory),
		PubSubProjectID: envString("PUBSUB_PROJECT_ID", ""),
		PubSubTopicID:   envString("PUBSUB_TOPIC_ID", ""),

		WebhooksBackend:    envString("WEBHOOKS_BACKEND", WebhooksPool),
		CloudTasksProject:  envString("CLOUDTASKS_PROJECT", ""),
		CloudTasksLocation: envString("CLOUDTASKS_LOCATION", ""),
		CloudTasksQueue:    envString("CLOUDTASKS_QUEUE", ""),

		SpannerProject:  envString("SPANNER_PROJECT", ""),
		SpannerInstance: envString("SPANNER_INSTANCE", ""),
		SpannerDatabase: envString("SPANNER_DATABASE", ""),

		Port:           envString("PORT", "8080"),
		AllowedOrigins: splitCSV(os.Getenv("ACP_ALLOWED_ORIGINS")),
	}
	s.SupabaseServiceKey = envString("SUPABASE_SERVICE_KEY", "")

	var err error
	if s.QuietHoursStart, err = envHour("QUIET_HOURS_START"); err != nil {
		return nil, err
	}
	if s.QuietHoursEnd, err = envHour("QUIET_HOURS_END"); err != nil {
		return nil, err
	}
	if s.TrustThreshold, err = envFloat("TRUST_THRESHOLD", 0.8); err != nil {
		return nil, err
	}
	if s.ScopeEnforcement, err = envBool("SCOPE_ENFORCEMENT", true); err != nil {
		return nil, err
	}
	if s.EvidenceRequired, err = envBool("EVIDENCE_REQUIRED", true); err != nil {
		return nil, err
	}
	if s.OutboxPollInterval, err = envSeconds("OUTBOX_POLL_INTERVAL_SECONDS", 5); err != nil {
		return nil, err
	}
	if s.OutboxBatchSize, err = envInt("OUTBOX_BATCH_SIZE", 5); err != nil {
		return nil, err
	}
	if s.OutboxMaxAttempts, err = envInt("OUTBOX_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if s.OutboxFailedRequeueDelay, err = envSeconds("OUTBOX_FAILED_REQUEUE_DELAY_SECONDS", 0); err != nil {
		return nil, err
	}
	if s.RedisDB, err = envInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if s.ArchiveSweepInterval, err = envSeconds("ARCHIVE_SWEEP_INTERVAL_SECONDS", 3600); err != nil {
		return nil, err
	}
	retentionHours, err := envInt("ARCHIVE_RETENTION_HOURS", 24)
	if err != nil {
		return nil, err
	}
	s.ArchiveRetention = time.Duration(retentionHours) * time.Hour

	overrides, err := LoadOverrides(envString("ACP_CONFIG_FILE", DefaultOverridesFile))
	if err != nil {
		return nil, err
	}
	s.Overrides = overrides

	return s, nil
}

// SupabaseConfigured reports whether the Supabase project settings are set.
func (s *Settings) SupabaseConfigured() bool {
	return s.SupabaseURL != "" && s.SupabaseServiceKey != ""
}

// PostgresConfigured reports whether a direct Postgres DSN is set.
func (s *Settings) PostgresConfigured() bool { return s.DatabaseURL != "" }

// RedisConfigured reports whether a Redis endpoint is set.
func (s *Settings) RedisConfigured() bool { return s.RedisAddr != "" }

// PubSubConfigured reports whether the Pub/Sub emitter can be built.
func (s *Settings) PubSubConfigured() bool {
	return s.PubSubProjectID != "" && s.PubSubTopicID != ""
}

// CloudTasksConfigured reports whether the Cloud Tasks dispatcher can be
// built.
func (s *Settings) CloudTasksConfigured() bool {
	return s.CloudTasksProject != "" && s.CloudTasksLocation != "" && s.CloudTasksQueue != ""
}

// SpannerConfigured reports whether the DLQ archive can be built.
func (s *Settings) SpannerConfigured() bool {
	return s.SpannerProject != "" && s.SpannerInstance != "" && s.SpannerDatabase != ""
}

// OutboxStoreKind resolves which outbox store to run against. An explicit
// OUTBOX_STORE wins (memory included); otherwise Supabase, then Postgres,
// whichever is configured. No resolution is an error so the worker never
// silently runs on a store that forgets records on restart.
func (s *Settings) OutboxStoreKind() (string, error) {
	if s.OutboxStore != "" {
		switch s.OutboxStore {
		case StoreMemory, StoreSupabase, StorePostgres:
			return s.OutboxStore, nil
		default:
			return "", fmt.Errorf("unknown OUTBOX_STORE %q (want memory, supabase, or postgres)", s.OutboxStore)
		}
	}
	if s.SupabaseConfigured() {
		return StoreSupabase, nil
	}
	if s.PostgresConfigured() {
		return StorePostgres, nil
	}
	return "", errors.New("no outbox store configured: set OUTBOX_STORE, SUPABASE_URL/SUPABASE_SERVICE_KEY, or DATABASE_URL")
}

// GuardrailConfig maps the settings onto the guardrail pipeline parameters.
func (s *Settings) GuardrailConfig() guardrails.Config {
	return guardrails.Config{
		QuietHoursStart:        s.QuietHoursStart,
		QuietHoursEnd:          s.QuietHoursEnd,
		TrustThreshold:         s.TrustThreshold,
		EnforceScopeValidation: s.ScopeEnforcement,
		RequireEvidence:        s.EvidenceRequired,
	}
}

func envString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", key, raw, err)
	}
	return value, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", key, raw, err)
	}
	return value, nil
}

func envBool(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parse %s=%q: %w", key, raw, err)
	}
	return value, nil
}

func envSeconds(key string, fallbackSeconds int) (time.Duration, error) {
	value, err := envInt(key, fallbackSeconds)
	if err != nil {
		return 0, err
	}
	return time.Duration(value) * time.Second, nil
}

// envHour parses an optional hour-of-day; empty stays nil. Range checks live
// in the guardrail pipeline so misconfigured hours degrade instead of
// refusing to boot.
func envHour(key string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s=%q: %w", key, raw, err)
	}
	return &value, nil
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
