// Package archive copies aged dead-letter records into long-term storage.
// Archival is a copy, not a move: the outbox row keeps its DLQ status so the
// operator surface still sees it until someone requeues it, while the
// archive retains the envelope after the hot table is eventually cleaned.
package archive

import (
	"context"
	"log"
	"time"

	"github.com/generativebots/acp-backend/internal/outbox"
)

// ArchivedRecord is the flattened shape kept in the archive table.
type ArchivedRecord struct {
	TenantID   string
	EnvelopeID string
	ToolSlug   string
	Risk       string
	Attempts   int64
	LastError  string
	Payload    string // JSON blob: arguments, metadata, external id, trust context
	QueuedAt   time.Time
	ArchivedAt time.Time
}

// Archiver persists dead-letter records. Archive is idempotent; re-archiving
// the same envelope overwrites the previous copy.
type Archiver interface {
	Archive(ctx context.Context, record *outbox.Record) error
	ListArchived(ctx context.Context, tenantID string, limit int) ([]*ArchivedRecord, error)
}

// SweeperConfig controls the archive sweep loop.
type SweeperConfig struct {
	TenantID  string
	Interval  time.Duration // time between sweeps
	Retention time.Duration // DLQ rows older than this get archived
	BatchSize int           // bounds rows examined per sweep
}

// DefaultSweeperConfig returns the production defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:  time.Hour,
		Retention: 24 * time.Hour,
		BatchSize: 500,
	}
}

// Sweeper periodically copies aged DLQ records into the archive.
type Sweeper struct {
	cfg      SweeperConfig
	store    outbox.Store
	archiver Archiver
	clock    func() time.Time
	logger   *log.Logger
}

// NewSweeper creates a sweeper over the given store and archiver.
func NewSweeper(cfg SweeperConfig, store outbox.Store, archiver Archiver) *Sweeper {
	defaults := DefaultSweeperConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	return &Sweeper{
		cfg:      cfg,
		store:    store,
		archiver: archiver,
		clock:    time.Now,
		logger:   log.New(log.Writer(), "[ARCHIVE] ", log.LstdFlags),
	}
}

// SetClock overrides the time source, for tests.
func (s *Sweeper) SetClock(clock func() time.Time) { s.clock = clock }

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Printf("🗄  Archive sweeper started (interval %s, retention %s)", s.cfg.Interval, s.cfg.Retention)

	for ctx.Err() == nil {
		archived, err := s.SweepOnce(ctx)
		if err != nil {
			s.logger.Printf("⚠️ Sweep failed: %v", err)
		} else if archived > 0 {
			s.logger.Printf("🗄  Archived %d dead-letter record(s)", archived)
		}

		select {
		case <-ctx.Done():
		case <-time.After(s.cfg.Interval):
		}
	}

	s.logger.Printf("👋 Archive sweeper stopped")
}

// SweepOnce archives every listed DLQ record older than the retention cutoff
// and returns how many were copied.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	records, err := s.store.ListDLQ(ctx, s.cfg.TenantID, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	cutoff := s.clock().Add(-s.cfg.Retention)
	archived := 0
	for _, record := range records {
		// UpdatedAt is the dead-letter transition time.
		if record.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.archiver.Archive(ctx, record); err != nil {
			return archived, err
		}
		archived++
	}
	return archived, nil
}
