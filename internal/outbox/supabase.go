package outbox

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/supabase-community/postgrest-go"

	"github.com/generativebots/acp-backend/internal/database"
	"github.com/generativebots/acp-backend/internal/envelope"
)

// recordRow is the outbox table column shape. The envelope fields are
// stored flat alongside the delivery bookkeeping; the metadata column
// carries the record metadata, which absorbs provider results on success.
type recordRow struct {
	ID                 string                 `json:"id"`
	TenantID           string                 `json:"tenant_id"`
	ToolSlug           string                 `json:"tool_slug"`
	Arguments          map[string]interface{} `json:"arguments"`
	ConnectedAccountID string                 `json:"connected_account_id,omitempty"`
	Risk               string                 `json:"risk"`
	ExternalID         string                 `json:"external_id"`
	TrustContext       map[string]interface{} `json:"trust_context,omitempty"`
	Status             string                 `json:"status"`
	Attempts           int                    `json:"attempts"`
	LastError          *string                `json:"last_error,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	DLQ                bool                   `json:"dlq"`
	CreatedAt          string                 `json:"created_at"`
	UpdatedAt          string                 `json:"updated_at,omitempty"`
	NextRunAt          *string                `json:"next_run_at,omitempty"`
}

// SupabaseStore persists outbox records in the outbox and outbox_dlq
// tables through PostgREST.
type SupabaseStore struct {
	db     *database.Client
	clock  func() time.Time
	logger *log.Logger
}

var _ Store = (*SupabaseStore)(nil)

func NewSupabaseStore(db *database.Client) *SupabaseStore {
	return &SupabaseStore{
		db:     db,
		clock:  time.Now,
		logger: log.New(log.Writer(), "[OUTBOX] ", log.LstdFlags),
	}
}

func (s *SupabaseStore) nowISO() string {
	return s.clock().UTC().Format(time.RFC3339Nano)
}

func (s *SupabaseStore) Enqueue(_ context.Context, env envelope.Envelope, metadata map[string]interface{}) (*Record, error) {
	row := recordRow{
		ID:                 env.EnvelopeID,
		TenantID:           env.TenantID,
		ToolSlug:           env.ToolSlug,
		Arguments:          env.Arguments,
		ConnectedAccountID: env.ConnectedAccountID,
		Risk:               string(env.Risk),
		ExternalID:         env.ExternalID,
		TrustContext:       env.TrustContext,
		Status:             string(StatusPending),
		Attempts:           0,
		Metadata:           copyMap(metadata),
		DLQ:                false,
		CreatedAt:          env.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:          s.nowISO(),
	}

	var inserted []recordRow
	_, err := s.db.From(database.TableOutbox).
		Insert(row, false, "", "representation", "").
		ExecuteTo(&inserted)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue envelope %s: %w", env.EnvelopeID, err)
	}

	s.logger.Printf("📤 Enqueued %s (%s) for tenant %s", env.EnvelopeID, env.ToolSlug, env.TenantID)
	if len(inserted) > 0 {
		return rowToRecord(inserted[0])
	}
	return rowToRecord(row)
}

func (s *SupabaseStore) Get(_ context.Context, envelopeID string) (*Record, error) {
	var rows []recordRow
	_, err := s.db.From(database.TableOutbox).
		Select("*", "", false).
		Eq("id", envelopeID).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch outbox record %s: %w", envelopeID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rowToRecord(rows[0])
}

func (s *SupabaseStore) ListPending(_ context.Context, tenantID string, limit int) ([]*Record, error) {
	query := s.db.From(database.TableOutbox).
		Select("*", "", false).
		Eq("status", string(StatusPending))
	if tenantID != "" {
		query = query.Eq("tenant_id", tenantID)
	}

	var rows []recordRow
	_, err := query.
		Or(fmt.Sprintf("next_run_at.is.null,next_run_at.lte.%s", s.nowISO()), "").
		Order("next_run_at", &postgrest.OrderOpts{Ascending: true, NullsFirst: true}).
		Order("created_at", &postgrest.OrderOpts{Ascending: true}).
		Limit(limit, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending records: %w", err)
	}
	return rowsToRecords(rows)
}

func (s *SupabaseStore) ListDLQ(_ context.Context, tenantID string, limit int) ([]*Record, error) {
	query := s.db.From(database.TableOutboxDLQ).Select("*", "", false)
	if tenantID != "" {
		query = query.Eq("tenant_id", tenantID)
	}

	var rows []recordRow
	_, err := query.
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		Limit(limit, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list DLQ records: %w", err)
	}
	return rowsToRecords(rows)
}

// MarkInProgress claims the record with a conditional update on
// status=pending, so two workers sharing the table cannot both win.
func (s *SupabaseStore) MarkInProgress(ctx context.Context, envelopeID string) error {
	_, count, err := s.db.From(database.TableOutbox).
		Update(map[string]interface{}{
			"status":     string(StatusInProgress),
			"updated_at": s.nowISO(),
		}, "", "exact").
		Eq("id", envelopeID).
		Eq("status", string(StatusPending)).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to claim record %s: %w", envelopeID, err)
	}
	if count == 0 {
		record, getErr := s.Get(ctx, envelopeID)
		if getErr == nil && record == nil {
			return ErrNotFound
		}
		return ErrAlreadyClaimed
	}
	return nil
}

func (s *SupabaseStore) MarkSuccess(ctx context.Context, envelopeID string, result map[string]interface{}) error {
	record, err := s.Get(ctx, envelopeID)
	if err != nil {
		return err
	}
	if record == nil {
		return ErrNotFound
	}

	return s.update(envelopeID, map[string]interface{}{
		"status":      string(StatusSuccess),
		"metadata":    mergeMaps(record.Metadata, result),
		"next_run_at": nil,
		"updated_at":  s.nowISO(),
	})
}

func (s *SupabaseStore) MarkFailure(ctx context.Context, envelopeID string, errMsg string, retryIn *time.Duration, moveToDLQ bool) error {
	record, err := s.Get(ctx, envelopeID)
	if err != nil {
		return err
	}
	if record == nil {
		return ErrNotFound
	}
	attempts := record.Attempts + 1

	payload := map[string]interface{}{
		"status":     string(StatusFailed),
		"last_error": errMsg,
		"attempts":   attempts,
		"updated_at": s.nowISO(),
	}
	if moveToDLQ {
		payload["status"] = string(StatusDLQ)
		payload["dlq"] = true
		payload["next_run_at"] = nil
	} else if retryIn != nil {
		payload["next_run_at"] = s.clock().UTC().Add(*retryIn).Format(time.RFC3339Nano)
	} else {
		payload["next_run_at"] = nil
	}

	if moveToDLQ {
		mirror := recordRow{
			ID:                 record.Envelope.EnvelopeID,
			TenantID:           record.Envelope.TenantID,
			ToolSlug:           record.Envelope.ToolSlug,
			Arguments:          record.Envelope.Arguments,
			ConnectedAccountID: record.Envelope.ConnectedAccountID,
			Risk:               string(record.Envelope.Risk),
			ExternalID:         record.Envelope.ExternalID,
			TrustContext:       record.Envelope.TrustContext,
			Status:             string(StatusDLQ),
			Attempts:           attempts,
			LastError:          &errMsg,
			Metadata:           record.Metadata,
			DLQ:                true,
			CreatedAt:          record.Envelope.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if _, _, err := s.db.From(database.TableOutboxDLQ).
			Upsert(mirror, "id", "", "").
			Execute(); err != nil {
			return fmt.Errorf("failed to mirror record %s into DLQ: %w", envelopeID, err)
		}
		s.logger.Printf("🗑️ Moved %s to DLQ after %d attempts: %s", envelopeID, attempts, errMsg)
	}

	return s.update(envelopeID, payload)
}

func (s *SupabaseStore) MarkConflict(ctx context.Context, envelopeID string, reason string) error {
	record, err := s.Get(ctx, envelopeID)
	if err != nil {
		return err
	}
	if record == nil {
		return ErrNotFound
	}
	return s.update(envelopeID, map[string]interface{}{
		"status":     string(StatusConflict),
		"last_error": reason,
		"attempts":   record.Attempts + 1,
		"updated_at": s.nowISO(),
	})
}

func (s *SupabaseStore) Defer(_ context.Context, envelopeID string, retryIn time.Duration) error {
	return s.update(envelopeID, map[string]interface{}{
		"next_run_at": s.clock().UTC().Add(retryIn).Format(time.RFC3339Nano),
		"updated_at":  s.nowISO(),
	})
}

func (s *SupabaseStore) RequeueFromDLQ(ctx context.Context, envelopeID string) (*Record, error) {
	var dlqRows []recordRow
	_, err := s.db.From(database.TableOutboxDLQ).
		Select("*", "", false).
		Eq("id", envelopeID).
		Limit(1, "").
		ExecuteTo(&dlqRows)
	if err != nil {
		return nil, fmt.Errorf("failed to read DLQ row %s: %w", envelopeID, err)
	}

	if err := s.update(envelopeID, map[string]interface{}{
		"status":      string(StatusPending),
		"dlq":         false,
		"attempts":    0,
		"last_error":  nil,
		"next_run_at": nil,
		"updated_at":  s.nowISO(),
	}); err != nil {
		return nil, err
	}

	if len(dlqRows) > 0 {
		if _, _, err := s.db.From(database.TableOutboxDLQ).
			Delete("", "").
			Eq("id", envelopeID).
			Execute(); err != nil {
			return nil, fmt.Errorf("failed to remove DLQ row %s: %w", envelopeID, err)
		}
	}
	return s.Get(ctx, envelopeID)
}

func (s *SupabaseStore) CountPending(_ context.Context, tenantID string) (int, error) {
	query := s.db.From(database.TableOutbox).
		Select("id", "exact", false).
		Eq("status", string(StatusPending))
	if tenantID != "" {
		query = query.Eq("tenant_id", tenantID)
	}
	_, count, err := query.
		Or(fmt.Sprintf("next_run_at.is.null,next_run_at.lte.%s", s.nowISO()), "").
		Execute()
	if err != nil {
		return 0, fmt.Errorf("failed to count pending records: %w", err)
	}
	return int(count), nil
}

func (s *SupabaseStore) CountDLQ(_ context.Context, tenantID string) (int, error) {
	query := s.db.From(database.TableOutboxDLQ).Select("id", "exact", false)
	if tenantID != "" {
		query = query.Eq("tenant_id", tenantID)
	}
	_, count, err := query.Execute()
	if err != nil {
		return 0, fmt.Errorf("failed to count DLQ records: %w", err)
	}
	return int(count), nil
}

func (s *SupabaseStore) update(envelopeID string, payload map[string]interface{}) error {
	_, _, err := s.db.From(database.TableOutbox).
		Update(payload, "", "").
		Eq("id", envelopeID).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to update outbox record %s: %w", envelopeID, err)
	}
	return nil
}

func rowsToRecords(rows []recordRow) ([]*Record, error) {
	out := make([]*Record, 0, len(rows))
	for _, row := range rows {
		record, err := rowToRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func rowToRecord(row recordRow) (*Record, error) {
	createdAt, err := parseRowTime(row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("record %s has invalid created_at: %w", row.ID, err)
	}
	updatedAt := createdAt
	if row.UpdatedAt != "" {
		if parsed, err := parseRowTime(row.UpdatedAt); err == nil {
			updatedAt = parsed
		}
	}

	record := &Record{
		Envelope: envelope.Envelope{
			EnvelopeID:         row.ID,
			TenantID:           row.TenantID,
			ToolSlug:           row.ToolSlug,
			Arguments:          row.Arguments,
			ConnectedAccountID: row.ConnectedAccountID,
			Risk:               envelope.NormalizeRisk(row.Risk, envelope.RiskMedium),
			ExternalID:         row.ExternalID,
			TrustContext:       row.TrustContext,
			CreatedAt:          createdAt,
		},
		Status:    Status(row.Status),
		Attempts:  row.Attempts,
		QueuedAt:  createdAt,
		UpdatedAt: updatedAt,
		Metadata:  row.Metadata,
		DLQ:       row.DLQ,
	}
	if row.LastError != nil {
		record.LastError = *row.LastError
	}
	if row.NextRunAt != nil && *row.NextRunAt != "" {
		if parsed, err := parseRowTime(*row.NextRunAt); err == nil {
			record.NextRunAt = &parsed
		}
	}
	return record, nil
}

func parseRowTime(value string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}
