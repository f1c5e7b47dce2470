package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/generativebots/acp-backend/internal/envelope"
)

const recordColumns = `id, tenant_id, tool_slug, arguments, connected_account_id, risk, external_id, trust_context, status, attempts, last_error, metadata, dlq, created_at, updated_at, next_run_at`

// PostgresStore persists outbox records directly in PostgreSQL for
// deployments that own their database. The outbox_dlq mirror table shares
// the outbox column set. Claims take a row lock with SKIP LOCKED so
// concurrent workers never double-claim.
type PostgresStore struct {
	db     *sql.DB
	logger *log.Logger
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: log.New(log.Writer(), "[OUTBOX-PG] ", log.LstdFlags),
	}
}

// OpenPostgres connects to the given DSN and verifies the connection.
func OpenPostgres(dbURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPostgresStore(db), nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Enqueue(ctx context.Context, env envelope.Envelope, metadata map[string]interface{}) (*Record, error) {
	argumentsJSON, err := json.Marshal(env.Arguments)
	if err != nil {
		return nil, fmt.Errorf("failed to encode arguments: %w", err)
	}
	metadataJSON, err := json.Marshal(copyMap(metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	trustJSON, err := nullableJSON(env.TrustContext)
	if err != nil {
		return nil, fmt.Errorf("failed to encode trust context: %w", err)
	}

	query := `INSERT INTO outbox (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', 0, NULL, $9, false, $10, now(), NULL)
		RETURNING ` + recordColumns
	row := s.db.QueryRowContext(ctx, query,
		env.EnvelopeID, env.TenantID, env.ToolSlug, argumentsJSON,
		env.ConnectedAccountID, string(env.Risk), env.ExternalID, trustJSON,
		metadataJSON, env.CreatedAt.UTC(),
	)
	record, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue envelope %s: %w", env.EnvelopeID, err)
	}
	s.logger.Printf("📤 Enqueued %s (%s) for tenant %s", env.EnvelopeID, env.ToolSlug, env.TenantID)
	return record, nil
}

func (s *PostgresStore) Get(ctx context.Context, envelopeID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM outbox WHERE id = $1`, envelopeID)
	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch outbox record %s: %w", envelopeID, err)
	}
	return record, nil
}

func (s *PostgresStore) ListPending(ctx context.Context, tenantID string, limit int) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM outbox
		WHERE status = 'pending'
		  AND (next_run_at IS NULL OR next_run_at <= now())
		  AND ($1 = '' OR tenant_id = $1)
		ORDER BY next_run_at ASC NULLS FIRST, created_at ASC
		LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *PostgresStore) ListDLQ(ctx context.Context, tenantID string, limit int) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM outbox_dlq
		WHERE ($1 = '' OR tenant_id = $1)
		ORDER BY created_at DESC
		LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list DLQ records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// MarkInProgress claims the record under a SKIP LOCKED row lock, so a
// record a concurrent worker already holds is skipped rather than waited
// on or double-claimed.
func (s *PostgresStore) MarkInProgress(ctx context.Context, envelopeID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = 'in_progress', updated_at = now()
		WHERE id = (
			SELECT id FROM outbox
			WHERE id = $1 AND status = 'pending'
			FOR UPDATE SKIP LOCKED
		)`, envelopeID)
	if err != nil {
		return fmt.Errorf("failed to claim record %s: %w", envelopeID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read claim result for %s: %w", envelopeID, err)
	}
	if affected == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM outbox WHERE id = $1)`, envelopeID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check record %s: %w", envelopeID, err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrAlreadyClaimed
	}
	return nil
}

func (s *PostgresStore) MarkSuccess(ctx context.Context, envelopeID string, result map[string]interface{}) error {
	resultJSON, err := json.Marshal(copyMap(result))
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return s.exec(ctx, envelopeID, `
		UPDATE outbox
		SET status = 'success',
		    metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb,
		    next_run_at = NULL,
		    updated_at = now()
		WHERE id = $1`, envelopeID, resultJSON)
}

func (s *PostgresStore) MarkFailure(ctx context.Context, envelopeID string, errMsg string, retryIn *time.Duration, moveToDLQ bool) error {
	status := StatusFailed
	var nextRunAt interface{}
	if moveToDLQ {
		status = StatusDLQ
	} else if retryIn != nil {
		nextRunAt = time.Now().UTC().Add(*retryIn)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE outbox
		SET status = $2, last_error = $3, attempts = attempts + 1,
		    next_run_at = $4, dlq = $5, updated_at = now()
		WHERE id = $1`,
		envelopeID, string(status), errMsg, nextRunAt, moveToDLQ)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to mark record %s failed: %w", envelopeID, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		tx.Rollback()
		return ErrNotFound
	}

	if moveToDLQ {
		// Mirror the final row into the DLQ table inside the same
		// transaction, after attempts and last_error are settled.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO outbox_dlq (`+recordColumns+`)
			SELECT `+recordColumns+` FROM outbox WHERE id = $1
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				attempts = EXCLUDED.attempts,
				last_error = EXCLUDED.last_error,
				metadata = EXCLUDED.metadata,
				updated_at = EXCLUDED.updated_at`, envelopeID); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to mirror record %s into DLQ: %w", envelopeID, err)
		}
		s.logger.Printf("🗑️ Moved %s to DLQ: %s", envelopeID, errMsg)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit failure of %s: %w", envelopeID, err)
	}
	return nil
}

func (s *PostgresStore) MarkConflict(ctx context.Context, envelopeID string, reason string) error {
	return s.exec(ctx, envelopeID, `
		UPDATE outbox
		SET status = 'conflict', last_error = $2, attempts = attempts + 1, updated_at = now()
		WHERE id = $1`, envelopeID, reason)
}

func (s *PostgresStore) Defer(ctx context.Context, envelopeID string, retryIn time.Duration) error {
	return s.exec(ctx, envelopeID, `
		UPDATE outbox
		SET next_run_at = now() + ($2 * interval '1 second'), updated_at = now()
		WHERE id = $1`, envelopeID, retryIn.Seconds())
}

func (s *PostgresStore) RequeueFromDLQ(ctx context.Context, envelopeID string) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE outbox
		SET status = 'pending', dlq = false, attempts = 0,
		    last_error = NULL, next_run_at = NULL, updated_at = now()
		WHERE id = $1
		RETURNING `+recordColumns, envelopeID)
	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to requeue record %s: %w", envelopeID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox_dlq WHERE id = $1`, envelopeID); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to remove DLQ row %s: %w", envelopeID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit requeue of %s: %w", envelopeID, err)
	}
	return record, nil
}

func (s *PostgresStore) CountPending(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM outbox
		WHERE status = 'pending'
		  AND (next_run_at IS NULL OR next_run_at <= now())
		  AND ($1 = '' OR tenant_id = $1)`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending records: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CountDLQ(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM outbox_dlq WHERE ($1 = '' OR tenant_id = $1)`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count DLQ records: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) exec(ctx context.Context, envelopeID, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update outbox record %s: %w", envelopeID, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func collectRecords(rows *sql.Rows) ([]*Record, error) {
	out := make([]*Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox rows: %w", err)
	}
	return out, nil
}

func scanRecord(scanner interface{ Scan(...interface{}) error }) (*Record, error) {
	var (
		id, tenantID, toolSlug, risk, externalID string
		connectedAccount, lastError              sql.NullString
		argumentsJSON, trustJSON, metadataJSON   []byte
		status                                   string
		attempts                                 int
		dlq                                      bool
		createdAt, updatedAt                     time.Time
		nextRunAt                                sql.NullTime
	)
	err := scanner.Scan(
		&id, &tenantID, &toolSlug, &argumentsJSON, &connectedAccount,
		&risk, &externalID, &trustJSON, &status, &attempts, &lastError,
		&metadataJSON, &dlq, &createdAt, &updatedAt, &nextRunAt,
	)
	if err != nil {
		return nil, err
	}

	record := &Record{
		Envelope: envelope.Envelope{
			EnvelopeID:         id,
			TenantID:           tenantID,
			ToolSlug:           toolSlug,
			Arguments:          decodeJSONMap(argumentsJSON),
			ConnectedAccountID: connectedAccount.String,
			Risk:               envelope.NormalizeRisk(risk, envelope.RiskMedium),
			ExternalID:         externalID,
			TrustContext:       decodeJSONMap(trustJSON),
			CreatedAt:          createdAt.UTC(),
		},
		Status:    Status(status),
		Attempts:  attempts,
		LastError: lastError.String,
		QueuedAt:  createdAt.UTC(),
		UpdatedAt: updatedAt.UTC(),
		Metadata:  decodeJSONMap(metadataJSON),
		DLQ:       dlq,
	}
	if nextRunAt.Valid {
		at := nextRunAt.Time.UTC()
		record.NextRunAt = &at
	}
	return record, nil
}

func decodeJSONMap(raw []byte) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func nullableJSON(m map[string]interface{}) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return encoded, nil
}
