package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"

	"github.com/generativebots/acp-backend/internal/outbox"
)

// SpannerArchive stores dead-letter records in the OutboxArchive table,
// keyed (TenantID, EnvelopeID).
type SpannerArchive struct {
	client *spanner.Client
	logger *log.Logger
}

var _ Archiver = (*SpannerArchive)(nil)

// NewSpannerArchive connects to the archive database.
func NewSpannerArchive(project, instance, dbName string) (*SpannerArchive, error) {
	ctx := context.Background()
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, dbName)

	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Spanner client: %w", err)
	}

	return &SpannerArchive{
		client: client,
		logger: log.New(log.Writer(), "[ARCHIVE] ", log.LstdFlags),
	}, nil
}

// Archive copies a record into OutboxArchive. InsertOrUpdate makes the sweep
// idempotent across runs.
func (a *SpannerArchive) Archive(ctx context.Context, record *outbox.Record) error {
	payload, err := json.Marshal(map[string]interface{}{
		"arguments":     record.Envelope.Arguments,
		"metadata":      record.Metadata,
		"external_id":   record.Envelope.ExternalID,
		"trust_context": record.Envelope.TrustContext,
	})
	if err != nil {
		return fmt.Errorf("failed to encode archive payload for %s: %w", record.EnvelopeID(), err)
	}

	mutation := spanner.InsertOrUpdate("OutboxArchive",
		[]string{"TenantID", "EnvelopeID", "ToolSlug", "Risk", "Attempts", "LastError", "Payload", "QueuedAt", "ArchivedAt"},
		[]interface{}{
			record.TenantID(),
			record.EnvelopeID(),
			record.Envelope.ToolSlug,
			string(record.Envelope.Risk),
			int64(record.Attempts),
			record.LastError,
			string(payload),
			record.QueuedAt,
			spanner.CommitTimestamp,
		},
	)

	if _, err := a.client.Apply(ctx, []*spanner.Mutation{mutation}); err != nil {
		return fmt.Errorf("failed to archive record %s: %w", record.EnvelopeID(), err)
	}
	return nil
}

// ListArchived returns the newest archived records for a tenant.
func (a *SpannerArchive) ListArchived(ctx context.Context, tenantID string, limit int) ([]*ArchivedRecord, error) {
	stmt := spanner.Statement{
		SQL: `SELECT TenantID, EnvelopeID, ToolSlug, Risk, Attempts, LastError, Payload, QueuedAt, ArchivedAt
		      FROM OutboxArchive
		      WHERE TenantID = @tenantID
		      ORDER BY ArchivedAt DESC
		      LIMIT @limit`,
		Params: map[string]interface{}{
			"tenantID": tenantID,
			"limit":    int64(limit),
		},
	}

	iter := a.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var records []*ArchivedRecord
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to scan archive rows: %w", err)
		}

		var rec ArchivedRecord
		if err := row.Columns(
			&rec.TenantID,
			&rec.EnvelopeID,
			&rec.ToolSlug,
			&rec.Risk,
			&rec.Attempts,
			&rec.LastError,
			&rec.Payload,
			&rec.QueuedAt,
			&rec.ArchivedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to decode archive row: %w", err)
		}
		records = append(records, &rec)
	}

	return records, nil
}

// Get fetches one archived record, or (nil, nil) when it was never archived.
func (a *SpannerArchive) Get(ctx context.Context, tenantID, envelopeID string) (*ArchivedRecord, error) {
	row, err := a.client.Single().ReadRow(ctx, "OutboxArchive",
		spanner.Key{tenantID, envelopeID},
		[]string{"TenantID", "EnvelopeID", "ToolSlug", "Risk", "Attempts", "LastError", "Payload", "QueuedAt", "ArchivedAt"},
	)
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read archive row %s: %w", envelopeID, err)
	}

	var rec ArchivedRecord
	if err := row.Columns(
		&rec.TenantID,
		&rec.EnvelopeID,
		&rec.ToolSlug,
		&rec.Risk,
		&rec.Attempts,
		&rec.LastError,
		&rec.Payload,
		&rec.QueuedAt,
		&rec.ArchivedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to decode archive row %s: %w", envelopeID, err)
	}
	return &rec, nil
}

// Close closes the Spanner client.
func (a *SpannerArchive) Close() error {
	a.client.Close()
	return nil
}
