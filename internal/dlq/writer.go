// Package dlq durably records events the pipeline could not process.
package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docvaulthq/chatrelay/internal/db"
)

// Entry is one unprocessable event. ExternalMessageID is the idempotency
// key: repeated failures for the same delivery update the row in place.
type Entry struct {
	TenantID          string `json:"tenant_id"`
	ExternalMessageID string `json:"external_message_id"`
	EventType         string `json:"event_type"`
	Payload           []byte `json:"payload"`
	ErrorMessage      string `json:"error_message"`
	ErrorStatus       *int   `json:"error_status,omitempty"`
}

// Record is a stored dead letter row.
type Record struct {
	Entry
	AttemptCount int       `json:"attempt_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Writer persists dead letters. DLQ unavailability must never become a
// second cause of pipeline failure, so the dispatcher uses WriteBestEffort.
type Writer struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewWriter(log *slog.Logger, pool *pgxpool.Pool) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{
		pool:   pool,
		logger: log.With(slog.String("service", "dlq")),
	}
}

// Write upserts a dead letter. The first failure creates the row with
// attempt count 1; each repeat for the same external message id
// increments the count and replaces the error fields.
func (w *Writer) Write(ctx context.Context, entry Entry) error {
	// Poison messages may arrive before the tenant can be resolved; the
	// row is still recorded, just without an owner.
	var tenant pgtype.UUID
	if entry.TenantID != "" {
		parsed, err := db.ParseUUID(entry.TenantID)
		if err != nil {
			return err
		}
		tenant = parsed
	}
	payload := entry.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := w.pool.Exec(ctx, `
		INSERT INTO dead_letters (tenant_id, external_message_id, event_type, payload, error_message, error_status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (external_message_id) DO UPDATE SET
			attempt_count = dead_letters.attempt_count + 1,
			error_message = EXCLUDED.error_message,
			error_status = EXCLUDED.error_status,
			updated_at = now()`,
		tenant, entry.ExternalMessageID, entry.EventType, payload, entry.ErrorMessage, entry.ErrorStatus)
	if err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}
	return nil
}

// WriteBestEffort records the entry and swallows any internal failure.
func (w *Writer) WriteBestEffort(ctx context.Context, entry Entry) {
	if err := w.Write(ctx, entry); err != nil {
		w.logger.Error("dead letter write failed",
			slog.String("external_message_id", entry.ExternalMessageID),
			slog.Any("error", err))
	}
}

// List returns recent dead letters for a tenant, newest first.
func (w *Writer) List(ctx context.Context, tenantID string, limit int) ([]Record, error) {
	tenant, err := db.ParseUUID(tenantID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := w.pool.Query(ctx, `
		SELECT external_message_id, event_type, payload, error_message, error_status, attempt_count, created_at, updated_at
		FROM dead_letters WHERE tenant_id = $1 ORDER BY updated_at DESC LIMIT $2`,
		tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	items := make([]Record, 0, limit)
	for rows.Next() {
		record := Record{Entry: Entry{TenantID: tenantID}}
		if err := rows.Scan(&record.ExternalMessageID, &record.EventType, &record.Payload,
			&record.ErrorMessage, &record.ErrorStatus, &record.AttemptCount,
			&record.CreatedAt, &record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		items = append(items, record)
	}
	return items, rows.Err()
}
