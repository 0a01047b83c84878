// Package audit writes the append-only action log. One record per
// terminal pipeline outcome; records are never updated or deleted.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docvaulthq/chatrelay/internal/db"
)

// Action identifies what the pipeline did.
type Action string

const (
	ActionQuery          Action = "query"
	ActionKeyRevoked     Action = "key-revoked"
	ActionMeetingSummary Action = "meeting-summary"
	ActionDLQWrite       Action = "dlq-write"
	ActionFiltered       Action = "filtered"
	ActionDuplicate      Action = "duplicate"
	ActionConnect        Action = "connect"
	ActionDisconnect     Action = "disconnect"
)

// Status of the audited action.
type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Recorder appends audit records.
type Recorder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewRecorder(log *slog.Logger, pool *pgxpool.Pool) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		pool:   pool,
		logger: log.With(slog.String("service", "audit")),
	}
}

// ownerUUID maps an empty tenant id to a NULL owner. Events that fail
// before the tenant can be resolved still get their audit row, matching
// the dead-letter writer.
func ownerUUID(tenantID string) (pgtype.UUID, error) {
	var owner pgtype.UUID
	if tenantID == "" {
		return owner, nil
	}
	return db.ParseUUID(tenantID)
}

// Record appends one audit row.
func (r *Recorder) Record(ctx context.Context, tenantID string, action Action, status Status, metadata map[string]any) error {
	tenant, err := ownerUUID(tenantID)
	if err != nil {
		return err
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	if _, err := r.pool.Exec(ctx,
		"INSERT INTO action_audits (tenant_id, action, status, metadata) VALUES ($1, $2, $3, $4)",
		tenant, string(action), string(status), payload); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return nil
}

// RecordBestEffort appends an audit row and swallows failures. Audit
// writes are side effects that must not abort the primary path.
func (r *Recorder) RecordBestEffort(ctx context.Context, tenantID string, action Action, status Status, metadata map[string]any) {
	if err := r.Record(ctx, tenantID, action, status, metadata); err != nil {
		r.logger.Error("audit write failed",
			slog.String("action", string(action)),
			slog.Any("error", err))
	}
}
