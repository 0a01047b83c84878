package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docvaulthq/chatrelay/internal/db"
)

var ErrNotFound = errors.New("integration not found")

// Store reads and writes integration records. A record only returns to
// connected through an explicit Connect call; revocation and disconnect
// degrade it one way.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		pool:   pool,
		logger: log.With(slog.String("service", "integration")),
	}
}

const recordColumns = "tenant_id, COALESCE(credential, ''), status, conversation_id, mention_only, subscription_id, last_error, created_at, updated_at"

// Get returns the integration for a tenant.
func (s *Store) Get(ctx context.Context, tenantID string) (Record, error) {
	id, err := db.ParseUUID(tenantID)
	if err != nil {
		return Record{}, err
	}
	row := s.pool.QueryRow(ctx, "SELECT "+recordColumns+" FROM integrations WHERE tenant_id = $1", id)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get integration: %w", err)
	}
	return record, nil
}

// Connect creates or re-establishes the integration and marks it connected.
// credential must already be vault-encrypted by the caller.
func (s *Store) Connect(ctx context.Context, tenantID, credential, conversationID string, mentionOnly bool) (Record, error) {
	id, err := db.ParseUUID(tenantID)
	if err != nil {
		return Record{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO integrations (tenant_id, credential, status, conversation_id, mention_only, last_error)
		VALUES ($1, $2, $3, $4, $5, '')
		ON CONFLICT (tenant_id) DO UPDATE SET
			credential = EXCLUDED.credential,
			status = EXCLUDED.status,
			conversation_id = EXCLUDED.conversation_id,
			mention_only = EXCLUDED.mention_only,
			last_error = '',
			updated_at = now()
		RETURNING `+recordColumns,
		id, credential, StatusConnected, strings.TrimSpace(conversationID), mentionOnly)
	record, err := scanRecord(row)
	if err != nil {
		return Record{}, fmt.Errorf("connect integration: %w", err)
	}
	return record, nil
}

// MarkError degrades the integration after a credential rejection.
func (s *Store) MarkError(ctx context.Context, tenantID, reason string) error {
	id, err := db.ParseUUID(tenantID)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		"UPDATE integrations SET status = $2, last_error = $3, updated_at = now() WHERE tenant_id = $1",
		id, StatusError, strings.TrimSpace(reason))
	if err != nil {
		return fmt.Errorf("mark integration error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Disconnect clears the credential and subscription and marks the
// integration disconnected.
func (s *Store) Disconnect(ctx context.Context, tenantID string) error {
	id, err := db.ParseUUID(tenantID)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		"UPDATE integrations SET credential = NULL, subscription_id = '', status = $2, updated_at = now() WHERE tenant_id = $1",
		id, StatusDisconnected)
	if err != nil {
		return fmt.Errorf("disconnect integration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSubscription records the platform-side subscription id.
func (s *Store) SetSubscription(ctx context.Context, tenantID, subscriptionID string) error {
	id, err := db.ParseUUID(tenantID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		"UPDATE integrations SET subscription_id = $2, updated_at = now() WHERE tenant_id = $1",
		id, strings.TrimSpace(subscriptionID))
	if err != nil {
		return fmt.Errorf("set subscription: %w", err)
	}
	return nil
}

// ListConnected returns all integrations currently marked connected,
// for the periodic subscription health check.
func (s *Store) ListConnected(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+recordColumns+" FROM integrations WHERE status = $1", StatusConnected)
	if err != nil {
		return nil, fmt.Errorf("list connected integrations: %w", err)
	}
	defer rows.Close()
	items := make([]Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan integration: %w", err)
		}
		items = append(items, record)
	}
	return items, rows.Err()
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		record   Record
		tenantID pgtype.UUID
		status   string
	)
	if err := row.Scan(&tenantID, &record.Credential, &status, &record.ConversationID,
		&record.MentionOnly, &record.SubscriptionID, &record.LastError,
		&record.CreatedAt, &record.UpdatedAt); err != nil {
		return Record{}, err
	}
	record.TenantID = tenantID.String()
	record.Status = Status(status)
	return record, nil
}
