// Package thread maps external conversations to internal threads and
// persists their message history. The unique message index doubles as the
// redelivery dedup check.
package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docvaulthq/chatrelay/internal/db"
)

// Role of a thread message author.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one persisted thread message.
type Message struct {
	ID                string    `json:"id"`
	ThreadID          string    `json:"thread_id"`
	ExternalMessageID string    `json:"external_message_id"`
	SenderID          string    `json:"sender_id"`
	Role              string    `json:"role"`
	Content           string    `json:"content"`
	CreatedAt         time.Time `json:"created_at"`
}

// Store persists threads and their messages.
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
		logger: log.With(slog.String("service", "thread")),
	}
}

// Ensure returns the thread id for a conversation, creating it when absent.
func (s *Store) Ensure(ctx context.Context, tenantID, conversationID string) (string, error) {
	tenant, err := db.ParseUUID(tenantID)
	if err != nil {
		return "", err
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return "", errors.New("conversation id is required")
	}
	var id pgtype.UUID
	err = s.pool.QueryRow(ctx, `
		INSERT INTO threads (tenant_id, conversation_id)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id, conversation_id) DO UPDATE SET conversation_id = EXCLUDED.conversation_id
		RETURNING id`,
		tenant, conversationID).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("ensure thread: %w", err)
	}
	return id.String(), nil
}

// Seen reports whether the external message id was already recorded for
// the thread. The delivery transport is at-least-once, so redeliveries
// are expected.
func (s *Store) Seen(ctx context.Context, threadID, externalMessageID string) (bool, error) {
	id, err := db.ParseUUID(threadID)
	if err != nil {
		return false, err
	}
	var exists bool
	err = s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM thread_messages WHERE thread_id = $1 AND external_message_id = $2)",
		id, externalMessageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return exists, nil
}

// Append records one message. The unique index on (thread_id,
// external_message_id) makes racing redeliveries collapse into a single
// row; the second writer observes inserted=false.
func (s *Store) Append(ctx context.Context, threadID, externalMessageID, senderID, role, content string) (bool, error) {
	id, err := db.ParseUUID(threadID)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO thread_messages (thread_id, external_message_id, sender_id, role, content)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (thread_id, external_message_id) DO NOTHING`,
		id, externalMessageID, strings.TrimSpace(senderID), role, content)
	if err != nil {
		return false, fmt.Errorf("append thread message: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// History returns up to limit most recent messages, oldest first.
func (s *Store) History(ctx context.Context, threadID string, limit int) ([]Message, error) {
	id, err := db.ParseUUID(threadID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, thread_id, external_message_id, sender_id, role, content, created_at
		FROM (
			SELECT * FROM thread_messages WHERE thread_id = $1 ORDER BY created_at DESC LIMIT $2
		) recent
		ORDER BY created_at ASC`,
		id, limit)
	if err != nil {
		return nil, fmt.Errorf("thread history: %w", err)
	}
	defer rows.Close()
	items := make([]Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread message: %w", err)
		}
		items = append(items, msg)
	}
	return items, rows.Err()
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		msg      Message
		id       pgtype.UUID
		threadID pgtype.UUID
	)
	if err := row.Scan(&id, &threadID, &msg.ExternalMessageID, &msg.SenderID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
		return Message{}, err
	}
	msg.ID = id.String()
	msg.ThreadID = threadID.String()
	return msg, nil
}
