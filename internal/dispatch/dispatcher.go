// Package dispatch routes verified platform events through the
// classify/filter/answer/deliver pipeline.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/docvaulthq/chatrelay/internal/answer"
	"github.com/docvaulthq/chatrelay/internal/audit"
	"github.com/docvaulthq/chatrelay/internal/dlq"
	"github.com/docvaulthq/chatrelay/internal/docstore"
	"github.com/docvaulthq/chatrelay/internal/integration"
	"github.com/docvaulthq/chatrelay/internal/platform"
	"github.com/docvaulthq/chatrelay/internal/thread"
)

// Outcome is the terminal state of one delivery.
type Outcome string

const (
	OutcomeFiltered     Outcome = "filtered"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeDelivered    Outcome = "delivered"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// ErrCredentialRevoked tells the webhook handler to answer 5xx so the
// transport retries after the tenant reconnects.
var ErrCredentialRevoked = errors.New("integration credential revoked")

type IntegrationStore interface {
	Get(ctx context.Context, tenantID string) (integration.Record, error)
	MarkError(ctx context.Context, tenantID, reason string) error
}

type ThreadStore interface {
	Ensure(ctx context.Context, tenantID, conversationID string) (string, error)
	Seen(ctx context.Context, threadID, externalMessageID string) (bool, error)
	Append(ctx context.Context, threadID, externalMessageID, senderID, role, content string) (bool, error)
	History(ctx context.Context, threadID string, limit int) ([]thread.Message, error)
}

type PlatformAPI interface {
	SendMessage(ctx context.Context, credential string, msg platform.Message) (platform.SentMessage, error)
	SendTyping(ctx context.Context, credential, conversationID string)
	GetTranscript(ctx context.Context, credential, transcriptID string) (platform.Transcript, error)
}

type AnswerBackend interface {
	Query(ctx context.Context, query string, history []answer.HistoryMessage) (answer.Result, error)
}

type DocumentStore interface {
	CreateDocument(ctx context.Context, tenantID, title, content string) (docstore.Document, error)
}

type DeadLetterWriter interface {
	WriteBestEffort(ctx context.Context, entry dlq.Entry)
}

type AuditRecorder interface {
	RecordBestEffort(ctx context.Context, tenantID string, action audit.Action, status audit.Status, metadata map[string]any)
}

// CredentialResolver turns a stored (possibly encrypted) credential into
// the plaintext token used on outbound calls.
type CredentialResolver interface {
	Resolve(stored string) (string, error)
}

// Options carry the assistant's own identity and filtering policy inputs.
type Options struct {
	AssistantIdentity string
	MentionMarker     string
	HistoryLimit      int
}

// Dispatcher is the pipeline state machine. One instance serves all
// deliveries; each Handle call is an independent invocation with no
// shared mutable state beyond the backing stores.
type Dispatcher struct {
	logger       *slog.Logger
	integrations IntegrationStore
	threads      ThreadStore
	platform     PlatformAPI
	backend      AnswerBackend
	documents    DocumentStore
	deadLetters  DeadLetterWriter
	audits       AuditRecorder
	credentials  CredentialResolver
	opts         Options
}

func NewDispatcher(
	log *slog.Logger,
	integrations IntegrationStore,
	threads ThreadStore,
	platformAPI PlatformAPI,
	backend AnswerBackend,
	documents DocumentStore,
	deadLetters DeadLetterWriter,
	audits AuditRecorder,
	credentials CredentialResolver,
	opts Options,
) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if opts.MentionMarker == "" {
		opts.MentionMarker = "@Assistant"
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}
	return &Dispatcher{
		logger:       log.With(slog.String("service", "dispatch")),
		integrations: integrations,
		threads:      threads,
		platform:     platformAPI,
		backend:      backend,
		documents:    documents,
		deadLetters:  deadLetters,
		audits:       audits,
		credentials:  credentials,
		opts:         opts,
	}
}

// Handle processes one verified delivery body end to end.
//
// deliveryID is the transport's webhook id, used as the dead-letter key
// when the payload is too malformed to yield its own message id.
// ErrCredentialRevoked is the only error returned to the caller; every
// other failure is dead-lettered and acknowledged so the transport stops
// redelivering a poison message.
func (d *Dispatcher) Handle(ctx context.Context, deliveryID string, body []byte) (Outcome, error) {
	event, outcome, err := d.process(ctx, body)
	if err == nil {
		// Every terminal outcome leaves exactly one audit record; the
		// delivered paths write theirs (query, meeting-summary) inline.
		switch outcome {
		case OutcomeFiltered:
			d.audits.RecordBestEffort(ctx, event.TenantID, audit.ActionFiltered, audit.StatusOK, map[string]any{
				"event_type": string(event.Type),
			})
		case OutcomeDuplicate:
			d.audits.RecordBestEffort(ctx, event.TenantID, audit.ActionDuplicate, audit.StatusOK, map[string]any{
				"external_message_id": event.ExternalMessageID,
			})
		}
		return outcome, nil
	}

	if platform.IsCredentialRevoked(err) {
		reason := fmt.Sprintf("platform rejected credential: status %d", http.StatusUnauthorized)
		if markErr := d.integrations.MarkError(ctx, event.TenantID, reason); markErr != nil {
			d.logger.Error("mark integration error failed",
				slog.String("tenant_id", event.TenantID),
				slog.Any("error", markErr))
		}
		d.audits.RecordBestEffort(ctx, event.TenantID, audit.ActionKeyRevoked, audit.StatusFailed, map[string]any{
			"reason": reason,
		})
		return "", ErrCredentialRevoked
	}

	messageID := event.ExternalMessageID
	if messageID == "" {
		messageID = deliveryID
	}
	entry := dlq.Entry{
		TenantID:          event.TenantID,
		ExternalMessageID: messageID,
		EventType:         string(event.Type),
		Payload:           body,
		ErrorMessage:      err.Error(),
	}
	var apiErr *platform.APIError
	if errors.As(err, &apiErr) {
		status := apiErr.StatusCode
		entry.ErrorStatus = &status
	}
	d.deadLetters.WriteBestEffort(ctx, entry)
	d.audits.RecordBestEffort(ctx, event.TenantID, audit.ActionDLQWrite, audit.StatusFailed, map[string]any{
		"external_message_id": messageID,
		"error":               err.Error(),
	})
	return OutcomeDeadLettered, nil
}

// process runs the happy path. The returned Event is whatever could be
// parsed so far, for failure attribution in Handle.
func (d *Dispatcher) process(ctx context.Context, body []byte) (Event, Outcome, error) {
	event, err := ParseEvent(body)
	if err != nil {
		return Event{}, "", err
	}

	switch event.Type {
	case EventReaction, EventUnknown:
		d.logger.Debug("filtered event", slog.String("type", string(event.Type)))
		return event, OutcomeFiltered, nil
	}

	record, err := d.integrations.Get(ctx, event.TenantID)
	if err != nil {
		if errors.Is(err, integration.ErrNotFound) {
			d.logger.Warn("event for unknown tenant", slog.String("tenant_id", event.TenantID))
			return event, OutcomeFiltered, nil
		}
		return event, "", err
	}
	if record.Status == integration.StatusDisconnected {
		return event, OutcomeFiltered, nil
	}

	// Loop prevention: never respond to our own messages.
	if event.SenderID != "" && event.SenderID == d.opts.AssistantIdentity {
		return event, OutcomeFiltered, nil
	}

	if event.Type == EventGroupMessage && record.MentionOnly && !d.mentioned(event.Text) {
		return event, OutcomeFiltered, nil
	}

	threadID, err := d.threads.Ensure(ctx, event.TenantID, event.ConversationID)
	if err != nil {
		return event, "", err
	}
	seen, err := d.threads.Seen(ctx, threadID, event.ExternalMessageID)
	if err != nil {
		return event, "", err
	}
	if seen {
		d.logger.Debug("duplicate delivery skipped",
			slog.String("external_message_id", event.ExternalMessageID))
		return event, OutcomeDuplicate, nil
	}

	credential, err := d.credentials.Resolve(record.Credential)
	if err != nil {
		return event, "", fmt.Errorf("resolve credential: %w", err)
	}

	switch event.Type {
	case EventTranscriptSaved:
		err = d.handleTranscript(ctx, event, credential, threadID)
	default:
		err = d.handleMessage(ctx, event, credential, threadID)
	}
	if err != nil {
		return event, "", err
	}
	return event, OutcomeDelivered, nil
}

func (d *Dispatcher) handleMessage(ctx context.Context, event Event, credential, threadID string) error {
	d.platform.SendTyping(ctx, credential, event.ConversationID)

	query := strings.TrimSpace(strings.ReplaceAll(event.Text, d.opts.MentionMarker, ""))
	history, err := d.threads.History(ctx, threadID, d.opts.HistoryLimit)
	if err != nil {
		return err
	}

	result, err := d.backend.Query(ctx, query, toHistory(history))
	if err != nil {
		return fmt.Errorf("answer backend: %w", err)
	}

	reply := FormatAnswer(result)
	sent, err := d.platform.SendMessage(ctx, credential, platform.Message{
		ConversationID: event.ConversationID,
		Text:           reply,
	})
	if err != nil {
		return err
	}

	if _, err := d.threads.Append(ctx, threadID, event.ExternalMessageID, event.SenderID, thread.RoleUser, event.Text); err != nil {
		return err
	}
	replyID := sent.ID
	if replyID == "" {
		// Not every platform response echoes a message id; synthesize one
		// so assistant rows never collide on the thread unique index.
		replyID = "reply:" + event.ExternalMessageID
	}
	if _, err := d.threads.Append(ctx, threadID, replyID, d.opts.AssistantIdentity, thread.RoleAssistant, reply); err != nil {
		return err
	}

	d.audits.RecordBestEffort(ctx, event.TenantID, audit.ActionQuery, audit.StatusOK, map[string]any{
		"external_message_id": event.ExternalMessageID,
		"conversation_id":     event.ConversationID,
		"silent":              result.Silent,
		"confidence":          result.Confidence,
	})
	return nil
}

func (d *Dispatcher) handleTranscript(ctx context.Context, event Event, credential, threadID string) error {
	transcript, err := d.platform.GetTranscript(ctx, credential, event.TranscriptID)
	if err != nil {
		return err
	}

	title := transcript.Topic
	if title == "" {
		title = event.MeetingTopic
	}
	doc, err := d.documents.CreateDocument(ctx, event.TenantID, title, transcript.Content)
	if err != nil {
		return fmt.Errorf("store transcript: %w", err)
	}

	result, err := d.backend.Query(ctx, summaryQuery(title, transcript.Content), nil)
	if err != nil {
		return fmt.Errorf("summarize transcript: %w", err)
	}

	summary := FormatTranscriptSummary(title, result)
	if _, err := d.platform.SendMessage(ctx, credential, platform.Message{
		ConversationID: event.ConversationID,
		Text:           summary,
	}); err != nil {
		return err
	}
	if _, err := d.threads.Append(ctx, threadID, event.ExternalMessageID, d.opts.AssistantIdentity, thread.RoleAssistant, summary); err != nil {
		return err
	}

	d.audits.RecordBestEffort(ctx, event.TenantID, audit.ActionMeetingSummary, audit.StatusOK, map[string]any{
		"transcript_id": event.TranscriptID,
		"document_id":   doc.ID,
	})
	return nil
}

func (d *Dispatcher) mentioned(text string) bool {
	return strings.Contains(text, d.opts.MentionMarker)
}

func toHistory(messages []thread.Message) []answer.HistoryMessage {
	history := make([]answer.HistoryMessage, 0, len(messages))
	for _, msg := range messages {
		history = append(history, answer.HistoryMessage{Role: msg.Role, Content: msg.Content})
	}
	return history
}

func summaryQuery(topic, content string) string {
	return fmt.Sprintf("Summarize the key decisions and action items from the meeting %q:\n\n%s", topic, content)
}
