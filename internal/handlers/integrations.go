package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/docvaulthq/chatrelay/internal/audit"
	"github.com/docvaulthq/chatrelay/internal/dlq"
	"github.com/docvaulthq/chatrelay/internal/integration"
	"github.com/docvaulthq/chatrelay/internal/platform"
)

// subscribedEventTypes is what every tenant subscription asks the
// platform to push.
var subscribedEventTypes = []string{"chat_message.sent", "meeting_transcript.saved"}

// SubscribedEventTypes returns a copy of the event types every tenant
// subscription requests; the subscription health check uses the same set.
func SubscribedEventTypes() []string {
	out := make([]string, len(subscribedEventTypes))
	copy(out, subscribedEventTypes)
	return out
}

type IntegrationStore interface {
	Get(ctx context.Context, tenantID string) (integration.Record, error)
	Connect(ctx context.Context, tenantID, credential, conversationID string, mentionOnly bool) (integration.Record, error)
	Disconnect(ctx context.Context, tenantID string) error
	SetSubscription(ctx context.Context, tenantID, subscriptionID string) error
}

type SubscriptionAPI interface {
	EnsureSubscription(ctx context.Context, credential string, eventTypes []string) (platform.Subscription, error)
	DeleteSubscription(ctx context.Context, credential, id string) error
}

// CredentialCipher encrypts credentials at rest and resolves stored ones.
type CredentialCipher interface {
	Encrypt(plaintext string) (string, error)
	Resolve(stored string) (string, error)
}

type DeadLetterLister interface {
	List(ctx context.Context, tenantID string, limit int) ([]dlq.Record, error)
}

type AuditRecorder interface {
	RecordBestEffort(ctx context.Context, tenantID string, action audit.Action, status audit.Status, metadata map[string]any)
}

// IntegrationsHandler is the JWT-protected management API for tenant
// platform connections.
type IntegrationsHandler struct {
	integrations  IntegrationStore
	subscriptions SubscriptionAPI
	cipher        CredentialCipher
	deadLetters   DeadLetterLister
	audits        AuditRecorder
	logger        *slog.Logger
}

func NewIntegrationsHandler(log *slog.Logger, integrations IntegrationStore, subscriptions SubscriptionAPI, cipher CredentialCipher, deadLetters DeadLetterLister, audits AuditRecorder) *IntegrationsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &IntegrationsHandler{
		integrations:  integrations,
		subscriptions: subscriptions,
		cipher:        cipher,
		deadLetters:   deadLetters,
		audits:        audits,
		logger:        log.With(slog.String("handler", "integrations")),
	}
}

func (h *IntegrationsHandler) Register(e *echo.Echo) {
	e.PUT("/integrations/:tenant_id", h.Connect)
	e.DELETE("/integrations/:tenant_id", h.Disconnect)
	e.GET("/integrations/:tenant_id", h.Get)
	e.GET("/integrations/:tenant_id/dead-letters", h.DeadLetters)
}

// Connect stores the tenant credential encrypted, marks the integration
// connected, and (re)creates the platform push subscription.
func (h *IntegrationsHandler) Connect(c echo.Context) error {
	tenantID := strings.TrimSpace(c.Param("tenant_id"))
	if tenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id is required")
	}
	var req integration.ConnectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	credential := strings.TrimSpace(req.Credential)
	if credential == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "credential is required")
	}

	encrypted, err := h.cipher.Encrypt(credential)
	if err != nil {
		h.logger.Error("credential encryption failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "credential encryption failed")
	}

	ctx := c.Request().Context()
	record, err := h.integrations.Connect(ctx, tenantID, encrypted, req.ConversationID, req.MentionOnly)
	if err != nil {
		h.logger.Error("connect failed", slog.String("tenant_id", tenantID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "connect failed")
	}

	sub, err := h.subscriptions.EnsureSubscription(ctx, credential, subscribedEventTypes)
	if err != nil {
		if platform.IsCredentialRevoked(err) {
			return echo.NewHTTPError(http.StatusUnauthorized, "platform rejected the credential")
		}
		h.logger.Error("subscription create failed", slog.String("tenant_id", tenantID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadGateway, "subscription create failed")
	}
	if err := h.integrations.SetSubscription(ctx, tenantID, sub.ID); err != nil {
		h.logger.Error("persist subscription failed", slog.String("tenant_id", tenantID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "persist subscription failed")
	}
	record.SubscriptionID = sub.ID

	h.audits.RecordBestEffort(ctx, tenantID, audit.ActionConnect, audit.StatusOK, map[string]any{
		"subscription_id": sub.ID,
	})
	return c.JSON(http.StatusOK, record)
}

// Disconnect deletes the platform subscription, clears the credential,
// and marks the integration disconnected.
func (h *IntegrationsHandler) Disconnect(c echo.Context) error {
	tenantID := strings.TrimSpace(c.Param("tenant_id"))
	ctx := c.Request().Context()

	record, err := h.integrations.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, integration.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "integration not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "lookup failed")
	}

	if record.SubscriptionID != "" && record.Credential != "" {
		credential, err := h.cipher.Resolve(record.Credential)
		if err == nil {
			if err := h.subscriptions.DeleteSubscription(ctx, credential, record.SubscriptionID); err != nil {
				// Best effort: a revoked credential cannot delete its own
				// subscription; the platform expires it once pushes fail.
				h.logger.Warn("subscription delete failed",
					slog.String("tenant_id", tenantID),
					slog.Any("error", err))
			}
		}
	}

	if err := h.integrations.Disconnect(ctx, tenantID); err != nil {
		if errors.Is(err, integration.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "integration not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "disconnect failed")
	}

	h.audits.RecordBestEffort(ctx, tenantID, audit.ActionDisconnect, audit.StatusOK, nil)
	return c.NoContent(http.StatusNoContent)
}

// Get returns the integration status for a tenant. The credential never
// leaves the server.
func (h *IntegrationsHandler) Get(c echo.Context) error {
	tenantID := strings.TrimSpace(c.Param("tenant_id"))
	record, err := h.integrations.Get(c.Request().Context(), tenantID)
	if err != nil {
		if errors.Is(err, integration.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "integration not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "lookup failed")
	}
	return c.JSON(http.StatusOK, record)
}

// DeadLetters lists recent dead letters for a tenant, newest first.
func (h *IntegrationsHandler) DeadLetters(c echo.Context) error {
	tenantID := strings.TrimSpace(c.Param("tenant_id"))
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = parsed
	}
	items, err := h.deadLetters.List(c.Request().Context(), tenantID, limit)
	if err != nil {
		h.logger.Error("list dead letters failed", slog.String("tenant_id", tenantID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "list failed")
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}
