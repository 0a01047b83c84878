package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/docvaulthq/chatrelay/internal/dispatch"
	"github.com/docvaulthq/chatrelay/internal/signature"
)

// maxBodyBytes caps the inbound webhook body. Transcript notifications
// carry ids, not content, so events stay small.
const maxBodyBytes = 1 << 20

// Pipeline is the dispatcher seam the webhook handler drives.
type Pipeline interface {
	Handle(ctx context.Context, deliveryID string, body []byte) (dispatch.Outcome, error)
}

// WebhookHandler receives push-delivered platform events. Signature
// verification runs before anything else touches the body; management
// JWT auth does not apply here.
type WebhookHandler struct {
	verifier *signature.Verifier
	pipeline Pipeline
	logger   *slog.Logger
}

func NewWebhookHandler(log *slog.Logger, verifier *signature.Verifier, pipeline Pipeline) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		verifier: verifier,
		pipeline: pipeline,
		logger:   log.With(slog.String("handler", "webhook")),
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	e.POST("/webhooks/platform", h.Receive)
}

func (h *WebhookHandler) Receive(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body failed")
	}
	if len(body) > maxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "body too large")
	}

	headers := signature.Headers{
		ID:        c.Request().Header.Get("webhook-id"),
		Timestamp: c.Request().Header.Get("webhook-timestamp"),
		Signature: c.Request().Header.Get("webhook-signature"),
	}
	if err := h.verifier.Verify(body, headers); err != nil {
		h.logger.Warn("signature verification failed",
			slog.String("webhook_id", headers.ID),
			slog.Any("error", err))
		return echo.NewHTTPError(http.StatusUnauthorized, "signature verification failed")
	}

	event, err := dispatch.Unwrap(body)
	if err != nil {
		h.logger.Warn("push envelope unwrap failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid envelope")
	}

	outcome, err := h.pipeline.Handle(c.Request().Context(), headers.ID, event)
	if err != nil {
		if errors.Is(err, dispatch.ErrCredentialRevoked) {
			// 5xx so the transport keeps retrying until the tenant reconnects.
			return echo.NewHTTPError(http.StatusInternalServerError, "integration credential revoked")
		}
		h.logger.Error("dispatch failed", slog.String("webhook_id", headers.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "dispatch failed")
	}

	return c.JSON(http.StatusOK, map[string]string{"outcome": string(outcome)})
}
