package handlers

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/docvaulthq/chatrelay/internal/dispatch"
	"github.com/docvaulthq/chatrelay/internal/signature"
)

const webhookSecret = "whsec_dGVzdHNlY3JldHRlc3RzZWNyZXQ="

func base64Encode(value string) string {
	return base64.StdEncoding.EncodeToString([]byte(value))
}

type fakePipeline struct {
	calls      int
	deliveryID string
	body       []byte
	outcome    dispatch.Outcome
	err        error
}

func (f *fakePipeline) Handle(ctx context.Context, deliveryID string, body []byte) (dispatch.Outcome, error) {
	f.calls++
	f.deliveryID = deliveryID
	f.body = body
	return f.outcome, f.err
}

func newWebhookFixture(t *testing.T) (*echo.Echo, *fakePipeline, *signature.Verifier) {
	t.Helper()
	verifier, err := signature.NewVerifier(webhookSecret, 5*time.Minute)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	pipeline := &fakePipeline{outcome: dispatch.OutcomeDelivered}
	e := echo.New()
	NewWebhookHandler(nil, verifier, pipeline).Register(e)
	return e, pipeline, verifier
}

func signedRequest(verifier *signature.Verifier, id string, body string) *http.Request {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/platform", strings.NewReader(body))
	req.Header.Set("webhook-id", id)
	req.Header.Set("webhook-timestamp", ts)
	req.Header.Set("webhook-signature", verifier.Sign(id, ts, []byte(body)))
	return req
}

func TestReceive_VerifiedAndDispatched(t *testing.T) {
	t.Parallel()

	e, pipeline, verifier := newWebhookFixture(t)
	body := `{"event":"chat_message.sent","account_id":"a","payload":{"message_id":"m-1"}}`
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, signedRequest(verifier, "wh-1", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if pipeline.calls != 1 {
		t.Fatalf("expected one dispatch, got %d", pipeline.calls)
	}
	if pipeline.deliveryID != "wh-1" {
		t.Fatalf("delivery id not propagated, got %q", pipeline.deliveryID)
	}
	if string(pipeline.body) != body {
		t.Fatalf("body not propagated, got %q", pipeline.body)
	}
}

func TestReceive_BadSignatureRejectedBeforeDispatch(t *testing.T) {
	t.Parallel()

	e, pipeline, verifier := newWebhookFixture(t)
	body := `{"event":"chat_message.sent"}`
	req := signedRequest(verifier, "wh-1", body)
	req.Header.Set("webhook-signature", "v1,AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if pipeline.calls != 0 {
		t.Fatal("unverified body must never reach the dispatcher")
	}
}

func TestReceive_MissingHeadersRejected(t *testing.T) {
	t.Parallel()

	e, pipeline, _ := newWebhookFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/platform", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if pipeline.calls != 0 {
		t.Fatal("unsigned request must never reach the dispatcher")
	}
}

func TestReceive_ExpiredTimestampRejected(t *testing.T) {
	t.Parallel()

	e, pipeline, verifier := newWebhookFixture(t)
	body := `{"event":"chat_message.sent"}`
	ts := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/platform", strings.NewReader(body))
	req.Header.Set("webhook-id", "wh-1")
	req.Header.Set("webhook-timestamp", ts)
	req.Header.Set("webhook-signature", verifier.Sign("wh-1", ts, []byte(body)))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for stale timestamp, got %d", rec.Code)
	}
	if pipeline.calls != 0 {
		t.Fatal("stale delivery must never reach the dispatcher")
	}
}

func TestReceive_CredentialRevokedSurfacesAs5xx(t *testing.T) {
	t.Parallel()

	e, pipeline, verifier := newWebhookFixture(t)
	pipeline.err = dispatch.ErrCredentialRevoked
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, signedRequest(verifier, "wh-1", `{"event":"chat_message.sent"}`))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for revoked credential, got %d", rec.Code)
	}
}

func TestReceive_DeadLetteredIsAcknowledged(t *testing.T) {
	t.Parallel()

	e, pipeline, verifier := newWebhookFixture(t)
	pipeline.outcome = dispatch.OutcomeDeadLettered
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, signedRequest(verifier, "wh-1", `{"event":"chat_message.sent"}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("dead-lettered deliveries must be acknowledged with 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), string(dispatch.OutcomeDeadLettered)) {
		t.Fatalf("expected outcome in response, got %s", rec.Body.String())
	}
}

func TestReceive_PushEnvelopeUnwrapped(t *testing.T) {
	t.Parallel()

	e, pipeline, verifier := newWebhookFixture(t)
	inner := `{"event":"chat_message.sent","account_id":"a","payload":{"message_id":"m-1"}}`
	body := `{"message":{"data":"` + base64Encode(inner) + `","messageId":"push-1"}}`
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, signedRequest(verifier, "wh-1", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if string(pipeline.body) != inner {
		t.Fatalf("expected unwrapped event body, got %q", pipeline.body)
	}
}
