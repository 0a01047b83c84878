package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/docvaulthq/chatrelay/internal/audit"
	"github.com/docvaulthq/chatrelay/internal/dlq"
	"github.com/docvaulthq/chatrelay/internal/integration"
	"github.com/docvaulthq/chatrelay/internal/platform"
)

type fakeIntegrationStore struct {
	records       map[string]integration.Record
	connected     []string
	disconnected  []string
	subscriptions map[string]string
}

func newFakeIntegrationStore() *fakeIntegrationStore {
	return &fakeIntegrationStore{
		records:       map[string]integration.Record{},
		subscriptions: map[string]string{},
	}
}

func (f *fakeIntegrationStore) Get(ctx context.Context, tenantID string) (integration.Record, error) {
	record, ok := f.records[tenantID]
	if !ok {
		return integration.Record{}, integration.ErrNotFound
	}
	return record, nil
}

func (f *fakeIntegrationStore) Connect(ctx context.Context, tenantID, credential, conversationID string, mentionOnly bool) (integration.Record, error) {
	record := integration.Record{
		TenantID:       tenantID,
		Credential:     credential,
		Status:         integration.StatusConnected,
		ConversationID: conversationID,
		MentionOnly:    mentionOnly,
	}
	f.records[tenantID] = record
	f.connected = append(f.connected, tenantID)
	return record, nil
}

func (f *fakeIntegrationStore) Disconnect(ctx context.Context, tenantID string) error {
	record, ok := f.records[tenantID]
	if !ok {
		return integration.ErrNotFound
	}
	record.Credential = ""
	record.SubscriptionID = ""
	record.Status = integration.StatusDisconnected
	f.records[tenantID] = record
	f.disconnected = append(f.disconnected, tenantID)
	return nil
}

func (f *fakeIntegrationStore) SetSubscription(ctx context.Context, tenantID, subscriptionID string) error {
	f.subscriptions[tenantID] = subscriptionID
	return nil
}

type fakeSubscriptions struct {
	ensured   int
	deleted   []string
	ensureErr error
}

func (f *fakeSubscriptions) EnsureSubscription(ctx context.Context, credential string, eventTypes []string) (platform.Subscription, error) {
	if f.ensureErr != nil {
		return platform.Subscription{}, f.ensureErr
	}
	f.ensured++
	return platform.Subscription{ID: "sub-1", EventTypes: eventTypes}, nil
}

func (f *fakeSubscriptions) DeleteSubscription(ctx context.Context, credential, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

// markingCipher makes encryption observable without real crypto.
type markingCipher struct{}

func (markingCipher) Encrypt(plaintext string) (string, error) { return "enc(" + plaintext + ")", nil }

func (markingCipher) Resolve(stored string) (string, error) {
	return strings.TrimSuffix(strings.TrimPrefix(stored, "enc("), ")"), nil
}

type fakeDeadLetterLister struct {
	items []dlq.Record
}

func (f *fakeDeadLetterLister) List(ctx context.Context, tenantID string, limit int) ([]dlq.Record, error) {
	return f.items, nil
}

type recordingAudit struct {
	actions []audit.Action
}

func (r *recordingAudit) RecordBestEffort(ctx context.Context, tenantID string, action audit.Action, status audit.Status, metadata map[string]any) {
	r.actions = append(r.actions, action)
}

type integrationsFixture struct {
	echo          *echo.Echo
	store         *fakeIntegrationStore
	subscriptions *fakeSubscriptions
	deadLetters   *fakeDeadLetterLister
	audits        *recordingAudit
}

func newIntegrationsFixture() *integrationsFixture {
	f := &integrationsFixture{
		echo:          echo.New(),
		store:         newFakeIntegrationStore(),
		subscriptions: &fakeSubscriptions{},
		deadLetters:   &fakeDeadLetterLister{},
		audits:        &recordingAudit{},
	}
	NewIntegrationsHandler(nil, f.store, f.subscriptions, markingCipher{}, f.deadLetters, f.audits).Register(f.echo)
	return f
}

func TestConnect_EncryptsAndSubscribes(t *testing.T) {
	t.Parallel()

	f := newIntegrationsFixture()
	req := httptest.NewRequest(http.MethodPut, "/integrations/tenant-1",
		strings.NewReader(`{"credential":"platform-token","conversation_id":"conv-1","mention_only":true}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	stored := f.store.records["tenant-1"]
	if stored.Credential != "enc(platform-token)" {
		t.Fatalf("credential must be stored encrypted, got %q", stored.Credential)
	}
	if f.subscriptions.ensured != 1 {
		t.Fatalf("expected one subscription create, got %d", f.subscriptions.ensured)
	}
	if f.store.subscriptions["tenant-1"] != "sub-1" {
		t.Fatalf("subscription id not persisted: %q", f.store.subscriptions["tenant-1"])
	}
	if strings.Contains(rec.Body.String(), "platform-token") {
		t.Fatal("credential must never appear in the response")
	}
	if len(f.audits.actions) != 1 || f.audits.actions[0] != audit.ActionConnect {
		t.Fatalf("expected connect audit, got %v", f.audits.actions)
	}
}

func TestConnect_RejectedCredential(t *testing.T) {
	t.Parallel()

	f := newIntegrationsFixture()
	f.subscriptions.ensureErr = &platform.APIError{StatusCode: http.StatusUnauthorized, Body: "bad token"}
	req := httptest.NewRequest(http.MethodPut, "/integrations/tenant-1",
		strings.NewReader(`{"credential":"revoked-token"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when the platform rejects the credential, got %d", rec.Code)
	}
}

func TestConnect_MissingCredential(t *testing.T) {
	t.Parallel()

	f := newIntegrationsFixture()
	req := httptest.NewRequest(http.MethodPut, "/integrations/tenant-1", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDisconnect_DeletesSubscriptionAndClearsRecord(t *testing.T) {
	t.Parallel()

	f := newIntegrationsFixture()
	f.store.records["tenant-1"] = integration.Record{
		TenantID:       "tenant-1",
		Credential:     "enc(platform-token)",
		Status:         integration.StatusConnected,
		SubscriptionID: "sub-1",
	}
	req := httptest.NewRequest(http.MethodDelete, "/integrations/tenant-1", nil)
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(f.subscriptions.deleted) != 1 || f.subscriptions.deleted[0] != "sub-1" {
		t.Fatalf("expected subscription delete, got %v", f.subscriptions.deleted)
	}
	if f.store.records["tenant-1"].Status != integration.StatusDisconnected {
		t.Fatalf("expected disconnected status, got %s", f.store.records["tenant-1"].Status)
	}
	if len(f.audits.actions) != 1 || f.audits.actions[0] != audit.ActionDisconnect {
		t.Fatalf("expected disconnect audit, got %v", f.audits.actions)
	}
}

func TestDisconnect_UnknownTenant(t *testing.T) {
	t.Parallel()

	f := newIntegrationsFixture()
	req := httptest.NewRequest(http.MethodDelete, "/integrations/missing", nil)
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGet_StatusWithoutCredential(t *testing.T) {
	t.Parallel()

	f := newIntegrationsFixture()
	f.store.records["tenant-1"] = integration.Record{
		TenantID:   "tenant-1",
		Credential: "enc(platform-token)",
		Status:     integration.StatusError,
		LastError:  "platform rejected credential: status 401",
	}
	req := httptest.NewRequest(http.MethodGet, "/integrations/tenant-1", nil)
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "platform-token") {
		t.Fatal("credential must never appear in the response")
	}
	if !strings.Contains(rec.Body.String(), "401") {
		t.Fatalf("expected last error in response, got %s", rec.Body.String())
	}
}

func TestDeadLetters_List(t *testing.T) {
	t.Parallel()

	f := newIntegrationsFixture()
	f.deadLetters.items = []dlq.Record{{
		Entry:        dlq.Entry{TenantID: "tenant-1", ExternalMessageID: "m-1", ErrorMessage: "backend timeout"},
		AttemptCount: 3,
	}}
	req := httptest.NewRequest(http.MethodGet, "/integrations/tenant-1/dead-letters", nil)
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "backend timeout") {
		t.Fatalf("expected dead letter in response, got %s", rec.Body.String())
	}
}
