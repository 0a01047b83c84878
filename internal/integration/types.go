// Package integration persists per-tenant platform connections.
package integration

import "time"

// Status is the connection state of a tenant integration.
type Status string

const (
	// StatusConnected means the stored credential is believed valid.
	StatusConnected Status = "connected"
	// StatusError means the platform rejected the credential; the record
	// keeps its credential so the tenant can inspect and reconnect.
	StatusError Status = "error"
	// StatusDisconnected means the tenant disconnected explicitly and the
	// credential was cleared.
	StatusDisconnected Status = "disconnected"
)

// Record is one tenant's platform integration.
type Record struct {
	TenantID       string    `json:"tenant_id"`
	Credential     string    `json:"-"`
	Status         Status    `json:"status"`
	ConversationID string    `json:"conversation_id"`
	MentionOnly    bool      `json:"mention_only"`
	SubscriptionID string    `json:"subscription_id"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ConnectRequest is the input for creating or re-establishing an integration.
type ConnectRequest struct {
	Credential     string `json:"credential"`
	ConversationID string `json:"conversation_id"`
	MentionOnly    bool   `json:"mention_only"`
}
