package platform

import (
	"context"
	"errors"
	"net/http"
)

// SubscriptionManager creates, checks, and deletes the platform-side
// webhook push subscription. Retry behavior comes from the Client; this
// layer adds none of its own.
type SubscriptionManager struct {
	client   *Client
	endpoint string
}

// NewSubscriptionManager wires a manager around the shared client.
// endpoint is the public URL the platform pushes events to.
func NewSubscriptionManager(client *Client, endpoint string) *SubscriptionManager {
	return &SubscriptionManager{client: client, endpoint: endpoint}
}

// EnsureSubscription creates a push subscription for the given event types.
func (m *SubscriptionManager) EnsureSubscription(ctx context.Context, credential string, eventTypes []string) (Subscription, error) {
	body := map[string]any{
		"endpoint":    m.endpoint,
		"event_types": eventTypes,
	}
	var sub Subscription
	if err := m.client.do(ctx, credential, http.MethodPost, "/webhooks/subscriptions", nil, body, &sub); err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

// CheckSubscription fetches a subscription by id. A platform 404 means
// the subscription was dropped and is reported as (nil, nil).
func (m *SubscriptionManager) CheckSubscription(ctx context.Context, credential, id string) (*Subscription, error) {
	var sub Subscription
	err := m.client.do(ctx, credential, http.MethodGet, "/webhooks/subscriptions/"+id, nil, nil, &sub)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

// DeleteSubscription removes a subscription by id.
func (m *SubscriptionManager) DeleteSubscription(ctx context.Context, credential, id string) error {
	return m.client.do(ctx, credential, http.MethodDelete, "/webhooks/subscriptions/"+id, nil, nil, nil)
}
