package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// retryLadder is the fixed delay sequence applied between retryable
// attempts. Attempts beyond the ladder reuse the last delay.
var retryLadder = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

var ErrCredentialRevoked = errors.New("platform credential revoked")

// APIError is a non-2xx response from the platform.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform api error: status %d: %s", e.StatusCode, e.Body)
}

// IsCredentialRevoked reports whether the error is the platform rejecting
// the credential (HTTP 401). The dispatcher degrades the integration on it.
func IsCredentialRevoked(err error) bool {
	if errors.Is(err, ErrCredentialRevoked) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// retryable classifies a response status. 429 and 503 are transient;
// everything else, including unclassified statuses, fails immediately.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

// Client talks to the platform REST API with bounded retry.
type Client struct {
	baseURL           string
	defaultCredential string
	httpClient        *http.Client
	maxAttempts       int
	logger            *slog.Logger
	sleep             func(ctx context.Context, d time.Duration) error
}

// NewClient creates a platform client. defaultCredential is the global
// fallback used when a call passes no per-tenant credential.
func NewClient(log *slog.Logger, baseURL, defaultCredential string, timeout time.Duration, maxRetries int) *Client {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Client{
		baseURL:           strings.TrimRight(baseURL, "/"),
		defaultCredential: defaultCredential,
		httpClient:        &http.Client{Timeout: timeout},
		maxAttempts:       maxRetries + 1,
		logger:            log.With(slog.String("service", "platform")),
		sleep:             sleepContext,
	}
}

// SendMessage posts a chat message to a conversation.
func (c *Client) SendMessage(ctx context.Context, credential string, msg Message) (SentMessage, error) {
	var sent SentMessage
	err := c.do(ctx, credential, http.MethodPost, "/chat/messages", nil, msg, &sent)
	if err != nil {
		return SentMessage{}, err
	}
	return sent, nil
}

// SendTyping emits a typing indicator. It is cosmetic: failures are
// logged and swallowed, and no retry is attempted.
func (c *Client) SendTyping(ctx context.Context, credential, conversationID string) {
	body := map[string]string{"to_channel": conversationID}
	req, err := c.newRequest(ctx, credential, http.MethodPost, "/chat/typing", nil, body)
	if err != nil {
		c.logger.Debug("typing indicator skipped", slog.Any("error", err))
		return
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("typing indicator failed", slog.Any("error", err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.logger.Debug("typing indicator rejected", slog.Int("status", resp.StatusCode))
	}
}

// ListGroups returns the chat groups visible to the credential.
func (c *Client) ListGroups(ctx context.Context, credential string) ([]Group, error) {
	var out struct {
		Groups []Group `json:"groups"`
	}
	if err := c.do(ctx, credential, http.MethodGet, "/chat/groups", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Groups, nil
}

// ExportMessages fetches one page of conversation history. Pass the
// returned NextPageToken to continue; an empty token means the export
// is complete.
func (c *Client) ExportMessages(ctx context.Context, credential, conversationID, pageToken string) (ExportPage, error) {
	query := url.Values{"to_channel": {conversationID}}
	if pageToken != "" {
		query.Set("next_page_token", pageToken)
	}
	var page ExportPage
	if err := c.do(ctx, credential, http.MethodGet, "/chat/messages/export", query, nil, &page); err != nil {
		return ExportPage{}, err
	}
	return page, nil
}

// GetTranscript fetches a saved meeting transcript by id.
func (c *Client) GetTranscript(ctx context.Context, credential, transcriptID string) (Transcript, error) {
	var transcript Transcript
	path := "/meetings/transcripts/" + url.PathEscape(transcriptID)
	if err := c.do(ctx, credential, http.MethodGet, path, nil, nil, &transcript); err != nil {
		return Transcript{}, err
	}
	return transcript, nil
}

// do executes one API call with the bounded retry ladder. Retryable
// statuses (429, 503) are re-attempted after a fixed delay; all other
// failures surface immediately as *APIError.
func (c *Client) do(ctx context.Context, credential, method, path string, query url.Values, body, out any) error {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := retryLadder[min(attempt-1, len(retryLadder)-1)]
			c.logger.Warn("retrying platform call",
				slog.String("path", path),
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay))
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
		}
		req, err := c.newRequest(ctx, credential, method, path, query, body)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("platform request %s %s: %w", method, path, err)
			continue
		}
		payload, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("read platform response: %w", readErr)
			continue
		}
		if resp.StatusCode >= 300 {
			apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
			if !retryable(resp.StatusCode) {
				return apiErr
			}
			lastErr = apiErr
			continue
		}
		if out == nil || len(payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("decode platform response: %w", err)
		}
		return nil
	}
	return lastErr
}

func (c *Client) newRequest(ctx context.Context, credential, method, path string, query url.Values, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	token := credential
	if token == "" {
		token = c.defaultCredential
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
