// Package docstore talks to the vault document storage collaborator.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Document is a stored vault document reference.
type Document struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// Client stores raw transcript text into the document vault.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(log *slog.Logger, baseURL, apiKey string, timeout time.Duration) *Client {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.With(slog.String("service", "docstore")),
	}
}

// CreateDocument stores raw text with a pending-index status; the vault's
// own indexer picks it up from there.
func (c *Client) CreateDocument(ctx context.Context, tenantID, title, content string) (Document, error) {
	payload, err := json.Marshal(map[string]string{
		"tenant_id": tenantID,
		"title":     title,
		"content":   content,
		"status":    "pending_index",
	})
	if err != nil {
		return Document{}, fmt.Errorf("encode document: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/documents", bytes.NewReader(payload))
	if err != nil {
		return Document{}, fmt.Errorf("build document request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("docstore request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Document{}, fmt.Errorf("docstore status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("decode document response: %w", err)
	}
	return doc, nil
}
