// Package answer calls the external answer-generation backend. The
// backend streams tokens, citations, and a confidence score, or emits an
// explicit silence signal when it declines to fabricate an answer.
package answer

import (
	"bufio"
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

// HistoryMessage is one prior turn passed for conversational context.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// QueryRequest is the backend's query payload.
type QueryRequest struct {
	Query   string           `json:"query"`
	Mode    string           `json:"mode,omitempty"`
	Stream  bool             `json:"stream"`
	History []HistoryMessage `json:"history,omitempty"`
}

// Citation grounds part of an answer in a vault document.
type Citation struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title,omitempty"`
	Snippet    string `json:"snippet,omitempty"`
}

// Result is the accumulated outcome of one query.
type Result struct {
	Text       string
	Citations  []Citation
	Confidence float64
	// Silent is the backend's explicit refusal to answer. It is a valid
	// terminal outcome, not an error.
	Silent bool
}

// Client is the streaming answer backend client.
type Client struct {
	baseURL    string
	mode       string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(log *slog.Logger, baseURL, mode string, timeout time.Duration) *Client {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		mode:       mode,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.With(slog.String("service", "answer")),
	}
}

// Query runs one query and accumulates the streamed events into a Result.
// A non-streamed JSON response body is accepted as a fallback.
func (c *Client) Query(ctx context.Context, query string, history []HistoryMessage) (Result, error) {
	payload, err := json.Marshal(QueryRequest{Query: query, Mode: c.mode, Stream: true, History: history})
	if err != nil {
		return Result{}, fmt.Errorf("encode query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("build query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream, application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("answer backend request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("answer backend status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return decodeJSONResult(resp.Body)
	}
	return c.accumulateStream(resp.Body)
}

// streamEvent is one SSE data frame from the backend.
type streamEvent struct {
	Type       string     `json:"type"`
	Token      string     `json:"token,omitempty"`
	Citations  []Citation `json:"citations,omitempty"`
	Confidence float64    `json:"confidence,omitempty"`
}

func (c *Client) accumulateStream(body io.Reader) (Result, error) {
	var (
		result  Result
		text    strings.Builder
		done    bool
		scanner = bufio.NewScanner(body)
	)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var event streamEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &event); err != nil {
			return Result{}, fmt.Errorf("decode stream event: %w", err)
		}
		switch event.Type {
		case "token":
			text.WriteString(event.Token)
		case "citations":
			result.Citations = append(result.Citations, event.Citations...)
		case "confidence":
			result.Confidence = event.Confidence
		case "silence":
			result.Silent = true
		case "done":
			done = true
		default:
			c.logger.Debug("ignoring unknown stream event", slog.String("type", event.Type))
		}
		if done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, fmt.Errorf("read stream: %w", err)
	}
	if !done {
		return Result{}, fmt.Errorf("answer stream ended without done event")
	}
	result.Text = strings.TrimSpace(text.String())
	return result, nil
}

func decodeJSONResult(body io.Reader) (Result, error) {
	var out struct {
		Answer     string     `json:"answer"`
		Citations  []Citation `json:"citations"`
		Confidence float64    `json:"confidence"`
		Silence    bool       `json:"silence"`
	}
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode answer response: %w", err)
	}
	return Result{
		Text:       strings.TrimSpace(out.Answer),
		Citations:  out.Citations,
		Confidence: out.Confidence,
		Silent:     out.Silence,
	}, nil
}
