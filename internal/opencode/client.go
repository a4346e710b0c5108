// Package opencode provides the HTTP client for the AI session backend:
// session creation, prompting, and the SSE event subscription.
package opencode

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrSessionNotFound is returned when the backend no longer knows the
// session a prompt was addressed to. Callers must evict their cached
// session mapping so the next message creates a fresh session.
var ErrSessionNotFound = errors.New("session not found")

// Client talks to the AI session backend over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a backend client. The prompt call can run for the full
// length of a generation turn, so the HTTP client carries no timeout;
// cancellation is by context.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		logger:  logger,
	}
}

type createSessionRequest struct {
	Title string `json:"title,omitempty"`
}

type createSessionResponse struct {
	ID string `json:"id"`
}

// CreateSession creates a new backend session and returns its identifier.
func (c *Client) CreateSession(ctx context.Context, title string) (string, error) {
	body, err := json.Marshal(createSessionRequest{Title: title})
	if err != nil {
		return "", fmt.Errorf("marshal create session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/session", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build create session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create session: unexpected status %d", resp.StatusCode)
	}

	var out createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode create session response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("create session: empty session id")
	}
	return out.ID, nil
}

type promptRequest struct {
	Parts []promptPart `json:"parts"`
}

type promptPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Prompt forwards user text to a session. The backend answers asynchronously
// through the event stream; this call blocks until the backend accepts or
// rejects the prompt. A 404 maps to ErrSessionNotFound.
func (c *Client) Prompt(ctx context.Context, sessionID, text string) error {
	body, err := json.Marshal(promptRequest{Parts: []promptPart{{Type: PartText, Text: text}}})
	if err != nil {
		return fmt.Errorf("marshal prompt request: %w", err)
	}

	url := fmt.Sprintf("%s/session/%s/message", c.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build prompt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("prompt session %s: %w", sessionID, err)
	}
	defer drainAndClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("prompt session %s: %w", sessionID, ErrSessionNotFound)
	case resp.StatusCode >= 300:
		return fmt.Errorf("prompt session %s: unexpected status %d", sessionID, resp.StatusCode)
	}
	return nil
}

// SubscribeEvents opens the SSE event feed and yields decoded events.
// The sequence ends with a non-nil error when the stream breaks (network
// drop, EOF, decode failure of the transport framing); the consumer is
// expected to flush and resubscribe. Malformed payloads on recognized
// event types are skipped with a debug log rather than ending the stream.
func (c *Client) SubscribeEvents(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/event", nil)
		if err != nil {
			yield(Event{}, fmt.Errorf("build event subscription: %w", err))
			return
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.http.Do(req)
		if err != nil {
			yield(Event{}, fmt.Errorf("subscribe events: %w", err))
			return
		}
		defer drainAndClose(resp.Body)

		if resp.StatusCode != http.StatusOK {
			yield(Event{}, fmt.Errorf("subscribe events: unexpected status %d", resp.StatusCode))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

		for scanner.Scan() {
			line := scanner.Text()
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue // comments, event/id fields, blank keepalives
			}
			data = strings.TrimSpace(data)
			if data == "" {
				continue
			}

			evt, err := DecodeEvent([]byte(data))
			if err != nil {
				c.logger.Debug("skipping malformed event", "error", err)
				continue
			}
			if !yield(evt, nil) {
				return
			}
		}

		err = scanner.Err()
		if err == nil {
			err = io.EOF
		}
		yield(Event{}, fmt.Errorf("event stream ended: %w", err))
	}
}

// maxEventSize bounds a single SSE payload. Tool outputs are clipped
// backend-side well below this.
const maxEventSize = 4 * 1024 * 1024

// Healthy reports whether the backend answers its root endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/app", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend health check: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("backend health check: status %d", resp.StatusCode)
	}
	return nil
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<20))
	_ = body.Close()
}
