// Package lark implements the chat transport for Lark/Feishu: message
// send/edit/reaction calls, the event webhook, and the long-connection
// websocket client.
package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/YuanG1944/lark-bot-bridge-opencode-plugin/internal/render"
)

// Transport sends and edits Lark messages. It satisfies the bridge's
// Transport interface; content arrives as the rendered markdown document
// and is reshaped into an interactive card when cards are enabled.
type Transport struct {
	baseURL   string
	appID     string
	appSecret string
	useCards  bool
	http      *http.Client

	tokenMu      sync.Mutex
	token        string
	tokenExpires time.Time
}

// NewTransport creates a Lark transport.
func NewTransport(baseURL, appID, appSecret string, useCards bool) *Transport {
	return &Transport{
		baseURL:   strings.TrimRight(baseURL, "/"),
		appID:     appID,
		appSecret: appSecret,
		useCards:  useCards,
		http:      &http.Client{Timeout: 15 * time.Second},
	}
}

type apiEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type tokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	ExpireSeconds     int    `json:"expire"`
}

// accessToken returns a cached tenant token, refreshing when it is within
// two minutes of expiry.
func (t *Transport) accessToken(ctx context.Context) (string, error) {
	t.tokenMu.Lock()
	defer t.tokenMu.Unlock()

	if t.token != "" && time.Until(t.tokenExpires) > 2*time.Minute {
		return t.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"app_id":     t.appID,
		"app_secret": t.appSecret,
	})
	if err != nil {
		return "", fmt.Errorf("marshal token request: %w", err)
	}

	url := t.baseURL + "/open-apis/auth/v3/tenant_access_token/internal"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch tenant token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if out.Code != 0 {
		return "", fmt.Errorf("tenant token refused: code %d: %s", out.Code, out.Msg)
	}

	t.token = out.TenantAccessToken
	t.tokenExpires = time.Now().Add(time.Duration(out.ExpireSeconds) * time.Second)
	return t.token, nil
}

// SendMessage creates a new message in a conversation and returns the
// Lark message ID. The uuid query parameter makes the create idempotent
// against transport-level retries on Lark's side.
func (t *Transport) SendMessage(ctx context.Context, conversationID, content string) (string, error) {
	msgType, wireContent, err := t.encodeContent(content)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(map[string]string{
		"receive_id": conversationID,
		"msg_type":   msgType,
		"content":    wireContent,
	})
	if err != nil {
		return "", fmt.Errorf("marshal send request: %w", err)
	}

	url := fmt.Sprintf("%s/open-apis/im/v1/messages?receive_id_type=chat_id&uuid=%s",
		t.baseURL, uuid.NewString())
	data, err := t.call(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}

	var out struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode send response: %w", err)
	}
	if out.MessageID == "" {
		return "", fmt.Errorf("send message: empty message id")
	}
	return out.MessageID, nil
}

// EditMessage replaces the content of an existing message. Cards use the
// PATCH endpoint; plain text uses PUT with the message type restated.
func (t *Transport) EditMessage(ctx context.Context, conversationID, messageID, content string) error {
	msgType, wireContent, err := t.encodeContent(content)
	if err != nil {
		return err
	}

	var method string
	var payload map[string]string
	if msgType == "interactive" {
		method = http.MethodPatch
		payload = map[string]string{"content": wireContent}
	} else {
		method = http.MethodPut
		payload = map[string]string{"msg_type": msgType, "content": wireContent}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal edit request: %w", err)
	}

	url := fmt.Sprintf("%s/open-apis/im/v1/messages/%s", t.baseURL, messageID)
	if _, err := t.call(ctx, method, url, body); err != nil {
		return fmt.Errorf("edit message %s: %w", messageID, err)
	}
	return nil
}

// AddReaction attaches an emoji reaction and returns its reaction ID.
func (t *Transport) AddReaction(ctx context.Context, messageID, emoji string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"reaction_type": map[string]string{"emoji_type": emoji},
	})
	if err != nil {
		return "", fmt.Errorf("marshal reaction request: %w", err)
	}

	url := fmt.Sprintf("%s/open-apis/im/v1/messages/%s/reactions", t.baseURL, messageID)
	data, err := t.call(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", fmt.Errorf("add reaction: %w", err)
	}

	var out struct {
		ReactionID string `json:"reaction_id"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode reaction response: %w", err)
	}
	return out.ReactionID, nil
}

// RemoveReaction deletes a previously added reaction.
func (t *Transport) RemoveReaction(ctx context.Context, messageID, reactionID string) error {
	url := fmt.Sprintf("%s/open-apis/im/v1/messages/%s/reactions/%s", t.baseURL, messageID, reactionID)
	if _, err := t.call(ctx, http.MethodDelete, url, nil); err != nil {
		return fmt.Errorf("remove reaction: %w", err)
	}
	return nil
}

// call performs one authenticated API request and unwraps the envelope.
func (t *Transport) call(ctx context.Context, method, url string, body []byte) (json.RawMessage, error) {
	token, err := t.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if env.Code != 0 {
		// 99991663/99991668 are token problems; drop the cached token so
		// the next call refreshes.
		if env.Code == 99991663 || env.Code == 99991668 {
			t.tokenMu.Lock()
			t.token = ""
			t.tokenMu.Unlock()
		}
		return nil, fmt.Errorf("api code %d: %s", env.Code, env.Msg)
	}
	return env.Data, nil
}

// encodeContent maps the rendered document to a Lark message payload:
// an interactive card when cards are enabled, plain text otherwise.
func (t *Transport) encodeContent(content string) (msgType, wireContent string, err error) {
	if !t.useCards {
		raw, err := json.Marshal(map[string]string{"text": content})
		if err != nil {
			return "", "", fmt.Errorf("marshal text content: %w", err)
		}
		return "text", string(raw), nil
	}

	card := render.BuildCard(render.SplitSections(content))
	raw, err := json.Marshal(cardPayload(card))
	if err != nil {
		return "", "", fmt.Errorf("marshal card content: %w", err)
	}
	return "interactive", string(raw), nil
}

// cardPayload serializes the platform-neutral card into Lark's card schema.
func cardPayload(card render.Card) map[string]any {
	elements := make([]map[string]any, 0, len(card.Panels)*2)
	for i, panel := range card.Panels {
		if i > 0 {
			elements = append(elements, map[string]any{"tag": "hr"})
		}
		if panel.Collapsed {
			elements = append(elements, map[string]any{
				"tag":      "collapsible_panel",
				"expanded": false,
				"header": map[string]any{
					"title": map[string]any{"tag": "markdown", "content": "**" + panel.Title + "**"},
				},
				"elements": []map[string]any{
					{"tag": "markdown", "content": panel.Body},
				},
			})
			continue
		}
		elements = append(elements, map[string]any{
			"tag":     "markdown",
			"content": panel.Body,
		})
	}

	return map[string]any{
		"config": map[string]any{"wide_screen_mode": true},
		"header": map[string]any{
			"title":    map[string]any{"tag": "plain_text", "content": card.Title},
			"template": card.Accent,
		},
		"elements": elements,
	}
}
