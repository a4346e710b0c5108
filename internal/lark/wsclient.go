package lark

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

// WSClient is the long-connection alternative to the webhook: it dials the
// event endpoint and receives the same envelopes as websocket text frames.
// Useful when the bridge runs behind NAT and cannot expose a public URL.
type WSClient struct {
	endpoint    string
	sink        InboundSink
	verifyToken string

	baseDelay time.Duration
	capDelay  time.Duration

	// Injection point for tests.
	wait func(ctx context.Context, d time.Duration) error
}

// NewWSClient creates a long-connection client dispatching into sink.
func NewWSClient(endpoint string, sink InboundSink, verifyToken string) *WSClient {
	return &WSClient{
		endpoint:    endpoint,
		sink:        sink,
		verifyToken: verifyToken,
		baseDelay:   2 * time.Second,
		capDelay:    30 * time.Second,
		wait:        waitWithContext,
	}
}

// redialDelay returns the backoff before the given (1-based) consecutive
// failed attempt.
func (c *WSClient) redialDelay(attempt int) time.Duration {
	delay := c.baseDelay * time.Duration(attempt)
	if delay > c.capDelay {
		delay = c.capDelay
	}
	return delay
}

// Run dials and reads events until ctx is cancelled, redialing with capped
// linear backoff on any connection failure. A successful dial resets the
// attempt counter, so a drop after a long healthy connection redials at
// the base delay again.
func (c *WSClient) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, _, err := websocket.Dial(ctx, c.endpoint, nil)
		if err == nil {
			attempt = 0
			slog.Info("event connection established", "endpoint", c.endpoint)
			err = c.readLoop(ctx, conn)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		delay := c.redialDelay(attempt)
		slog.Warn("event connection lost, redialing", "error", err, "attempt", attempt, "delay", delay)
		if waitErr := c.wait(ctx, delay); waitErr != nil {
			return waitErr
		}
	}
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *WSClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	defer func() {
		if closeErr := conn.Close(websocket.StatusNormalClosure, "shutting down"); closeErr != nil {
			slog.Debug("failed to close event connection", "error", closeErr)
		}
	}()
	conn.SetReadLimit(1 << 20)

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("event connection closed by server")
			}
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}
		c.dispatch(data)
	}
}

func (c *WSClient) dispatch(data []byte) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("failed to decode event frame", "error", err)
		return
	}
	if c.verifyToken != "" && env.Header.Token != c.verifyToken {
		slog.Warn("event frame token mismatch, dropping")
		return
	}
	if env.Header.EventType != "im.message.receive_v1" {
		return
	}

	handler := WebhookHandler{sink: c.sink, verifyToken: c.verifyToken}
	handler.dispatchMessage(env.Event)
}
