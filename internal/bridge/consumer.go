package bridge

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"github.com/YuanG1944/lark-bot-bridge-opencode-plugin/internal/opencode"
)

// roleAssistant is the completion-bearing message role: only assistant
// messages become chat output.
const roleAssistant = "assistant"

// outputTooLongNote is the fixed user-facing note for generations the
// backend cut off for exceeding its output limit.
const outputTooLongNote = "response exceeded the model's output limit"

// EventSource is the subscription half of the AI backend.
type EventSource interface {
	SubscribeEvents(ctx context.Context) iter.Seq2[opencode.Event, error]
}

// Consumer owns the event subscription loop. It is the single writer for
// the buffer store: every buffer mutation and every flush happens inside
// one sequential dispatch step, which is what makes the engine race-free
// without per-buffer locks.
type Consumer struct {
	source  EventSource
	router  *Router
	buffers *BufferStore
	sched   *Scheduler

	baseDelay time.Duration
	capDelay  time.Duration

	roles map[string]roleRecord // messageID -> role, session
}

// roleRecord remembers a message's role so user-message part echoes can be
// skipped mid-turn. The session ID lets completed turns sweep their records.
type roleRecord struct {
	role      string
	sessionID string
}

// NewConsumer creates a consumer. baseDelay/capDelay shape the reconnect
// backoff: the Nth consecutive failure waits min(baseDelay*N, capDelay).
func NewConsumer(source EventSource, router *Router, buffers *BufferStore, sched *Scheduler, baseDelay, capDelay time.Duration) *Consumer {
	if baseDelay <= 0 {
		baseDelay = 5 * time.Second
	}
	if capDelay <= 0 {
		capDelay = 60 * time.Second
	}
	return &Consumer{
		source:    source,
		router:    router,
		buffers:   buffers,
		sched:     sched,
		baseDelay: baseDelay,
		capDelay:  capDelay,
		roles:     make(map[string]roleRecord),
	}
}

// ReconnectDelay returns the backoff before the given (1-based) consecutive
// failed attempt.
func (c *Consumer) ReconnectDelay(attempt int) time.Duration {
	delay := c.baseDelay * time.Duration(attempt)
	if delay > c.capDelay {
		delay = c.capDelay
	}
	return delay
}

// Run subscribes and dispatches events until ctx is cancelled. Any error
// from the stream flushes all open buffers best-effort, then reconnects
// with capped backoff; receiving an event resets the attempt counter.
// Run only ever returns ctx.Err().
func (c *Consumer) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var streamErr error
		for evt, err := range c.source.SubscribeEvents(ctx) {
			if err != nil {
				streamErr = err
				break
			}
			attempt = 0
			c.handleEvent(ctx, evt)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.flushAll(ctx)

		attempt++
		delay := c.ReconnectDelay(attempt)
		slog.Warn("event stream lost, reconnecting",
			"error", streamErr,
			"attempt", attempt,
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Consumer) handleEvent(ctx context.Context, evt opencode.Event) {
	switch evt.Kind {
	case opencode.KindMessageMeta:
		c.handleMessageMeta(ctx, evt.Message)
	case opencode.KindPartDelta:
		c.handlePartDelta(ctx, evt.Part)
	case opencode.KindSessionError:
		c.handleSessionError(ctx, evt.SessionID, evt.SessionErr)
	case opencode.KindSessionIdle:
		c.handleSessionIdle(ctx, evt.SessionID)
	case opencode.KindSessionDeleted:
		c.handleSessionDeleted(ctx, evt.SessionID)
	case opencode.KindIgnored:
	}
}

func (c *Consumer) handleMessageMeta(ctx context.Context, meta *opencode.MessageMeta) {
	if meta == nil || meta.ID == "" {
		return
	}
	c.roles[meta.ID] = roleRecord{role: meta.Role, sessionID: meta.SessionID}
	if meta.Role != roleAssistant {
		return
	}

	sctx := c.router.Resolve(meta.SessionID)
	if sctx == nil {
		return // event for a session this bridge does not track
	}

	// A new assistant message starts a new chat message; finish the
	// previous one first so a completed turn is never left stale. The
	// superseded buffer is done with its edits, so its state is freed.
	if previous := c.router.SetActiveMessage(meta.SessionID, meta.ID); previous != "" {
		if prevBuf := c.buffers.Get(previous); prevBuf != nil {
			prevBuf.MarkDone()
			c.sched.MaybeFlush(ctx, prevBuf, sctx, true)
			c.releaseBuffer(previous)
		}
	}

	if meta.Error == nil && meta.Time.Completed == 0 {
		return
	}

	buf := c.buffers.GetOrInit(meta.SessionID, meta.ID)
	if meta.Error != nil {
		status, note := classifyBackendError(meta.Error)
		buf.MarkFailure(status, note)
	} else {
		buf.MarkDone()
	}
	c.sched.MaybeFlush(ctx, buf, sctx, true)
}

func (c *Consumer) handlePartDelta(ctx context.Context, pd *opencode.PartDelta) {
	if pd == nil || pd.Part.MessageID == "" {
		return
	}
	sctx := c.router.Resolve(pd.Part.SessionID)
	if sctx == nil {
		return
	}
	// Only assistant output is projected; user-message echoes are skipped.
	if rec, ok := c.roles[pd.Part.MessageID]; ok && rec.role != roleAssistant {
		return
	}

	buf := c.buffers.GetOrInit(pd.Part.SessionID, pd.Part.MessageID)
	Apply(buf, pd.Part, pd.Delta)
	c.sched.MaybeFlush(ctx, buf, sctx, false)
}

func (c *Consumer) handleSessionError(ctx context.Context, sessionID string, backendErr *opencode.BackendError) {
	sctx := c.router.Resolve(sessionID)
	if sctx == nil {
		return
	}
	activeID := c.router.ActiveMessage(sessionID)
	if activeID == "" {
		return
	}
	buf := c.buffers.Get(activeID)
	if buf == nil {
		return
	}

	status, note := classifyBackendError(backendErr)
	buf.MarkFailure(status, note)
	c.sched.MaybeFlush(ctx, buf, sctx, true)
}

func (c *Consumer) handleSessionIdle(ctx context.Context, sessionID string) {
	sctx := c.router.Resolve(sessionID)
	if sctx == nil {
		return
	}
	activeID := c.router.ActiveMessage(sessionID)
	if activeID == "" {
		return
	}
	buf := c.buffers.Get(activeID)
	if buf == nil {
		return
	}

	// Idle is the reliable turn-complete signal, but it must not rewrite
	// an abort or error recorded earlier for the same message. The session
	// outlives the turn, so the finalized turn's state is freed here.
	buf.MarkDone()
	c.sched.MaybeFlush(ctx, buf, sctx, true)
	c.releaseBuffer(activeID)
	c.sweepRoles(sessionID)
}

func (c *Consumer) handleSessionDeleted(ctx context.Context, sessionID string) {
	sctx := c.router.Resolve(sessionID)
	if sctx != nil {
		for _, buf := range c.buffers.BySession(sessionID) {
			buf.MarkDone()
			c.sched.MaybeFlush(ctx, buf, sctx, true)
			c.releaseBuffer(buf.MessageID)
		}
	}
	c.sweepRoles(sessionID)
	c.router.Remove(ctx, sessionID)
	slog.Info("session removed", "session_id", sessionID)
}

// releaseBuffer drops a finalized buffer and its role record.
func (c *Consumer) releaseBuffer(messageID string) {
	c.buffers.Remove(messageID)
	delete(c.roles, messageID)
}

// sweepRoles drops every role record belonging to a session. Called when a
// turn or the whole session ends, so user-message records do not pile up
// across the long-lived conversations the router keeps.
func (c *Consumer) sweepRoles(sessionID string) {
	for id, rec := range c.roles {
		if rec.sessionID == sessionID {
			delete(c.roles, id)
		}
	}
}

// flushAll force-flushes every open buffer, best-effort. Called before a
// reconnect so nothing already generated is lost if the process dies while
// the stream is down.
func (c *Consumer) flushAll(ctx context.Context) {
	for _, buf := range c.buffers.All() {
		sctx := c.router.Resolve(buf.SessionID)
		if sctx == nil {
			continue
		}
		c.sched.MaybeFlush(ctx, buf, sctx, true)
	}
}

// classifyBackendError maps backend error subtypes to a terminal buffer
// status and user-facing note.
func classifyBackendError(backendErr *opencode.BackendError) (Status, string) {
	if backendErr == nil {
		return StatusError, "unknown error"
	}
	switch backendErr.Name {
	case opencode.ErrNameAborted:
		return StatusAborted, ""
	case opencode.ErrNameOutputLength:
		return StatusError, outputTooLongNote
	case opencode.ErrNameAPI:
		note := backendErr.Data.Message
		if note == "" {
			note = backendErr.Name
		}
		return StatusError, note
	default:
		return StatusError, backendErr.Name
	}
}
