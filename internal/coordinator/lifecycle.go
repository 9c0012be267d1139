package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/tokligence-chatstream/internal/admission"
	"github.com/tokligence/tokligence-chatstream/internal/chat"
	"github.com/tokligence/tokligence-chatstream/internal/provider"
)

// Start rehydrates every message the session store still holds as pending
// or streaming. Pending messages go back to admission. Streaming ones wait
// RecoveryGrace for their worker to re-attach through OnWorkerChunk or
// OnWorkerTerminal and are finalized with RecoveryTimeout otherwise.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("coordinator: already started")
	}
	active, err := c.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: list active messages: %w", err)
	}

	now := c.now()
	var resubmitted, awaiting int
	for _, m := range active {
		if c.session(m.ID) != nil {
			continue
		}
		s := newSession(m, c.rebuild(ctx, m), c.cfg.MaxBufferedChunks)
		chunks, err := c.store.Chunks(ctx, m.ID, chat.NoSeq)
		if err != nil {
			c.log.Warn("Coordinator.Start: load chunk log failed", "message_id", m.ID, "error", err)
		}
		for _, chunk := range chunks {
			s.buf.Append(chunk)
		}
		c.register(s)

		if m.Status == chat.StatusPending {
			if _, err := c.queue.Submit(&admission.Request{ID: m.ID, Tenant: m.Tenant, Class: m.Class}); err != nil {
				c.finish(ctx, s, chat.Failed(err), true)
				continue
			}
			resubmitted++
			continue
		}
		s.markRecovered(now)
		awaiting++
	}
	if awaiting > 0 {
		c.bg.Add(1)
		go c.sweep()
	}
	c.log.Info("Coordinator.Start: recovered sessions", "active", len(active), "resubmitted", resubmitted, "awaiting_worker", awaiting, "grace", c.cfg.RecoveryGrace)
	return nil
}

// rebuild reconstructs the provider request of a recovered message.
func (c *Coordinator) rebuild(ctx context.Context, m chat.Message) provider.Request {
	return provider.Request{
		MessageID: m.ID,
		Tenant:    m.Tenant,
		Model:     m.Model,
		Messages:  append(c.history(ctx, m.ConversationID), provider.Message{Role: chat.RoleUser, Content: m.Prompt}),
	}
}

// sweep finalizes recovered sessions whose worker stayed silent for longer
// than RecoveryGrace. It returns once none is left.
func (c *Coordinator) sweep() {
	defer c.bg.Done()
	interval := min(max(c.cfg.RecoveryGrace/4, 10*time.Millisecond), time.Second)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
		}
		if c.sweepOnce(c.now()) == 0 {
			return
		}
	}
}

func (c *Coordinator) sweepOnce(now time.Time) (waiting int) {
	for _, s := range c.snapshot() {
		last, awaiting := s.idleSince()
		if !awaiting {
			continue
		}
		if now.Sub(last) < c.cfg.RecoveryGrace {
			waiting++
			continue
		}
		err := chat.Errorf(chat.KindRecoveryTimeout, "worker did not re-attach within %s", c.cfg.RecoveryGrace)
		c.finish(context.Background(), s, chat.Failed(err), true)
	}
	return waiting
}

func (c *Coordinator) snapshot() []*session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// Cancel stops a queued or running generation and waits for its final
// state. Content already streamed is kept: the message ends partial. A
// message that is already terminal is returned unchanged.
func (c *Coordinator) Cancel(ctx context.Context, messageID string) (chat.Message, error) {
	s := c.session(messageID)
	if s == nil {
		m, err := c.GetMessage(ctx, messageID)
		if err != nil {
			return chat.Message{}, err
		}
		if m.Status.Terminal() {
			return m, nil
		}
		return chat.Message{}, chat.Errorf(chat.KindNotFound, "message %s is not active on this node", messageID)
	}
	if m, ok := s.finalMessage(); ok {
		return m, nil
	}

	cause := chat.Errorf(chat.KindCancelled, "cancelled by request")
	switch {
	case c.queue.Cancel(messageID):
		c.finish(ctx, s, chat.Failed(cause), true)
	case !s.abort(cause):
		// Not dispatched yet, or recovered without a worker.
		c.finish(ctx, s, chat.Failed(cause), true)
	}
	c.log.Info("Coordinator.Cancel: cancel requested", "message_id", messageID)

	select {
	case <-s.done:
	case <-ctx.Done():
		return chat.Message{}, ctx.Err()
	}
	m, _ := s.finalMessage()
	return m, nil
}

// EmitToolEvent fans a tool call event out to the live subscriptions of a
// message. Tool events are not replayed to later subscribers.
func (c *Coordinator) EmitToolEvent(ctx context.Context, messageID string, ev chat.Event) (chat.Event, error) {
	if ev.Type != chat.EventToolCallStarted && ev.Type != chat.EventToolCallCompleted {
		return chat.Event{}, chat.Errorf(chat.KindInvalidRequest, "unsupported tool event type %q", ev.Type)
	}
	if ev.Tool == nil || ev.Tool.Name == "" {
		return chat.Event{}, chat.Errorf(chat.KindInvalidRequest, "tool call name is required")
	}
	s := c.session(messageID)
	if s == nil {
		if _, err := c.GetMessage(ctx, messageID); err != nil {
			return chat.Event{}, err
		}
		return chat.Event{}, chat.Errorf(chat.KindInvalidRequest, "message %s is terminal", messageID)
	}
	if _, ok := s.finalMessage(); ok {
		return chat.Event{}, chat.Errorf(chat.KindInvalidRequest, "message %s is terminal", messageID)
	}

	tool := *ev.Tool
	if tool.ID == "" {
		tool.ID = "call_" + uuid.NewString()
	}
	out := chat.Event{
		Type:      ev.Type,
		MessageID: messageID,
		Tool:      &tool,
		Timestamp: c.now(),
	}
	s.addTool(out)
	c.log.Debug("Coordinator.EmitToolEvent: fanned out", "message_id", messageID, "type", ev.Type, "tool", tool.Name, "call_id", tool.ID)
	return out, nil
}

// Shutdown stops intake, lets running generations finish for ShutdownGrace,
// then aborts the rest with ShutdownAborted and waits until every session is
// final or ctx is done.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	c.log.Info("Coordinator.Shutdown: draining", "sessions", c.ActiveSessions(), "grace", c.cfg.ShutdownGrace)

	graceCtx, cancel := context.WithTimeout(ctx, c.cfg.ShutdownGrace)
	drained, err := c.queue.Shutdown(graceCtx)
	cancel()
	if err != nil {
		c.log.Warn("Coordinator.Shutdown: grace expired, aborting running generations", "error", err)
	}

	cause := chat.Errorf(chat.KindShutdownAborted, "coordinator shutting down")
	for _, req := range drained {
		if s := c.session(req.ID); s != nil {
			c.finish(ctx, s, chat.Failed(cause), true)
		}
	}
	sessions := c.snapshot()
	for _, s := range sessions {
		if _, ok := s.finalMessage(); ok {
			continue
		}
		if !s.abort(cause) {
			c.finish(ctx, s, chat.Failed(cause), true)
		}
	}

	var result error
wait:
	for _, s := range sessions {
		select {
		case <-s.done:
		case <-ctx.Done():
			result = fmt.Errorf("coordinator: shutdown: %w", ctx.Err())
			break wait
		}
	}
	c.stop()
	c.bg.Wait()
	c.log.Info("Coordinator.Shutdown: stopped", "error", result)
	return result
}
