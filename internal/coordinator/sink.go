package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tokligence/tokligence-chatstream/internal/admission"
	"github.com/tokligence/tokligence-chatstream/internal/chat"
	"github.com/tokligence/tokligence-chatstream/internal/moderation"
	"github.com/tokligence/tokligence-chatstream/internal/sequencer"
	"github.com/tokligence/tokligence-chatstream/internal/sessionstore"
	"github.com/tokligence/tokligence-chatstream/internal/tracing"
)

// dispatch is the admission handler: it is the only place a message moves
// from pending to streaming.
func (c *Coordinator) dispatch(ctx context.Context, req *admission.Request) {
	s := c.session(req.ID)
	if s == nil {
		c.log.Warn("Coordinator.dispatch: no session for admitted request", "message_id", req.ID)
		return
	}
	// The queue cancels its context without a cause once its grace is over;
	// Shutdown aborts sessions itself with ShutdownAborted.
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancel(nil)

	if err := s.begin(cancel, c.now()); err != nil {
		if !errors.Is(err, errAlreadyFinal) {
			c.finish(runCtx, s, chat.Failed(err), true)
		}
		return
	}
	if _, err := c.store.Transition(runCtx, s.id, chat.StatusPending, chat.StatusStreaming); err != nil {
		if errors.Is(err, sessionstore.ErrTerminal) {
			c.log.Warn("Coordinator.dispatch: message already terminal in store", "message_id", s.id)
			c.finish(runCtx, s, chat.Failed(chat.Errorf(chat.KindInternal, "message finalized elsewhere")), false)
			return
		}
		c.finish(runCtx, s, chat.Failed(chat.Wrap(chat.KindInternal, fmt.Errorf("start streaming: %w", err))), true)
		return
	}
	s.setStreaming()
	c.log.Debug("Coordinator.dispatch: streaming", "message_id", s.id, "class", req.Class, "waited", time.Since(req.EnqueuedAt))

	if err := c.worker.Run(runCtx, s.req); err != nil {
		c.log.Error("Coordinator.dispatch: worker could not report", "message_id", s.id, "error", err)
	}
	// A worker stopped by the sink leaves the outcome to it; anything still
	// open at this point would otherwise stay streaming.
	if _, ok := s.finalMessage(); !ok {
		cause := chat.Errorf(chat.KindInternal, "generation stopped without an outcome")
		c.finish(runCtx, s, chat.Failed(cause), true)
	}
}

// onExpire finalizes a request that waited in the queue past its class MaxWait.
func (c *Coordinator) onExpire(req *admission.Request) {
	s := c.session(req.ID)
	if s == nil {
		return
	}
	err := chat.Errorf(chat.KindTenantQuotaExceeded, "queued longer than the %s class allows", req.Class)
	c.finish(context.Background(), s, chat.Failed(err), true)
}

// OnWorkerChunk records one chunk of generated content and wakes every
// subscription. A sequence number already seen is a no-op, also after the
// message became terminal.
func (c *Coordinator) OnWorkerChunk(ctx context.Context, messageID string, seq int64, delta string) error {
	if seq < 0 {
		return chat.Errorf(chat.KindInvalidRequest, "negative sequence %d", seq)
	}
	s := c.session(messageID)
	if s == nil {
		return c.lateChunk(ctx, messageID, seq)
	}
	if m, ok := s.finalMessage(); ok {
		if seq <= m.LastSeq {
			c.metrics.ChunksDuplicate.Inc()
			return nil
		}
		return fmt.Errorf("coordinator: chunk %d for %s: %w", seq, messageID, sessionstore.ErrTerminal)
	}
	if seq <= s.buf.Watermark() {
		c.metrics.ChunksDuplicate.Inc()
		return nil
	}
	if s.buf.Sealed() {
		return fmt.Errorf("coordinator: chunk %d for %s: %w", seq, messageID, sessionstore.ErrTerminal)
	}
	if s.current() == chat.StatusPending {
		return chat.Errorf(chat.KindInvalidRequest, "message %s is not streaming", messageID)
	}
	now := c.now()
	s.touch(now)

	if c.mod != nil {
		verdict, err := c.mod.CheckOutput(ctx, messageID, delta)
		if err != nil {
			c.log.Warn("Coordinator.OnWorkerChunk: output moderation failed, passing chunk", "message_id", messageID, "seq", seq, "error", err)
		} else {
			switch verdict.Verdict {
			case moderation.Block:
				cause := chat.Errorf(chat.KindPolicyBlocked, "output rejected: %s", verdict.Reason)
				// The worker stops on the returned error without reporting.
				s.abort(cause)
				c.finish(ctx, s, chat.Failed(cause), true)
				return cause
			case moderation.Redact:
				delta = verdict.Content
			}
		}
	}

	chunk := chat.Chunk{Seq: seq, Delta: delta, Timestamp: now}
	if _, err := c.store.AppendChunk(ctx, messageID, chunk); err != nil {
		// The chunk log would have a hole; end the message with what the
		// buffer already holds.
		cause := chat.Wrap(chat.KindInternal, fmt.Errorf("append chunk %d: %w", seq, err))
		s.abort(cause)
		c.finish(ctx, s, chat.Failed(cause), true)
		return cause
	}
	switch s.buf.Append(chunk) {
	case sequencer.Duplicate:
		c.metrics.ChunksDuplicate.Inc()
		return nil
	case sequencer.Rejected:
		return fmt.Errorf("coordinator: chunk %d for %s: %w", seq, messageID, sessionstore.ErrTerminal)
	case sequencer.Overflow:
		cause := chat.Errorf(chat.KindInternal, "chunk %d is %d ahead of the contiguous log", seq, seq-s.buf.Watermark())
		s.abort(cause)
		c.finish(ctx, s, chat.Failed(cause), true)
		return cause
	}
	c.metrics.ChunksAppended.Inc()
	if seq == 0 {
		if at := s.startedAt(); !at.IsZero() {
			c.metrics.TimeToFirstChunk.Observe(now.Sub(at).Seconds())
		}
	}
	if err := c.store.Ack(ctx, messageID, s.buf.Watermark()); err != nil && !errors.Is(err, sessionstore.ErrTerminal) {
		c.log.Warn("Coordinator.OnWorkerChunk: ack failed", "message_id", messageID, "seq", seq, "error", err)
	}
	return nil
}

// lateChunk answers a chunk for a message no longer held in memory.
func (c *Coordinator) lateChunk(ctx context.Context, messageID string, seq int64) error {
	m, err := c.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if m.Status.Terminal() && seq <= m.LastSeq {
		c.metrics.ChunksDuplicate.Inc()
		return nil
	}
	return fmt.Errorf("coordinator: chunk %d for %s: %w", seq, messageID, sessionstore.ErrTerminal)
}

// OnWorkerTerminal finalizes the message with the worker's outcome. A second
// report for the same message is ignored.
func (c *Coordinator) OnWorkerTerminal(ctx context.Context, messageID string, outcome chat.Outcome) error {
	if outcome.Status != chat.StatusCompleted && outcome.Status != chat.StatusErrored {
		return chat.Errorf(chat.KindInvalidRequest, "worker outcome must be completed or errored, got %q", outcome.Status)
	}
	s := c.session(messageID)
	if s == nil {
		m, err := c.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		if m.Status.Terminal() {
			return nil
		}
		return chat.Errorf(chat.KindNotFound, "message %s has no session", messageID)
	}
	if outcome.Status == chat.StatusErrored && outcome.ErrorKind == "" {
		outcome.ErrorKind = chat.KindProviderFailure
	}
	c.finish(ctx, s, outcome, true)
	return nil
}

// settle maps a worker outcome and the number of delivered chunks to the
// terminal status. An errored generation that produced content ends partial,
// except for a policy veto which stays errored.
func settle(o chat.Outcome, watermark int64) (chat.Status, chat.ErrorKind) {
	switch {
	case o.Status == chat.StatusCompleted:
		return chat.StatusCompleted, ""
	case watermark < 0 || o.ErrorKind == chat.KindPolicyBlocked:
		return chat.StatusErrored, o.ErrorKind
	default:
		return chat.StatusPartial, chat.KindPartialFailure
	}
}

// finish is the single finalization path. The first caller wins; later calls
// return the final message. persist is false for messages that never entered
// the system (admission rejection at intake).
func (c *Coordinator) finish(ctx context.Context, s *session, o chat.Outcome, persist bool) chat.Message {
	if !s.claimFinish() {
		m, _ := s.finalMessage()
		return m
	}
	// Finalization must land even when the generation was aborted.
	ctx, span := c.tracer.Start(context.WithoutCancel(ctx), "coordinator.finalize", trace.WithAttributes(
		attribute.String("chatstream.message_id", s.id),
		attribute.String("chatstream.outcome", string(o.Status)),
	))
	defer span.End()

	s.buf.Seal()
	watermark := s.buf.Watermark()
	content := s.buf.Content()
	status, kind := settle(o, watermark)

	usage := c.tokens.Usage(s.msg.Prompt, content)
	if o.Usage != nil && status == chat.StatusCompleted {
		usage = *o.Usage
	}
	final := sessionstore.Final{Status: status, Content: content, Tokens: usage, ErrorKind: kind, LastSeq: watermark}

	m, err := c.store.Finalize(ctx, s.id, final)
	switch {
	case errors.Is(err, sessionstore.ErrTerminal):
		// Another coordinator instance finalized first; its record wins.
		c.log.Warn("Coordinator.finish: message already terminal in store", "message_id", s.id, "status", m.Status)
		persist = false
	case err != nil:
		tracing.Fail(span, err)
		c.log.Error("Coordinator.finish: store finalize failed", "message_id", s.id, "error", err)
		m, _ = sessionstore.Apply(s.msg, final, c.now())
	}

	if persist {
		c.save(ctx, m)
	}
	s.setFinal(m)
	time.AfterFunc(c.cfg.SessionLinger, func() { c.forget(s.id) })

	c.metrics.ActiveSessions.Dec()
	c.metrics.MessagesFinal.WithLabelValues(string(m.Status), string(m.ErrorKind)).Inc()
	c.metrics.TokensTotal.WithLabelValues("input", m.Model).Add(float64(m.Tokens.Input))
	c.metrics.TokensTotal.WithLabelValues("output", m.Model).Add(float64(m.Tokens.Output))
	if at := s.startedAt(); !at.IsZero() {
		c.metrics.GenerationTime.WithLabelValues(m.Class, string(m.Status)).Observe(c.now().Sub(at).Seconds())
	}
	span.SetAttributes(attribute.String("chatstream.status", string(m.Status)), attribute.Int64("chatstream.last_seq", m.LastSeq))

	if m.Status == chat.StatusCompleted {
		c.log.Info("Coordinator.finish: finalized", "message_id", s.id, "status", m.Status, "chunks", watermark+1)
	} else {
		c.log.Warn("Coordinator.finish: finalized", "message_id", s.id, "status", m.Status, "kind", m.ErrorKind, "chunks", watermark+1, "reason", o.Reason)
	}
	return m
}

// save hands the final message to persistence and, once it is stored there,
// lets the session store drop the chunk log.
func (c *Coordinator) save(ctx context.Context, m chat.Message) {
	if err := c.persist.SaveFinalMessage(ctx, m); err != nil {
		c.log.Error("Coordinator.finish: persist final message failed, keeping chunk log", "message_id", m.ID, "error", err)
		return
	}
	if err := c.store.TruncateChunks(ctx, m.ID, c.cfg.ChunkRetention); err != nil {
		c.log.Warn("Coordinator.finish: truncate chunk log failed", "message_id", m.ID, "error", err)
	}
}
