// Package worker drives one admitted generation: it asks the injected strategy
// for a provider before every attempt, streams the provider output into a Sink
// as sequenced chunks and reports exactly one terminal outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
	"github.com/tokligence/tokligence-chatstream/internal/logging"
	"github.com/tokligence/tokligence-chatstream/internal/metrics"
	"github.com/tokligence/tokligence-chatstream/internal/provider"
	"github.com/tokligence/tokligence-chatstream/internal/tracing"
)

// Sink receives worker output. An error from OnWorkerChunk stops the worker
// without a terminal report; the sink finalizes the message itself.
type Sink interface {
	OnWorkerChunk(ctx context.Context, messageID string, seq int64, delta string) error
	OnWorkerTerminal(ctx context.Context, messageID string, outcome chat.Outcome) error
}

// maxAttempts allows a single retry with the accumulated prefix.
const maxAttempts = 2

// Config holds retry settings.
type Config struct {
	// MaxAttempts counts the first call. It is capped at maxAttempts, one
	// retry; zero or less selects the cap.
	MaxAttempts int
	// AttemptTimeout bounds a single provider call; zero means no bound.
	AttemptTimeout time.Duration
	// RetryDelay is waited before the retry.
	RetryDelay time.Duration
}

// Worker runs generations. It is safe for concurrent use; each Run is independent.
type Worker struct {
	strategy provider.Strategy
	sink     Sink
	cfg      Config
	log      *logging.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// Option customizes a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option { return func(w *Worker) { w.log = l } }

// WithMetrics records provider attempts and failures.
func WithMetrics(m *metrics.Metrics) Option { return func(w *Worker) { w.metrics = m } }

// New creates a Worker.
func New(strategy provider.Strategy, sink Sink, cfg Config, opts ...Option) (*Worker, error) {
	if strategy == nil {
		return nil, errors.New("worker: strategy required")
	}
	if sink == nil {
		return nil, errors.New("worker: sink required")
	}
	if cfg.MaxAttempts <= 0 || cfg.MaxAttempts > maxAttempts {
		cfg.MaxAttempts = maxAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	w := &Worker{strategy: strategy, sink: sink, cfg: cfg, tracer: tracing.Tracer("worker")}
	for _, o := range opts {
		o(w)
	}
	w.log = logging.OrNop(w.log).With("component", "worker")
	return w, nil
}

// sinkError marks a failure returned by the sink rather than the provider.
type sinkError struct{ err error }

func (e *sinkError) Error() string { return "worker: sink: " + e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

// run is the mutable state of one generation across attempts.
type run struct {
	req    provider.Request
	seq    int64
	prefix strings.Builder
	usage  *chat.TokenCounts
}

// Run drives req until a terminal outcome and reports it to the sink. ctx
// cancellation aborts the provider call; its cause (see context.Cause) becomes
// the error kind of the outcome, Cancelled when the cause carries no kind.
// The returned error is non-nil only when the sink failed.
func (w *Worker) Run(ctx context.Context, req provider.Request) error {
	r := &run{req: req}
	r.prefix.WriteString(req.Prefix)
	log := w.log.With("message_id", req.MessageID, "model", req.Model)

	var lastErr error
	for attempt := 0; attempt < w.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if !provider.IsRetryable(lastErr) {
				break
			}
			log.Warn("Worker.Run: retrying with accumulated prefix", "attempt", attempt, "prefix_len", r.prefix.Len(), "error", lastErr)
			if !sleep(ctx, w.cfg.RetryDelay) {
				break
			}
		}
		p, err := w.strategy.Select(ctx, r.request(), attempt, lastErr)
		if err != nil {
			lastErr = chat.Wrap(chat.KindProviderFailure, fmt.Errorf("select provider: %w", err))
			break
		}
		err = w.attempt(ctx, p, r, attempt)
		if err == nil {
			log.Debug("Worker.Run: completed", "provider", p.Name(), "attempt", attempt, "chunks", r.seq)
			return w.report(ctx, req.MessageID, chat.Completed(r.usage))
		}
		var se *sinkError
		if errors.As(err, &se) {
			log.Debug("Worker.Run: stopped by sink", "error", se.err)
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		w.observeError(p.Name(), err)
	}

	var ce *chat.Error
	switch {
	case ctx.Err() != nil:
		lastErr = cancelCause(ctx)
	case !errors.As(lastErr, &ce):
		lastErr = chat.Wrap(provider.Classify(lastErr), lastErr)
	}
	outcome := chat.Failed(lastErr)
	log.Warn("Worker.Run: generation failed", "kind", outcome.ErrorKind, "chunks", r.seq, "error", lastErr)
	return w.report(ctx, req.MessageID, outcome)
}

func (r *run) request() provider.Request {
	req := r.req
	req.Prefix = r.prefix.String()
	return req
}

// attempt streams one provider call into the sink.
func (w *Worker) attempt(ctx context.Context, p provider.Provider, r *run, attempt int) (err error) {
	// Cancelled on return so the provider closes its stream before the drain.
	var (
		actx   context.Context
		cancel context.CancelFunc
	)
	if w.cfg.AttemptTimeout > 0 {
		actx, cancel = context.WithTimeout(ctx, w.cfg.AttemptTimeout)
	} else {
		actx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	actx, span := w.tracer.Start(actx, "worker.attempt", trace.WithAttributes(
		attribute.String("chatstream.message_id", r.req.MessageID),
		attribute.String("chatstream.provider", p.Name()),
		attribute.Int("chatstream.attempt", attempt),
	))
	defer func() {
		span.SetAttributes(attribute.Int64("chatstream.chunks", r.seq))
		tracing.Fail(span, err)
		span.End()
	}()
	if w.metrics != nil {
		w.metrics.ProviderAttempts.WithLabelValues(p.Name(), strconv.Itoa(attempt)).Inc()
	}

	stream, err := p.Stream(actx, r.request())
	if err != nil {
		return w.attemptErr(ctx, actx, err)
	}
	defer func() {
		cancel()
		for range stream {
		}
	}()
	for ev := range stream {
		if ev.IsError() {
			return w.attemptErr(ctx, actx, ev.Err)
		}
		if ev.Usage != nil {
			r.usage = ev.Usage
		}
		if ev.Delta == "" {
			continue
		}
		if err := w.sink.OnWorkerChunk(ctx, r.req.MessageID, r.seq, ev.Delta); err != nil {
			return &sinkError{err}
		}
		r.seq++
		r.prefix.WriteString(ev.Delta)
	}
	if actx.Err() != nil {
		return w.attemptErr(ctx, actx, actx.Err())
	}
	return nil
}

// attemptErr turns an expired attempt deadline into a provider timeout.
func (w *Worker) attemptErr(ctx, actx context.Context, err error) error {
	if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return chat.Wrap(chat.KindProviderTimeout, fmt.Errorf("attempt exceeded %s: %w", w.cfg.AttemptTimeout, err))
	}
	return err
}

func (w *Worker) report(ctx context.Context, messageID string, outcome chat.Outcome) error {
	// The terminal report must land even when ctx was cancelled.
	if err := w.sink.OnWorkerTerminal(context.WithoutCancel(ctx), messageID, outcome); err != nil {
		return fmt.Errorf("worker: report terminal: %w", err)
	}
	return nil
}

func (w *Worker) observeError(providerName string, err error) {
	if w.metrics != nil {
		w.metrics.ProviderErrors.WithLabelValues(providerName, string(provider.Classify(err))).Inc()
	}
}

func cancelCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	var ce *chat.Error
	if errors.As(cause, &ce) {
		return cause
	}
	return chat.Wrap(chat.KindCancelled, cause)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
