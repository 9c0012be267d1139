// Package coordinator is the streaming session protocol core. It owns the
// message lifecycle (pending -> streaming -> completed | partial | errored),
// idempotent intake, admission, fan-out of worker output to any number of
// delivery channels, resume, finalization and restart recovery.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tokligence/tokligence-chatstream/internal/admission"
	"github.com/tokligence/tokligence-chatstream/internal/chat"
	"github.com/tokligence/tokligence-chatstream/internal/logging"
	"github.com/tokligence/tokligence-chatstream/internal/metrics"
	"github.com/tokligence/tokligence-chatstream/internal/moderation"
	"github.com/tokligence/tokligence-chatstream/internal/persistence"
	"github.com/tokligence/tokligence-chatstream/internal/provider"
	"github.com/tokligence/tokligence-chatstream/internal/sessionstore"
	"github.com/tokligence/tokligence-chatstream/internal/tokens"
	"github.com/tokligence/tokligence-chatstream/internal/tracing"
	"github.com/tokligence/tokligence-chatstream/internal/worker"
)

// MaxContentBytes bounds the content accepted by Intake.
const MaxContentBytes = 256 << 10

var errAlreadyFinal = errors.New("coordinator: message already finalized")

// Moderator is the content policy collaborator.
type Moderator interface {
	CheckInput(ctx context.Context, tenant, content string) (moderation.Result, error)
	CheckOutput(ctx context.Context, messageID, delta string) (moderation.Result, error)
}

// Config holds protocol tunables.
type Config struct {
	// MaxBufferedChunks bounds the replayable log per message; older chunks
	// fold into a snapshot.
	MaxBufferedChunks int
	IdempotencyTTL    time.Duration
	// RecoveryGrace is how long a message found streaming at start waits for
	// its worker to re-attach.
	RecoveryGrace time.Duration
	// ShutdownGrace is how long Shutdown lets running generations finish.
	ShutdownGrace     time.Duration
	HeartbeatInterval time.Duration
	// ChunkRetention delays chunk log truncation after persistence.
	ChunkRetention time.Duration
	// SessionLinger keeps a finalized session in memory so that late
	// subscribers can still replay its chunks.
	SessionLinger time.Duration
	// HistoryTurns is how many earlier finalized turns of the conversation
	// are sent to the provider.
	HistoryTurns int
	// DefaultModel is used when an intake names no model.
	DefaultModel string
	Worker       worker.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxBufferedChunks: 4096,
		IdempotencyTTL:    24 * time.Hour,
		RecoveryGrace:     30 * time.Second,
		ShutdownGrace:     10 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		SessionLinger:     time.Minute,
		HistoryTurns:      10,
		Worker:            worker.Config{MaxAttempts: 2, RetryDelay: 250 * time.Millisecond},
	}
}

// Deps are the collaborators. Store and Strategy are required.
type Deps struct {
	Store       sessionstore.Store
	Persistence persistence.Store
	Strategy    provider.Strategy
	Classes     provider.ClassPolicy
	Moderator   Moderator
	Tokens      *tokens.Counter
	Metrics     *metrics.Metrics
	Logger      *logging.Logger
	Admission   admission.Config
	Policy      admission.Policy
}

// Coordinator is the process-wide protocol state: empty on construction,
// drained by Shutdown.
type Coordinator struct {
	cfg     Config
	store   sessionstore.Store
	persist persistence.Store
	classes provider.ClassPolicy
	mod     Moderator
	tokens  *tokens.Counter
	metrics *metrics.Metrics
	log     *logging.Logger
	tracer  trace.Tracer
	queue   *admission.Queue
	worker  *worker.Worker
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session

	started atomic.Bool
	closing atomic.Bool
	ctx     context.Context // cancelled by Shutdown; parents every pump
	stop    context.CancelFunc
	bg      sync.WaitGroup // recovery sweep and pumps
}

// New wires a Coordinator and starts its admission queue.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Store == nil {
		return nil, errors.New("coordinator: session store required")
	}
	if deps.Strategy == nil {
		return nil, errors.New("coordinator: provider strategy required")
	}
	def := DefaultConfig()
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = def.IdempotencyTTL
	}
	if cfg.RecoveryGrace <= 0 {
		cfg.RecoveryGrace = def.RecoveryGrace
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}
	if cfg.SessionLinger <= 0 {
		cfg.SessionLinger = def.SessionLinger
	}
	if cfg.HistoryTurns < 0 {
		cfg.HistoryTurns = 0
	}

	ctx, stop := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:      cfg,
		store:    deps.Store,
		persist:  deps.Persistence,
		classes:  deps.Classes,
		mod:      deps.Moderator,
		tokens:   deps.Tokens,
		metrics:  deps.Metrics,
		log:      logging.OrNop(deps.Logger).With("component", "coordinator"),
		tracer:   tracing.Tracer("coordinator"),
		now:      time.Now,
		sessions: make(map[string]*session),
		ctx:      ctx,
		stop:     stop,
	}
	if c.persist == nil {
		c.persist = persistence.Nop{}
	}
	if c.classes == nil {
		c.classes = provider.FixedClass("")
	}
	if c.tokens == nil {
		c.tokens = tokens.New("", deps.Logger)
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}

	w, err := worker.New(deps.Strategy, c, cfg.Worker, worker.WithLogger(deps.Logger), worker.WithMetrics(c.metrics))
	if err != nil {
		stop()
		return nil, err
	}
	c.worker = w

	acfg := deps.Admission
	if len(acfg.Classes) == 0 {
		acfg = admission.DefaultConfig()
	}
	opts := []admission.Option{
		admission.WithObserver(c.metrics),
		admission.WithExpireFunc(c.onExpire),
		admission.WithLogger(deps.Logger),
	}
	if deps.Policy != nil {
		opts = append(opts, admission.WithPolicy(deps.Policy))
	}
	q, err := admission.New(acfg, c.dispatch, opts...)
	if err != nil {
		stop()
		return nil, err
	}
	c.queue = q
	return c, nil
}

// IntakeRequest is one user turn asking for a generated reply.
type IntakeRequest struct {
	Tenant         string
	ConversationID string
	Content        string
	IdempotencyKey string
	Model          string
	Role           chat.Role // defaults to user
	MaxTokens      int
}

// IntakeResult describes the message serving an intake. Duplicate is set when
// an earlier intake with the same idempotency key is returned instead of a new
// generation; Message is then filled when that message is already terminal.
type IntakeResult struct {
	MessageID string        `json:"message_id"`
	Status    chat.Status   `json:"status"`
	Duplicate bool          `json:"duplicate"`
	Queued    bool          `json:"queued"`
	Message   *chat.Message `json:"message,omitempty"`
}

func (r IntakeRequest) validate() error {
	switch {
	case strings.TrimSpace(r.Tenant) == "":
		return chat.Errorf(chat.KindInvalidRequest, "tenant is required")
	case strings.TrimSpace(r.ConversationID) == "":
		return chat.Errorf(chat.KindInvalidRequest, "conversation id is required")
	case strings.TrimSpace(r.Content) == "":
		return chat.Errorf(chat.KindInvalidRequest, "content is required")
	case len(r.Content) > MaxContentBytes:
		return chat.Errorf(chat.KindInvalidRequest, "content exceeds %d bytes", MaxContentBytes)
	case len(r.IdempotencyKey) > 255:
		return chat.Errorf(chat.KindInvalidRequest, "idempotency key exceeds 255 bytes")
	case r.Role != "" && (!r.Role.Valid() || r.Role == chat.RoleAssistant):
		return chat.Errorf(chat.KindInvalidRequest, "role %q cannot start a generation", r.Role)
	case r.MaxTokens < 0:
		return chat.Errorf(chat.KindInvalidRequest, "max_tokens must not be negative")
	}
	return nil
}

// Intake accepts a user turn and schedules its reply.
func (c *Coordinator) Intake(ctx context.Context, req IntakeRequest) (res IntakeResult, err error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.intake", trace.WithAttributes(
		attribute.String("chatstream.tenant", req.Tenant),
		attribute.String("chatstream.conversation_id", req.ConversationID),
	))
	defer func() {
		span.SetAttributes(attribute.String("chatstream.message_id", res.MessageID), attribute.Bool("chatstream.duplicate", res.Duplicate))
		tracing.Fail(span, err)
		span.End()
		c.countIntake(res, err)
	}()

	if err := req.validate(); err != nil {
		return IntakeResult{}, err
	}
	if c.closing.Load() {
		return IntakeResult{}, chat.Errorf(chat.KindShutdownAborted, "coordinator is shutting down")
	}
	if req.Role == "" {
		req.Role = chat.RoleUser
	}
	if strings.TrimSpace(req.Model) == "" {
		req.Model = c.cfg.DefaultModel
	}

	prompt := req.Content
	if c.mod != nil {
		verdict, err := c.mod.CheckInput(ctx, req.Tenant, req.Content)
		if err != nil {
			return IntakeResult{}, chat.Wrap(chat.KindInternal, fmt.Errorf("input moderation: %w", err))
		}
		switch verdict.Verdict {
		case moderation.Block:
			return IntakeResult{}, chat.Errorf(chat.KindPolicyBlocked, "input rejected: %s", verdict.Reason)
		case moderation.Redact:
			prompt = verdict.Content
		}
	}

	now := c.now()
	id := chat.NewMessageID()
	if req.IdempotencyKey != "" {
		existing, claimed, err := c.store.ClaimIdempotency(ctx, chat.IdempotencyRecord{
			Tenant:    req.Tenant,
			Key:       req.IdempotencyKey,
			MessageID: id,
			CreatedAt: now,
			ExpiresAt: now.Add(c.cfg.IdempotencyTTL),
		})
		if err != nil {
			return IntakeResult{}, chat.Wrap(chat.KindInternal, fmt.Errorf("claim idempotency key: %w", err))
		}
		if !claimed {
			return c.duplicate(ctx, existing)
		}
	}

	msg := chat.Message{
		ID:             id,
		ConversationID: req.ConversationID,
		Tenant:         req.Tenant,
		Role:           chat.RoleAssistant,
		Status:         chat.StatusPending,
		Prompt:         prompt,
		Model:          req.Model,
		LastSeq:        chat.NoSeq,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	preq := provider.Request{
		MessageID: id,
		Tenant:    req.Tenant,
		Model:     req.Model,
		Messages:  append(c.history(ctx, req.ConversationID), provider.Message{Role: req.Role, Content: prompt}),
		MaxTokens: req.MaxTokens,
	}
	msg.Class = c.queue.ResolveClass(c.classes.SelectWorkerClass(preq))

	if err := c.store.CreateMessage(ctx, msg); err != nil {
		c.releaseKey(req)
		return IntakeResult{}, chat.Wrap(chat.KindInternal, fmt.Errorf("create message: %w", err))
	}
	s := newSession(msg, preq, c.cfg.MaxBufferedChunks)
	c.register(s)

	queued, err := c.queue.Submit(&admission.Request{ID: id, Tenant: req.Tenant, Class: msg.Class})
	if err != nil {
		if errors.Is(err, admission.ErrClosed) {
			err = chat.Errorf(chat.KindShutdownAborted, "coordinator is shutting down")
		}
		// A rejected request never ran: free the key so the client can retry it.
		c.releaseKey(req)
		c.finish(context.WithoutCancel(ctx), s, chat.Failed(err), false)
		return IntakeResult{MessageID: id}, err
	}
	c.log.Debug("Coordinator.Intake: accepted", "message_id", id, "tenant", req.Tenant, "class", msg.Class, "queued", queued)
	return IntakeResult{MessageID: id, Status: chat.StatusPending, Queued: queued}, nil
}

// duplicate answers an intake whose idempotency key was already claimed.
func (c *Coordinator) duplicate(ctx context.Context, rec chat.IdempotencyRecord) (IntakeResult, error) {
	res := IntakeResult{MessageID: rec.MessageID, Status: chat.StatusPending, Duplicate: true}
	m, err := c.GetMessage(ctx, rec.MessageID)
	switch {
	case errors.Is(err, chat.ErrNotFound):
		// The first intake claimed the key and is still creating the message.
		return res, nil
	case err != nil:
		return IntakeResult{}, err
	}
	res.Status = m.Status
	if m.Status.Terminal() {
		res.Message = &m
	}
	c.log.Debug("Coordinator.Intake: duplicate suppressed", "message_id", rec.MessageID, "tenant", rec.Tenant, "status", m.Status)
	return res, nil
}

func (c *Coordinator) releaseKey(req IntakeRequest) {
	if req.IdempotencyKey == "" {
		return
	}
	if err := c.store.ReleaseIdempotency(context.Background(), req.Tenant, req.IdempotencyKey); err != nil {
		c.log.Warn("Coordinator: release idempotency key failed", "tenant", req.Tenant, "error", err)
	}
}

// history returns earlier completed turns of the conversation, oldest first.
func (c *Coordinator) history(ctx context.Context, conversationID string) []provider.Message {
	if c.cfg.HistoryTurns == 0 {
		return nil
	}
	msgs, err := c.persist.ListConversation(ctx, conversationID, c.cfg.HistoryTurns)
	if err != nil {
		c.log.Warn("Coordinator: load history failed", "conversation_id", conversationID, "error", err)
		return nil
	}
	out := make([]provider.Message, 0, 2*len(msgs))
	for _, m := range msgs {
		if m.Status != chat.StatusCompleted {
			continue
		}
		out = append(out,
			provider.Message{Role: chat.RoleUser, Content: m.Prompt},
			provider.Message{Role: chat.RoleAssistant, Content: m.Content})
	}
	return out
}

func (c *Coordinator) countIntake(res IntakeResult, err error) {
	result := "created"
	switch {
	case err != nil:
		result = string(chat.KindOf(err))
	case res.Duplicate:
		result = "duplicate"
	}
	c.metrics.Intake.WithLabelValues(result).Inc()
}

func (c *Coordinator) register(s *session) {
	c.mu.Lock()
	c.sessions[s.id] = s
	n := len(c.sessions)
	c.mu.Unlock()
	c.log.Debug("Coordinator: session registered", "message_id", s.id, "sessions", n)
	c.metrics.ActiveSessions.Inc()
}

func (c *Coordinator) session(id string) *session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[id]
}

func (c *Coordinator) forget(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

// GetMessage returns the current state of a message from the session store,
// falling back to persistence once the store no longer holds it. A message
// still generating carries the content streamed so far.
func (c *Coordinator) GetMessage(ctx context.Context, id string) (chat.Message, error) {
	m, err := c.store.GetMessage(ctx, id)
	if err == nil {
		if s := c.session(id); s != nil && !m.Status.Terminal() {
			m.Content = s.buf.Content()
		}
		return m, nil
	}
	if !errors.Is(err, sessionstore.ErrNotFound) {
		return chat.Message{}, chat.Wrap(chat.KindInternal, err)
	}
	m, err = c.persist.LoadMessage(ctx, id)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return chat.Message{}, chat.Errorf(chat.KindNotFound, "message %s not found", id)
	case err != nil:
		return chat.Message{}, chat.Wrap(chat.KindInternal, err)
	}
	return m, nil
}

// AdmissionStats reports the admission queue per class.
func (c *Coordinator) AdmissionStats() []admission.ClassStats {
	return c.queue.Stats()
}

// ActiveSessions is the number of sessions held in memory.
func (c *Coordinator) ActiveSessions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}
