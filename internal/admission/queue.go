// Package admission bounds concurrent generations per tenant and per worker
// class. Submit never blocks: a request is dispatched at once, queued behind a
// bounded per-class FIFO, or rejected with TenantQuotaExceeded.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
	"github.com/tokligence/tokligence-chatstream/internal/logging"
)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("admission: queue closed")

// Request is one generation waiting for a worker slot.
type Request struct {
	ID         string // message id
	Tenant     string
	Class      string
	EnqueuedAt time.Time
	Deadline   time.Time
}

// Handler runs an admitted request. The slot is released when it returns.
type Handler func(ctx context.Context, req *Request)

// ExpireFunc is told about requests that waited past their class MaxWait.
type ExpireFunc func(req *Request)

// Observer receives admission decisions, typically for metrics.
type Observer interface {
	Admitted(class string, queued bool)
	Rejected(class, reason string)
	Expired(class string)
	Depth(class string, queued, running int)
}

type nopObserver struct{}

func (nopObserver) Admitted(string, bool)     {}
func (nopObserver) Rejected(string, string)   {}
func (nopObserver) Expired(string)            {}
func (nopObserver) Depth(string, int, int)    {}

type classState struct {
	cfg     ClassConfig
	queue   []*Request
	running int
	tenants map[string]int // queued + running per tenant

	submitted, dispatched, rejected, expired uint64
}

// Queue is the admission queue.
type Queue struct {
	cfg      Config
	policy   Policy
	handler  Handler
	onExpire ExpireFunc
	observer Observer
	log      *logging.Logger

	mu      sync.Mutex
	classes map[string]*classState
	closed  bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // dispatcher loop
	jobs   sync.WaitGroup // running handlers
}

// Option customizes a Queue.
type Option func(*Queue)

func WithPolicy(p Policy) Option         { return func(q *Queue) { q.policy = p } }
func WithObserver(o Observer) Option     { return func(q *Queue) { q.observer = o } }
func WithExpireFunc(f ExpireFunc) Option { return func(q *Queue) { q.onExpire = f } }
func WithLogger(l *logging.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// New validates cfg and starts the dispatcher loop.
func New(cfg Config, handler Handler, opts ...Option) (*Queue, error) {
	if handler == nil {
		return nil, fmt.Errorf("admission: nil handler")
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:      cfg,
		policy:   FIFO{},
		handler:  handler,
		onExpire: func(*Request) {},
		observer: nopObserver{},
		classes:  make(map[string]*classState, len(cfg.Classes)),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(q)
	}
	q.log = logging.OrNop(q.log).With("component", "admission")
	for _, cl := range cfg.Classes {
		q.classes[cl.Name] = &classState{cfg: cl, tenants: make(map[string]int)}
	}

	q.wg.Add(1)
	go q.loop()
	q.log.Info("Queue: initialized", "classes", len(cfg.Classes), "policy", q.policy.Name(), "tenant_ceiling", cfg.TenantCeiling)
	return q, nil
}

// ResolveClass maps an empty or unknown class to the default class.
func (q *Queue) ResolveClass(class string) string {
	if _, ok := q.classes[class]; ok {
		return class
	}
	return q.cfg.DefaultClass
}

func (q *Queue) ceiling(tenant string) int {
	if c, ok := q.cfg.TenantCeilings[tenant]; ok && c > 0 {
		return c
	}
	return q.cfg.TenantCeiling
}

// Submit admits req or rejects it immediately. On success queued reports
// whether the request is waiting rather than already running.
func (q *Queue) Submit(req *Request) (queued bool, err error) {
	if req == nil || req.ID == "" || req.Tenant == "" {
		return false, chat.Errorf(chat.KindInvalidRequest, "admission request needs id and tenant")
	}
	req.Class = q.ResolveClass(req.Class)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, ErrClosed
	}
	cs := q.classes[req.Class]
	cs.submitted++

	if cs.tenants[req.Tenant] >= q.ceiling(req.Tenant) {
		cs.rejected++
		q.mu.Unlock()
		q.observer.Rejected(req.Class, "tenant_ceiling")
		q.log.Warn("Queue.Submit: tenant ceiling reached", "message_id", req.ID, "tenant", req.Tenant, "class", req.Class)
		return false, chat.Errorf(chat.KindTenantQuotaExceeded, "tenant %s at ceiling %d for class %s", req.Tenant, q.ceiling(req.Tenant), req.Class)
	}

	now := time.Now()
	req.EnqueuedAt = now
	if cs.running < cs.cfg.MaxConcurrent && len(cs.queue) == 0 {
		cs.tenants[req.Tenant]++
		q.startLocked(cs, req)
		q.mu.Unlock()
		q.observer.Admitted(req.Class, false)
		return false, nil
	}

	if len(cs.queue) >= cs.cfg.MaxQueueDepth {
		cs.rejected++
		depth := len(cs.queue)
		q.mu.Unlock()
		q.observer.Rejected(req.Class, "queue_full")
		q.log.Warn("Queue.Submit: class queue full", "message_id", req.ID, "class", req.Class, "depth", depth)
		return false, chat.Errorf(chat.KindTenantQuotaExceeded, "class %s queue full (%d)", req.Class, depth)
	}

	req.Deadline = now.Add(cs.cfg.MaxWait)
	cs.tenants[req.Tenant]++
	cs.queue = append(cs.queue, req)
	q.reportLocked(cs)
	q.mu.Unlock()

	q.observer.Admitted(req.Class, true)
	q.log.Debug("Queue.Submit: queued", "message_id", req.ID, "class", req.Class, "deadline", req.Deadline)
	q.signal()
	return true, nil
}

// startLocked runs req on a new goroutine. mu must be held.
func (q *Queue) startLocked(cs *classState, req *Request) {
	cs.running++
	cs.dispatched++
	q.reportLocked(cs)
	q.jobs.Add(1)
	go func() {
		defer q.jobs.Done()
		defer q.release(req)
		q.handler(q.ctx, req)
	}()
}

func (q *Queue) release(req *Request) {
	q.mu.Lock()
	cs := q.classes[req.Class]
	cs.running--
	if n := cs.tenants[req.Tenant] - 1; n > 0 {
		cs.tenants[req.Tenant] = n
	} else {
		delete(cs.tenants, req.Tenant)
	}
	q.reportLocked(cs)
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) reportLocked(cs *classState) {
	q.observer.Depth(cs.cfg.Name, len(cs.queue), cs.running)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) loop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
		q.expire()
		q.dispatch()
	}
}

func (q *Queue) dispatch() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	for _, cs := range q.classes {
		for cs.running < cs.cfg.MaxConcurrent && len(cs.queue) > 0 {
			i := q.policy.Next(cs.cfg.Name, cs.queue)
			if i < 0 || i >= len(cs.queue) {
				i = 0
			}
			req := cs.queue[i]
			cs.queue = append(cs.queue[:i], cs.queue[i+1:]...)
			q.log.Debug("Queue.dispatch: dispatching", "message_id", req.ID, "class", cs.cfg.Name, "waited", time.Since(req.EnqueuedAt))
			q.startLocked(cs, req)
		}
	}
}

func (q *Queue) expire() {
	now := time.Now()
	var dead []*Request
	q.mu.Lock()
	for _, cs := range q.classes {
		kept := cs.queue[:0]
		for _, req := range cs.queue {
			if now.After(req.Deadline) {
				dead = append(dead, req)
				cs.expired++
				q.dropTenantLocked(cs, req.Tenant)
				continue
			}
			kept = append(kept, req)
		}
		for i := len(kept); i < len(cs.queue); i++ {
			cs.queue[i] = nil
		}
		cs.queue = kept
		if len(dead) > 0 {
			q.reportLocked(cs)
		}
	}
	q.mu.Unlock()

	for _, req := range dead {
		q.observer.Expired(req.Class)
		q.log.Warn("Queue.expire: request waited past max wait", "message_id", req.ID, "class", req.Class, "waited", now.Sub(req.EnqueuedAt))
		q.onExpire(req)
	}
}

func (q *Queue) dropTenantLocked(cs *classState, tenant string) {
	if n := cs.tenants[tenant] - 1; n > 0 {
		cs.tenants[tenant] = n
	} else {
		delete(cs.tenants, tenant)
	}
}

// Cancel removes a queued request. It returns false when the request is not
// queued (unknown, or already running).
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, cs := range q.classes {
		for i, req := range cs.queue {
			if req.ID == id {
				cs.queue = append(cs.queue[:i], cs.queue[i+1:]...)
				q.dropTenantLocked(cs, req.Tenant)
				q.reportLocked(cs)
				return true
			}
		}
	}
	return false
}

// ClassStats is a point-in-time view of one class.
type ClassStats struct {
	Class         string `json:"class"`
	Queued        int    `json:"queued"`
	Running       int    `json:"running"`
	MaxConcurrent int    `json:"max_concurrent"`
	MaxQueueDepth int    `json:"max_queue_depth"`
	MaxWait       string `json:"max_wait"`
	Submitted     uint64 `json:"submitted"`
	Dispatched    uint64 `json:"dispatched"`
	Rejected      uint64 `json:"rejected"`
	Expired       uint64 `json:"expired"`
}

// Stats reports every class, in configuration order.
func (q *Queue) Stats() []ClassStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ClassStats, 0, len(q.cfg.Classes))
	for _, cl := range q.cfg.Classes {
		cs := q.classes[cl.Name]
		out = append(out, ClassStats{
			Class:         cl.Name,
			Queued:        len(cs.queue),
			Running:       cs.running,
			MaxConcurrent: cl.MaxConcurrent,
			MaxQueueDepth: cl.MaxQueueDepth,
			MaxWait:       cl.MaxWait.String(),
			Submitted:     cs.submitted,
			Dispatched:    cs.dispatched,
			Rejected:      cs.rejected,
			Expired:       cs.expired,
		})
	}
	return out
}

// Shutdown stops admitting, returns the requests still queued (they will never
// run) and waits for running handlers until ctx is done.
func (q *Queue) Shutdown(ctx context.Context) ([]*Request, error) {
	q.mu.Lock()
	q.closed = true
	var drained []*Request
	for _, cs := range q.classes {
		for _, req := range cs.queue {
			q.dropTenantLocked(cs, req.Tenant)
		}
		drained = append(drained, cs.queue...)
		cs.queue = nil
		q.reportLocked(cs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.jobs.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	q.cancel()
	q.wg.Wait()
	q.log.Info("Queue.Shutdown: stopped", "drained", len(drained))
	return drained, err
}
