package delivery

import (
	"context"
	"sync"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
)

// Memory records events in memory. It backs in-process consumers and tests.
type Memory struct {
	mu      sync.Mutex
	events  []chat.Event
	changed chan struct{}
	done    chan struct{}
	closed  bool
	pings   int
	// failAfter > 0 makes Send fail once that many events were accepted,
	// simulating a client that went away.
	failAfter int
}

var (
	_ Channel = (*Memory)(nil)
	_ Pinger  = (*Memory)(nil)
	_ Doner   = (*Memory)(nil)
)

// NewMemory returns an empty channel.
func NewMemory() *Memory {
	return &Memory{changed: make(chan struct{}), done: make(chan struct{})}
}

// FailAfter makes the channel behave as disconnected after n events.
func (m *Memory) FailAfter(n int) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	return m
}

func (m *Memory) Send(ctx context.Context, ev chat.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.failAfter > 0 && len(m.events) >= m.failAfter {
		m.closeLocked()
		return ErrClosed
	}
	m.events = append(m.events, ev)
	close(m.changed)
	m.changed = make(chan struct{})
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.pings++
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
	return nil
}

func (m *Memory) closeLocked() {
	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
	close(m.changed)
	m.changed = make(chan struct{})
}

// Done is closed by Close or a simulated disconnect.
func (m *Memory) Done() <-chan struct{} { return m.done }

// Events returns a copy of everything received so far.
func (m *Memory) Events() []chat.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chat.Event(nil), m.events...)
}

// Pings reports how many keepalives were sent.
func (m *Memory) Pings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pings
}

// Closed reports whether the channel was closed.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Wait blocks until cond holds for the received events, the channel closes
// (cond is checked one last time) or ctx is done.
func (m *Memory) Wait(ctx context.Context, cond func([]chat.Event) bool) bool {
	for {
		m.mu.Lock()
		ok := cond(m.events)
		closed := m.closed
		changed := m.changed
		m.mu.Unlock()
		if ok {
			return true
		}
		if closed {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-changed:
		}
	}
}
