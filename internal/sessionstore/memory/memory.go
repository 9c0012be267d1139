// Package memory is a process-local session store. State does not survive a
// restart; use the redis store where restart recovery matters.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
	"github.com/tokligence/tokligence-chatstream/internal/sessionstore"
)

const (
	sweepInterval     = time.Minute
	defaultMessageTTL = 24 * time.Hour
)

type idemKey struct{ tenant, key string }

// Options mirror the redis store's expiry settings.
type Options struct {
	// MessageTTL is how long a message record is kept once it is finalized.
	MessageTTL time.Duration
}

// Store keeps everything in maps guarded by one mutex.
type Store struct {
	mu        sync.Mutex
	messages  map[string]chat.Message
	chunks    map[string]map[int64]chat.Chunk
	idem      map[idemKey]chat.IdempotencyRecord
	expires   map[string]time.Time // terminal messages only
	ttl       time.Duration
	lastSweep time.Time
	timers    map[string]*time.Timer
	now       func() time.Time
}

// New returns an empty store. Without options finalized messages are kept
// for a day.
func New(opts ...Options) *Store {
	ttl := defaultMessageTTL
	if len(opts) > 0 && opts[0].MessageTTL > 0 {
		ttl = opts[0].MessageTTL
	}
	return &Store{
		messages: make(map[string]chat.Message),
		chunks:   make(map[string]map[int64]chat.Chunk),
		idem:     make(map[idemKey]chat.IdempotencyRecord),
		expires:  make(map[string]time.Time),
		ttl:      ttl,
		timers:   make(map[string]*time.Timer),
		now:      time.Now,
	}
}

// lookupLocked returns the message unless it is a terminal record past its TTL,
// which it drops.
func (s *Store) lookupLocked(id string, now time.Time) (chat.Message, bool) {
	m, ok := s.messages[id]
	if !ok {
		return chat.Message{}, false
	}
	if at, ok := s.expires[id]; ok && !now.Before(at) {
		s.dropLocked(id)
		return chat.Message{}, false
	}
	return m, true
}

func (s *Store) dropLocked(id string) {
	delete(s.messages, id)
	delete(s.chunks, id)
	delete(s.expires, id)
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

var _ sessionstore.Store = (*Store)(nil)

func (s *Store) CreateMessage(_ context.Context, m chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweepLocked(now)
	if _, ok := s.lookupLocked(m.ID, now); ok {
		return sessionstore.ErrConflict
	}
	s.messages[m.ID] = m
	if m.Status.Terminal() {
		s.expires[m.ID] = now.Add(s.ttl)
	}
	return nil
}

func (s *Store) GetMessage(_ context.Context, id string) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.lookupLocked(id, s.now())
	if !ok {
		return chat.Message{}, sessionstore.ErrNotFound
	}
	return m, nil
}

func (s *Store) Transition(_ context.Context, id string, from, to chat.Status) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.lookupLocked(id, s.now())
	if !ok {
		return chat.Message{}, sessionstore.ErrNotFound
	}
	next, err := sessionstore.Step(m, from, to, s.now())
	if err != nil {
		return m, err
	}
	s.messages[id] = next
	return next, nil
}

func (s *Store) AppendChunk(_ context.Context, id string, c chat.Chunk) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookupLocked(id, s.now()); !ok {
		return false, sessionstore.ErrNotFound
	}
	log := s.chunks[id]
	if log == nil {
		log = make(map[int64]chat.Chunk)
		s.chunks[id] = log
	}
	if _, dup := log[c.Seq]; dup {
		return false, nil
	}
	log[c.Seq] = c
	return true, nil
}

func (s *Store) Chunks(_ context.Context, id string, after int64) ([]chat.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookupLocked(id, s.now()); !ok {
		return nil, sessionstore.ErrNotFound
	}
	out := make([]chat.Chunk, 0, len(s.chunks[id]))
	for seq, c := range s.chunks[id] {
		if seq > after {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) Ack(_ context.Context, id string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.lookupLocked(id, s.now())
	if !ok {
		return sessionstore.ErrNotFound
	}
	if m.Status.Terminal() {
		return sessionstore.ErrTerminal
	}
	if seq > m.LastSeq {
		m.LastSeq = seq
	}
	m.UpdatedAt = s.now()
	s.messages[id] = m
	return nil
}

func (s *Store) Finalize(_ context.Context, id string, f sessionstore.Final) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	m, ok := s.lookupLocked(id, now)
	if !ok {
		return chat.Message{}, sessionstore.ErrNotFound
	}
	next, err := sessionstore.Apply(m, f, now)
	if err != nil {
		return m, err
	}
	s.messages[id] = next
	s.expires[id] = now.Add(s.ttl)
	return next, nil
}

func (s *Store) TruncateChunks(_ context.Context, id string, retention time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	if retention <= 0 {
		delete(s.chunks, id)
		return nil
	}
	s.timers[id] = time.AfterFunc(retention, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.chunks, id)
		delete(s.timers, id)
	})
	return nil
}

func (s *Store) ClaimIdempotency(_ context.Context, rec chat.IdempotencyRecord) (chat.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweepLocked(now)

	k := idemKey{rec.Tenant, rec.Key}
	if existing, ok := s.idem[k]; ok && !existing.Expired(now) {
		return existing, false, nil
	}
	s.idem[k] = rec
	return rec, true, nil
}

func (s *Store) ReleaseIdempotency(_ context.Context, tenant, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.idem, idemKey{tenant, key})
	return nil
}

// sweepLocked garbage-collects expired idempotency records and terminal
// messages at most once per sweepInterval.
func (s *Store) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.lastSweep = now
	for k, rec := range s.idem {
		if rec.Expired(now) {
			delete(s.idem, k)
		}
	}
	for id, at := range s.expires {
		if !now.Before(at) {
			s.dropLocked(id)
		}
	}
}

func (s *Store) ListActive(_ context.Context) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.Message
	for _, m := range s.messages {
		if !m.Status.Terminal() {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	return nil
}
