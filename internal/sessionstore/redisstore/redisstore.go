// Package redisstore is the session store used in production. Message records and
// chunk logs live in Redis so a restarted coordinator can rehydrate them.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
	"github.com/tokligence/tokligence-chatstream/internal/sessionstore"
)

const (
	defaultPrefix     = "chatstream"
	defaultMessageTTL = 24 * time.Hour
	maxCASAttempts    = 8
)

// Options tune key naming and expiry.
type Options struct {
	// KeyPrefix namespaces every key. Default "chatstream".
	KeyPrefix string
	// MessageTTL is applied to a message record once it is finalized.
	MessageTTL time.Duration
}

const (
	ackOK = iota
	ackMissing
	ackTerminal
)

// ackScript raises last_seq monotonically and stamps updated_at on the lease
// hash of a message that is still in the active index.
var ackScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 1 end
if redis.call('SISMEMBER', KEYS[3], ARGV[3]) == 0 then return 2 end
local cur = tonumber(redis.call('HGET', KEYS[2], 'last_seq') or '-1')
if tonumber(ARGV[1]) > cur then
  redis.call('HSET', KEYS[2], 'last_seq', ARGV[1])
end
redis.call('HSET', KEYS[2], 'updated_at', ARGV[2])
return 0
`)

// Store implements sessionstore.Store on a go-redis client.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

var _ sessionstore.Store = (*Store)(nil)

// New wraps an existing client.
func New(client *redis.Client, opts Options) *Store {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = defaultPrefix
	}
	if opts.MessageTTL <= 0 {
		opts.MessageTTL = defaultMessageTTL
	}
	return &Store{client: client, prefix: opts.KeyPrefix, ttl: opts.MessageTTL, now: time.Now}
}

func (s *Store) messageKey(id string) string { return fmt.Sprintf("%s:msg:%s", s.prefix, id) }
func (s *Store) chunksKey(id string) string  { return fmt.Sprintf("%s:msg:%s:chunks", s.prefix, id) }
func (s *Store) leaseKey(id string) string   { return fmt.Sprintf("%s:msg:%s:lease", s.prefix, id) }
func (s *Store) activeKey() string           { return s.prefix + ":active" }
func (s *Store) idemKey(tenant, key string) string {
	return fmt.Sprintf("%s:idem:%s:%s", s.prefix, tenant, key)
}

func (s *Store) CreateMessage(ctx context.Context, m chat.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.messageKey(m.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	if !ok {
		return sessionstore.ErrConflict
	}
	if !m.Status.Terminal() {
		if err := s.client.SAdd(ctx, s.activeKey(), m.ID).Err(); err != nil {
			return fmt.Errorf("index active message: %w", err)
		}
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (chat.Message, error) {
	return s.load(ctx, s.client, id)
}

// reader is satisfied by both *redis.Client and *redis.Tx.
type reader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
}

func (s *Store) load(ctx context.Context, c reader, id string) (chat.Message, error) {
	data, err := c.Get(ctx, s.messageKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return chat.Message{}, sessionstore.ErrNotFound
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("get message: %w", err)
	}
	var m chat.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return chat.Message{}, fmt.Errorf("decode message %s: %w", id, err)
	}
	if m.Status.Terminal() {
		return m, nil
	}
	lease, err := c.HMGet(ctx, s.leaseKey(id), "last_seq", "updated_at").Result()
	if err != nil {
		return chat.Message{}, fmt.Errorf("get lease: %w", err)
	}
	return withLease(m, lease), nil
}

// withLease folds the lease hash written by Ack into m. Fields missing from
// the hash leave m unchanged.
func withLease(m chat.Message, lease []any) chat.Message {
	if len(lease) != 2 {
		return m
	}
	if raw, ok := lease[0].(string); ok {
		if seq, err := strconv.ParseInt(raw, 10, 64); err == nil && seq > m.LastSeq {
			m.LastSeq = seq
		}
	}
	if raw, ok := lease[1].(string); ok {
		if ns, err := strconv.ParseInt(raw, 10, 64); err == nil {
			if at := time.Unix(0, ns).UTC(); at.After(m.UpdatedAt) {
				m.UpdatedAt = at
			}
		}
	}
	return m
}

// update runs mutate under WATCH on the message key and writes the result.
// Terminal results drop the message from the active index and its lease, and
// start its TTL.
func (s *Store) update(ctx context.Context, id string, mutate func(chat.Message) (chat.Message, error)) (chat.Message, error) {
	key := s.messageKey(id)
	var out chat.Message
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			m, err := s.load(ctx, tx, id)
			if err != nil {
				return err
			}
			next, err := mutate(m)
			if err != nil {
				out = m
				return err
			}
			data, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("marshal message: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				if next.Status.Terminal() {
					p.Set(ctx, key, data, s.ttl)
					p.SRem(ctx, s.activeKey(), id)
					p.Del(ctx, s.leaseKey(id))
				} else {
					p.Set(ctx, key, data, redis.KeepTTL)
				}
				return nil
			})
			if err == nil {
				out = next
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return out, fmt.Errorf("update message %s: %w", id, sessionstore.ErrConflict)
}

func (s *Store) Transition(ctx context.Context, id string, from, to chat.Status) (chat.Message, error) {
	return s.update(ctx, id, func(m chat.Message) (chat.Message, error) {
		return sessionstore.Step(m, from, to, s.now())
	})
}

func (s *Store) AppendChunk(ctx context.Context, id string, c chat.Chunk) (bool, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return false, fmt.Errorf("marshal chunk: %w", err)
	}
	ok, err := s.client.HSetNX(ctx, s.chunksKey(id), strconv.FormatInt(c.Seq, 10), data).Result()
	if err != nil {
		return false, fmt.Errorf("append chunk: %w", err)
	}
	return ok, nil
}

func (s *Store) Chunks(ctx context.Context, id string, after int64) ([]chat.Chunk, error) {
	fields, err := s.client.HGetAll(ctx, s.chunksKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("read chunks: %w", err)
	}
	out := make([]chat.Chunk, 0, len(fields))
	for field, raw := range fields {
		seq, err := strconv.ParseInt(field, 10, 64)
		if err != nil || seq <= after {
			continue
		}
		var c chat.Chunk
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("decode chunk %s/%d: %w", id, seq, err)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Ack writes the lease hash only; the message record is left alone so the
// per-chunk path never rewrites it.
func (s *Store) Ack(ctx context.Context, id string, seq int64) error {
	keys := []string{s.messageKey(id), s.leaseKey(id), s.activeKey()}
	res, err := ackScript.Run(ctx, s.client, keys, seq, s.now().UnixNano(), id).Int()
	if err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	switch res {
	case ackOK:
		return nil
	case ackMissing:
		return sessionstore.ErrNotFound
	case ackTerminal:
		return sessionstore.ErrTerminal
	}
	return fmt.Errorf("ack %s: unexpected reply %d", id, res)
}

func (s *Store) Finalize(ctx context.Context, id string, f sessionstore.Final) (chat.Message, error) {
	return s.update(ctx, id, func(m chat.Message) (chat.Message, error) {
		return sessionstore.Apply(m, f, s.now())
	})
}

func (s *Store) TruncateChunks(ctx context.Context, id string, retention time.Duration) error {
	if retention <= 0 {
		return s.client.Del(ctx, s.chunksKey(id)).Err()
	}
	return s.client.Expire(ctx, s.chunksKey(id), retention).Err()
}

func (s *Store) ClaimIdempotency(ctx context.Context, rec chat.IdempotencyRecord) (chat.IdempotencyRecord, bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return rec, false, fmt.Errorf("marshal idempotency record: %w", err)
	}
	ttl := time.Until(rec.ExpiresAt)
	if rec.ExpiresAt.IsZero() {
		ttl = 0
	} else if ttl <= 0 {
		return rec, false, fmt.Errorf("idempotency record for %s already expired", rec.Key)
	}
	key := s.idemKey(rec.Tenant, rec.Key)

	// The record can expire between SETNX and GET; one retry covers that window.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
		if err != nil {
			return rec, false, fmt.Errorf("claim idempotency key: %w", err)
		}
		if ok {
			return rec, true, nil
		}
		raw, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return rec, false, fmt.Errorf("read idempotency key: %w", err)
		}
		var existing chat.IdempotencyRecord
		if err := json.Unmarshal(raw, &existing); err != nil {
			return rec, false, fmt.Errorf("decode idempotency record: %w", err)
		}
		return existing, false, nil
	}
	return rec, false, fmt.Errorf("claim idempotency key %s: %w", rec.Key, sessionstore.ErrConflict)
}

func (s *Store) ReleaseIdempotency(ctx context.Context, tenant, key string) error {
	return s.client.Del(ctx, s.idemKey(tenant, key)).Err()
}

func (s *Store) ListActive(ctx context.Context) ([]chat.Message, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.messageKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load active: %w", err)
	}
	leases := make([]*redis.SliceCmd, len(ids))
	pipe := s.client.Pipeline()
	for i, id := range ids {
		leases[i] = pipe.HMGet(ctx, s.leaseKey(id), "last_seq", "updated_at")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load leases: %w", err)
	}
	out := make([]chat.Message, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Index entry without a record: expired or never written.
			s.client.SRem(ctx, s.activeKey(), ids[i])
			continue
		}
		var m chat.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", ids[i], err)
		}
		if !m.Status.Terminal() {
			out = append(out, withLease(m, leases[i].Val()))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *Store) Close() error { return s.client.Close() }
