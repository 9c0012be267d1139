package memory

import (
	"context"
	"testing"
	"time"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
	"github.com/tokligence/tokligence-chatstream/internal/sessionstore"
	"github.com/tokligence/tokligence-chatstream/internal/sessionstore/storetest"
)

func TestMemoryStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) sessionstore.Store {
		s := New()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMemoryStoreExpiry(t *testing.T) {
	storetest.RunExpiry(t, func(t *testing.T, ttl time.Duration) sessionstore.Store {
		s := New(Options{MessageTTL: ttl})
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSweepDropsExpiredMessages(t *testing.T) {
	s := New(Options{MessageTTL: time.Second})
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	s.CreateMessage(ctx, chat.Message{ID: "m1", Status: chat.StatusStreaming})
	s.AppendChunk(ctx, "m1", chat.Chunk{Seq: 0, Delta: "x"})
	s.CreateMessage(ctx, chat.Message{ID: "m2", Status: chat.StatusStreaming})
	if _, err := s.Finalize(ctx, "m1", sessionstore.Final{Status: chat.StatusCompleted, Content: "x"}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	now = now.Add(2 * sweepInterval)
	s.ClaimIdempotency(ctx, chat.IdempotencyRecord{Tenant: "t", Key: "k", ExpiresAt: now.Add(time.Hour)})
	if _, ok := s.messages["m1"]; ok {
		t.Fatalf("finalized message should be swept")
	}
	if _, ok := s.chunks["m1"]; ok {
		t.Fatalf("chunk log of a swept message should be dropped")
	}
	if _, ok := s.messages["m2"]; !ok {
		t.Fatalf("active message must survive the sweep")
	}
}

func TestExpiredIdempotencyRecordCanBeReclaimed(t *testing.T) {
	s := New()
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	first := chat.IdempotencyRecord{Tenant: "t", Key: "k", MessageID: "m1", ExpiresAt: now.Add(time.Second)}
	if _, claimed, _ := s.ClaimIdempotency(ctx, first); !claimed {
		t.Fatalf("first claim should win")
	}

	now = now.Add(2 * time.Second)
	second := chat.IdempotencyRecord{Tenant: "t", Key: "k", MessageID: "m2", ExpiresAt: now.Add(time.Second)}
	got, claimed, err := s.ClaimIdempotency(ctx, second)
	if err != nil || !claimed || got.MessageID != "m2" {
		t.Fatalf("expired record should be replaced: got=%+v claimed=%v err=%v", got, claimed, err)
	}
}

func TestSweepDropsExpiredRecords(t *testing.T) {
	s := New()
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		s.ClaimIdempotency(ctx, chat.IdempotencyRecord{Tenant: "t", Key: key, ExpiresAt: now.Add(time.Second)})
	}
	now = now.Add(2 * sweepInterval)
	s.ClaimIdempotency(ctx, chat.IdempotencyRecord{Tenant: "t", Key: "d", ExpiresAt: now.Add(time.Hour)})
	if len(s.idem) != 1 {
		t.Fatalf("expected only the fresh record to survive, have %d", len(s.idem))
	}
}

func TestTruncateWithRetention(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()
	m := chat.Message{ID: "m1", Status: chat.StatusStreaming}
	s.CreateMessage(ctx, m)
	s.AppendChunk(ctx, "m1", chat.Chunk{Seq: 0, Delta: "x"})

	if err := s.TruncateChunks(ctx, "m1", 20*time.Millisecond); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if chunks, _ := s.Chunks(ctx, "m1", chat.NoSeq); len(chunks) != 1 {
		t.Fatalf("chunks should survive until retention elapses")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if chunks, _ := s.Chunks(ctx, "m1", chat.NoSeq); len(chunks) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("chunks were not dropped after retention")
}
