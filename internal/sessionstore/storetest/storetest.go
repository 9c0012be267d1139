// Package storetest is the behavioural contract every sessionstore.Store must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
	"github.com/tokligence/tokligence-chatstream/internal/sessionstore"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) sessionstore.Store

func newMessage(status chat.Status) chat.Message {
	now := time.Now().UTC()
	return chat.Message{
		ID:             chat.NewMessageID(),
		ConversationID: "conv-1",
		Tenant:         "tenant-a",
		Role:           chat.RoleAssistant,
		Status:         status,
		LastSeq:        chat.NoSeq,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Run executes the contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		m := newMessage(chat.StatusPending)
		require.NoError(t, s.CreateMessage(ctx, m))
		require.ErrorIs(t, s.CreateMessage(ctx, m), sessionstore.ErrConflict)

		got, err := s.GetMessage(ctx, m.ID)
		require.NoError(t, err)
		require.Equal(t, m.ID, got.ID)
		require.Equal(t, chat.StatusPending, got.Status)

		_, err = s.GetMessage(ctx, "missing")
		require.ErrorIs(t, err, sessionstore.ErrNotFound)
	})

	t.Run("TransitionIsCompareAndSet", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		m := newMessage(chat.StatusPending)
		require.NoError(t, s.CreateMessage(ctx, m))

		got, err := s.Transition(ctx, m.ID, chat.StatusPending, chat.StatusStreaming)
		require.NoError(t, err)
		require.Equal(t, chat.StatusStreaming, got.Status)

		_, err = s.Transition(ctx, m.ID, chat.StatusPending, chat.StatusStreaming)
		require.ErrorIs(t, err, sessionstore.ErrConflict)
	})

	t.Run("AppendChunkDeduplicates", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		m := newMessage(chat.StatusStreaming)
		require.NoError(t, s.CreateMessage(ctx, m))

		for _, seq := range []int64{2, 0, 1, 0, 2} {
			_, err := s.AppendChunk(ctx, m.ID, chat.Chunk{Seq: seq, Delta: "d", Timestamp: time.Now()})
			require.NoError(t, err)
		}
		applied, err := s.AppendChunk(ctx, m.ID, chat.Chunk{Seq: 1, Delta: "other"})
		require.NoError(t, err)
		require.False(t, applied)

		chunks, err := s.Chunks(ctx, m.ID, chat.NoSeq)
		require.NoError(t, err)
		require.Len(t, chunks, 3)
		for i, c := range chunks {
			require.Equal(t, int64(i), c.Seq)
			require.Equal(t, "d", c.Delta)
		}

		chunks, err = s.Chunks(ctx, m.ID, 1)
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		require.Equal(t, int64(2), chunks[0].Seq)
	})

	t.Run("AckAdvancesMonotonically", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		m := newMessage(chat.StatusStreaming)
		require.NoError(t, s.CreateMessage(ctx, m))

		require.NoError(t, s.Ack(ctx, m.ID, 4))
		require.NoError(t, s.Ack(ctx, m.ID, 2))
		got, err := s.GetMessage(ctx, m.ID)
		require.NoError(t, err)
		require.Equal(t, int64(4), got.LastSeq)
	})

	t.Run("FinalizeIsTerminal", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		m := newMessage(chat.StatusStreaming)
		require.NoError(t, s.CreateMessage(ctx, m))

		got, err := s.Finalize(ctx, m.ID, sessionstore.Final{
			Status:  chat.StatusCompleted,
			Content: "Hello",
			Tokens:  chat.TokenCounts{Input: 1, Output: 2},
			LastSeq: 1,
		})
		require.NoError(t, err)
		require.Equal(t, chat.StatusCompleted, got.Status)
		require.Equal(t, "Hello", got.Content)

		_, err = s.Finalize(ctx, m.ID, sessionstore.Final{Status: chat.StatusErrored})
		require.ErrorIs(t, err, sessionstore.ErrTerminal)
		_, err = s.Transition(ctx, m.ID, chat.StatusStreaming, chat.StatusCompleted)
		require.ErrorIs(t, err, sessionstore.ErrTerminal)
		require.ErrorIs(t, s.Ack(ctx, m.ID, 9), sessionstore.ErrTerminal)

		active, err := s.ListActive(ctx)
		require.NoError(t, err)
		for _, a := range active {
			require.NotEqual(t, m.ID, a.ID)
		}
	})

	t.Run("ListActive", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		pending := newMessage(chat.StatusPending)
		streaming := newMessage(chat.StatusStreaming)
		done := newMessage(chat.StatusCompleted)
		for _, m := range []chat.Message{pending, streaming, done} {
			require.NoError(t, s.CreateMessage(ctx, m))
		}
		active, err := s.ListActive(ctx)
		require.NoError(t, err)
		ids := map[string]bool{}
		for _, m := range active {
			ids[m.ID] = true
		}
		require.True(t, ids[pending.ID])
		require.True(t, ids[streaming.ID])
		require.False(t, ids[done.ID])
	})

	t.Run("TruncateChunks", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		m := newMessage(chat.StatusStreaming)
		require.NoError(t, s.CreateMessage(ctx, m))
		_, err := s.AppendChunk(ctx, m.ID, chat.Chunk{Seq: 0, Delta: "x"})
		require.NoError(t, err)
		require.NoError(t, s.TruncateChunks(ctx, m.ID, 0))
		chunks, err := s.Chunks(ctx, m.ID, chat.NoSeq)
		require.NoError(t, err)
		require.Empty(t, chunks)
	})

	t.Run("IdempotencyClaimRace", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		key := "key-" + chat.NewMessageID()

		const racers = 16
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
			seen    = map[string]int{}
		)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rec := chat.IdempotencyRecord{
					Tenant:    "tenant-a",
					Key:       key,
					MessageID: chat.NewMessageID(),
					CreatedAt: time.Now(),
					ExpiresAt: time.Now().Add(time.Minute),
				}
				got, claimed, err := s.ClaimIdempotency(ctx, rec)
				require.NoError(t, err)
				mu.Lock()
				defer mu.Unlock()
				if claimed {
					winners = append(winners, rec.MessageID)
				}
				seen[got.MessageID]++
			}()
		}
		wg.Wait()
		require.Len(t, winners, 1)
		require.Equal(t, racers, seen[winners[0]])

		require.NoError(t, s.ReleaseIdempotency(ctx, "tenant-a", key))
		_, claimed, err := s.ClaimIdempotency(ctx, chat.IdempotencyRecord{
			Tenant: "tenant-a", Key: key, MessageID: "fresh", ExpiresAt: time.Now().Add(time.Minute),
		})
		require.NoError(t, err)
		require.True(t, claimed)
	})

	t.Run("IdempotencyIsPerTenant", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		exp := time.Now().Add(time.Minute)
		_, claimed, err := s.ClaimIdempotency(ctx, chat.IdempotencyRecord{Tenant: "a", Key: "k", MessageID: "m1", ExpiresAt: exp})
		require.NoError(t, err)
		require.True(t, claimed)
		_, claimed, err = s.ClaimIdempotency(ctx, chat.IdempotencyRecord{Tenant: "b", Key: "k", MessageID: "m2", ExpiresAt: exp})
		require.NoError(t, err)
		require.True(t, claimed)
	})
}

// TTLFactory returns a fresh store that keeps finalized messages for ttl.
type TTLFactory func(t *testing.T, ttl time.Duration) sessionstore.Store

// RunExpiry checks that finalized records expire while active ones do not.
func RunExpiry(t *testing.T, newStore TTLFactory) {
	t.Run("TerminalRecordExpires", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, 200*time.Millisecond)
		done := newMessage(chat.StatusStreaming)
		live := newMessage(chat.StatusStreaming)
		require.NoError(t, s.CreateMessage(ctx, done))
		require.NoError(t, s.CreateMessage(ctx, live))
		_, err := s.AppendChunk(ctx, done.ID, chat.Chunk{Seq: 0, Delta: "x"})
		require.NoError(t, err)

		_, err = s.Finalize(ctx, done.ID, sessionstore.Final{Status: chat.StatusCompleted, Content: "x", LastSeq: 0})
		require.NoError(t, err)
		got, err := s.GetMessage(ctx, done.ID)
		require.NoError(t, err)
		require.Equal(t, chat.StatusCompleted, got.Status)

		require.Eventually(t, func() bool {
			_, err := s.GetMessage(ctx, done.ID)
			return errors.Is(err, sessionstore.ErrNotFound)
		}, 3*time.Second, 20*time.Millisecond)

		got, err = s.GetMessage(ctx, live.ID)
		require.NoError(t, err)
		require.Equal(t, chat.StatusStreaming, got.Status)
	})

	t.Run("AckShowsInListActive", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, time.Minute)
		m := newMessage(chat.StatusStreaming)
		require.NoError(t, s.CreateMessage(ctx, m))
		require.NoError(t, s.Ack(ctx, m.ID, 7))
		require.ErrorIs(t, s.Ack(ctx, "missing", 1), sessionstore.ErrNotFound)

		active, err := s.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		require.Equal(t, int64(7), active[0].LastSeq)
		require.False(t, active[0].UpdatedAt.Before(m.UpdatedAt))
	})
}
