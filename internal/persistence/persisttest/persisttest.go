// Package persisttest is the behaviour suite every persistence.Store must pass.
package persisttest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
	"github.com/tokligence/tokligence-chatstream/internal/persistence"
)

// Factory returns a fresh, empty store. Cleanup is registered on t.
type Factory func(t *testing.T) persistence.Store

func message(id, conversation string, status chat.Status, created time.Time) chat.Message {
	return chat.Message{
		ID:             id,
		ConversationID: conversation,
		Tenant:         "acme",
		Role:           chat.RoleAssistant,
		Status:         status,
		Content:        "Hello",
		Prompt:         "hi",
		Model:          "loopback",
		Class:          "default",
		Tokens:         chat.TokenCounts{Input: 3, Output: 2},
		LastSeq:        1,
		CreatedAt:      created,
		UpdatedAt:      created.Add(time.Second),
	}
}

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("SaveAndLoad", func(t *testing.T) {
		s := newStore(t)
		m := message("msg_a", "conv", chat.StatusCompleted, base)
		require.NoError(t, s.SaveFinalMessage(ctx, m))

		got, err := s.LoadMessage(ctx, "msg_a")
		require.NoError(t, err)
		require.Equal(t, m.Content, got.Content)
		require.Equal(t, m.Tokens, got.Tokens)
		require.Equal(t, chat.StatusCompleted, got.Status)
		require.Equal(t, chat.RoleAssistant, got.Role)
		require.Equal(t, int64(1), got.LastSeq)
		require.WithinDuration(t, m.CreatedAt, got.CreatedAt, time.Millisecond)
		require.WithinDuration(t, m.UpdatedAt, got.UpdatedAt, time.Millisecond)
	})

	t.Run("SaveIsFirstWriteWins", func(t *testing.T) {
		s := newStore(t)
		first := message("msg_b", "conv", chat.StatusPartial, base)
		first.ErrorKind = chat.KindPartialFailure
		require.NoError(t, s.SaveFinalMessage(ctx, first))

		second := first
		second.Status = chat.StatusCompleted
		second.Content = "Hello world"
		require.NoError(t, s.SaveFinalMessage(ctx, second))

		got, err := s.LoadMessage(ctx, "msg_b")
		require.NoError(t, err)
		require.Equal(t, chat.StatusPartial, got.Status)
		require.Equal(t, "Hello", got.Content)
		require.Equal(t, chat.KindPartialFailure, got.ErrorKind)
	})

	t.Run("RejectsNonTerminal", func(t *testing.T) {
		s := newStore(t)
		require.Error(t, s.SaveFinalMessage(ctx, message("msg_c", "conv", chat.StatusStreaming, base)))
	})

	t.Run("NotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.LoadMessage(ctx, "missing")
		require.True(t, errors.Is(err, persistence.ErrNotFound), "got %v", err)
	})

	t.Run("LoadMessagesAndConversation", func(t *testing.T) {
		s := newStore(t)
		for i, id := range []string{"msg_1", "msg_2", "msg_3"} {
			require.NoError(t, s.SaveFinalMessage(ctx, message(id, "conv", chat.StatusCompleted, base.Add(time.Duration(i)*time.Minute))))
		}
		require.NoError(t, s.SaveFinalMessage(ctx, message("msg_x", "other", chat.StatusErrored, base)))

		got, err := s.LoadMessages(ctx, []string{"msg_1", "msg_3", "missing"})
		require.NoError(t, err)
		require.Len(t, got, 2)

		conv, err := s.ListConversation(ctx, "conv", 2)
		require.NoError(t, err)
		require.Len(t, conv, 2)
		require.Equal(t, "msg_2", conv[0].ID)
		require.Equal(t, "msg_3", conv[1].ID)
	})

	t.Run("Ping", func(t *testing.T) {
		require.NoError(t, newStore(t).Ping(ctx))
	})
}
