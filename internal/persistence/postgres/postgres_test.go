package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/tokligence/tokligence-chatstream/internal/persistence"
	"github.com/tokligence/tokligence-chatstream/internal/persistence/persisttest"
)

func TestStoreContract(t *testing.T) {
	dsn := os.Getenv("CHATSTREAM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHATSTREAM_TEST_POSTGRES_DSN not set")
	}
	persisttest.Run(t, func(t *testing.T) persistence.Store {
		store, err := New(dsn, 4, 2, 5, 1)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		// Every subtest reuses the same ids, so start from an empty table.
		if _, err := store.db.ExecContext(context.Background(), `DELETE FROM messages WHERE id LIKE 'msg_%'`); err != nil {
			t.Fatalf("reset: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestLoadMessagesEmpty(t *testing.T) {
	s := &Store{}
	got, err := s.LoadMessages(context.Background(), nil)
	if err != nil || got != nil {
		t.Fatalf("got %v, %v", got, err)
	}
}
