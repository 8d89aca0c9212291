package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/twinvoice/domain/entities"
	"github.com/satriahrh/twinvoice/domain/repositories"
)

func newTestStore(t *testing.T) (*HistoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := Connect(context.Background(), Config{Addr: mr.Addr()}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestHistoryStore_RoundTrip(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	history := entities.ConversationHistory{
		{Role: entities.RoleUser, Content: "Cosa pensi degli investimenti in tecnologia?"},
		{Role: entities.RoleAssistant, Content: "Investo solo in ciò che capisco."},
	}
	if err := store.Set(ctx, "warren-buffett", history, 24*time.Hour); err != nil {
		t.Fatalf("Failed to set history: %v", err)
	}

	if !mr.Exists("twin:history:warren-buffett") {
		t.Error("Expected key twin:history:warren-buffett to exist")
	}
	if ttl := mr.TTL("twin:history:warren-buffett"); ttl != 24*time.Hour {
		t.Errorf("Expected TTL 24h, got %s", ttl)
	}

	got, err := store.Get(ctx, "warren-buffett")
	if err != nil {
		t.Fatalf("Failed to get history: %v", err)
	}
	if len(got) != 2 || got[0].Content != history[0].Content || got[1].Role != entities.RoleAssistant {
		t.Errorf("Expected %+v, got %+v", history, got)
	}
}

func TestHistoryStore_Expiry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "warren-buffett", entities.ConversationHistory{{Role: entities.RoleUser, Content: "x"}}, time.Minute); err != nil {
		t.Fatalf("Failed to set history: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	_, err := store.Get(ctx, "warren-buffett")
	if !errors.Is(err, repositories.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after expiry, got %v", err)
	}
}

func TestHistoryStore_DeleteAndMissing(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "nobody")
	if !errors.Is(err, repositories.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	_ = store.Set(ctx, "warren-buffett", entities.ConversationHistory{{Role: entities.RoleUser, Content: "x"}}, time.Minute)
	if err := store.Delete(ctx, "warren-buffett"); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	_, err = store.Get(ctx, "warren-buffett")
	if !errors.Is(err, repositories.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestHistoryStore_PingFailsWhenDown(t *testing.T) {
	store, mr := newTestStore(t)

	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Expected ping to succeed, got %v", err)
	}
	mr.Close()
	if err := store.Ping(context.Background()); err == nil {
		t.Error("Expected ping to fail once Redis is down")
	}
}
