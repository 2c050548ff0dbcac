package kvstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Put(ctx, "a", []byte("1"), time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "a")
	if err != nil || string(got) != "1" {
		t.Fatalf("Get = %q, %v", got, err)
	}

	ok, err := s.PutIfAbsent(ctx, "a", []byte("2"), time.Minute)
	if err != nil || ok {
		t.Fatalf("PutIfAbsent on existing key = %v, %v", ok, err)
	}
	ok, err = s.PutIfAbsent(ctx, "b", []byte("2"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("PutIfAbsent on new key = %v, %v", ok, err)
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted key to be gone, got %v", err)
	}

	type session struct {
		Phase string `json:"phase"`
	}
	if err := PutJSON(ctx, s, "json", session{Phase: "identify"}, 0); err != nil {
		t.Fatalf("PutJSON: %v", err)
	}
	var out session
	if err := GetJSON(ctx, s, "json", &out); err != nil || out.Phase != "identify" {
		t.Fatalf("GetJSON = %+v, %v", out, err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(10))
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore(10)
	now := time.Date(2025, 1, 7, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_ = s.Put(ctx, "k", []byte("v"), time.Minute)
	now = now.Add(59 * time.Second)
	if _, err := s.Get(ctx, "k"); err != nil {
		t.Fatalf("entry expired early: %v", err)
	}
	now = now.Add(time.Second)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
	ok, _ := s.PutIfAbsent(ctx, "k", []byte("again"), 0)
	if !ok {
		t.Fatal("expired key must be writable with PutIfAbsent")
	}
}

func TestMemoryStoreEvictsLeastRecentlyUsed(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()
	_ = s.Put(ctx, "a", []byte("a"), 0)
	_ = s.Put(ctx, "b", []byte("b"), 0)
	_, _ = s.Get(ctx, "a")
	_ = s.Put(ctx, "c", []byte("c"), 0)

	if s.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", s.Len())
	}
	if _, err := s.Get(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected b to be evicted, got %v", err)
	}
	if _, err := s.Get(ctx, "a"); err != nil {
		t.Fatalf("expected a to survive: %v", err)
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisStore(client, "test:")
	exerciseStore(t, s)

	if !mr.Exists("test:b") {
		t.Fatal("expected prefixed key in redis")
	}
	mr.FastForward(2 * time.Minute)
	if _, err := s.Get(context.Background(), "b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ttl expiry, got %v", err)
	}
}
