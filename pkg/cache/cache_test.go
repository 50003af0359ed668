package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "test:"), server
}

func TestMemoryExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemory()
	store.SetClock(func() time.Time { return now })
	ctx := context.Background()

	if err := store.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if value, ok, _ := store.Get(ctx, "k"); !ok || string(value) != "v" {
		t.Fatalf("expected value before expiry")
	}
	now = now.Add(time.Minute)
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Fatalf("expected entry to expire at ttl")
	}
}

func TestMemorySetNX(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	first, _ := store.SetNX(ctx, "job", []byte("1"), time.Hour)
	second, _ := store.SetNX(ctx, "job", []byte("2"), time.Hour)
	if !first || second {
		t.Fatalf("expected only first SetNX to win, got %v %v", first, second)
	}
	value, _, _ := store.Get(ctx, "job")
	if string(value) != "1" {
		t.Fatalf("SetNX must not overwrite, got %q", value)
	}
}

func TestMemoryIncrKeepsFirstTTL(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemory()
	store.SetClock(func() time.Time { return now })
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		got, err := store.Incr(ctx, "c", time.Hour)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if got != i {
			t.Fatalf("expected %d, got %d", i, got)
		}
		now = now.Add(20 * time.Minute)
	}
	now = now.Add(time.Minute)
	got, _ := store.Incr(ctx, "c", time.Hour)
	if got != 1 {
		t.Fatalf("expected counter reset after first ttl elapsed, got %d", got)
	}
}

func TestMemoryIncrConcurrent(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.Incr(ctx, "n", time.Hour)
		}()
	}
	wg.Wait()
	value, _, _ := store.Get(ctx, "n")
	if string(value) != "50" {
		t.Fatalf("expected 50, got %q", value)
	}
}

func TestRedisRoundTrip(t *testing.T) {
	store, server := newRedisStore(t)
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := store.Set(ctx, "token", []byte("abc"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !server.Exists("test:token") {
		t.Fatalf("expected prefixed key in redis")
	}
	value, ok, err := store.Get(ctx, "token")
	if err != nil || !ok || string(value) != "abc" {
		t.Fatalf("unexpected get: %q %v %v", value, ok, err)
	}
	server.FastForward(time.Minute)
	if _, ok, _ := store.Get(ctx, "token"); ok {
		t.Fatalf("expected key to expire")
	}
	if err := store.Set(ctx, "gone", []byte("x"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Delete(ctx, "gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if server.Exists("test:gone") {
		t.Fatalf("expected key deleted")
	}
}

func TestRedisIncrTTL(t *testing.T) {
	store, server := newRedisStore(t)
	ctx := context.Background()

	if n, _ := store.Incr(ctx, "quota", 24*time.Hour); n != 1 {
		t.Fatalf("expected 1, got %d", n)
	}
	server.FastForward(time.Hour)
	if n, _ := store.Incr(ctx, "quota", 24*time.Hour); n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
	if ttl := server.TTL("test:quota"); ttl != 23*time.Hour {
		t.Fatalf("second increment must not refresh ttl, got %s", ttl)
	}
}

func TestRedisSetNX(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()
	first, err := store.SetNX(ctx, "job", []byte("1"), time.Hour)
	if err != nil || !first {
		t.Fatalf("expected first SetNX to succeed: %v", err)
	}
	second, err := store.SetNX(ctx, "job", []byte("1"), time.Hour)
	if err != nil || second {
		t.Fatalf("expected duplicate SetNX to fail: %v", err)
	}
}
