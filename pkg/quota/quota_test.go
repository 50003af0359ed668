package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"shipnotes/pkg/cache"
)

func TestConsumeCountsDown(t *testing.T) {
	gate := NewGate(cache.NewMemory(), 5)
	ctx := context.Background()

	for want := int64(4); want >= 0; want-- {
		usage, err := gate.Consume(ctx, "u1")
		if err != nil {
			t.Fatalf("consume: %v", err)
		}
		if usage.Remaining != want {
			t.Fatalf("expected remaining %d, got %d", want, usage.Remaining)
		}
	}
	usage, err := gate.Consume(ctx, "u1")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected quota exceeded, got %v", err)
	}
	if usage.Used != 6 || usage.Remaining != 0 || usage.Limit != 5 {
		t.Fatalf("rejected call must still count, got %+v", usage)
	}
}

func TestConsumePerUser(t *testing.T) {
	gate := NewGate(cache.NewMemory(), 1)
	ctx := context.Background()
	if _, err := gate.Consume(ctx, "a"); err != nil {
		t.Fatalf("consume a: %v", err)
	}
	if _, err := gate.Consume(ctx, "b"); err != nil {
		t.Fatalf("users must not share a counter: %v", err)
	}
}

func TestConsumeResetsNextDay(t *testing.T) {
	now := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)
	gate := NewGate(cache.NewMemory(), 1, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if _, err := gate.Consume(ctx, "u"); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if _, err := gate.Consume(ctx, "u"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected exceeded, got %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := gate.Consume(ctx, "u"); err != nil {
		t.Fatalf("expected fresh bucket on new day, got %v", err)
	}
}

func TestUsageDoesNotConsume(t *testing.T) {
	gate := NewGate(cache.NewMemory(), 0)
	ctx := context.Background()
	usage, err := gate.Usage(ctx, "u")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage != (Usage{Used: 0, Remaining: DefaultDailyLimit, Limit: DefaultDailyLimit}) {
		t.Fatalf("unexpected usage %+v", usage)
	}
	_, _ = gate.Consume(ctx, "u")
	usage, _ = gate.Usage(ctx, "u")
	again, _ := gate.Usage(ctx, "u")
	if usage.Used != 1 || again.Used != 1 {
		t.Fatalf("usage must be read-only, got %+v then %+v", usage, again)
	}
}

func TestConsumeRequiresUser(t *testing.T) {
	gate := NewGate(cache.NewMemory(), 5)
	if _, err := gate.Consume(context.Background(), " "); err == nil {
		t.Fatalf("expected error for empty user")
	}
}

func TestConsumeWithRedis(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	gate := NewGate(cache.NewRedis(client, ""), 2, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := gate.Consume(ctx, "u"); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}
	if _, err := gate.Consume(ctx, "u"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected exceeded, got %v", err)
	}
	key := "quota:u:2024-03-01"
	if got := server.TTL(key); got != 24*time.Hour {
		t.Fatalf("expected 24h ttl on %s, got %s", key, got)
	}
}
