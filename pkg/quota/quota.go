// Package quota enforces the per-user daily generation limit.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"shipnotes/pkg/cache"
)

// DefaultDailyLimit applies when no limit is configured.
const DefaultDailyLimit = 5

const window = 24 * time.Hour

// ErrQuotaExceeded is returned once a user has used up the daily allowance.
var ErrQuotaExceeded = errors.New("daily generation quota exceeded")

// Usage describes a user's consumption for the current day.
type Usage struct {
	Used      int64 `json:"used"`
	Remaining int64 `json:"remaining"`
	Limit     int64 `json:"limit"`
}

// Gate counts generations per user per UTC day.
type Gate struct {
	store cache.Store
	limit int64
	now   func() time.Time
}

// Option customizes a Gate.
type Option func(*Gate)

// WithClock overrides the clock used to pick the day bucket.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGate builds a gate over store. A limit <= 0 uses DefaultDailyLimit.
func NewGate(store cache.Store, limit int, opts ...Option) *Gate {
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	g := &Gate{store: store, limit: int64(limit), now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Limit returns the configured daily limit.
func (g *Gate) Limit() int64 {
	return g.limit
}

// Consume records one generation for userID. The counter is incremented
// before the limit check, so a rejected call is still counted.
func (g *Gate) Consume(ctx context.Context, userID string) (Usage, error) {
	if strings.TrimSpace(userID) == "" {
		return Usage{}, errors.New("user id is required")
	}
	used, err := g.store.Incr(ctx, g.key(userID), window)
	if err != nil {
		return Usage{}, fmt.Errorf("quota increment: %w", err)
	}
	usage := g.usage(used)
	if used > g.limit {
		return usage, ErrQuotaExceeded
	}
	return usage, nil
}

// Usage reports the current consumption without changing it.
func (g *Gate) Usage(ctx context.Context, userID string) (Usage, error) {
	if strings.TrimSpace(userID) == "" {
		return Usage{}, errors.New("user id is required")
	}
	raw, ok, err := g.store.Get(ctx, g.key(userID))
	if err != nil {
		return Usage{}, fmt.Errorf("quota read: %w", err)
	}
	if !ok {
		return g.usage(0), nil
	}
	used, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return Usage{}, fmt.Errorf("quota counter %q: %w", raw, err)
	}
	return g.usage(used), nil
}

func (g *Gate) usage(used int64) Usage {
	remaining := g.limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Usage{Used: used, Remaining: remaining, Limit: g.limit}
}

func (g *Gate) key(userID string) string {
	return "quota:" + userID + ":" + g.now().UTC().Format("2006-01-02")
}
