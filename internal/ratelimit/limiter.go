// Package ratelimit enforces per-sending-domain hourly send caps backed by
// Redis counters. Counters are advisory: when Redis is unreachable the
// limiter fails open so delivery never stalls on the counter store.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	keyPrefix = "rate_limit"

	// counters live two hours so the previous window stays inspectable
	counterTTL = 2 * time.Hour
)

// Status describes the current window for one domain
type Status struct {
	Domain    string `json:"domain"`
	Current   int64  `json:"current"`
	Limit     int    `json:"limit"`
	Remaining int64  `json:"remaining"`
	Window    string `json:"window"`
}

// Limiter counts sends per domain per UTC hour
type Limiter struct {
	rdb          *redis.Client
	defaultLimit int
	logger       *slog.Logger
}

func New(rdb *redis.Client, defaultLimit int, logger *slog.Logger) *Limiter {
	if defaultLimit <= 0 {
		defaultLimit = 60
	}
	return &Limiter{
		rdb:          rdb,
		defaultLimit: defaultLimit,
		logger:       logger.With("component", "ratelimit"),
	}
}

// key buckets by UTC hour so all workers agree on window boundaries
func key(domain string, now time.Time) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, domain, now.UTC().Format("2006-01-02T15"))
}

// Allow reports whether the domain may send one more message in the current
// hour. Redis errors allow the send and log a warning.
func (l *Limiter) Allow(ctx context.Context, domain string) (bool, error) {
	count, err := l.rdb.Get(ctx, key(domain, time.Now())).Int64()
	if err != nil && err != redis.Nil {
		l.logger.Warn("rate limit check failed, allowing send", "domain", domain, "error", err)
		return true, nil
	}
	return count < int64(l.defaultLimit), nil
}

// Record increments the domain counter after a successful send and refreshes
// the TTL. Threshold crossings are logged so operators see pressure building.
func (l *Limiter) Record(ctx context.Context, domain string) error {
	k := key(domain, time.Now())

	pipe := l.rdb.Pipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("rate limit record failed", "domain", domain, "error", err)
		return nil
	}

	count := incr.Val()
	limit := int64(l.defaultLimit)
	switch {
	case count >= limit:
		l.logger.Warn("hourly send limit reached", "domain", domain, "count", count, "limit", limit)
	case count*100 >= limit*95:
		l.logger.Warn("hourly send volume above 95%", "domain", domain, "count", count, "limit", limit)
	case count*100 >= limit*80:
		l.logger.Warn("hourly send volume above 80%", "domain", domain, "count", count, "limit", limit)
	}
	return nil
}

// PinToLimit sets the current window counter to the limit, closing the
// window immediately. Used when a provider reports its own rate limit so we
// stop hammering it for the rest of the hour.
func (l *Limiter) PinToLimit(ctx context.Context, domain string) error {
	k := key(domain, time.Now())
	if err := l.rdb.Set(ctx, k, l.defaultLimit, counterTTL).Err(); err != nil {
		l.logger.Warn("failed to pin rate limit", "domain", domain, "error", err)
		return nil
	}
	l.logger.Info("rate limit pinned after provider rejection", "domain", domain, "limit", l.defaultLimit)
	return nil
}

// GetStatus returns the live window counter for a domain
func (l *Limiter) GetStatus(ctx context.Context, domain string) (Status, error) {
	now := time.Now()
	count, err := l.rdb.Get(ctx, key(domain, now)).Int64()
	if err != nil && err != redis.Nil {
		return Status{}, fmt.Errorf("failed to read rate limit counter: %w", err)
	}

	remaining := int64(l.defaultLimit) - count
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Domain:    domain,
		Current:   count,
		Limit:     l.defaultLimit,
		Remaining: remaining,
		Window:    now.UTC().Format("2006-01-02T15"),
	}, nil
}
