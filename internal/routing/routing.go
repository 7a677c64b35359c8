// Package routing picks the outbound provider for each send and tracks
// per-provider usage so daily caps shift traffic instead of failing it.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/driftline/dispatch/internal/provider"
)

// globalOrder is the preference order used after the default provider,
// cheapest and most reliable first.
var globalOrder = []string{"brevo", "mailjet", "resend", "smtp"}

// Router selects a sender from an account's registry, skipping providers
// that already hit their daily volume.
type Router struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func New(rdb *redis.Client, logger *slog.Logger) *Router {
	return &Router{
		rdb:    rdb,
		logger: logger.With("component", "routing"),
	}
}

func usageKey(userID, providerName string, now time.Time) string {
	return fmt.Sprintf("provider_usage:%s:%s:%s", userID, providerName, now.UTC().Format("2006-01-02"))
}

func errorKey(userID, providerName string, now time.Time) string {
	return fmt.Sprintf("provider_errors:%s:%s:%s", userID, providerName, now.UTC().Format("2006-01-02T15"))
}

// SelectProvider returns the best available sender. Order: the registry
// default first, then the remaining providers in global preference order.
// Providers at their daily cap are skipped; if every provider is capped the
// default is returned anyway so the message still has a path out.
func (r *Router) SelectProvider(ctx context.Context, userID string, reg *provider.Registry) (provider.Sender, error) {
	if reg.Len() == 0 {
		return nil, fmt.Errorf("no providers configured for user %s", userID)
	}

	candidates := make([]string, 0, reg.Len())
	if def := reg.Default(); def != "" {
		candidates = append(candidates, def)
	}
	for _, name := range globalOrder {
		if name == reg.Default() || !reg.Has(name) {
			continue
		}
		candidates = append(candidates, name)
	}
	// a registry of nonstandard names still has to route
	for _, name := range reg.Names() {
		if !contains(candidates, name) {
			candidates = append(candidates, name)
		}
	}

	for _, name := range candidates {
		exhausted, err := r.exhausted(ctx, userID, name, reg.DailyLimit(name))
		if err != nil {
			// counter store down, take the first candidate
			sender, gerr := reg.Get(name)
			if gerr != nil {
				continue
			}
			return sender, nil
		}
		if exhausted {
			r.logger.Info("provider at daily cap, trying next",
				"user_id", userID,
				"provider", name,
				"limit", reg.DailyLimit(name),
			)
			continue
		}
		return reg.Get(name)
	}

	// all capped: fall back to the first preference rather than dropping
	r.logger.Warn("all providers at daily cap, using first preference", "user_id", userID)
	return reg.Get(candidates[0])
}

func (r *Router) exhausted(ctx context.Context, userID, providerName string, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	count, err := r.rdb.Get(ctx, usageKey(userID, providerName, time.Now())).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		r.logger.Warn("provider usage check failed", "provider", providerName, "error", err)
		return false, err
	}
	return count >= int64(limit), nil
}

// RecordSuccess bumps the provider's daily counter. Counters expire after a
// day so an idle provider never carries stale usage.
func (r *Router) RecordSuccess(ctx context.Context, userID, providerName string) {
	k := usageKey(userID, providerName, time.Now())
	pipe := r.rdb.Pipeline()
	pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("failed to record provider usage", "provider", providerName, "error", err)
	}
}

// RecordError bumps the provider's hourly error counter for visibility
func (r *Router) RecordError(ctx context.Context, userID, providerName string) {
	k := errorKey(userID, providerName, time.Now())
	pipe := r.rdb.Pipeline()
	pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("failed to record provider error", "provider", providerName, "error", err)
	}
}

// Usage returns today's success count for one provider
func (r *Router) Usage(ctx context.Context, userID, providerName string) (int64, error) {
	count, err := r.rdb.Get(ctx, usageKey(userID, providerName, time.Now())).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read provider usage: %w", err)
	}
	return count, nil
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
