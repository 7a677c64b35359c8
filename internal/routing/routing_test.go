package routing

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/driftline/dispatch/internal/provider"
)

func setupRouter(t *testing.T) (*Router, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(rdb, logger), rdb
}

func registryWith(t *testing.T, defaultName string, names ...string) *provider.Registry {
	t.Helper()

	reg := provider.NewRegistry()
	for _, name := range names {
		creds := provider.Credentials{Provider: name, APIKey: "k", APISecret: "s"}
		if name == "smtp" {
			creds = provider.Credentials{Provider: "smtp", SMTPHost: "mail.example.com", SMTPPort: 587}
		}
		s, err := provider.Build(creds, time.Second)
		if err != nil {
			t.Fatalf("Build %s failed: %v", name, err)
		}
		reg.Add(s, 0, name == defaultName)
	}
	return reg
}

func TestSelectProviderPrefersDefault(t *testing.T) {
	r, _ := setupRouter(t)
	reg := registryWith(t, "resend", "brevo", "mailjet", "resend")

	s, err := r.SelectProvider(context.Background(), "u1", reg)
	if err != nil {
		t.Fatalf("SelectProvider failed: %v", err)
	}
	if s.Name() != "resend" {
		t.Errorf("expected default resend, got %s", s.Name())
	}
}

func TestSelectProviderGlobalOrder(t *testing.T) {
	r, _ := setupRouter(t)
	reg := registryWith(t, "", "smtp", "mailjet", "brevo")

	s, err := r.SelectProvider(context.Background(), "u1", reg)
	if err != nil {
		t.Fatalf("SelectProvider failed: %v", err)
	}
	if s.Name() != "brevo" {
		t.Errorf("expected brevo first in global order, got %s", s.Name())
	}
}

func TestSelectProviderSkipsExhausted(t *testing.T) {
	r, rdb := setupRouter(t)
	reg := registryWith(t, "brevo", "brevo", "mailjet")

	// saturate brevo's daily counter
	k := usageKey("u1", "brevo", time.Now())
	if err := rdb.Set(context.Background(), k, 10000, time.Hour).Err(); err != nil {
		t.Fatalf("seed counter: %v", err)
	}

	s, err := r.SelectProvider(context.Background(), "u1", reg)
	if err != nil {
		t.Fatalf("SelectProvider failed: %v", err)
	}
	if s.Name() != "mailjet" {
		t.Errorf("expected fallback to mailjet, got %s", s.Name())
	}
}

func TestSelectProviderAllExhaustedFallsBack(t *testing.T) {
	r, rdb := setupRouter(t)
	reg := registryWith(t, "brevo", "brevo", "mailjet")

	ctx := context.Background()
	rdb.Set(ctx, usageKey("u1", "brevo", time.Now()), 10000, time.Hour)
	rdb.Set(ctx, usageKey("u1", "mailjet", time.Now()), 6000, time.Hour)

	s, err := r.SelectProvider(ctx, "u1", reg)
	if err != nil {
		t.Fatalf("SelectProvider failed: %v", err)
	}
	if s.Name() != "brevo" {
		t.Errorf("expected first preference when everything is capped, got %s", s.Name())
	}
}

func TestSelectProviderEmptyRegistry(t *testing.T) {
	r, _ := setupRouter(t)

	if _, err := r.SelectProvider(context.Background(), "u1", provider.NewRegistry()); err == nil {
		t.Fatal("expected error for empty registry")
	}
}

func TestRecordSuccessCountsTowardCap(t *testing.T) {
	r, _ := setupRouter(t)
	reg := provider.NewRegistry()
	reg.Add(provider.NewBrevo("k", time.Second), 2, true)
	reg.Add(provider.NewResend("k", time.Second), 0, false)

	ctx := context.Background()
	r.RecordSuccess(ctx, "u1", "brevo")
	r.RecordSuccess(ctx, "u1", "brevo")

	n, err := r.Usage(ctx, "u1", "brevo")
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected usage 2, got %d", n)
	}

	s, err := r.SelectProvider(ctx, "u1", reg)
	if err != nil {
		t.Fatalf("SelectProvider failed: %v", err)
	}
	if s.Name() != "resend" {
		t.Errorf("expected resend after brevo hit its cap of 2, got %s", s.Name())
	}
}

func TestSelectProviderFailsOpenWithoutRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	mr.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(rdb, logger)
	reg := registryWith(t, "brevo", "brevo", "mailjet")

	s, err := r.SelectProvider(context.Background(), "u1", reg)
	if err != nil {
		t.Fatalf("SelectProvider should not fail when the counter store is down: %v", err)
	}
	if s.Name() != "brevo" {
		t.Errorf("expected first candidate when counters are unavailable, got %s", s.Name())
	}
}
