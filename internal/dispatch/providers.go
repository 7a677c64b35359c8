package dispatch

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/driftline/dispatch/internal/dkim"
	"github.com/driftline/dispatch/internal/provider"
	"github.com/driftline/dispatch/internal/store"
)

// ProviderCache builds and caches one provider registry per account.
// Credentials change rarely; Invalidate drops an account's entry after a
// provider config write.
type ProviderCache struct {
	repo    *store.ProviderConfigRepository
	timeout time.Duration
	logger  *slog.Logger

	mu         sync.RWMutex
	registries map[string]*provider.Registry
}

func NewProviderCache(repo *store.ProviderConfigRepository, timeout time.Duration, logger *slog.Logger) *ProviderCache {
	return &ProviderCache{
		repo:       repo,
		timeout:    timeout,
		logger:     logger.With("component", "providers"),
		registries: make(map[string]*provider.Registry),
	}
}

// Get returns the account's registry, building it on first use
func (c *ProviderCache) Get(userID string) (*provider.Registry, error) {
	c.mu.RLock()
	reg, ok := c.registries[userID]
	c.mu.RUnlock()
	if ok {
		return reg, nil
	}

	rows, err := c.repo.ListActive(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load provider configs: %w", err)
	}

	reg = provider.NewRegistry()
	for _, row := range rows {
		if reg.Has(row.Provider) {
			continue // first row per provider wins, ordered default-first
		}

		creds := provider.Credentials{
			Provider:   row.Provider,
			APIKey:     row.APIKey,
			APISecret:  row.APISecret,
			SMTPHost:   row.SMTPHost,
			SMTPPort:   row.SMTPPort,
			SMTPUser:   row.SMTPUser,
			SMTPPass:   row.SMTPPass,
			SMTPSecure: row.SMTPPort == 465,
		}
		if row.Provider == "smtp" && row.DKIMKeyFile != "" {
			signer, err := dkim.NewSignerFromFile(row.DKIMKeyFile, row.DKIMDomain, row.DKIMSelector)
			if err != nil {
				c.logger.Warn("DKIM signer unavailable, sending unsigned",
					"user_id", userID,
					"domain", row.DKIMDomain,
					"error", err,
				)
			} else {
				creds.Signer = signer
			}
		}

		sender, err := provider.Build(creds, c.timeout)
		if err != nil {
			c.logger.Warn("skipping misconfigured provider",
				"user_id", userID,
				"provider", row.Provider,
				"error", err,
			)
			continue
		}
		reg.Add(sender, row.DailyLimit, row.IsDefault)
	}

	c.mu.Lock()
	c.registries[userID] = reg
	c.mu.Unlock()

	c.logger.Debug("provider registry built", "user_id", userID, "providers", reg.Names())
	return reg, nil
}

// Invalidate drops one account's cached registry
func (c *ProviderCache) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.registries, userID)
	c.mu.Unlock()
}
