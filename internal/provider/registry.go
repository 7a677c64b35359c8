package provider

import (
	"fmt"
	"sort"
	"time"

	"github.com/driftline/dispatch/internal/dkim"
)

// Registry holds the configured senders for one account, keyed by provider
// name. At most one sender per provider name is active at a time.
type Registry struct {
	senders     map[string]Sender
	dailyLimits map[string]int
	defaultName string
}

func NewRegistry() *Registry {
	return &Registry{
		senders:     make(map[string]Sender),
		dailyLimits: make(map[string]int),
	}
}

// Add registers a sender. dailyLimit <= 0 falls back to the sender's class
// default. The first sender marked default wins the default slot.
func (r *Registry) Add(s Sender, dailyLimit int, isDefault bool) {
	r.senders[s.Name()] = s
	if dailyLimit > 0 {
		r.dailyLimits[s.Name()] = dailyLimit
	} else {
		r.dailyLimits[s.Name()] = s.DailyLimit()
	}
	if isDefault && r.defaultName == "" {
		r.defaultName = s.Name()
	}
}

func (r *Registry) Has(name string) bool {
	_, ok := r.senders[name]
	return ok
}

func (r *Registry) Get(name string) (Sender, error) {
	s, ok := r.senders[name]
	if !ok {
		return nil, fmt.Errorf("provider %s is not configured", name)
	}
	return s, nil
}

// DailyLimit returns the effective daily cap for a configured provider
func (r *Registry) DailyLimit(name string) int {
	return r.dailyLimits[name]
}

// Default returns the preferred provider name, empty when none is marked
func (r *Registry) Default() string {
	return r.defaultName
}

// Names returns the configured provider names in stable order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.senders))
	for name := range r.senders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	return len(r.senders)
}

// Credentials is the tagged union of per-provider settings used to
// construct a sender.
type Credentials struct {
	Provider   string
	APIKey     string
	APISecret  string
	SMTPHost   string
	SMTPPort   int
	SMTPUser   string
	SMTPPass   string
	SMTPSecure bool
	DailyLimit int
	IsDefault  bool
	Signer     *dkim.Signer
}

// Build constructs a sender from stored credentials
func Build(creds Credentials, timeout time.Duration) (Sender, error) {
	switch creds.Provider {
	case "brevo":
		if creds.APIKey == "" {
			return nil, fmt.Errorf("brevo: api key is required")
		}
		return NewBrevo(creds.APIKey, timeout), nil
	case "mailjet":
		if creds.APIKey == "" || creds.APISecret == "" {
			return nil, fmt.Errorf("mailjet: api key and secret are required")
		}
		return NewMailjet(creds.APIKey, creds.APISecret, timeout), nil
	case "resend":
		if creds.APIKey == "" {
			return nil, fmt.Errorf("resend: api key is required")
		}
		return NewResend(creds.APIKey, timeout), nil
	case "smtp":
		if creds.SMTPHost == "" || creds.SMTPPort == 0 {
			return nil, fmt.Errorf("smtp: host and port are required")
		}
		opts := SMTPOptions{
			Host:     creds.SMTPHost,
			Port:     creds.SMTPPort,
			Username: creds.SMTPUser,
			Password: creds.SMTPPass,
			Secure:   creds.SMTPSecure,
			Timeout:  timeout,
			Signer:   creds.Signer,
		}
		return NewSMTP(opts), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", creds.Provider)
	}
}
