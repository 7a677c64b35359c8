package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// SendParams are the inputs for one outbound message
type SendParams struct {
	To          string
	Subject     string
	HTMLContent string
	FromEmail   string
	FromName    string
}

// SendResult carries the provider-assigned message id
type SendResult struct {
	MessageID string
	Provider  string
}

// ErrorKind classifies a provider failure so the dispatch worker can branch
// without parsing provider-specific text
type ErrorKind string

const (
	ErrAuth              ErrorKind = "auth"
	ErrRateLimit         ErrorKind = "rate_limit"
	ErrRecipientRejected ErrorKind = "recipient_rejected"
	ErrTransientNetwork  ErrorKind = "transient_network"
	ErrUnknown           ErrorKind = "unknown"
)

// Error is a normalized provider error
type Error struct {
	Kind     ErrorKind
	Provider string
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s send error: %s", e.Provider, e.Message)
}

func newError(provider string, kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Provider: provider, Message: fmt.Sprintf(format, args...)}
}

// IsRateLimited reports whether the error signals a provider-side rate
// limit, either by classification or by heuristic phrase match
func IsRateLimited(err error) bool {
	var pe *Error
	if errors.As(err, &pe) && pe.Kind == ErrRateLimit {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range []string{"exceeded", "rate limit", "max emails per hour", "too many emails", "quota"} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// Kind returns the error's classification, ErrUnknown for foreign errors
func Kind(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrUnknown
}

// Sender is the uniform capability over heterogeneous ESPs. Adapters make
// network calls only; they never touch the database.
type Sender interface {
	// Name returns the provider discriminator (brevo, mailjet, resend, smtp)
	Name() string

	// SendEmail delivers one message and returns the provider message id
	SendEmail(ctx context.Context, params SendParams) (SendResult, error)

	// DailyLimit returns a conservative default daily volume for this
	// provider class, used when no account-specific override exists
	DailyLimit() int
}

// classifyStatus maps an HTTP status from an ESP API to an error kind
func classifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return ErrAuth
	case status == 429:
		return ErrRateLimit
	case status >= 500:
		return ErrTransientNetwork
	default:
		return ErrUnknown
	}
}
