// Package tracking instruments outbound HTML with an open pixel and
// rewritten click-through links, and resolves incoming pixel and click hits
// back to queue records.
package tracking

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/driftline/dispatch/internal/store"
)

// anchorPattern matches <a ... href="..." ...> tags; group 2 is the URL
var anchorPattern = regexp.MustCompile(`<a\s+([^>]*\s+)?href\s*=\s*["']([^"']+)["']([^>]*)>`)

// Service generates tokens, instruments content and records engagement
type Service struct {
	tokens  *store.TokenRepository
	events  *store.EventRepository
	baseURL string
	logger  *slog.Logger
}

func New(tokens *store.TokenRepository, events *store.EventRepository, baseURL string, logger *slog.Logger) *Service {
	return &Service{
		tokens:  tokens,
		events:  events,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("component", "tracking"),
	}
}

// GenerateToken mints and persists an unguessable token for a queue record.
// Storing is idempotent, so re-instrumenting a retried message is safe.
func (s *Service) GenerateToken(emailQueueID, contactID, campaignID string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	sum := sha256.Sum256(buf)
	token := hex.EncodeToString(sum[:])[:32]

	err := s.tokens.Store(&store.TrackingToken{
		Token:        token,
		EmailQueueID: emailQueueID,
		ContactID:    contactID,
		CampaignID:   campaignID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to store token: %w", err)
	}
	return token, nil
}

// PixelURL returns the open-tracking pixel URL for a token
func (s *Service) PixelURL(token string) string {
	return fmt.Sprintf("%s/track/open/%s", s.baseURL, token)
}

// ClickURL returns the redirect URL wrapping a destination
func (s *Service) ClickURL(token, destination string) string {
	return fmt.Sprintf("%s/track/click/%s?url=%s", s.baseURL, token, url.QueryEscape(destination))
}

// AddPixel appends the tracking pixel to HTML content, before </body> when
// present so the markup stays valid.
func (s *Service) AddPixel(html, token string) string {
	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" style="display:none" alt=""/>`, s.PixelURL(token))
	if i := strings.LastIndex(strings.ToLower(html), "</body>"); i >= 0 {
		return html[:i] + pixel + html[i:]
	}
	return html + pixel
}

// WrapLinks rewrites anchor hrefs through the click redirect. Mail control
// links and non-HTTP schemes stay untouched.
func (s *Service) WrapLinks(html, token string) string {
	return anchorPattern.ReplaceAllStringFunc(html, func(tag string) string {
		m := anchorPattern.FindStringSubmatch(tag)
		href := m[2]
		if skipRewrite(href) {
			return tag
		}
		return strings.Replace(tag, href, s.ClickURL(token, href), 1)
	})
}

// skipRewrite filters hrefs that must never go through the redirect
func skipRewrite(href string) bool {
	lower := strings.ToLower(strings.TrimSpace(href))
	switch {
	case strings.HasPrefix(lower, "mailto:"),
		strings.HasPrefix(lower, "tel:"),
		strings.HasPrefix(lower, "javascript:"),
		strings.HasPrefix(lower, "#"),
		strings.Contains(href, "{{"),
		strings.Contains(lower, "/unsubscribe"),
		strings.Contains(lower, "/preferences"):
		return true
	}
	// relative URLs have no host to redirect back to
	return !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://")
}

// Instrument wraps links and appends the pixel in one pass
func (s *Service) Instrument(html, token string) string {
	return s.AddPixel(s.WrapLinks(html, token), token)
}

// RecordOpen resolves a pixel hit. Unknown tokens are ignored so the pixel
// endpoint can always serve its image.
func (s *Service) RecordOpen(token, source string) error {
	tok, err := s.tokens.Lookup(token)
	if err != nil {
		return err
	}
	if tok == nil {
		s.logger.Debug("open hit for unknown token", "token", token)
		return nil
	}

	created, err := s.events.RecordOpen(tok.EmailQueueID, tok.ContactID, tok.CampaignID, source)
	if err != nil {
		return err
	}
	if created {
		s.logger.Info("open recorded", "email_queue_id", tok.EmailQueueID, "source", source)
	}
	return nil
}

// RecordClick resolves a click hit and returns the destination URL. The
// caller must redirect regardless of whether recording succeeded.
func (s *Service) RecordClick(token, destination, source string) error {
	tok, err := s.tokens.Lookup(token)
	if err != nil {
		return err
	}
	if tok == nil {
		s.logger.Debug("click hit for unknown token", "token", token)
		return nil
	}

	created, err := s.events.RecordClick(tok.EmailQueueID, tok.ContactID, tok.CampaignID, destination, source)
	if err != nil {
		return err
	}
	if created {
		s.logger.Info("click recorded", "email_queue_id", tok.EmailQueueID, "url", destination)
	}

	// a click implies the message was opened even if the pixel was blocked
	if _, err := s.events.RecordOpen(tok.EmailQueueID, tok.ContactID, tok.CampaignID, "click"); err != nil {
		s.logger.Warn("failed to record implied open", "error", err)
	}
	return nil
}
