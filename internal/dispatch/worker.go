// Package dispatch executes email jobs end to end: it resolves the queue
// record, walks the send gates (suppression, warmup, hourly rate limit),
// personalizes and instruments the content, and drives the chosen provider.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/driftline/dispatch/internal/metrics"
	"github.com/driftline/dispatch/internal/personalize"
	"github.com/driftline/dispatch/internal/provider"
	"github.com/driftline/dispatch/internal/queue"
	"github.com/driftline/dispatch/internal/ratelimit"
	"github.com/driftline/dispatch/internal/routing"
	"github.com/driftline/dispatch/internal/store"
	"github.com/driftline/dispatch/internal/tracking"
	"github.com/driftline/dispatch/internal/warmup"
)

// ProviderSource yields the provider registry for an account.
// Satisfied by *ProviderCache.
type ProviderSource interface {
	Get(userID string) (*provider.Registry, error)
}

// Worker processes email jobs from the queue
type Worker struct {
	records     *store.QueueRecordRepository
	events      *store.EventRepository
	contacts    *store.ContactRepository
	suppression *store.SuppressionRepository
	providers   ProviderSource
	router      *routing.Router
	limiter     *ratelimit.Limiter
	warmup      *warmup.Service
	tracking    *tracking.Service
	engine      *personalize.Engine
	sendTimeout time.Duration
	trackOpens  bool
	trackClicks bool
	logger      *slog.Logger
}

type WorkerConfig struct {
	SendTimeout time.Duration
	TrackOpens  bool
	TrackClicks bool
}

func NewWorker(
	records *store.QueueRecordRepository,
	events *store.EventRepository,
	contacts *store.ContactRepository,
	suppression *store.SuppressionRepository,
	providers ProviderSource,
	router *routing.Router,
	limiter *ratelimit.Limiter,
	warmupSvc *warmup.Service,
	trackingSvc *tracking.Service,
	cfg WorkerConfig,
	logger *slog.Logger,
) *Worker {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	return &Worker{
		records:     records,
		events:      events,
		contacts:    contacts,
		suppression: suppression,
		providers:   providers,
		router:      router,
		limiter:     limiter,
		warmup:      warmupSvc,
		tracking:    trackingSvc,
		engine:      personalize.NewEngine(),
		sendTimeout: cfg.SendTimeout,
		trackOpens:  cfg.TrackOpens,
		trackClicks: cfg.TrackClicks,
		logger:      logger.With("component", "dispatch"),
	}
}

// ProcessEmailJob is the handler for queue.JobTypeEmail
func (w *Worker) ProcessEmailJob(ctx context.Context, job *queue.Job) error {
	var payload queue.EmailPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("invalid email job payload: %w", err)
	}

	logger := w.logger.With("email_queue_id", payload.EmailQueueID)

	rec, err := w.records.GetByID(payload.EmailQueueID)
	if err != nil {
		return fmt.Errorf("failed to load queue record: %w", err)
	}
	if rec == nil {
		// record was deleted out from under the job, nothing to send
		logger.Warn("queue record gone, dropping job")
		return nil
	}

	// already delivered: a stalled or replayed job must not double-send
	if rec.Status == store.StatusSent {
		logger.Debug("record already sent, skipping")
		return nil
	}

	suppressed, err := w.suppression.IsSuppressed(rec.UserID, rec.ToAddress)
	if err != nil {
		return fmt.Errorf("suppression check failed: %w", err)
	}
	if suppressed {
		if err := w.records.MarkSuppressed(rec.ID); err != nil {
			return fmt.Errorf("failed to mark record suppressed: %w", err)
		}
		metrics.IncEmailsSuppressed()
		logger.Info("recipient suppressed, send cancelled", "to", rec.ToAddress)
		return nil
	}

	if err := w.records.MarkSending(rec.ID); err != nil {
		return fmt.Errorf("failed to mark record sending: %w", err)
	}

	registry, err := w.providers.Get(rec.UserID)
	if err != nil {
		w.failRecord(rec.ID, err, logger)
		return err
	}

	sender, err := w.router.SelectProvider(ctx, rec.UserID, registry)
	if err != nil {
		w.failRecord(rec.ID, err, logger)
		return err
	}
	if def := registry.Default(); def != "" && sender.Name() != def {
		metrics.IncProviderFallback(sender.Name())
	}

	domain := senderDomain(rec.FromAddress)

	canSend, err := w.warmup.CanSend(rec.UserID, domain, sender.Name())
	if err != nil {
		w.failRecord(rec.ID, err, logger)
		return err
	}
	if !canSend {
		delay := untilNextUTCDay()
		w.deferRecord(rec.ID, "warmup daily budget exhausted", delay, logger)
		metrics.IncWarmupDeferred(domain)
		metrics.IncEmailsDeferred("warmup")
		return queue.Defer(delay, "warmup daily budget exhausted")
	}

	allowed, err := w.limiter.Allow(ctx, domain)
	if err != nil {
		w.failRecord(rec.ID, err, logger)
		return err
	}
	if !allowed {
		delay := untilNextHour()
		w.deferRecord(rec.ID, "hourly rate limit reached", delay, logger)
		metrics.IncRateLimitDeferred(domain)
		metrics.IncEmailsDeferred("rate_limit")
		return queue.Defer(delay, "hourly rate limit reached")
	}

	subject, body, err := w.renderContent(rec)
	if err != nil {
		w.failRecord(rec.ID, err, logger)
		return err
	}

	body, err = w.instrument(rec, body)
	if err != nil {
		// tracking failures must not block delivery
		logger.Warn("tracking instrumentation failed, sending plain", "error", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.sendTimeout)
	start := time.Now()
	result, sendErr := sender.SendEmail(sendCtx, provider.SendParams{
		To:          rec.ToAddress,
		Subject:     subject,
		HTMLContent: body,
		FromEmail:   rec.FromAddress,
		FromName:    rec.FromName,
	})
	cancel()
	metrics.ObserveSendDuration(sender.Name(), time.Since(start).Seconds())

	if sendErr != nil {
		w.router.RecordError(ctx, rec.UserID, sender.Name())
		metrics.IncEmailsFailed(sender.Name(), string(provider.Kind(sendErr)))

		if provider.IsRateLimited(sendErr) {
			// the provider told us to back off, close our own window too
			w.limiter.PinToLimit(ctx, domain)
			delay := untilNextHour()
			w.deferRecord(rec.ID, "provider rate limited", delay, logger)
			metrics.IncEmailsDeferred("provider_rate_limit")
			logger.Warn("provider rate limited, deferring", "provider", sender.Name(), "delay", delay)
			return queue.Defer(delay, "provider rate limited")
		}

		w.failRecord(rec.ID, sendErr, logger)
		logger.Warn("send failed",
			"provider", sender.Name(),
			"error_kind", provider.Kind(sendErr),
			"error", sendErr,
		)
		return sendErr
	}

	if err := w.records.MarkSent(rec.ID, sender.Name()); err != nil {
		return fmt.Errorf("failed to mark record sent: %w", err)
	}
	if err := w.events.RecordSent(rec.ID, rec.ContactID, rec.CampaignID, result.MessageID); err != nil {
		logger.Warn("failed to record sent event", "error", err)
	}

	w.limiter.Record(ctx, domain)
	w.router.RecordSuccess(ctx, rec.UserID, sender.Name())
	if err := w.warmup.RecordSend(rec.UserID, domain, sender.Name()); err != nil {
		logger.Warn("failed to record warmup send", "error", err)
	}

	metrics.IncEmailsSent(sender.Name())
	logger.Info("email sent",
		"provider", sender.Name(),
		"to", rec.ToAddress,
		"message_id", result.MessageID,
	)
	return nil
}

// HandleStalledJob reconciles a queue record whose job lost its lease
// mid-flight. Only records still marked sending or queued are touched.
func (w *Worker) HandleStalledJob(job *queue.Job) {
	if job.Type != queue.JobTypeEmail {
		return
	}
	var payload queue.EmailPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return
	}
	if err := w.records.MarkFailedIfInFlight(payload.EmailQueueID, "dispatch stalled, requeued"); err != nil {
		w.logger.Error("failed to reconcile stalled record",
			"email_queue_id", payload.EmailQueueID,
			"error", err,
		)
	}
}

// renderContent personalizes subject and body with live contact data
func (w *Worker) renderContent(rec *store.QueueRecord) (string, string, error) {
	fields := personalize.Fields{Email: rec.ToAddress}

	contact, err := w.contacts.Get(rec.ContactID)
	if err != nil {
		return "", "", fmt.Errorf("failed to load contact: %w", err)
	}
	if contact != nil {
		fields.Name = contact.Name
		fields.Email = contact.Email
		fields.Company = contact.Company
	}

	subject, err := w.engine.Render(rec.Subject, fields)
	if err != nil {
		return "", "", fmt.Errorf("failed to render subject: %w", err)
	}
	body, err := w.engine.Render(rec.Body, fields)
	if err != nil {
		return "", "", fmt.Errorf("failed to render body: %w", err)
	}
	return subject, body, nil
}

// instrument adds the open pixel and click rewrites when enabled
func (w *Worker) instrument(rec *store.QueueRecord, body string) (string, error) {
	if !w.trackOpens && !w.trackClicks {
		return body, nil
	}

	token, err := w.tracking.GenerateToken(rec.ID, rec.ContactID, rec.CampaignID)
	if err != nil {
		return body, err
	}
	if w.trackClicks {
		body = w.tracking.WrapLinks(body, token)
	}
	if w.trackOpens {
		body = w.tracking.AddPixel(body, token)
	}
	return body, nil
}

func (w *Worker) failRecord(id string, err error, logger *slog.Logger) {
	if markErr := w.records.MarkFailed(id, err.Error()); markErr != nil {
		logger.Error("failed to mark record failed", "error", markErr)
	}
}

func (w *Worker) deferRecord(id, note string, delay time.Duration, logger *slog.Logger) {
	if err := w.records.Requeue(id, note, time.Now().Add(delay)); err != nil {
		logger.Error("failed to requeue record", "error", err)
	}
}

func senderDomain(email string) string {
	if i := strings.LastIndexByte(email, '@'); i >= 0 && i < len(email)-1 {
		return strings.ToLower(email[i+1:])
	}
	return "unknown"
}

// untilNextHour returns the wait until the next hourly window opens, with a
// small cushion past the boundary
func untilNextHour() time.Duration {
	now := time.Now().UTC()
	next := now.Truncate(time.Hour).Add(time.Hour + time.Minute)
	return next.Sub(now)
}

// untilNextUTCDay returns the wait until warmup budgets reset
func untilNextUTCDay() time.Duration {
	now := time.Now().UTC()
	next := now.Truncate(24 * time.Hour).Add(24*time.Hour + time.Minute)
	return next.Sub(now)
}
