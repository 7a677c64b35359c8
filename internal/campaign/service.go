// Package campaign fans a campaign out into per-recipient queue records and
// dispatch jobs, schedules future sends, and recovers interrupted work
// after a restart.
package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/driftline/dispatch/internal/metrics"
	"github.com/driftline/dispatch/internal/queue"
	"github.com/driftline/dispatch/internal/store"
)

const enqueueBatchSize = 50

// Service orchestrates campaign sends
type Service struct {
	campaigns   *store.CampaignRepository
	contacts    *store.ContactRepository
	records     *store.QueueRecordRepository
	users       *store.UserRepository
	suppression *store.SuppressionRepository
	events      *store.EventRepository
	storage     *queue.Storage
	baseURL     string
	spread      time.Duration
	logger      *slog.Logger
}

type Config struct {
	// BaseURL is the public address used for unsubscribe links
	BaseURL string
	// Spread is the window over which recipient sends are randomly
	// distributed so a campaign does not hit providers as one burst
	Spread time.Duration
}

func New(
	campaigns *store.CampaignRepository,
	contacts *store.ContactRepository,
	records *store.QueueRecordRepository,
	users *store.UserRepository,
	suppression *store.SuppressionRepository,
	events *store.EventRepository,
	storage *queue.Storage,
	cfg Config,
	logger *slog.Logger,
) *Service {
	if cfg.Spread < 0 {
		cfg.Spread = 0
	}
	return &Service{
		campaigns:   campaigns,
		contacts:    contacts,
		records:     records,
		users:       users,
		suppression: suppression,
		events:      events,
		storage:     storage,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		spread:      cfg.Spread,
		logger:      logger.With("component", "campaign"),
	}
}

// SendCampaign fans the campaign out to its list. Re-sending a campaign
// that is already sending or sent is rejected; per-recipient job ids keep
// the fan-out itself idempotent if it races.
func (s *Service) SendCampaign(ctx context.Context, userID, campaignID string) (int, error) {
	c, err := s.campaigns.Get(userID, campaignID)
	if err != nil {
		return 0, fmt.Errorf("failed to load campaign: %w", err)
	}
	if c == nil {
		return 0, fmt.Errorf("campaign not found: %s", campaignID)
	}
	if c.Status == store.CampaignSending || c.Status == store.CampaignSent {
		return 0, fmt.Errorf("campaign %s already %s", campaignID, c.Status)
	}
	if c.ListID == "" {
		return 0, fmt.Errorf("campaign %s has no recipient list", campaignID)
	}

	contacts, err := s.contacts.ListByList(userID, c.ListID)
	if err != nil {
		return 0, fmt.Errorf("failed to load recipients: %w", err)
	}
	if len(contacts) == 0 {
		return 0, fmt.Errorf("campaign %s list is empty", campaignID)
	}

	if err := s.campaigns.SetStatus(campaignID, store.CampaignSending); err != nil {
		return 0, fmt.Errorf("failed to mark campaign sending: %w", err)
	}

	footer, err := s.users.FooterSettings(userID)
	if err != nil {
		s.logger.Warn("failed to load footer settings, using defaults", "error", err)
		footer = &store.FooterSettings{}
	}

	enqueued := 0
	for start := 0; start < len(contacts); start += enqueueBatchSize {
		end := start + enqueueBatchSize
		if end > len(contacts) {
			end = len(contacts)
		}
		n, err := s.enqueueBatch(ctx, c, contacts[start:end], footer)
		enqueued += n
		if err != nil {
			return enqueued, err
		}
	}

	if err := s.campaigns.MarkSent(campaignID); err != nil {
		return enqueued, fmt.Errorf("failed to mark campaign sent: %w", err)
	}

	metrics.IncCampaignsSent()
	metrics.AddCampaignEmailsEnqueued(enqueued)
	s.logger.Info("campaign fanned out",
		"campaign_id", campaignID,
		"recipients", len(contacts),
		"enqueued", enqueued,
	)
	return enqueued, nil
}

// enqueueBatch creates queue records and jobs for one slice of recipients.
// Recipients within a batch are processed concurrently.
func (s *Service) enqueueBatch(ctx context.Context, c *store.Campaign, contacts []store.Contact, footer *store.FooterSettings) (int, error) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		enqueued int
		firstErr error
	)

	for i := range contacts {
		contact := contacts[i]
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := ctx.Err(); err != nil {
				return
			}

			ok, err := s.enqueueRecipient(c, contact, footer)
			mu.Lock()
			defer mu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			if ok {
				enqueued++
			}
		}()
	}
	wg.Wait()

	return enqueued, firstErr
}

// enqueueRecipient creates the queue record and dispatch job for one
// contact. Returns false when the pair already exists.
func (s *Service) enqueueRecipient(c *store.Campaign, contact store.Contact, footer *store.FooterSettings) (bool, error) {
	suppressed, err := s.suppression.IsSuppressed(c.UserID, contact.Email)
	if err != nil {
		return false, fmt.Errorf("failed to check suppression for %s: %w", contact.Email, err)
	}
	if suppressed {
		s.logger.Debug("skipping suppressed contact", "campaign_id", c.ID, "contact_id", contact.ID)
		return false, nil
	}

	body := appendFooter(c.Content, s.baseURL, contact.ID, footer)

	delay := time.Duration(0)
	if s.spread > 0 {
		delay = time.Duration(rand.Int63n(int64(s.spread)))
	}

	rec, err := s.records.LookupOrCreate(&store.QueueRecord{
		UserID:      c.UserID,
		ContactID:   contact.ID,
		CampaignID:  c.ID,
		ToAddress:   contact.Email,
		Subject:     c.Subject,
		Body:        body,
		FromAddress: c.FromEmail,
		FromName:    c.FromName,
		Status:      store.StatusQueued,
		ScheduledAt: time.Now().Add(delay),
	})
	if err != nil {
		return false, fmt.Errorf("failed to create queue record for %s: %w", contact.Email, err)
	}

	created, err := s.storage.Enqueue(
		queue.EmailJobID(rec.ID),
		queue.JobTypeEmail,
		queue.EmailPayload{EmailQueueID: rec.ID, UserID: c.UserID},
		delay,
	)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue job for %s: %w", contact.Email, err)
	}
	return created, nil
}

// ScheduleCampaign marks the campaign scheduled and plants a delayed
// campaign job that fires the fan-out at the requested time.
func (s *Service) ScheduleCampaign(ctx context.Context, userID, campaignID string, at time.Time) error {
	c, err := s.campaigns.Get(userID, campaignID)
	if err != nil {
		return fmt.Errorf("failed to load campaign: %w", err)
	}
	if c == nil {
		return fmt.Errorf("campaign not found: %s", campaignID)
	}
	if c.Status == store.CampaignSending || c.Status == store.CampaignSent {
		return fmt.Errorf("campaign %s already %s", campaignID, c.Status)
	}

	if err := s.campaigns.Schedule(campaignID, at); err != nil {
		return fmt.Errorf("failed to schedule campaign: %w", err)
	}

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	if _, err := s.storage.Enqueue(
		queue.CampaignJobID(campaignID),
		queue.JobTypeCampaign,
		queue.CampaignPayload{CampaignID: campaignID, UserID: userID},
		delay,
	); err != nil {
		return fmt.Errorf("failed to enqueue campaign job: %w", err)
	}

	s.logger.Info("campaign scheduled", "campaign_id", campaignID, "at", at)
	return nil
}

// ProcessCampaignJob is the handler for queue.JobTypeCampaign. It
// re-validates the campaign before firing: a campaign cancelled or already
// sent while the job waited is skipped.
func (s *Service) ProcessCampaignJob(ctx context.Context, job *queue.Job) error {
	var payload queue.CampaignPayload
	if err := unmarshalPayload(job, &payload); err != nil {
		return err
	}

	c, err := s.campaigns.Get(payload.UserID, payload.CampaignID)
	if err != nil {
		return fmt.Errorf("failed to load campaign: %w", err)
	}
	if c == nil {
		s.logger.Warn("scheduled campaign gone, dropping job", "campaign_id", payload.CampaignID)
		return nil
	}
	if c.Status != store.CampaignScheduled {
		s.logger.Info("campaign no longer scheduled, skipping",
			"campaign_id", payload.CampaignID,
			"status", c.Status,
		)
		return nil
	}

	// a trigger can fire early when the send time was pushed back after the
	// job was planted; wait out the remainder instead of fanning out
	if c.ScheduledAt != nil && c.ScheduledAt.After(time.Now()) {
		wait := time.Until(*c.ScheduledAt)
		s.logger.Info("campaign send time not reached, re-delaying",
			"campaign_id", payload.CampaignID,
			"wait", wait,
		)
		return queue.Defer(wait, "send time not reached")
	}

	_, err = s.SendCampaign(ctx, payload.UserID, payload.CampaignID)
	return err
}

// RecoverScheduledCampaigns re-plants campaign jobs after a restart. The
// deterministic job id makes this a no-op for jobs that survived in the
// queue database.
func (s *Service) RecoverScheduledCampaigns(ctx context.Context) (int, error) {
	campaigns, err := s.campaigns.ListScheduled()
	if err != nil {
		return 0, fmt.Errorf("failed to list scheduled campaigns: %w", err)
	}

	recovered := 0
	for _, c := range campaigns {
		// a send time that passed while the service was down goes back to
		// draft rather than firing a stale campaign unprompted
		if c.ScheduledAt == nil || !c.ScheduledAt.After(time.Now()) {
			if err := s.campaigns.SetStatus(c.ID, store.CampaignDraft); err != nil {
				return recovered, fmt.Errorf("failed to reset overdue campaign %s: %w", c.ID, err)
			}
			s.logger.Warn("overdue scheduled campaign returned to draft", "campaign_id", c.ID)
			continue
		}

		delay := time.Until(*c.ScheduledAt)
		created, err := s.storage.Enqueue(
			queue.CampaignJobID(c.ID),
			queue.JobTypeCampaign,
			queue.CampaignPayload{CampaignID: c.ID, UserID: c.UserID},
			delay,
		)
		if err != nil {
			return recovered, fmt.Errorf("failed to recover campaign %s: %w", c.ID, err)
		}
		if created {
			recovered++
			s.logger.Info("scheduled campaign recovered", "campaign_id", c.ID, "delay", delay)
		}
	}
	return recovered, nil
}

// RecoverCampaignEmails re-enqueues recipients whose latest record failed.
// Sent, sending and still-queued records are left alone so recovery can
// never double-send.
func (s *Service) RecoverCampaignEmails(ctx context.Context, userID, campaignID string) (int, error) {
	c, err := s.campaigns.Get(userID, campaignID)
	if err != nil {
		return 0, fmt.Errorf("failed to load campaign: %w", err)
	}
	if c == nil {
		return 0, fmt.Errorf("campaign not found: %s", campaignID)
	}

	statuses, err := s.records.LatestStatusByContact(campaignID)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect campaign records: %w", err)
	}

	contacts, err := s.contacts.ListByList(userID, c.ListID)
	if err != nil {
		return 0, fmt.Errorf("failed to load recipients: %w", err)
	}

	footer, err := s.users.FooterSettings(userID)
	if err != nil {
		footer = &store.FooterSettings{}
	}

	recovered := 0
	for _, contact := range contacts {
		status, seen := statuses[contact.ID]
		if seen && status != store.StatusFailed {
			continue
		}

		ok, err := s.enqueueRecipient(c, contact, footer)
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
		}
	}

	// a sent campaign with work back in flight reads as sending again
	if recovered > 0 && c.Status == store.CampaignSent {
		if err := s.campaigns.SetStatus(campaignID, store.CampaignSending); err != nil {
			return recovered, fmt.Errorf("failed to reopen campaign: %w", err)
		}
	}

	s.logger.Info("campaign emails recovered",
		"campaign_id", campaignID,
		"recovered", recovered,
	)
	return recovered, nil
}

// Stats aggregates delivery and engagement counts for a campaign
func (s *Service) Stats(ctx context.Context, userID, campaignID string) (*store.CampaignStats, error) {
	c, err := s.campaigns.Get(userID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("campaign not found: %s", campaignID)
	}
	stats, err := s.events.CampaignStats(userID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate campaign stats: %w", err)
	}
	return stats, nil
}

func unmarshalPayload(job *queue.Job, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return fmt.Errorf("invalid %s job payload: %w", job.Type, err)
	}
	return nil
}
