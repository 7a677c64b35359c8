// Package warmup throttles new domain/provider pairs to a ramping daily
// volume and reacts to bounce and complaint feedback before reputation
// damage compounds.
package warmup

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftline/dispatch/internal/store"
)

// Phase daily caps. A schedule past phase 3 stays at the phase 3 limit
// until it is explicitly completed.
var phaseLimits = map[int]int{
	1: 50,
	2: 200,
	3: 500,
}

const (
	// demotion thresholds, rates as fractions of sends
	maxBounceRate    = 0.05
	maxComplaintRate = 0.001

	// promotion thresholds
	promoteBounceRate    = 0.01
	promoteComplaintRate = 0.0001

	// a demoted limit never drops below this floor
	minDailyLimit = 10

	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

// metricsBlob is the JSON persisted in warmup_schedules.metrics
type metricsBlob struct {
	BounceRate    float64 `json:"bounce_rate"`
	ComplaintRate float64 `json:"complaint_rate"`
	UpdatedAt     string  `json:"updated_at"`
}

// Service gates sends against per-domain warmup schedules
type Service struct {
	repo   *store.WarmupRepository
	logger *slog.Logger
}

func New(repo *store.WarmupRepository, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.With("component", "warmup"),
	}
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}

// EnsureSchedule returns the schedule for the pair, creating a phase 1
// schedule on first sight of the domain.
func (s *Service) EnsureSchedule(userID, domain, provider string) (*store.WarmupSchedule, error) {
	sched, err := s.repo.Get(userID, domain, provider)
	if err != nil {
		return nil, err
	}
	if sched != nil {
		return sched, nil
	}

	sched, err = s.repo.Create(userID, domain, provider, today())
	if err != nil {
		return nil, err
	}
	s.logger.Info("warmup schedule started",
		"domain", domain,
		"provider", provider,
		"daily_limit", sched.DailyLimit,
	)
	return sched, nil
}

// CanSend reports whether the pair may send one more message today. A pair
// with no schedule is unrestricted; enrollment happens only through
// EnsureSchedule. The daily counter resets lazily on the first check of a
// new UTC day.
func (s *Service) CanSend(userID, domain, provider string) (bool, error) {
	sched, err := s.repo.Get(userID, domain, provider)
	if err != nil {
		return false, err
	}
	if sched == nil {
		return true, nil
	}

	switch sched.Status {
	case StatusCompleted:
		return true, nil
	case StatusPaused:
		return false, nil
	}

	if d := today(); sched.LastResetDate != d {
		if err := s.repo.ResetDailyCount(sched.ID, d); err != nil {
			return false, fmt.Errorf("failed to reset warmup counter: %w", err)
		}
		sched.CurrentCount = 0
	}

	return sched.CurrentCount < sched.DailyLimit, nil
}

// RecordSend increments today's counter after a successful delivery
func (s *Service) RecordSend(userID, domain, provider string) error {
	sched, err := s.repo.Get(userID, domain, provider)
	if err != nil || sched == nil {
		return err
	}
	if sched.Status != StatusActive {
		return nil
	}
	return s.repo.IncrementCount(sched.ID)
}

// UpdateMetrics applies observed bounce and complaint rates. High rates
// halve the daily limit; clean rates advance the phase.
func (s *Service) UpdateMetrics(userID, domain, provider string, bounceRate, complaintRate float64) error {
	sched, err := s.repo.Get(userID, domain, provider)
	if err != nil {
		return err
	}
	if sched == nil || sched.Status != StatusActive {
		return nil
	}

	phase := sched.Phase
	limit := sched.DailyLimit

	if bounceRate > maxBounceRate || complaintRate > maxComplaintRate {
		limit = limit / 2
		if limit < minDailyLimit {
			limit = minDailyLimit
		}
		s.logger.Warn("warmup limit reduced",
			"domain", domain,
			"provider", provider,
			"bounce_rate", bounceRate,
			"complaint_rate", complaintRate,
			"daily_limit", limit,
		)
	} else if phase < 3 && bounceRate < promoteBounceRate && complaintRate < promoteComplaintRate {
		phase++
		limit = phaseLimits[phase]
		s.logger.Info("warmup phase advanced",
			"domain", domain,
			"provider", provider,
			"phase", phase,
			"daily_limit", limit,
		)
	}

	metrics, err := json.Marshal(metricsBlob{
		BounceRate:    bounceRate,
		ComplaintRate: complaintRate,
		UpdatedAt:     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to encode warmup metrics: %w", err)
	}

	return s.repo.Update(sched.ID, phase, limit, string(metrics))
}

// CompleteWarmup removes the daily gate for a fully warmed pair
func (s *Service) CompleteWarmup(userID, domain, provider string) error {
	sched, err := s.repo.Get(userID, domain, provider)
	if err != nil {
		return err
	}
	if sched == nil {
		return fmt.Errorf("no warmup schedule for %s/%s", domain, provider)
	}
	if err := s.repo.SetStatus(userID, domain, provider, StatusCompleted); err != nil {
		return err
	}
	s.logger.Info("warmup completed", "domain", domain, "provider", provider)
	return nil
}

// PauseWarmup stops sends for the pair until resumed
func (s *Service) PauseWarmup(userID, domain, provider string) error {
	sched, err := s.repo.Get(userID, domain, provider)
	if err != nil {
		return err
	}
	if sched == nil {
		return fmt.Errorf("no warmup schedule for %s/%s", domain, provider)
	}
	return s.repo.SetStatus(userID, domain, provider, StatusPaused)
}

// ResumeWarmup reactivates a paused schedule
func (s *Service) ResumeWarmup(userID, domain, provider string) error {
	sched, err := s.repo.Get(userID, domain, provider)
	if err != nil {
		return err
	}
	if sched == nil {
		return fmt.Errorf("no warmup schedule for %s/%s", domain, provider)
	}
	return s.repo.SetStatus(userID, domain, provider, StatusActive)
}
