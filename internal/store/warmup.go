package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// WarmupRepository owns the warmup_schedules table
type WarmupRepository struct {
	db *sql.DB
}

func NewWarmupRepository(db *sql.DB) *WarmupRepository {
	return &WarmupRepository{db: db}
}

// Get returns the schedule for (user, domain, provider), or nil
func (r *WarmupRepository) Get(userID, domain, provider string) (*WarmupSchedule, error) {
	s := &WarmupSchedule{}
	var lastReset, metrics sql.NullString

	err := r.db.QueryRow(`
		SELECT id, user_id, domain, provider, phase, daily_limit, current_count,
			last_reset_date, metrics, status, created_at
		FROM warmup_schedules
		WHERE user_id = ? AND domain = ? AND provider = ?`,
		userID, domain, provider,
	).Scan(&s.ID, &s.UserID, &s.Domain, &s.Provider, &s.Phase, &s.DailyLimit,
		&s.CurrentCount, &lastReset, &metrics, &s.Status, &s.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.LastResetDate = lastReset.String
	s.Metrics = metrics.String
	return s, nil
}

// Create inserts a phase-1 schedule; returns the existing one when present
func (r *WarmupRepository) Create(userID, domain, provider string, today string) (*WarmupSchedule, error) {
	existing, err := r.Get(userID, domain, provider)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	s := &WarmupSchedule{
		ID:            uuid.New().String(),
		UserID:        userID,
		Domain:        domain,
		Provider:      provider,
		Phase:         1,
		DailyLimit:    50,
		LastResetDate: today,
		Status:        "active",
	}
	_, err = r.db.Exec(`
		INSERT INTO warmup_schedules (id, user_id, domain, provider, phase, daily_limit, current_count, last_reset_date, status)
		VALUES (?, ?, ?, ?, 1, 50, 0, ?, 'active')`,
		s.ID, userID, domain, provider, today)
	if err != nil {
		return nil, fmt.Errorf("failed to create warmup schedule: %w", err)
	}
	return s, nil
}

// ResetDailyCount zeroes the counter for a new calendar day
func (r *WarmupRepository) ResetDailyCount(id, today string) error {
	_, err := r.db.Exec(`
		UPDATE warmup_schedules SET current_count = 0, last_reset_date = ? WHERE id = ?`,
		today, id)
	if err != nil {
		return fmt.Errorf("failed to reset warmup count: %w", err)
	}
	return nil
}

// IncrementCount records one send against the schedule
func (r *WarmupRepository) IncrementCount(id string) error {
	_, err := r.db.Exec(`
		UPDATE warmup_schedules SET current_count = current_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to increment warmup count: %w", err)
	}
	return nil
}

// Update persists phase, limit and metrics
func (r *WarmupRepository) Update(id string, phase, dailyLimit int, metrics string) error {
	_, err := r.db.Exec(`
		UPDATE warmup_schedules SET phase = ?, daily_limit = ?, metrics = ? WHERE id = ?`,
		phase, dailyLimit, metrics, id)
	if err != nil {
		return fmt.Errorf("failed to update warmup schedule: %w", err)
	}
	return nil
}

// SetStatus marks a schedule active or completed
func (r *WarmupRepository) SetStatus(userID, domain, provider, status string) error {
	_, err := r.db.Exec(`
		UPDATE warmup_schedules SET status = ? WHERE user_id = ? AND domain = ? AND provider = ?`,
		status, userID, domain, provider)
	if err != nil {
		return fmt.Errorf("failed to set warmup status: %w", err)
	}
	return nil
}
