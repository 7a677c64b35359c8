package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QueueRecordRepository owns the email_queue table and its state machine
type QueueRecordRepository struct {
	db *sql.DB
}

func NewQueueRecordRepository(db *sql.DB) *QueueRecordRepository {
	return &QueueRecordRepository{db: db}
}

// Create inserts a new queued record
func (r *QueueRecordRepository) Create(rec *QueueRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = StatusQueued
	}
	if rec.ScheduledAt.IsZero() {
		rec.ScheduledAt = time.Now()
	}
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt

	_, err := r.db.Exec(`
		INSERT INTO email_queue (id, user_id, contact_id, campaign_id, automation_step_id,
			to_address, subject, body, from_address, from_name, status, scheduled_at,
			retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		rec.ID, rec.UserID, rec.ContactID, nullString(rec.CampaignID), nullString(rec.AutomationStepID),
		rec.ToAddress, rec.Subject, rec.Body, rec.FromAddress, rec.FromName, rec.Status, rec.ScheduledAt,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create queue record: %w", err)
	}
	return nil
}

// GetByID returns a record by id, or nil when absent
func (r *QueueRecordRepository) GetByID(id string) (*QueueRecord, error) {
	return r.scanOne(r.db.QueryRow(`
		SELECT id, user_id, contact_id, campaign_id, automation_step_id, to_address, subject,
			body, from_address, from_name, status, scheduled_at, sent_at, provider,
			error_message, retry_count, created_at, updated_at
		FROM email_queue WHERE id = ?`, id))
}

// LookupOrCreate returns the live record for this job. An explicit id in the
// job payload wins over heuristic lookup by foreign keys; a fresh record is
// created only when neither finds anything. The UPDATE-before-INSERT shape
// keeps concurrent callers for the same key from both inserting.
func (r *QueueRecordRepository) LookupOrCreate(rec *QueueRecord) (*QueueRecord, error) {
	if rec.ID != "" {
		existing, err := r.GetByID(rec.ID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	existing, err := r.latestByKey(rec.ContactID, rec.CampaignID, rec.AutomationStepID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	created := *rec
	if err := r.Create(&created); err != nil {
		// Lost the race: another worker created the row first.
		if existing, lookupErr := r.latestByKey(rec.ContactID, rec.CampaignID, rec.AutomationStepID); lookupErr == nil && existing != nil {
			return existing, nil
		}
		return nil, err
	}
	return &created, nil
}

func (r *QueueRecordRepository) latestByKey(contactID, campaignID, automationStepID string) (*QueueRecord, error) {
	return r.scanOne(r.db.QueryRow(`
		SELECT id, user_id, contact_id, campaign_id, automation_step_id, to_address, subject,
			body, from_address, from_name, status, scheduled_at, sent_at, provider,
			error_message, retry_count, created_at, updated_at
		FROM email_queue
		WHERE contact_id = ? AND (campaign_id = ? OR automation_step_id = ?)
		ORDER BY created_at DESC LIMIT 1`,
		contactID, nullString(campaignID), nullString(automationStepID)))
}

// MarkSending transitions a record to sending at job pickup. Sent records
// are terminal and never touched.
func (r *QueueRecordRepository) MarkSending(id string) error {
	_, err := r.db.Exec(`
		UPDATE email_queue SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status != ?`,
		StatusSending, id, StatusSent)
	if err != nil {
		return fmt.Errorf("failed to mark record sending: %w", err)
	}
	return nil
}

// MarkSent records a successful delivery
func (r *QueueRecordRepository) MarkSent(id, provider string) error {
	_, err := r.db.Exec(`
		UPDATE email_queue
		SET status = ?, sent_at = CURRENT_TIMESTAMP, provider = ?, error_message = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		StatusSent, provider, id)
	if err != nil {
		return fmt.Errorf("failed to mark record sent: %w", err)
	}
	return nil
}

// MarkFailed records a failure and increments the retry counter
func (r *QueueRecordRepository) MarkFailed(id, errMsg string) error {
	_, err := r.db.Exec(`
		UPDATE email_queue
		SET status = ?, error_message = ?, retry_count = retry_count + 1,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		StatusFailed, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to mark record failed: %w", err)
	}
	return nil
}

// MarkSuppressed terminates a record for a suppressed recipient without
// touching the retry counter; suppression is an expected short-circuit,
// not a delivery failure.
func (r *QueueRecordRepository) MarkSuppressed(id string) error {
	_, err := r.db.Exec(`
		UPDATE email_queue
		SET status = ?, error_message = 'Contact suppressed', updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		StatusFailed, id)
	if err != nil {
		return fmt.Errorf("failed to mark record suppressed: %w", err)
	}
	return nil
}

// MarkFailedIfInFlight is the stall-recovery variant of MarkFailed: it only
// touches records still in queued/sending so it stays idempotent against a
// worker that finished the job after the stall fired.
func (r *QueueRecordRepository) MarkFailedIfInFlight(id, errMsg string) error {
	_, err := r.db.Exec(`
		UPDATE email_queue
		SET status = ?, error_message = COALESCE(error_message, ?), retry_count = retry_count + 1,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?)`,
		StatusFailed, errMsg, id, StatusSending, StatusQueued)
	if err != nil {
		return fmt.Errorf("failed to mark stalled record failed: %w", err)
	}
	return nil
}

// Requeue annotates a deferred record and returns it to queued. Used for
// warmup and rate-limit deferrals, which are not failures.
func (r *QueueRecordRepository) Requeue(id, note string, scheduledAt time.Time) error {
	_, err := r.db.Exec(`
		UPDATE email_queue
		SET status = ?, error_message = ?, scheduled_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status != ?`,
		StatusQueued, note, scheduledAt, id, StatusSent)
	if err != nil {
		return fmt.Errorf("failed to requeue record: %w", err)
	}
	return nil
}

// SweepStuckSending force-fails records stuck in sending for longer than
// maxAge. The job queue has its own stall detector; this sweep catches the
// cases where the queue itself lost track of the job.
func (r *QueueRecordRepository) SweepStuckSending(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	res, err := r.db.Exec(`
		UPDATE email_queue
		SET status = ?, error_message = 'Send timed out - no response from worker',
			retry_count = retry_count + 1, updated_at = CURRENT_TIMESTAMP
		WHERE status = ? AND updated_at < ?`,
		StatusFailed, StatusSending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stuck records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// LatestStatusByContact returns, for each contact with records in this
// campaign, the status of its most recent record. Used to scope recovery.
func (r *QueueRecordRepository) LatestStatusByContact(campaignID string) (map[string]QueueStatus, error) {
	rows, err := r.db.Query(`
		SELECT contact_id, status FROM email_queue q
		WHERE campaign_id = ?
		AND created_at = (
			SELECT MAX(created_at) FROM email_queue
			WHERE campaign_id = q.campaign_id AND contact_id = q.contact_id
		)`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	statuses := make(map[string]QueueStatus)
	for rows.Next() {
		var contactID string
		var status QueueStatus
		if err := rows.Scan(&contactID, &status); err != nil {
			return nil, err
		}
		statuses[contactID] = status
	}
	return statuses, rows.Err()
}

// CountSent returns the number of sent records for a campaign
func (r *QueueRecordRepository) CountSent(userID, campaignID string) (int, error) {
	var n int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM email_queue
		WHERE campaign_id = ? AND user_id = ? AND status = ?`,
		campaignID, userID, StatusSent).Scan(&n)
	return n, err
}

func (r *QueueRecordRepository) scanOne(row *sql.Row) (*QueueRecord, error) {
	rec := &QueueRecord{}
	var campaignID, automationStepID, fromName, provider, errMsg sql.NullString
	var sentAt sql.NullTime

	err := row.Scan(&rec.ID, &rec.UserID, &rec.ContactID, &campaignID, &automationStepID,
		&rec.ToAddress, &rec.Subject, &rec.Body, &rec.FromAddress, &fromName, &rec.Status,
		&rec.ScheduledAt, &sentAt, &provider, &errMsg, &rec.RetryCount, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec.CampaignID = campaignID.String
	rec.AutomationStepID = automationStepID.String
	rec.FromName = fromName.String
	rec.Provider = provider.String
	rec.ErrorMessage = errMsg.String
	if sentAt.Valid {
		rec.SentAt = &sentAt.Time
	}
	return rec, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
