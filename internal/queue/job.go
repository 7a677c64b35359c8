package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType routes a job to its registered handler
type JobType string

const (
	JobTypeEmail    JobType = "email"
	JobTypeCampaign JobType = "campaign"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	StatusPending JobStatus = "pending"
	StatusDelayed JobStatus = "delayed"
	StatusActive  JobStatus = "active"
	StatusDone    JobStatus = "done"
	StatusDead    JobStatus = "dead"
)

// Job is one unit of dispatch work. The ID is deterministic per logical
// task (email-<queue record id>, campaign-<campaign id>) so re-enqueuing
// the same task is a no-op instead of a duplicate send.
type Job struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	RunAt       time.Time       `json:"run_at"`
	LeaseUntil  time.Time       `json:"lease_until,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// EmailPayload is the body of a JobTypeEmail job
type EmailPayload struct {
	EmailQueueID string `json:"email_queue_id"`
	UserID       string `json:"user_id"`
}

// EmailJobID builds the deterministic job id for a queue record
func EmailJobID(queueRecordID string) string {
	return "email-" + queueRecordID
}

// CampaignPayload is the body of a JobTypeCampaign job
type CampaignPayload struct {
	CampaignID string `json:"campaign_id"`
	UserID     string `json:"user_id"`
}

// CampaignJobID builds the deterministic job id for a scheduled campaign
func CampaignJobID(campaignID string) string {
	return "campaign-" + campaignID
}

// DeferError tells the processor to push the job back without consuming an
// attempt. Used when an external gate (rate limit, warmup budget) is closed
// and the work should simply wait it out.
type DeferError struct {
	Delay  time.Duration
	Reason string
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("deferred for %s: %s", e.Delay, e.Reason)
}

// Defer builds a DeferError
func Defer(delay time.Duration, reason string) *DeferError {
	return &DeferError{Delay: delay, Reason: reason}
}

// Stats represents per-status job counts
type Stats struct {
	Pending int64 `json:"pending"`
	Delayed int64 `json:"delayed"`
	Active  int64 `json:"active"`
	Done    int64 `json:"done"`
	Dead    int64 `json:"dead"`
	Total   int64 `json:"total"`
}
