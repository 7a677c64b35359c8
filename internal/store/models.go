package store

import "time"

// QueueStatus is the lifecycle state of a queue record.
// Transitions: queued -> sending -> sent|failed. A failed record goes back
// to queued only through an explicit recovery action.
type QueueStatus string

const (
	StatusQueued  QueueStatus = "queued"
	StatusSending QueueStatus = "sending"
	StatusSent    QueueStatus = "sent"
	StatusFailed  QueueStatus = "failed"
)

// CampaignStatus is the lifecycle state of a campaign
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignSent      CampaignStatus = "sent"
)

// EventType classifies a delivery/engagement event
type EventType string

const (
	EventSent       EventType = "sent"
	EventDelivered  EventType = "delivered"
	EventOpened     EventType = "opened"
	EventClicked    EventType = "clicked"
	EventBounced    EventType = "bounced"
	EventComplained EventType = "complained"
)

// QueueRecord is the authoritative per-recipient row in email_queue
type QueueRecord struct {
	ID               string
	UserID           string
	ContactID        string
	CampaignID       string // empty when driven by an automation step
	AutomationStepID string // empty when driven by a campaign
	ToAddress        string
	Subject          string
	Body             string
	FromAddress      string
	FromName         string
	Status           QueueStatus
	ScheduledAt      time.Time
	SentAt           *time.Time
	Provider         string
	ErrorMessage     string
	RetryCount       int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EmailEvent is one row in email_events
type EmailEvent struct {
	ID              string
	EmailQueueID    string
	ContactID       string
	CampaignID      string
	EventType       EventType
	Metadata        string // JSON blob: {"source": ..., "url": ...}
	ProviderEventID string
	CreatedAt       time.Time
}

// TrackingToken correlates pixel/click hits back to a queue record
type TrackingToken struct {
	Token        string
	EmailQueueID string
	ContactID    string
	CampaignID   string
	CreatedAt    time.Time
}

// WarmupSchedule is the progressive daily-limit row per (user, domain, provider)
type WarmupSchedule struct {
	ID            string
	UserID        string
	Domain        string
	Provider      string
	Phase         int
	DailyLimit    int
	CurrentCount  int
	LastResetDate string // YYYY-MM-DD
	Metrics       string // JSON blob
	Status        string // active, completed
	CreatedAt     time.Time
}

// ProviderConfigRow is one configured outbound provider for an account.
// Credential columns are sparse; which ones are required depends on the
// provider discriminator and is enforced when building the typed config.
type ProviderConfigRow struct {
	ID         string
	UserID     string
	Provider   string
	APIKey     string
	APISecret  string
	SMTPHost   string
	SMTPPort   int
	SMTPUser   string
	SMTPPass   string
	DKIMDomain string
	DKIMSelector string
	DKIMKeyFile  string
	FromEmail  string
	FromName   string
	DailyLimit int
	IsActive   bool
	IsDefault  bool
	CreatedAt  time.Time
}

// Campaign is one row in campaigns
type Campaign struct {
	ID          string
	UserID      string
	Name        string
	Type        string // broadcast, lifecycle
	Subject     string
	Content     string
	FromEmail   string
	FromName    string
	ListID      string
	Status      CampaignStatus
	ScheduledAt *time.Time
	SentAt      *time.Time
	CreatedAt   time.Time
}

// Contact is a recipient
type Contact struct {
	ID      string
	UserID  string
	Email   string
	Name    string
	Company string
}

// CampaignStats aggregates per-campaign delivery and engagement counts
type CampaignStats struct {
	Sent       int
	Delivered  int
	Bounced    int
	Complained int
	Opens      int
	Clicks     int
}

// FooterSettings holds the per-account unsubscribe footer configuration
type FooterSettings struct {
	CompanyAddress   string
	CustomFooterText string
}
