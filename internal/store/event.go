package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventRepository owns the email_events table
type EventRepository struct {
	db *sql.DB
}

func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// eventMetadata is the JSON shape stored in the metadata column
type eventMetadata struct {
	Source    string `json:"source,omitempty"`
	URL       string `json:"url,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// RecordSent inserts a sent event carrying the provider's message id
func (r *EventRepository) RecordSent(emailQueueID, contactID, campaignID, providerEventID string) error {
	_, err := r.db.Exec(`
		INSERT INTO email_events (id, email_queue_id, contact_id, campaign_id, event_type, provider_event_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), emailQueueID, contactID, nullString(campaignID), EventSent, nullString(providerEventID))
	if err != nil {
		return fmt.Errorf("failed to record sent event: %w", err)
	}
	return nil
}

// RecordOpen records an opened event, deduplicated per queue record.
// Returns true when the event is new. A webhook observation of an already
// recorded open upgrades the stored source without inserting a second row.
func (r *EventRepository) RecordOpen(emailQueueID, contactID, campaignID, source string) (bool, error) {
	var existingID string
	err := r.db.QueryRow(`
		SELECT id FROM email_events
		WHERE email_queue_id = ? AND event_type = ? LIMIT 1`,
		emailQueueID, EventOpened).Scan(&existingID)

	if err == nil {
		if source == "webhook" {
			meta, _ := json.Marshal(eventMetadata{Source: "webhook", UpdatedAt: time.Now().UTC().Format(time.RFC3339)})
			if _, err := r.db.Exec(`UPDATE email_events SET metadata = ? WHERE id = ?`, string(meta), existingID); err != nil {
				return false, fmt.Errorf("failed to update open event metadata: %w", err)
			}
		}
		return false, nil
	}
	if err != sql.ErrNoRows {
		return false, err
	}

	meta, _ := json.Marshal(eventMetadata{Source: source})
	_, err = r.db.Exec(`
		INSERT INTO email_events (id, email_queue_id, contact_id, campaign_id, event_type, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), emailQueueID, contactID, nullString(campaignID), EventOpened, string(meta))
	if err != nil {
		return false, fmt.Errorf("failed to record open event: %w", err)
	}
	return true, nil
}

// RecordClick records a clicked event, deduplicated per (queue record, url)
func (r *EventRepository) RecordClick(emailQueueID, contactID, campaignID, url, source string) (bool, error) {
	var existingID string
	err := r.db.QueryRow(`
		SELECT id FROM email_events
		WHERE email_queue_id = ? AND event_type = ?
		AND json_extract(metadata, '$.url') = ? LIMIT 1`,
		emailQueueID, EventClicked, url).Scan(&existingID)

	if err == nil {
		if source == "webhook" {
			meta, _ := json.Marshal(eventMetadata{Source: "webhook", URL: url, UpdatedAt: time.Now().UTC().Format(time.RFC3339)})
			if _, err := r.db.Exec(`UPDATE email_events SET metadata = ? WHERE id = ?`, string(meta), existingID); err != nil {
				return false, fmt.Errorf("failed to update click event metadata: %w", err)
			}
		}
		return false, nil
	}
	if err != sql.ErrNoRows {
		return false, err
	}

	meta, _ := json.Marshal(eventMetadata{Source: source, URL: url})
	_, err = r.db.Exec(`
		INSERT INTO email_events (id, email_queue_id, contact_id, campaign_id, event_type, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), emailQueueID, contactID, nullString(campaignID), EventClicked, string(meta))
	if err != nil {
		return false, fmt.Errorf("failed to record click event: %w", err)
	}
	return true, nil
}

// Record inserts an arbitrary event (delivered, bounced, complained) from
// a provider webhook
func (r *EventRepository) Record(emailQueueID, contactID, campaignID string, eventType EventType, source, providerEventID string) error {
	meta, _ := json.Marshal(eventMetadata{Source: source})
	_, err := r.db.Exec(`
		INSERT INTO email_events (id, email_queue_id, contact_id, campaign_id, event_type, metadata, provider_event_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), emailQueueID, contactID, nullString(campaignID), eventType, string(meta), nullString(providerEventID))
	if err != nil {
		return fmt.Errorf("failed to record %s event: %w", eventType, err)
	}
	return nil
}

// CampaignStats aggregates unique per-record event counts for a campaign
func (r *EventRepository) CampaignStats(userID, campaignID string) (*CampaignStats, error) {
	stats := &CampaignStats{}

	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM email_queue WHERE campaign_id = ? AND user_id = ? AND status = ?`,
		campaignID, userID, StatusSent).Scan(&stats.Sent)
	if err != nil {
		return nil, err
	}

	err = r.db.QueryRow(`
		SELECT
			COUNT(DISTINCT CASE WHEN e.event_type = 'delivered' THEN e.email_queue_id END),
			COUNT(DISTINCT CASE WHEN e.event_type = 'bounced' THEN e.email_queue_id END),
			COUNT(DISTINCT CASE WHEN e.event_type = 'complained' THEN e.email_queue_id END),
			COUNT(DISTINCT CASE WHEN e.event_type = 'opened' THEN e.email_queue_id END),
			COUNT(DISTINCT CASE WHEN e.event_type = 'clicked' THEN e.email_queue_id END)
		FROM email_events e
		INNER JOIN email_queue q ON e.email_queue_id = q.id
		WHERE q.campaign_id = ? AND q.user_id = ?`,
		campaignID, userID,
	).Scan(&stats.Delivered, &stats.Bounced, &stats.Complained, &stats.Opens, &stats.Clicks)
	if err != nil {
		return nil, err
	}

	return stats, nil
}
