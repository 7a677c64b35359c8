package store

import (
	"database/sql"
	"fmt"
)

// TokenRepository owns the tracking_tokens table
type TokenRepository struct {
	db *sql.DB
}

func NewTokenRepository(db *sql.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// Store persists a tracking token. Storing the same token twice is a no-op.
func (r *TokenRepository) Store(t *TrackingToken) error {
	_, err := r.db.Exec(`
		INSERT OR IGNORE INTO tracking_tokens (token, email_queue_id, contact_id, campaign_id)
		VALUES (?, ?, ?, ?)`,
		t.Token, t.EmailQueueID, t.ContactID, nullString(t.CampaignID))
	if err != nil {
		return fmt.Errorf("failed to store tracking token: %w", err)
	}
	return nil
}

// Lookup resolves a token back to its queue record, or nil when unknown
func (r *TokenRepository) Lookup(token string) (*TrackingToken, error) {
	t := &TrackingToken{Token: token}
	var campaignID sql.NullString

	err := r.db.QueryRow(`
		SELECT email_queue_id, contact_id, campaign_id, created_at
		FROM tracking_tokens WHERE token = ?`, token,
	).Scan(&t.EmailQueueID, &t.ContactID, &campaignID, &t.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	t.CampaignID = campaignID.String
	return t, nil
}
