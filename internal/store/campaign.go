package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CampaignRepository owns the campaigns table
type CampaignRepository struct {
	db *sql.DB
}

func NewCampaignRepository(db *sql.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a campaign
func (r *CampaignRepository) Create(c *Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = CampaignDraft
	}
	if c.Type == "" {
		c.Type = "broadcast"
	}
	c.CreatedAt = time.Now()

	_, err := r.db.Exec(`
		INSERT INTO campaigns (id, user_id, name, type, subject, content, from_email, from_name,
			list_id, status, scheduled_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Name, c.Type, c.Subject, c.Content, nullString(c.FromEmail),
		nullString(c.FromName), nullString(c.ListID), c.Status, c.ScheduledAt, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// Get returns a campaign scoped to its owner, or nil
func (r *CampaignRepository) Get(userID, campaignID string) (*Campaign, error) {
	c := &Campaign{}
	var fromEmail, fromName, listID sql.NullString
	var scheduledAt, sentAt sql.NullTime

	err := r.db.QueryRow(`
		SELECT id, user_id, name, type, subject, content, from_email, from_name, list_id,
			status, scheduled_at, sent_at, created_at
		FROM campaigns WHERE id = ? AND user_id = ?`,
		campaignID, userID,
	).Scan(&c.ID, &c.UserID, &c.Name, &c.Type, &c.Subject, &c.Content, &fromEmail,
		&fromName, &listID, &c.Status, &scheduledAt, &sentAt, &c.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.FromEmail = fromEmail.String
	c.FromName = fromName.String
	c.ListID = listID.String
	if scheduledAt.Valid {
		c.ScheduledAt = &scheduledAt.Time
	}
	if sentAt.Valid {
		c.SentAt = &sentAt.Time
	}
	return c, nil
}

// SetStatus updates the campaign lifecycle state
func (r *CampaignRepository) SetStatus(campaignID string, status CampaignStatus) error {
	_, err := r.db.Exec(`UPDATE campaigns SET status = ? WHERE id = ?`, status, campaignID)
	if err != nil {
		return fmt.Errorf("failed to set campaign status: %w", err)
	}
	return nil
}

// Schedule marks a campaign for a future send
func (r *CampaignRepository) Schedule(campaignID string, at time.Time) error {
	_, err := r.db.Exec(`UPDATE campaigns SET status = ?, scheduled_at = ? WHERE id = ?`,
		CampaignScheduled, at, campaignID)
	if err != nil {
		return fmt.Errorf("failed to schedule campaign: %w", err)
	}
	return nil
}

// MarkSent sets the terminal status and timestamp after fan-out completes
func (r *CampaignRepository) MarkSent(campaignID string) error {
	_, err := r.db.Exec(`
		UPDATE campaigns SET status = ?, sent_at = CURRENT_TIMESTAMP WHERE id = ?`,
		CampaignSent, campaignID)
	if err != nil {
		return fmt.Errorf("failed to mark campaign sent: %w", err)
	}
	return nil
}

// ListScheduled returns campaigns in the scheduled state, soonest first.
// Used by startup recovery.
func (r *CampaignRepository) ListScheduled() ([]Campaign, error) {
	rows, err := r.db.Query(`
		SELECT id, user_id, scheduled_at FROM campaigns
		WHERE status = ? AND scheduled_at IS NOT NULL
		ORDER BY scheduled_at ASC`, CampaignScheduled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []Campaign
	for rows.Next() {
		var c Campaign
		var scheduledAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.UserID, &scheduledAt); err != nil {
			return nil, err
		}
		if scheduledAt.Valid {
			c.ScheduledAt = &scheduledAt.Time
		}
		c.Status = CampaignScheduled
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// ContactRepository reads recipients
type ContactRepository struct {
	db *sql.DB
}

func NewContactRepository(db *sql.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// Get returns a contact by id, or nil
func (r *ContactRepository) Get(id string) (*Contact, error) {
	c := &Contact{}
	var name, company sql.NullString
	err := r.db.QueryRow(`
		SELECT id, user_id, email, name, company FROM contacts WHERE id = ?`,
		id).Scan(&c.ID, &c.UserID, &c.Email, &name, &company)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Name = name.String
	c.Company = company.String
	return c, nil
}

// ListByList returns every contact on a list for an account
func (r *ContactRepository) ListByList(userID, listID string) ([]Contact, error) {
	rows, err := r.db.Query(`
		SELECT c.id, c.user_id, c.email, c.name, c.company
		FROM contacts c
		INNER JOIN list_contacts lc ON lc.contact_id = c.id
		WHERE lc.list_id = ? AND c.user_id = ?
		ORDER BY c.created_at ASC`, listID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		var name, company sql.NullString
		if err := rows.Scan(&c.ID, &c.UserID, &c.Email, &name, &company); err != nil {
			return nil, err
		}
		c.Name = name.String
		c.Company = company.String
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// Create inserts a contact
func (r *ContactRepository) Create(c *Contact) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := r.db.Exec(`
		INSERT INTO contacts (id, user_id, email, name, company) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Email, nullString(c.Name), nullString(c.Company))
	if err != nil {
		return fmt.Errorf("failed to create contact: %w", err)
	}
	return nil
}

// AddToList links a contact to a list; linking twice is a no-op
func (r *ContactRepository) AddToList(listID, contactID string) error {
	_, err := r.db.Exec(`
		INSERT OR IGNORE INTO list_contacts (list_id, contact_id) VALUES (?, ?)`,
		listID, contactID)
	if err != nil {
		return fmt.Errorf("failed to add contact to list: %w", err)
	}
	return nil
}

// UserRepository reads per-account settings used by the send path
type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

// FooterSettings returns the unsubscribe footer configuration for an account
func (r *UserRepository) FooterSettings(userID string) (*FooterSettings, error) {
	var address, text sql.NullString
	err := r.db.QueryRow(`
		SELECT company_address, custom_footer_text FROM users WHERE id = ?`,
		userID).Scan(&address, &text)
	if err == sql.ErrNoRows {
		return &FooterSettings{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &FooterSettings{CompanyAddress: address.String, CustomFooterText: text.String}, nil
}
