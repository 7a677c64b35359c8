package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// ProviderConfigRepository owns the provider_configs table
type ProviderConfigRepository struct {
	db *sql.DB
}

func NewProviderConfigRepository(db *sql.DB) *ProviderConfigRepository {
	return &ProviderConfigRepository{db: db}
}

// ListActive returns the active provider configs for an account, default
// first, in creation order after that
func (r *ProviderConfigRepository) ListActive(userID string) ([]ProviderConfigRow, error) {
	rows, err := r.db.Query(`
		SELECT id, user_id, provider, api_key, api_secret, smtp_host, smtp_port, smtp_user,
			smtp_pass, dkim_domain, dkim_selector, dkim_key_file, from_email, from_name,
			daily_limit, is_active, is_default, created_at
		FROM provider_configs
		WHERE user_id = ? AND is_active = 1
		ORDER BY is_default DESC, created_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanProviderRows(rows)
}

// List returns all provider configs for an account
func (r *ProviderConfigRepository) List(userID string) ([]ProviderConfigRow, error) {
	rows, err := r.db.Query(`
		SELECT id, user_id, provider, api_key, api_secret, smtp_host, smtp_port, smtp_user,
			smtp_pass, dkim_domain, dkim_selector, dkim_key_file, from_email, from_name,
			daily_limit, is_active, is_default, created_at
		FROM provider_configs
		WHERE user_id = ?
		ORDER BY is_default DESC, created_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanProviderRows(rows)
}

// Create inserts a config, clearing any previous default when this one is
// marked default (at most one default per account among active configs)
func (r *ProviderConfigRepository) Create(row *ProviderConfigRow) error {
	if row.ID == "" {
		row.ID = uuid.New().String()
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if row.IsDefault {
		if _, err := tx.Exec(`UPDATE provider_configs SET is_default = 0 WHERE user_id = ?`, row.UserID); err != nil {
			return fmt.Errorf("failed to clear previous default provider: %w", err)
		}
	}

	_, err = tx.Exec(`
		INSERT INTO provider_configs (id, user_id, provider, api_key, api_secret, smtp_host,
			smtp_port, smtp_user, smtp_pass, dkim_domain, dkim_selector, dkim_key_file,
			from_email, from_name, daily_limit, is_active, is_default)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.UserID, row.Provider, row.APIKey, row.APISecret, row.SMTPHost,
		row.SMTPPort, row.SMTPUser, row.SMTPPass, row.DKIMDomain, row.DKIMSelector,
		row.DKIMKeyFile, row.FromEmail, row.FromName, row.DailyLimit, row.IsActive, row.IsDefault)
	if err != nil {
		return fmt.Errorf("failed to create provider config: %w", err)
	}

	return tx.Commit()
}

// DailyLimit returns the configured daily limit for (user, provider), 0
// when unset
func (r *ProviderConfigRepository) DailyLimit(userID, provider string) (int, error) {
	var limit int
	err := r.db.QueryRow(`
		SELECT daily_limit FROM provider_configs WHERE user_id = ? AND provider = ?`,
		userID, provider).Scan(&limit)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return limit, nil
}

func scanProviderRows(rows *sql.Rows) ([]ProviderConfigRow, error) {
	var configs []ProviderConfigRow
	for rows.Next() {
		var row ProviderConfigRow
		var apiKey, apiSecret, smtpHost, smtpUser, smtpPass sql.NullString
		var dkimDomain, dkimSelector, dkimKeyFile, fromEmail, fromName sql.NullString

		err := rows.Scan(&row.ID, &row.UserID, &row.Provider, &apiKey, &apiSecret,
			&smtpHost, &row.SMTPPort, &smtpUser, &smtpPass, &dkimDomain, &dkimSelector,
			&dkimKeyFile, &fromEmail, &fromName, &row.DailyLimit, &row.IsActive,
			&row.IsDefault, &row.CreatedAt)
		if err != nil {
			return nil, err
		}

		row.APIKey = apiKey.String
		row.APISecret = apiSecret.String
		row.SMTPHost = smtpHost.String
		row.SMTPUser = smtpUser.String
		row.SMTPPass = smtpPass.String
		row.DKIMDomain = dkimDomain.String
		row.DKIMSelector = dkimSelector.String
		row.DKIMKeyFile = dkimKeyFile.String
		row.FromEmail = fromEmail.String
		row.FromName = fromName.String
		configs = append(configs, row)
	}
	return configs, rows.Err()
}
