package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens the SQLite database and applies migrations
func Open(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// Migrate applies the schema
func Migrate(db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			name TEXT,
			company_address TEXT,
			custom_footer_text TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			email TEXT NOT NULL,
			name TEXT,
			company TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, email)
		)`,
		`CREATE TABLE IF NOT EXISTS lists (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS list_contacts (
			list_id TEXT NOT NULL REFERENCES lists(id) ON DELETE CASCADE,
			contact_id TEXT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
			PRIMARY KEY (list_id, contact_id)
		)`,
		`CREATE TABLE IF NOT EXISTS suppression_list (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			email TEXT NOT NULL,
			reason TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, email)
		)`,
		`CREATE TABLE IF NOT EXISTS provider_configs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			api_key TEXT,
			api_secret TEXT,
			smtp_host TEXT,
			smtp_port INTEGER DEFAULT 0,
			smtp_user TEXT,
			smtp_pass TEXT,
			dkim_domain TEXT,
			dkim_selector TEXT,
			dkim_key_file TEXT,
			from_email TEXT,
			from_name TEXT,
			daily_limit INTEGER DEFAULT 0,
			is_active BOOLEAN DEFAULT 1,
			is_default BOOLEAN DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS campaigns (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'broadcast',
			subject TEXT NOT NULL,
			content TEXT NOT NULL,
			from_email TEXT,
			from_name TEXT,
			list_id TEXT,
			status TEXT NOT NULL DEFAULT 'draft',
			scheduled_at TIMESTAMP,
			sent_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS email_queue (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			campaign_id TEXT,
			automation_step_id TEXT,
			to_address TEXT NOT NULL,
			subject TEXT NOT NULL,
			body TEXT NOT NULL,
			from_address TEXT NOT NULL,
			from_name TEXT,
			status TEXT NOT NULL DEFAULT 'queued',
			scheduled_at TIMESTAMP NOT NULL,
			sent_at TIMESTAMP,
			provider TEXT,
			error_message TEXT,
			retry_count INTEGER DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_email_queue_campaign ON email_queue(campaign_id, contact_id)`,
		`CREATE INDEX IF NOT EXISTS idx_email_queue_status ON email_queue(status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS email_events (
			id TEXT PRIMARY KEY,
			email_queue_id TEXT NOT NULL REFERENCES email_queue(id) ON DELETE CASCADE,
			contact_id TEXT NOT NULL,
			campaign_id TEXT,
			event_type TEXT NOT NULL,
			metadata TEXT,
			provider_event_id TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_email_events_queue ON email_events(email_queue_id, event_type)`,
		`CREATE TABLE IF NOT EXISTS tracking_tokens (
			token TEXT PRIMARY KEY,
			email_queue_id TEXT NOT NULL REFERENCES email_queue(id) ON DELETE CASCADE,
			contact_id TEXT NOT NULL,
			campaign_id TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS warmup_schedules (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			domain TEXT NOT NULL,
			provider TEXT NOT NULL,
			phase INTEGER NOT NULL DEFAULT 1,
			daily_limit INTEGER NOT NULL DEFAULT 50,
			current_count INTEGER NOT NULL DEFAULT 0,
			last_reset_date TEXT,
			metrics TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, domain, provider)
		)`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
