package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// SuppressionRepository owns the suppression_list table
type SuppressionRepository struct {
	db *sql.DB
}

func NewSuppressionRepository(db *sql.DB) *SuppressionRepository {
	return &SuppressionRepository{db: db}
}

// IsSuppressed reports whether the address must never receive mail for
// this account
func (r *SuppressionRepository) IsSuppressed(userID, email string) (bool, error) {
	var id string
	err := r.db.QueryRow(`
		SELECT id FROM suppression_list WHERE user_id = ? AND email = ?`,
		userID, email).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Add puts an address on the suppression list; adding twice is a no-op
func (r *SuppressionRepository) Add(userID, email, reason string) error {
	_, err := r.db.Exec(`
		INSERT OR IGNORE INTO suppression_list (id, user_id, email, reason)
		VALUES (?, ?, ?, ?)`,
		uuid.New().String(), userID, email, reason)
	if err != nil {
		return fmt.Errorf("failed to add suppression: %w", err)
	}
	return nil
}
