package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// WhitelistRepo defines the interface for the authorized-identity whitelist.
// Emails are lower-cased on insert; membership is case-insensitive.
type WhitelistRepo interface {
	Add(ctx context.Context, email string) error
	Contains(ctx context.Context, email string) (bool, error)
	List(ctx context.Context) ([]string, error)
}

type whitelistRepo struct {
	db *sql.DB
}

// NewWhitelistRepo creates a new WhitelistRepo instance
func NewWhitelistRepo(db *sql.DB) WhitelistRepo {
	return &whitelistRepo{db: db}
}

// Add inserts an email into the whitelist; adding an existing entry is a no-op.
func (r *whitelistRepo) Add(ctx context.Context, email string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO whitelist (email) VALUES ($1)
		ON CONFLICT (email) DO NOTHING
	`, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return fmt.Errorf("failed to insert whitelist entry: %w", err)
	}
	return nil
}

// Contains reports whether the email is whitelisted.
func (r *whitelistRepo) Contains(ctx context.Context, email string) (bool, error) {
	var found string
	err := r.db.QueryRowContext(ctx,
		`SELECT email FROM whitelist WHERE email = $1`,
		strings.ToLower(strings.TrimSpace(email)),
	).Scan(&found)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to query whitelist: %w", err)
	}
	return true, nil
}

// List returns all whitelisted emails, oldest first.
func (r *whitelistRepo) List(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT email FROM whitelist ORDER BY added_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query whitelist: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("failed to scan whitelist entry: %w", err)
		}
		emails = append(emails, email)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate whitelist: %w", err)
	}
	return emails, nil
}
