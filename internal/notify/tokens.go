// Package notify delivers push notifications: FCM token bookkeeping, the
// FCM HTTP v1 sender, the per-minute reminder worker and the provider status
// aggregator.
package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Token is one registered device of a user.
type Token struct {
	Token    string    `json:"token"`
	Username string    `json:"username"`
	Platform string    `json:"platform,omitempty"`
	AddedAt  time.Time `json:"added_at"`
}

// TokenStore persists FCM device tokens in the shared database. Writes are
// idempotent upserts keyed by the token itself.
type TokenStore struct {
	db *sql.DB
}

// NewTokenStore prepares the token schema.
func NewTokenStore(db *sql.DB) (*TokenStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS fcm_tokens (
			token TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			platform TEXT NOT NULL DEFAULT '',
			added_at TIMESTAMP NOT NULL
		)`)
	if err != nil {
		return nil, fmt.Errorf("create fcm_tokens table: %w", err)
	}
	return &TokenStore{db: db}, nil
}

// Upsert registers a device token. Re-registering an existing token moves it
// to the new user, which happens when a shared device changes hands.
func (s *TokenStore) Upsert(ctx context.Context, t Token) error {
	if t.Token == "" {
		return fmt.Errorf("empty token")
	}
	if t.AddedAt.IsZero() {
		t.AddedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fcm_tokens (token, username, platform, added_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (token) DO UPDATE SET
			username = excluded.username,
			platform = excluded.platform`,
		t.Token, t.Username, t.Platform, t.AddedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}
	return nil
}

// ForUser returns every token registered by the user.
func (s *TokenStore) ForUser(ctx context.Context, username string) ([]Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, username, platform, added_at FROM fcm_tokens
		WHERE username = ? ORDER BY added_at`, username)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var out []Token
	for rows.Next() {
		var t Token
		if err := rows.Scan(&t.Token, &t.Username, &t.Platform, &t.AddedAt); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Delete drops a token, typically after FCM reports it unregistered.
func (s *TokenStore) Delete(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM fcm_tokens WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}
