package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/aromalink-core/internal/cloud"
)

// SessionStore keeps one account's cloud session.
type SessionStore struct {
	db       *sql.DB
	username string
}

// NewSessionStore returns a store for username's session.
func NewSessionStore(db *sql.DB, username string) *SessionStore {
	return &SessionStore{db: db, username: username}
}

// Load returns the stored session. ok is false when none is stored.
func (s *SessionStore) Load(ctx context.Context) (cloud.Session, bool, error) {
	var sess cloud.Session
	var valid int
	var issuedAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT username, user_id, access_token, refresh_token, valid, issued_at
		 FROM sessions WHERE username = ?`, s.username,
	).Scan(&sess.Username, &sess.UserID, &sess.AccessToken, &sess.RefreshToken, &valid, &issuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cloud.Session{}, false, nil
	}
	if err != nil {
		return cloud.Session{}, false, fmt.Errorf("loading session: %w", err)
	}

	sess.Valid = valid != 0 && sess.AccessToken != ""
	sess.IssuedAt, _ = time.Parse(time.RFC3339, issuedAt) //nolint:errcheck // format is controlled
	return sess, true, nil
}

// Save replaces the stored session.
func (s *SessionStore) Save(ctx context.Context, sess cloud.Session) error {
	now := time.Now().UTC().Format(time.RFC3339)
	issued := sess.IssuedAt
	if issued.IsZero() {
		issued = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (username, user_id, access_token, refresh_token, valid, issued_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(username) DO UPDATE SET
		   user_id = excluded.user_id,
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   valid = excluded.valid,
		   issued_at = excluded.issued_at,
		   updated_at = excluded.updated_at`,
		s.username, sess.UserID, sess.AccessToken, sess.RefreshToken,
		boolToInt(sess.Valid), issued.UTC().Format(time.RFC3339), now,
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// Clear removes the stored session, e.g. on logout.
func (s *SessionStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE username = ?`, s.username); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
