package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/matheus3301/wpweb/internal/backend"
)

const currentSlot = "current"

// SessionStore persists the auth session of a profile. It implements
// backend.SessionStorage.
type SessionStore struct {
	db *DB
}

// Sessions returns the session store backed by db.
func (db *DB) Sessions() *SessionStore {
	return &SessionStore{db: db}
}

// LoadSession returns the saved session, or nil when there is none.
func (s *SessionStore) LoadSession(ctx context.Context) (*backend.Session, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM auth_sessions WHERE slot = ?`, currentSlot).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess backend.Session
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// SaveSession replaces the saved session.
func (s *SessionStore) SaveSession(ctx context.Context, sess *backend.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO auth_sessions (slot, user_id, email, payload, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			user_id = excluded.user_id,
			email = excluded.email,
			payload = excluded.payload,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		currentSlot, sess.User.ID, sess.User.Email, string(payload), sess.ExpiresAt, time.Now().UnixMilli())
	return err
}

// ClearSession forgets the saved session.
func (s *SessionStore) ClearSession(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE slot = ?`, currentSlot)
	return err
}
