package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/orcabot-dev/orcabot/internal/domain"
)

// SessionStore persists conversation sessions in SQLite so they survive
// process restarts. Within one session all operations are serialized by the
// dispatcher; across sessions the store is safe for concurrent use.
type SessionStore struct {
	db  *DB
	log zerolog.Logger
}

// NewSessionStore creates a session store over the shared database.
func NewSessionStore(db *DB, log zerolog.Logger) *SessionStore {
	return &SessionStore{db: db, log: log.With().Str("component", "session_store").Logger()}
}

// GetOrCreate loads the session for the thread, or creates a fresh CREATED
// session carrying the given taxonomy snapshot. The bool reports creation.
func (s *SessionStore) GetOrCreate(ctx context.Context, sessionID, userID string, kind domain.Kind, tax domain.Taxonomy) (*domain.Session, bool, error) {
	sess, err := s.Get(ctx, sessionID)
	if err == nil {
		return sess, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	now := time.Now().UTC()
	sess = &domain.Session{
		SessionID:      sessionID,
		UserID:         userID,
		Kind:           kind,
		State:          domain.StateCreated,
		Taxonomy:       tax,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := s.Save(ctx, sess); err != nil {
		return nil, false, err
	}
	s.log.Info().Str("session_id", sessionID).Str("kind", string(kind)).Msg("session created")
	return sess, true, nil
}

// Get loads a single session. Returns sql.ErrNoRows (wrapped) when absent.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", sessionID, sql.ErrNoRows)
		}
		return nil, domain.NewFault(domain.FaultPersistenceUnavailable, "loading session %s: %v", sessionID, err)
	}

	var sess domain.Session
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// Save durably writes the session. Callers must not advance in-memory state
// until Save returns nil: a crash between deciding a transition and the
// durable write is then equivalent to the transition never having happened.
func (s *SessionStore) Save(ctx context.Context, sess *domain.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", sess.SessionID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, kind, state, payload, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			state = excluded.state,
			payload = excluded.payload,
			last_activity_at = excluded.last_activity_at`,
		sess.SessionID, sess.UserID, string(sess.Kind), string(sess.State),
		string(payload), sess.CreatedAt, sess.LastActivityAt)
	if err != nil {
		return domain.NewFault(domain.FaultPersistenceUnavailable, "saving session %s: %v", sess.SessionID, err)
	}
	return nil
}

// Evict removes a session. Evicting an absent session is not an error.
func (s *SessionStore) Evict(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return domain.NewFault(domain.FaultPersistenceUnavailable, "evicting session %s: %v", sessionID, err)
	}
	return nil
}

// PurgeTerminal deletes terminal sessions idle longer than ttl. Terminal
// rows are kept around for a while so repeated confirmations get a sensible
// answer instead of starting a fresh conversation.
func (s *SessionStore) PurgeTerminal(ctx context.Context, now time.Time, ttl time.Duration) error {
	cutoff := now.Add(-ttl)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE last_activity_at < ?
		  AND state IN (?, ?, ?)`,
		cutoff,
		string(domain.StateCommitted), string(domain.StateExpired), string(domain.StateCancelled))
	if err != nil {
		return domain.NewFault(domain.FaultPersistenceUnavailable, "purging terminal sessions: %v", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.log.Debug().Int64("purged", n).Msg("terminal sessions purged")
	}
	return nil
}

// ListExpired returns the identifiers of non-terminal sessions idle longer
// than ttl at the given instant.
func (s *SessionStore) ListExpired(ctx context.Context, now time.Time, ttl time.Duration) ([]string, error) {
	cutoff := now.Add(-ttl)
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id FROM sessions
		WHERE last_activity_at < ?
		  AND state NOT IN (?, ?, ?)`,
		cutoff,
		string(domain.StateCommitted), string(domain.StateExpired), string(domain.StateCancelled))
	if err != nil {
		return nil, domain.NewFault(domain.FaultPersistenceUnavailable, "listing expired sessions: %v", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning expired session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
