package sso

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLSessionStore keeps sessions in a relational table, suitable for
// multi-instance deployments without Redis.
type SQLSessionStore struct {
	db *sql.DB
}

// NewSQLSessionStore creates a store on the given database handle. The
// sso_sessions table must exist; see EnsureSchema.
func NewSQLSessionStore(db *sql.DB) *SQLSessionStore {
	return &SQLSessionStore{db: db}
}

// EnsureSchema creates the sessions table if it does not exist.
func (s *SQLSessionStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sso_sessions (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			tenant_id     TEXT NOT NULL,
			provider_id   TEXT NOT NULL,
			provider_type TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL,
			expires_at    TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("creating sso_sessions table: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_sso_sessions_user
			ON sso_sessions (tenant_id, user_id)`)
	if err != nil {
		return fmt.Errorf("creating sso_sessions index: %w", err)
	}
	return nil
}

// Set implements SessionStore.
func (s *SQLSessionStore) Set(ctx context.Context, session *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sso_sessions (id, user_id, tenant_id, provider_id, provider_type, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		session.ID, session.UserID, session.TenantID, session.ProviderID,
		string(session.ProviderType), session.CreatedAt, session.ExpiresAt)
	if err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

// Get implements SessionStore.
func (s *SQLSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, tenant_id, provider_id, provider_type, created_at, expires_at
		FROM sso_sessions
		WHERE id = $1 AND expires_at > $2`,
		id, time.Now())

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching session: %w", err)
	}
	return session, nil
}

// FindByUserID implements SessionStore.
func (s *SQLSessionStore) FindByUserID(ctx context.Context, userID, tenantID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, tenant_id, provider_id, provider_type, created_at, expires_at
		FROM sso_sessions
		WHERE user_id = $1 AND tenant_id = $2 AND expires_at > $3
		ORDER BY created_at`,
		userID, tenantID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("querying user sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return out, nil
}

// Delete implements SessionStore.
func (s *SQLSessionStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sso_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteByUserID implements SessionStore.
func (s *SQLSessionStore) DeleteByUserID(ctx context.Context, userID, tenantID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sso_sessions WHERE user_id = $1 AND tenant_id = $2`,
		userID, tenantID)
	if err != nil {
		return 0, fmt.Errorf("deleting user sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

// CleanupExpired implements SessionStore.
func (s *SQLSessionStore) CleanupExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sso_sessions WHERE expires_at <= $1`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("cleaning up sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var session Session
	var providerType string
	err := row.Scan(&session.ID, &session.UserID, &session.TenantID,
		&session.ProviderID, &providerType, &session.CreatedAt, &session.ExpiresAt)
	if err != nil {
		return nil, err
	}
	session.ProviderType = ProviderType(providerType)
	return &session, nil
}
