package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultPostgresSessionTimeout = 5 * time.Second

// PostgresSessionStoreOption configures a PostgresSessionStore.
type PostgresSessionStoreOption func(*PostgresSessionStore)

// WithTimeout bounds every statement the store issues.
func WithTimeout(timeout time.Duration) PostgresSessionStoreOption {
	return func(s *PostgresSessionStore) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// PostgresSessionStore persists sessions to a Postgres table, allowing multiple
// API replicas to share authentication state. Only SHA-256 digests of tokens
// are written.
type PostgresSessionStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgresSessionStore opens a Postgres-backed session store using the provided DSN.
// The auth_sessions table is created by the storage migrations.
func NewPostgresSessionStore(dsn string, opts ...PostgresSessionStoreOption) (*PostgresSessionStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres session dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres session config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres session pool: %w", err)
	}
	store := &PostgresSessionStore{pool: pool, timeout: defaultPostgresSessionTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// Close releases the Postgres connection pool resources.
func (s *PostgresSessionStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Ping checks connectivity to the session database.
func (s *PostgresSessionStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres session pool not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *PostgresSessionStore) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// Save stores or updates the session token.
func (s *PostgresSessionStore) Save(token, userID string, expiresAt, absoluteExpiresAt time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("postgres session pool not configured")
	}
	hashed, err := hashSessionToken(token)
	if err != nil {
		return err
	}
	if absoluteExpiresAt.IsZero() {
		absoluteExpiresAt = expiresAt
	}
	ctx, cancel := s.opContext()
	defer cancel()
	_, err = s.pool.Exec(ctx, `
INSERT INTO auth_sessions (token_hash, user_id, expires_at, absolute_expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (token_hash) DO UPDATE SET
    user_id = EXCLUDED.user_id,
    expires_at = EXCLUDED.expires_at,
    absolute_expires_at = EXCLUDED.absolute_expires_at
`, hashed, userID, expiresAt.UTC(), absoluteExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Get fetches the session details for the provided token.
func (s *PostgresSessionStore) Get(token string) (SessionRecord, bool, error) {
	if s.pool == nil {
		return SessionRecord{}, false, fmt.Errorf("postgres session pool not configured")
	}
	hashed, err := hashSessionToken(token)
	if err != nil {
		return SessionRecord{}, false, nil
	}
	ctx, cancel := s.opContext()
	defer cancel()
	row := s.pool.QueryRow(ctx, `
SELECT user_id, expires_at, absolute_expires_at
FROM auth_sessions
WHERE token_hash = $1
`, hashed)
	record := SessionRecord{Token: token}
	if err := row.Scan(&record.UserID, &record.ExpiresAt, &record.AbsoluteExpiresAt); err != nil {
		if isNoRows(err) {
			return SessionRecord{}, false, nil
		}
		return SessionRecord{}, false, fmt.Errorf("load session: %w", err)
	}
	return record, true, nil
}

// Delete removes the session token.
func (s *PostgresSessionStore) Delete(token string) error {
	if s.pool == nil {
		return fmt.Errorf("postgres session pool not configured")
	}
	hashed, err := hashSessionToken(token)
	if err != nil {
		return nil
	}
	ctx, cancel := s.opContext()
	defer cancel()
	if _, err := s.pool.Exec(ctx, `DELETE FROM auth_sessions WHERE token_hash = $1`, hashed); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PurgeExpired deletes sessions past either expiry from the table.
func (s *PostgresSessionStore) PurgeExpired(now time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("postgres session pool not configured")
	}
	ctx, cancel := s.opContext()
	defer cancel()
	_, err := s.pool.Exec(ctx, `DELETE FROM auth_sessions WHERE expires_at <= $1 OR absolute_expires_at <= $1`, now.UTC())
	if err != nil {
		return fmt.Errorf("purge sessions: %w", err)
	}
	return nil
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}
