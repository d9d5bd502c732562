package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSessionStore persists sessions to a Postgres table, allowing
// multiple portal replicas to share authentication state.
type PostgresSessionStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// PostgresOption configures the Postgres session store.
type PostgresOption func(*PostgresSessionStore)

// WithTimeout bounds each session store query. Zero keeps queries unbounded.
func WithTimeout(timeout time.Duration) PostgresOption {
	return func(s *PostgresSessionStore) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// NewPostgresSessionStore opens a Postgres-backed session store using the
// provided DSN and ensures the backing table exists.
func NewPostgresSessionStore(dsn string, opts ...PostgresOption) (*PostgresSessionStore, error) {
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
	store := &PostgresSessionStore{pool: pool}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	if err := store.migrate(); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresSessionStore) migrate() error {
	ctx, cancel := s.queryContext()
	defer cancel()
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS portal_sessions (
    token_hash TEXT PRIMARY KEY,
    user_id TEXT NOT NULL DEFAULT '',
    state JSONB,
    expires_at TIMESTAMPTZ NOT NULL,
    absolute_expires_at TIMESTAMPTZ NOT NULL
)
`)
	if err != nil {
		return fmt.Errorf("ensure portal_sessions table: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) queryContext() (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(context.Background(), s.timeout)
	}
	return context.Background(), func() {}
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

// Save stores or updates the session record.
func (s *PostgresSessionStore) Save(record SessionRecord) error {
	if s.pool == nil {
		return fmt.Errorf("postgres session pool not configured")
	}
	ctx, cancel := s.queryContext()
	defer cancel()
	_, err := s.pool.Exec(ctx, `
INSERT INTO portal_sessions (token_hash, user_id, state, expires_at, absolute_expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (token_hash) DO UPDATE SET
    user_id = EXCLUDED.user_id,
    state = EXCLUDED.state,
    expires_at = EXCLUDED.expires_at,
    absolute_expires_at = EXCLUDED.absolute_expires_at
`, record.TokenHash, record.UserID, record.State, record.ExpiresAt.UTC(), record.AbsoluteExpiresAt.UTC())
	return err
}

// Get fetches the session details for the provided token hash.
func (s *PostgresSessionStore) Get(tokenHash string) (SessionRecord, bool, error) {
	if s.pool == nil {
		return SessionRecord{}, false, fmt.Errorf("postgres session pool not configured")
	}
	ctx, cancel := s.queryContext()
	defer cancel()
	row := s.pool.QueryRow(ctx, `
SELECT user_id, state, expires_at, absolute_expires_at
FROM portal_sessions
WHERE token_hash = $1
`, tokenHash)
	record := SessionRecord{TokenHash: tokenHash}
	if err := row.Scan(&record.UserID, &record.State, &record.ExpiresAt, &record.AbsoluteExpiresAt); err != nil {
		if isNoRows(err) {
			return SessionRecord{}, false, nil
		}
		return SessionRecord{}, false, err
	}
	return record, true, nil
}

// Delete removes the session row.
func (s *PostgresSessionStore) Delete(tokenHash string) error {
	if s.pool == nil {
		return fmt.Errorf("postgres session pool not configured")
	}
	ctx, cancel := s.queryContext()
	defer cancel()
	_, err := s.pool.Exec(ctx, `DELETE FROM portal_sessions WHERE token_hash = $1`, tokenHash)
	return err
}

// PurgeExpired deletes expired sessions from the table.
func (s *PostgresSessionStore) PurgeExpired(now time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("postgres session pool not configured")
	}
	ctx, cancel := s.queryContext()
	defer cancel()
	_, err := s.pool.Exec(ctx, `DELETE FROM portal_sessions WHERE expires_at <= $1`, now.UTC())
	return err
}

// Ping verifies the Postgres pool is reachable.
func (s *PostgresSessionStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("postgres session pool not configured")
	}
	return s.pool.Ping(ctx)
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}
