package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/byee4/django-globus-portal-framework/internal/auth/oauth"
	"github.com/byee4/django-globus-portal-framework/internal/models"
)

// PostgresRepository stores portal users in Postgres. Token sets are
// kept as a JSONB column since they are always read and written whole.
type PostgresRepository struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	now     func() time.Time
}

// PostgresOption customizes PostgresRepository construction.
type PostgresOption func(*PostgresRepository)

// WithPostgresTimeout bounds each statement.
func WithPostgresTimeout(timeout time.Duration) PostgresOption {
	return func(r *PostgresRepository) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// NewPostgresRepository connects to dsn and ensures the users table
// exists.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresRepository, error) {
	if dsn == "" {
		return nil, errors.New("storage: postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	repo := &PostgresRepository{pool: pool, timeout: 5 * time.Second, now: time.Now}
	for _, opt := range opts {
		opt(repo)
	}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *PostgresRepository) migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	_, err := r.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS portal_users (
    id TEXT PRIMARY KEY,
    username TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    tokens JSONB,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("migrate portal_users: %w", err)
	}
	return nil
}

func (r *PostgresRepository) queryContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

// UpsertUser records a login, creating or refreshing the user row.
func (r *PostgresRepository) UpsertUser(profile oauth.UserProfile, tokens []oauth.Token) (models.User, error) {
	if profile.Subject == "" {
		return models.User{}, errors.New("storage: profile subject is required")
	}
	raw, err := encodeTokens(tokens)
	if err != nil {
		return models.User{}, err
	}
	now := r.now().UTC()

	ctx, cancel := r.queryContext()
	defer cancel()
	_, err = r.pool.Exec(ctx, `
INSERT INTO portal_users (id, username, name, email, tokens, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
ON CONFLICT (id) DO UPDATE SET
    username = EXCLUDED.username,
    name = EXCLUDED.name,
    email = EXCLUDED.email,
    tokens = EXCLUDED.tokens,
    updated_at = EXCLUDED.updated_at`,
		profile.Subject, profile.Username, profile.Name, profile.Email, raw, now)
	if err != nil {
		return models.User{}, fmt.Errorf("upsert user: %w", err)
	}
	user, _, err := r.GetUser(profile.Subject)
	return user, err
}

// GetUser returns the stored record for userID.
func (r *PostgresRepository) GetUser(userID string) (models.User, bool, error) {
	ctx, cancel := r.queryContext()
	defer cancel()

	var (
		user models.User
		raw  []byte
	)
	err := r.pool.QueryRow(ctx, `
SELECT id, username, name, email, tokens, created_at, updated_at
FROM portal_users WHERE id = $1`, userID).
		Scan(&user.ID, &user.Username, &user.Name, &user.Email, &raw, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, false, nil
		}
		return models.User{}, false, fmt.Errorf("get user: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &user.Tokens); err != nil {
			return models.User{}, false, fmt.Errorf("decode tokens: %w", err)
		}
	}
	return user, true, nil
}

// SaveTokens replaces the user's stored token set.
func (r *PostgresRepository) SaveTokens(userID string, tokens []oauth.Token) error {
	raw, err := encodeTokens(tokens)
	if err != nil {
		return err
	}
	ctx, cancel := r.queryContext()
	defer cancel()
	tag, err := r.pool.Exec(ctx, `
UPDATE portal_users SET tokens = $2, updated_at = $3 WHERE id = $1`,
		userID, raw, r.now().UTC())
	if err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// UpdateToken swaps in a refreshed token for its resource server.
func (r *PostgresRepository) UpdateToken(userID string, token oauth.Token) error {
	user, ok, err := r.GetUser(userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUserNotFound
	}
	replaced := false
	for i, tok := range user.Tokens {
		if tok.ResourceServer == token.ResourceServer {
			user.Tokens[i] = token
			replaced = true
			break
		}
	}
	if !replaced {
		user.Tokens = append(user.Tokens, token)
	}
	return r.SaveTokens(userID, user.Tokens)
}

// ClearTokens drops the user's token set after a logout revocation.
func (r *PostgresRepository) ClearTokens(userID string) error {
	return r.SaveTokens(userID, nil)
}

// Ping verifies the database connection.
func (r *PostgresRepository) Ping() error {
	ctx, cancel := r.queryContext()
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the connection pool, waiting at most until ctx ends.
func (r *PostgresRepository) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func encodeTokens(tokens []oauth.Token) ([]byte, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(tokens)
	if err != nil {
		return nil, fmt.Errorf("encode tokens: %w", err)
	}
	return raw, nil
}
