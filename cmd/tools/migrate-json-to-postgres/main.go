// Command migrate-json-to-postgres copies portal accounts from the JSON
// datastore into Postgres.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/byee4/django-globus-portal-framework/internal/auth/oauth"
	"github.com/byee4/django-globus-portal-framework/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	jsonPath := flag.String("json", "data/users.json", "path to the JSON datastore to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("PORTAL_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, PORTAL_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	source, err := storage.New(*jsonPath)
	if err != nil {
		logger.Error("failed to open JSON datastore", "error", err)
		os.Exit(1)
	}
	users, err := source.ListUsers()
	if err != nil {
		logger.Error("failed to list users", "error", err)
		os.Exit(1)
	}
	logger.Info("loaded JSON datastore", "path", *jsonPath, "users", len(users))

	ctx := context.Background()
	repo, err := storage.NewPostgresRepository(ctx, dsn)
	if err != nil {
		logger.Error("failed to open postgres repository", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = repo.Close(ctx)
	}()

	for _, user := range users {
		profile := oauth.UserProfile{
			Subject:  user.ID,
			Username: user.Username,
			Name:     user.Name,
			Email:    user.Email,
		}
		if _, err := repo.UpsertUser(profile, user.Tokens); err != nil {
			logger.Error("failed to migrate user", "user", user.Username, "error", err)
			os.Exit(1)
		}
	}

	if err := verifyCount(ctx, dsn, len(users)); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}

	logger.Info("migration completed", "users", len(users))
}

func verifyCount(ctx context.Context, dsn string, expected int) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse verification config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open verification connection: %w", err)
	}
	defer pool.Close()

	var actual int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM portal_users").Scan(&actual); err != nil {
		return fmt.Errorf("count portal_users: %w", err)
	}
	if actual < expected {
		return fmt.Errorf("expected at least %d users in postgres, found %d", expected, actual)
	}
	return nil
}
