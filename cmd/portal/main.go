// Command portal starts the research portal HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/byee4/django-globus-portal-framework/internal/auth"
	"github.com/byee4/django-globus-portal-framework/internal/auth/oauth"
	"github.com/byee4/django-globus-portal-framework/internal/observability/logging"
	"github.com/byee4/django-globus-portal-framework/internal/observability/metrics"
	"github.com/byee4/django-globus-portal-framework/internal/portal"
	"github.com/byee4/django-globus-portal-framework/internal/preview"
	"github.com/byee4/django-globus-portal-framework/internal/search"
	"github.com/byee4/django-globus-portal-framework/internal/server"
	"github.com/byee4/django-globus-portal-framework/internal/storage"
	"github.com/byee4/django-globus-portal-framework/internal/transfer"
	"github.com/byee4/django-globus-portal-framework/web"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	indexesPath := flag.String("indexes", "", "path to the search index configuration file")
	dataPath := flag.String("data", "", "path to the JSON user datastore")
	storageDriver := flag.String("storage-driver", "", "user datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresTimeout := flag.Duration("postgres-timeout", 0, "timeout for Postgres operations")
	sessionStoreDriver := flag.String("session-store", "", "session store driver (memory, postgres, or redis)")
	sessionPostgresDSN := flag.String("session-postgres-dsn", "", "Postgres DSN for the session store")
	sessionRedisAddr := flag.String("session-redis-addr", "", "Redis address for the session store")
	sessionRedisPassword := flag.String("session-redis-password", "", "Redis password for the session store")
	sessionTTL := flag.Duration("session-ttl", 0, "absolute lifetime for portal sessions")
	sessionIdle := flag.Duration("session-idle-timeout", 0, "idle timeout for portal sessions")
	oauthClientID := flag.String("oauth-client-id", "", "OAuth client ID")
	oauthClientSecret := flag.String("oauth-client-secret", "", "OAuth client secret")
	oauthRedirectURL := flag.String("oauth-redirect-url", "", "OAuth redirect URL registered for this portal")
	oauthBaseURL := flag.String("oauth-base-url", "", "authorization server base URL")
	oauthScopes := flag.String("oauth-scopes", "", "comma separated scopes requested at login (replaces the defaults)")
	searchBaseURL := flag.String("search-base-url", "", "search service base URL")
	transferBaseURL := flag.String("transfer-base-url", "", "transfer service base URL")
	webAppURL := flag.String("web-app-url", "", "hosted web application URL for helper pages and task links")
	previewSize := flag.Int("preview-size", 0, "maximum bytes fetched for file previews")
	cookieSecure := flag.String("cookie-secure", "", "session cookie Secure attribute (auto or always)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	loginLimit := flag.Int("rate-login-limit", 0, "maximum login attempts per window for a single IP")
	loginWindow := flag.Duration("rate-login-window", 0, "window for counting login attempts")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed login throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed login throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis rate limit operations")
	flag.Parse()

	logger := logging.New(logging.Config{Level: firstNonEmpty(*logLevel, os.Getenv("PORTAL_LOG_LEVEL"))})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	registryPath := resolveIndexesPath(*indexesPath, os.Getenv("PORTAL_INDEXES"))
	registry, err := search.LoadRegistry(registryPath)
	if err != nil {
		logger.Error("failed to load index configuration", "path", registryPath, "error", err)
		os.Exit(1)
	}

	oauthConfig := oauth.Config{
		BaseURL:      firstNonEmpty(*oauthBaseURL, os.Getenv("PORTAL_OAUTH_BASE_URL")),
		ClientID:     firstNonEmpty(*oauthClientID, os.Getenv("PORTAL_OAUTH_CLIENT_ID")),
		ClientSecret: firstNonEmpty(*oauthClientSecret, os.Getenv("PORTAL_OAUTH_CLIENT_SECRET")),
		RedirectURL:  firstNonEmpty(*oauthRedirectURL, os.Getenv("PORTAL_OAUTH_REDIRECT_URL")),
		Scopes:       splitAndTrim(firstNonEmpty(*oauthScopes, os.Getenv("PORTAL_OAUTH_SCOPES"))),
	}
	oauthManager, err := oauth.NewManager(oauthConfig)
	if err != nil {
		logger.Error("failed to configure oauth", "error", err)
		os.Exit(1)
	}

	postgresDefaultDSN := resolvePostgresDSN(*postgresDSN)
	pgTimeout := resolveDuration(*postgresTimeout, "PORTAL_POSTGRES_TIMEOUT", 0)

	driver := resolveStorageDriver(*storageDriver, os.Getenv("PORTAL_STORAGE_DRIVER"), postgresDefaultDSN)
	var store storage.Repository
	switch driver {
	case "json":
		dataFile := resolveDataPath(*dataPath, os.Getenv("PORTAL_DATA"))
		store, err = storage.New(dataFile)
	case "postgres":
		if postgresDefaultDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		var pgOptions []storage.PostgresOption
		if pgTimeout > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresTimeout(pgTimeout))
		}
		store, err = storage.NewPostgresRepository(context.Background(), postgresDefaultDSN, pgOptions...)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	sessionConfig, err := resolveSessionStoreConfig(
		*sessionStoreDriver,
		os.Getenv("PORTAL_SESSION_STORE"),
		driver,
		postgresDefaultDSN,
		firstNonEmpty(*sessionPostgresDSN, os.Getenv("PORTAL_SESSION_POSTGRES_DSN")),
		firstNonEmpty(*sessionRedisAddr, os.Getenv("PORTAL_SESSION_REDIS_ADDR")),
	)
	if err != nil {
		logger.Error("failed to resolve session store", "error", err)
		os.Exit(1)
	}

	var sessionStore auth.SessionStore
	switch sessionConfig.Driver {
	case "memory":
		sessionStore = auth.NewMemorySessionStore()
	case "postgres":
		pgStore, err := auth.NewPostgresSessionStore(sessionConfig.DSN, auth.WithTimeout(pgTimeout))
		if err != nil {
			logger.Error("failed to open session store", "error", err)
			os.Exit(1)
		}
		sessionStore = pgStore
	case "redis":
		redisStore, err := auth.NewRedisSessionStore(auth.RedisSessionStoreConfig{
			Addr:     sessionConfig.RedisAddr,
			Password: firstNonEmpty(*sessionRedisPassword, os.Getenv("PORTAL_SESSION_REDIS_PASSWORD")),
		})
		if err != nil {
			logger.Error("failed to open session store", "error", err)
			os.Exit(1)
		}
		sessionStore = redisStore
	default:
		logger.Error("unsupported session store driver", "driver", sessionConfig.Driver)
		os.Exit(1)
	}

	ttl := resolveDuration(*sessionTTL, "PORTAL_SESSION_TTL", 24*time.Hour)
	sessionOptions := []auth.SessionOption{auth.WithStore(sessionStore)}
	if idle := resolveDuration(*sessionIdle, "PORTAL_SESSION_IDLE_TIMEOUT", 0); idle > 0 {
		sessionOptions = append(sessionOptions, auth.WithIdleTimeout(idle))
	}
	sessions := auth.NewSessionManager(ttl, sessionOptions...)

	templateFS, err := web.Templates()
	if err != nil {
		logger.Error("failed to load templates", "error", err)
		os.Exit(1)
	}
	templates, err := portal.NewTemplates(templateFS)
	if err != nil {
		logger.Error("failed to load templates", "error", err)
		os.Exit(1)
	}

	var searchOptions []search.ClientOption
	if base := firstNonEmpty(*searchBaseURL, os.Getenv("PORTAL_SEARCH_BASE_URL")); base != "" {
		searchOptions = append(searchOptions, search.WithBaseURL(base))
	}
	var transferOptions []transfer.ClientOption
	if base := firstNonEmpty(*transferBaseURL, os.Getenv("PORTAL_TRANSFER_BASE_URL")); base != "" {
		transferOptions = append(transferOptions, transfer.WithBaseURL(base))
	}
	var previewOptions []preview.Option
	if size := resolveInt(*previewSize, "PORTAL_PREVIEW_SIZE"); size > 0 {
		previewOptions = append(previewOptions, preview.WithSize(size))
	}

	cookiePolicy := portal.DefaultSessionCookiePolicy()
	if mode := strings.ToLower(firstNonEmpty(*cookieSecure, os.Getenv("PORTAL_COOKIE_SECURE"))); mode == "always" {
		cookiePolicy.SecureMode = portal.SessionCookieSecureAlways
	}

	handler := &portal.Handler{
		Registry:     registry,
		Search:       search.NewClient(searchOptions...),
		Transfer:     transfer.NewClient(transferOptions...),
		Preview:      preview.NewFetcher(previewOptions...),
		OAuth:        oauthManager,
		Sessions:     sessions,
		Store:        store,
		Templates:    templates,
		Logger:       logger,
		Metrics:      recorder,
		CookiePolicy: cookiePolicy,
		WebAppURL:    firstNonEmpty(*webAppURL, os.Getenv("PORTAL_WEB_APP_URL")),
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	purgeStop := startSessionPurgeWorker(workerCtx, logging.WithComponent(logger, "session-purger"), sessions, 15*time.Minute)
	defer purgeStop()

	rateCfg := server.RateLimitConfig{
		GlobalRPS:     resolveFloat(*globalRPS, "PORTAL_RATE_GLOBAL_RPS"),
		GlobalBurst:   resolveInt(*globalBurst, "PORTAL_RATE_GLOBAL_BURST"),
		LoginLimit:    resolveInt(*loginLimit, "PORTAL_RATE_LOGIN_LIMIT"),
		LoginWindow:   resolveDuration(*loginWindow, "PORTAL_RATE_LOGIN_WINDOW", time.Minute),
		RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("PORTAL_RATE_REDIS_ADDR")),
		RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("PORTAL_RATE_REDIS_PASSWORD")),
		RedisTimeout:  resolveDuration(*rateRedisTimeout, "PORTAL_RATE_REDIS_TIMEOUT", 2*time.Second),
	}

	tlsCfg := server.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, os.Getenv("PORTAL_TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("PORTAL_TLS_KEY")),
	}

	listenAddr := firstNonEmpty(*addr, os.Getenv("PORTAL_ADDR"))
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	srv, err := server.New(handler, server.Config{
		Addr:        listenAddr,
		TLS:         tlsCfg,
		RateLimit:   rateCfg,
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("portal listening", "addr", listenAddr, "indexes", len(registry.All()))
		if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
			logger.Info("TLS enabled", "cert_file", tlsCfg.CertFile)
		}
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()
	purgeStop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}

	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(ctx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}

	if closer, ok := sessionStore.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(ctx); err != nil {
			logger.Warn("failed to close session store", "error", err)
		}
	} else if closer, ok := sessionStore.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close session store", "error", err)
		}
	}

	logger.Info("portal stopped")
}

type sessionStoreConfig struct {
	Driver    string
	DSN       string
	RedisAddr string
}

func resolveSessionStoreConfig(flagDriver, envDriver, storageDriver, storageDSN, sessionDSN, redisAddr string) (sessionStoreConfig, error) {
	driver := strings.ToLower(strings.TrimSpace(flagDriver))
	if driver == "" {
		driver = strings.ToLower(strings.TrimSpace(envDriver))
	}
	if driver == "" {
		switch {
		case strings.TrimSpace(redisAddr) != "":
			driver = "redis"
		case strings.TrimSpace(sessionDSN) != "":
			driver = "postgres"
		case storageDriver == "postgres":
			driver = "postgres"
		default:
			driver = "memory"
		}
	}

	switch driver {
	case "memory":
		return sessionStoreConfig{Driver: "memory"}, nil
	case "postgres":
		dsn := strings.TrimSpace(sessionDSN)
		if dsn == "" {
			dsn = strings.TrimSpace(storageDSN)
		}
		if dsn == "" {
			return sessionStoreConfig{}, fmt.Errorf("postgres session store selected without DSN")
		}
		return sessionStoreConfig{Driver: "postgres", DSN: dsn}, nil
	case "redis":
		addr := strings.TrimSpace(redisAddr)
		if addr == "" {
			return sessionStoreConfig{}, fmt.Errorf("redis session store selected without address")
		}
		return sessionStoreConfig{Driver: "redis", RedisAddr: addr}, nil
	default:
		return sessionStoreConfig{}, fmt.Errorf("unsupported session store driver %q", driver)
	}
}

func resolveIndexesPath(flagValue, envValue string) string {
	if path := strings.TrimSpace(flagValue); path != "" {
		return path
	}
	if path := strings.TrimSpace(envValue); path != "" {
		return path
	}
	return "config/indexes.json"
}

func resolveDataPath(flagValue, envValue string) string {
	if path := strings.TrimSpace(flagValue); path != "" {
		return path
	}
	if path := strings.TrimSpace(envValue); path != "" {
		return path
	}
	return "data/users.json"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("PORTAL_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) string {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver
	}
	if postgresDSN != "" {
		return "postgres"
	}
	return "json"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}
