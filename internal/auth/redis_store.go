package auth

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisSessionStoreConfig configures the Redis-backed session store.
type RedisSessionStoreConfig struct {
	Addr       string
	Addrs      []string
	Username   string
	Password   string
	MasterName string
	Prefix     string
	PoolSize   int
	Timeout    time.Duration
	TLS        RedisTLSConfig
}

// RedisSessionStore keeps sessions in Redis with per-key TTLs so expiry is
// enforced by the server even when the purge worker is not running.
type RedisSessionStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

type redisSessionRecord struct {
	UserID            string          `json:"user_id,omitempty"`
	State             json.RawMessage `json:"state,omitempty"`
	ExpiresAt         time.Time       `json:"expires_at"`
	AbsoluteExpiresAt time.Time       `json:"absolute_expires_at"`
}

// NewRedisSessionStore connects to Redis and returns a session store.
func NewRedisSessionStore(cfg RedisSessionStoreConfig) (*RedisSessionStore, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := buildRedisTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      addrs,
		MasterName: strings.TrimSpace(cfg.MasterName),
		Username:   strings.TrimSpace(cfg.Username),
		Password:   cfg.Password,
		TLSConfig:  tlsConfig,
		PoolSize:   cfg.PoolSize,
		MaxRetries: 2,
	})
	store := &RedisSessionStore{
		client:  client,
		prefix:  strings.TrimSpace(cfg.Prefix),
		timeout: cfg.Timeout,
	}
	if store.prefix == "" {
		store.prefix = "portal:session:"
	}
	if store.timeout <= 0 {
		store.timeout = 2 * time.Second
	}
	return store, nil
}

func (s *RedisSessionStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

func (s *RedisSessionStore) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// Save stores the session with a TTL matching its expiry.
func (s *RedisSessionStore) Save(record SessionRecord) error {
	payload, err := json.Marshal(redisSessionRecord{
		UserID:            record.UserID,
		State:             record.State,
		ExpiresAt:         record.ExpiresAt.UTC(),
		AbsoluteExpiresAt: record.AbsoluteExpiresAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	ctx, cancel := s.opContext()
	defer cancel()
	return s.client.Set(ctx, s.key(record.TokenHash), payload, ttl).Err()
}

// Get retrieves the session record for the provided token hash.
func (s *RedisSessionStore) Get(tokenHash string) (SessionRecord, bool, error) {
	ctx, cancel := s.opContext()
	defer cancel()
	payload, err := s.client.Get(ctx, s.key(tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return SessionRecord{}, false, nil
		}
		return SessionRecord{}, false, err
	}
	var stored redisSessionRecord
	if err := json.Unmarshal(payload, &stored); err != nil {
		return SessionRecord{}, false, fmt.Errorf("decode session record: %w", err)
	}
	return SessionRecord{
		TokenHash:         tokenHash,
		UserID:            stored.UserID,
		State:             stored.State,
		ExpiresAt:         stored.ExpiresAt,
		AbsoluteExpiresAt: stored.AbsoluteExpiresAt,
	}, true, nil
}

// Delete removes the session key.
func (s *RedisSessionStore) Delete(tokenHash string) error {
	ctx, cancel := s.opContext()
	defer cancel()
	return s.client.Del(ctx, s.key(tokenHash)).Err()
}

// PurgeExpired is a no-op: Redis evicts sessions through key TTLs.
func (s *RedisSessionStore) PurgeExpired(time.Time) error {
	return nil
}

// Ping verifies the Redis connection.
func (s *RedisSessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis client resources.
func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}

func buildRedisTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsConfig := &tls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("redis tls ca %s contains no certificates", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, fmt.Errorf("redis tls cert and key must both be provided")
	}
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis tls keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
