package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/byee4/django-globus-portal-framework/internal/auth/oauth"
	"github.com/byee4/django-globus-portal-framework/internal/models"
)

// ErrUserNotFound is returned when a user id has no stored record.
var ErrUserNotFound = errors.New("storage: user not found")

// Repository persists portal users and their OAuth tokens.
type Repository interface {
	UpsertUser(profile oauth.UserProfile, tokens []oauth.Token) (models.User, error)
	GetUser(userID string) (models.User, bool, error)
	SaveTokens(userID string, tokens []oauth.Token) error
	UpdateToken(userID string, token oauth.Token) error
	ClearTokens(userID string) error
	Ping() error
}

type dataset struct {
	Users map[string]models.User `json:"users"`
}

func newDataset() dataset {
	return dataset{Users: make(map[string]models.User)}
}

// Storage keeps user records in memory and optionally mirrors them to a
// JSON file so portal restarts do not lose accounts.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset

	now func() time.Time

	// persistOverride lets tests capture persistence calls.
	persistOverride func(dataset) error
}

// Option customizes Storage construction.
type Option func(*Storage)

// WithClock overrides the wall clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Storage backed by filePath. An empty filePath keeps all
// records in memory only.
func New(filePath string, opts ...Option) (*Storage, error) {
	s := &Storage{
		filePath: filePath,
		data:     newDataset(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if filePath != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Storage) load() error {
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", s.filePath, err)
	}
	if len(raw) == 0 {
		return nil
	}
	var data dataset
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parse %s: %w", s.filePath, err)
	}
	if data.Users == nil {
		data.Users = make(map[string]models.User)
	}
	s.data = data
	return nil
}

func (s *Storage) persistLocked() error {
	if s.persistOverride != nil {
		return s.persistOverride(s.data)
	}
	if s.filePath == "" {
		return nil
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode storage: %w", err)
	}
	tmp := s.filePath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		return fmt.Errorf("replace %s: %w", s.filePath, err)
	}
	return nil
}

// UpsertUser records a login: it creates the user on first sight and
// refreshes the profile fields and token set on every subsequent login.
func (s *Storage) UpsertUser(profile oauth.UserProfile, tokens []oauth.Token) (models.User, error) {
	if profile.Subject == "" {
		return models.User{}, errors.New("storage: profile subject is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	user, ok := s.data.Users[profile.Subject]
	if !ok {
		user = models.User{ID: profile.Subject, CreatedAt: now}
	}
	user.Username = profile.Username
	user.Name = profile.Name
	user.Email = profile.Email
	user.Tokens = cloneTokens(tokens)
	user.UpdatedAt = now
	s.data.Users[profile.Subject] = user

	if err := s.persistLocked(); err != nil {
		return models.User{}, err
	}
	return user, nil
}

// GetUser returns the stored record for userID.
func (s *Storage) GetUser(userID string) (models.User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.data.Users[userID]
	return user, ok, nil
}

// ListUsers returns all users ordered by id, used by admin tooling.
func (s *Storage) ListUsers() ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]models.User, 0, len(s.data.Users))
	for _, user := range s.data.Users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// SaveTokens replaces the user's stored token set.
func (s *Storage) SaveTokens(userID string, tokens []oauth.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.data.Users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.Tokens = cloneTokens(tokens)
	user.UpdatedAt = s.now().UTC()
	s.data.Users[userID] = user
	return s.persistLocked()
}

// UpdateToken swaps in a refreshed token for its resource server,
// leaving the rest of the set untouched.
func (s *Storage) UpdateToken(userID string, token oauth.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.data.Users[userID]
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
	user.UpdatedAt = s.now().UTC()
	s.data.Users[userID] = user
	return s.persistLocked()
}

// ClearTokens drops the user's token set after a logout revocation.
func (s *Storage) ClearTokens(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.data.Users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.Tokens = nil
	user.UpdatedAt = s.now().UTC()
	s.data.Users[userID] = user
	return s.persistLocked()
}

// Ping reports whether the backing file is writable.
func (s *Storage) Ping() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.filePath == "" {
		return nil
	}
	dir := filepath.Dir(s.filePath)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("storage dir: %w", err)
	}
	return nil
}

func cloneTokens(tokens []oauth.Token) []oauth.Token {
	if len(tokens) == 0 {
		return nil
	}
	out := make([]oauth.Token, len(tokens))
	copy(out, tokens)
	return out
}
