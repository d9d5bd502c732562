package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrStateInvalid is returned when the state parameter is missing or expired.
var ErrStateInvalid = errors.New("oauth state invalid or expired")

// Service exposes the operations required by the HTTP handlers to drive the
// authorisation-code flow and the token lifecycle behind it.
type Service interface {
	Begin(returnTo string) (BeginResult, error)
	Complete(ctx context.Context, state, code string) (Completion, error)
	Cancel(state string) (string, error)
	Refresh(ctx context.Context, refreshToken string) (Token, error)
	Revoke(ctx context.Context, tokens []Token) error
}

// BeginResult is returned when an authorisation request is constructed.
type BeginResult struct {
	URL   string
	State string
}

// Completion contains the outcome of a successful OAuth flow: who the user
// is and one token per resource server the portal may call for them.
type Completion struct {
	Profile  UserProfile
	Tokens   []Token
	ReturnTo string
}

// UserProfile captures the identity data returned by the provider.
type UserProfile struct {
	Subject  string
	Username string
	Name     string
	Email    string
	Raw      map[string]any
}

// Token is one access/refresh token pair scoped to a single resource server.
type Token struct {
	ResourceServer string    `json:"resource_server"`
	Scope          string    `json:"scope"`
	AccessToken    string    `json:"access_token"`
	RefreshToken   string    `json:"refresh_token,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the access token's lifetime has lapsed, with a
// minute of slack so a token is refreshed before it dies mid-request.
func (t Token) Expired() bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(t.ExpiresAt.Add(-time.Minute))
}

// Manager drives OAuth flows against the authorization server.
type Manager struct {
	config   Config
	state    StateStore
	client   *http.Client
	stateTTL time.Duration
}

// Option customises the OAuth manager.
type Option func(*Manager)

// WithStateStore injects a custom state store.
func WithStateStore(store StateStore) Option {
	return func(m *Manager) {
		if store != nil {
			m.state = store
		}
	}
}

// WithHTTPClient overrides the HTTP client used for token exchanges.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		if client != nil {
			m.client = client
		}
	}
}

// WithStateTTL adjusts how long state parameters remain valid.
func WithStateTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.stateTTL = ttl
		}
	}
}

// NewManager constructs an OAuth manager for the provided configuration.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mgr := &Manager{
		config:   cfg,
		state:    NewMemoryStateStore(),
		client:   &http.Client{Timeout: 10 * time.Second},
		stateTTL: 10 * time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	return mgr, nil
}

// Begin initialises an OAuth flow and returns the authorisation URL.
func (m *Manager) Begin(returnTo string) (BeginResult, error) {
	state, err := GenerateState()
	if err != nil {
		return BeginResult{}, err
	}
	if err := m.state.Put(state, StateData{ReturnTo: returnTo}, m.stateTTL); err != nil {
		return BeginResult{}, err
	}
	parsed, err := url.Parse(m.config.authorizeURL())
	if err != nil {
		return BeginResult{}, fmt.Errorf("parse authorize url: %w", err)
	}
	query := parsed.Query()
	query.Set("response_type", "code")
	query.Set("client_id", m.config.ClientID)
	query.Set("redirect_uri", m.config.RedirectURL)
	query.Set("scope", strings.Join(m.config.scopes(), " "))
	query.Set("state", state)
	query.Set("access_type", "offline")
	parsed.RawQuery = query.Encode()
	return BeginResult{URL: parsed.String(), State: state}, nil
}

// Complete exchanges the authorisation code and returns the user profile
// together with the dependent tokens for every requested resource server.
func (m *Manager) Complete(ctx context.Context, state, code string) (Completion, error) {
	state = strings.TrimSpace(state)
	if state == "" {
		return Completion{}, ErrStateInvalid
	}
	data, ok := m.state.Take(state)
	if !ok {
		return Completion{}, ErrStateInvalid
	}
	completion := Completion{ReturnTo: data.ReturnTo}
	tokens, err := m.exchangeCode(ctx, code)
	if err != nil {
		return completion, err
	}
	completion.Tokens = tokens
	auth := tokenForResourceServer(tokens, "auth.globus.org")
	profile, err := m.fetchUserInfo(ctx, auth.AccessToken)
	if err != nil {
		return completion, err
	}
	completion.Profile = profile
	return completion, nil
}

// Cancel invalidates the provided state token and returns the saved return URL.
func (m *Manager) Cancel(state string) (string, error) {
	state = strings.TrimSpace(state)
	if state == "" {
		return "", ErrStateInvalid
	}
	data, ok := m.state.Take(state)
	if !ok {
		return "", ErrStateInvalid
	}
	return data.ReturnTo, nil
}

// wireToken is the token payload shape used by the token endpoint. The
// top-level response carries the auth-server token and every dependent
// token arrives under other_tokens.
type wireToken struct {
	AccessToken    string `json:"access_token"`
	RefreshToken   string `json:"refresh_token"`
	ResourceServer string `json:"resource_server"`
	Scope          string `json:"scope"`
	ExpiresIn      int    `json:"expires_in"`
}

func (w wireToken) token(now time.Time) Token {
	token := Token{
		ResourceServer: w.ResourceServer,
		Scope:          w.Scope,
		AccessToken:    w.AccessToken,
		RefreshToken:   w.RefreshToken,
	}
	if w.ExpiresIn > 0 {
		token.ExpiresAt = now.Add(time.Duration(w.ExpiresIn) * time.Second).UTC()
	}
	return token
}

func (m *Manager) exchangeCode(ctx context.Context, code string) ([]Token, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("authorization code is required")
	}
	payload := url.Values{}
	payload.Set("grant_type", "authorization_code")
	payload.Set("code", code)
	payload.Set("redirect_uri", m.config.RedirectURL)

	body, err := m.postForm(ctx, m.config.tokenURL(), payload)
	if err != nil {
		return nil, fmt.Errorf("exchange token: %w", err)
	}
	var parsed struct {
		wireToken
		OtherTokens []wireToken `json:"other_tokens"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	now := time.Now()
	tokens := []Token{parsed.wireToken.token(now)}
	for _, other := range parsed.OtherTokens {
		tokens = append(tokens, other.token(now))
	}
	return tokens, nil
}

// Refresh exchanges a refresh token for a fresh access token.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Token{}, fmt.Errorf("refresh token is required")
	}
	payload := url.Values{}
	payload.Set("grant_type", "refresh_token")
	payload.Set("refresh_token", refreshToken)

	body, err := m.postForm(ctx, m.config.tokenURL(), payload)
	if err != nil {
		return Token{}, fmt.Errorf("refresh token: %w", err)
	}
	var parsed wireToken
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Token{}, fmt.Errorf("parse refresh response: %w", err)
	}
	if parsed.AccessToken == "" {
		return Token{}, fmt.Errorf("refresh response missing access_token")
	}
	token := parsed.token(time.Now())
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}

// Revoke invalidates every access and refresh token with the authorization
// server. Revocation of an already-dead token is not an error; the first
// hard failure aborts so logout surfaces real connectivity problems.
func (m *Manager) Revoke(ctx context.Context, tokens []Token) error {
	for _, token := range tokens {
		for _, value := range []string{token.AccessToken, token.RefreshToken} {
			if value == "" {
				continue
			}
			payload := url.Values{}
			payload.Set("token", value)
			if _, err := m.postForm(ctx, m.config.revokeURL(), payload); err != nil {
				return fmt.Errorf("revoke token for %s: %w", token.ResourceServer, err)
			}
		}
	}
	return nil
}

func (m *Manager) postForm(ctx context.Context, endpoint string, payload url.Values) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("Accept", "application/json")
	request.SetBasicAuth(m.config.ClientID, m.config.ClientSecret)

	response, err := m.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		snippet := string(bytes.TrimSpace(body))
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return nil, fmt.Errorf("request failed with status %d: %s", response.StatusCode, snippet)
	}
	return body, nil
}

func (m *Manager) fetchUserInfo(ctx context.Context, accessToken string) (UserProfile, error) {
	if accessToken == "" {
		return UserProfile{}, fmt.Errorf("no auth server token in response")
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, m.config.userInfoURL(), nil)
	if err != nil {
		return UserProfile{}, fmt.Errorf("create userinfo request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+accessToken)
	request.Header.Set("Accept", "application/json")

	response, err := m.client.Do(request)
	if err != nil {
		return UserProfile{}, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return UserProfile{}, fmt.Errorf("read userinfo response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		snippet := string(bytes.TrimSpace(body))
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return UserProfile{}, fmt.Errorf("userinfo request failed: %s", snippet)
	}
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return UserProfile{}, fmt.Errorf("decode userinfo response: %w", err)
	}
	profile := UserProfile{Raw: parsed}
	profile.Subject = stringFromAny(parsed["sub"])
	profile.Username = stringFromAny(parsed["preferred_username"])
	profile.Name = stringFromAny(parsed["name"])
	profile.Email = stringFromAny(parsed["email"])
	if profile.Subject == "" {
		return UserProfile{}, fmt.Errorf("userinfo response missing sub")
	}
	return profile, nil
}

func tokenForResourceServer(tokens []Token, resourceServer string) Token {
	for _, token := range tokens {
		if strings.EqualFold(token.ResourceServer, resourceServer) {
			return token
		}
	}
	if len(tokens) > 0 {
		return tokens[0]
	}
	return Token{}
}

func stringFromAny(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case json.Number:
		return v.String()
	case float64:
		return strings.TrimSuffix(strings.TrimSuffix(fmt.Sprintf("%f", v), "0"), ".")
	default:
		return ""
	}
}
