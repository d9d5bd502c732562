package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:      baseURL,
		ClientID:     "portal-client",
		ClientSecret: "portal-secret",
		RedirectURL:  "https://portal.example.com/oauth/callback",
	}
}

func TestBeginBuildsAuthorizeURL(t *testing.T) {
	manager, err := NewManager(testConfig("https://auth.example.com"))
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	result, err := manager.Begin("/perfdata")
	if err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	parsed, err := url.Parse(result.URL)
	if err != nil {
		t.Fatalf("parse authorize url: %v", err)
	}
	if parsed.Host != "auth.example.com" || parsed.Path != "/v2/oauth2/authorize" {
		t.Fatalf("unexpected authorize endpoint %s", result.URL)
	}
	query := parsed.Query()
	if query.Get("client_id") != "portal-client" {
		t.Fatalf("unexpected client_id %q", query.Get("client_id"))
	}
	if query.Get("response_type") != "code" {
		t.Fatalf("unexpected response_type %q", query.Get("response_type"))
	}
	if query.Get("state") != result.State || result.State == "" {
		t.Fatal("expected state in authorize URL")
	}
	scope := query.Get("scope")
	for _, expected := range []string{ScopeOpenID, ScopeSearch, ScopeTransfer} {
		if !strings.Contains(scope, expected) {
			t.Fatalf("scope %q missing %q", scope, expected)
		}
	}
}

func TestCompleteExchangesCodeAndFetchesProfile(t *testing.T) {
	var tokenForm url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/oauth2/token":
			user, pass, ok := r.BasicAuth()
			if !ok || user != "portal-client" || pass != "portal-secret" {
				t.Errorf("missing client credentials on token request")
			}
			if err := r.ParseForm(); err != nil {
				t.Errorf("parse form: %v", err)
			}
			tokenForm = r.PostForm
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":    "auth-access",
				"refresh_token":   "auth-refresh",
				"resource_server": "auth.globus.org",
				"scope":           "openid profile email",
				"expires_in":      3600,
				"other_tokens": []map[string]any{
					{
						"access_token":    "search-access",
						"resource_server": "search.api.globus.org",
						"scope":           ScopeSearch,
						"expires_in":      3600,
					},
					{
						"access_token":    "transfer-access",
						"refresh_token":   "transfer-refresh",
						"resource_server": "transfer.api.globus.org",
						"scope":           ScopeTransfer,
						"expires_in":      3600,
					},
				},
			})
		case "/v2/oauth2/userinfo":
			if got := r.Header.Get("Authorization"); got != "Bearer auth-access" {
				t.Errorf("unexpected authorization header %q", got)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"sub":                "subject-1",
				"preferred_username": "ada@example.com",
				"name":               "Ada Lovelace",
				"email":              "ada@example.com",
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	manager, err := NewManager(testConfig(server.URL), WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	begin, err := manager.Begin("/perfdata?q=star")
	if err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}

	completion, err := manager.Complete(context.Background(), begin.State, "the-code")
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if tokenForm.Get("grant_type") != "authorization_code" || tokenForm.Get("code") != "the-code" {
		t.Fatalf("unexpected token form %v", tokenForm)
	}
	if completion.ReturnTo != "/perfdata?q=star" {
		t.Fatalf("unexpected return-to %q", completion.ReturnTo)
	}
	if completion.Profile.Subject != "subject-1" || completion.Profile.Username != "ada@example.com" {
		t.Fatalf("unexpected profile %+v", completion.Profile)
	}
	if len(completion.Tokens) != 3 {
		t.Fatalf("expected 3 tokens, got %d", len(completion.Tokens))
	}
	transferToken := tokenForResourceServer(completion.Tokens, "transfer.api.globus.org")
	if transferToken.AccessToken != "transfer-access" || transferToken.RefreshToken != "transfer-refresh" {
		t.Fatalf("unexpected transfer token %+v", transferToken)
	}
	if transferToken.ExpiresAt.IsZero() {
		t.Fatal("expected expiry to be set from expires_in")
	}

	if _, err := manager.Complete(context.Background(), begin.State, "the-code"); err != ErrStateInvalid {
		t.Fatalf("expected ErrStateInvalid on replayed state, got %v", err)
	}
}

func TestCompleteRejectsUnknownState(t *testing.T) {
	manager, err := NewManager(testConfig("https://auth.example.com"))
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	if _, err := manager.Complete(context.Background(), "bogus", "code"); err != ErrStateInvalid {
		t.Fatalf("expected ErrStateInvalid, got %v", err)
	}
	if _, err := manager.Complete(context.Background(), "  ", "code"); err != ErrStateInvalid {
		t.Fatalf("expected ErrStateInvalid for blank state, got %v", err)
	}
}

func TestCancelReturnsSavedReturnTo(t *testing.T) {
	manager, err := NewManager(testConfig("https://auth.example.com"))
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	begin, err := manager.Begin("/perfdata")
	if err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	returnTo, err := manager.Cancel(begin.State)
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if returnTo != "/perfdata" {
		t.Fatalf("unexpected return-to %q", returnTo)
	}
	if _, err := manager.Cancel(begin.State); err != ErrStateInvalid {
		t.Fatalf("expected ErrStateInvalid on reuse, got %v", err)
	}
}

func TestRefreshKeepsRefreshToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/oauth2/token" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != "old-refresh" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":    "new-access",
			"resource_server": "transfer.api.globus.org",
			"scope":           ScopeTransfer,
			"expires_in":      1800,
		})
	}))
	defer server.Close()

	manager, err := NewManager(testConfig(server.URL), WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	token, err := manager.Refresh(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if token.AccessToken != "new-access" {
		t.Fatalf("unexpected access token %q", token.AccessToken)
	}
	if token.RefreshToken != "old-refresh" {
		t.Fatalf("expected refresh token to carry over, got %q", token.RefreshToken)
	}
}

func TestRevokeSendsEveryToken(t *testing.T) {
	var revoked []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/oauth2/token/revoke" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		revoked = append(revoked, r.PostForm.Get("token"))
	}))
	defer server.Close()

	manager, err := NewManager(testConfig(server.URL), WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	tokens := []Token{
		{ResourceServer: "auth.globus.org", AccessToken: "a1", RefreshToken: "r1"},
		{ResourceServer: "transfer.api.globus.org", AccessToken: "a2"},
	}
	if err := manager.Revoke(context.Background(), tokens); err != nil {
		t.Fatalf("Revoke returned error: %v", err)
	}
	if len(revoked) != 3 {
		t.Fatalf("expected 3 revocations, got %v", revoked)
	}
}

func TestRevokeStopsOnHardFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusBadGateway)
	}))
	defer server.Close()

	manager, err := NewManager(testConfig(server.URL), WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	tokens := []Token{{ResourceServer: "auth.globus.org", AccessToken: "a1"}}
	if err := manager.Revoke(context.Background(), tokens); err == nil {
		t.Fatal("expected error from failed revocation")
	}
}

func TestTokenExpired(t *testing.T) {
	if (Token{}).Expired() {
		t.Fatal("token without expiry must not report expired")
	}
	live := Token{ExpiresAt: time.Now().Add(time.Hour)}
	if live.Expired() {
		t.Fatal("token expiring in an hour must not report expired")
	}
	closing := Token{ExpiresAt: time.Now().Add(30 * time.Second)}
	if !closing.Expired() {
		t.Fatal("token inside the refresh slack must report expired")
	}
}

func TestStateStoreExpiry(t *testing.T) {
	store := NewMemoryStateStore()
	if err := store.Put("s1", StateData{ReturnTo: "/a"}, 5*time.Millisecond); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, ok := store.Take("s1"); ok {
		t.Fatal("expected expired state to be rejected")
	}

	if err := store.Put("", StateData{}, time.Minute); err == nil {
		t.Fatal("expected error for empty state")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig("")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	missing := cfg
	missing.ClientID = ""
	if err := missing.Validate(); err == nil {
		t.Fatal("expected error for missing client id")
	}
	missing = cfg
	missing.RedirectURL = ""
	if err := missing.Validate(); err == nil {
		t.Fatal("expected error for missing redirect URL")
	}
}
