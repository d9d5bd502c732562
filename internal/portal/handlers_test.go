package portal

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/byee4/django-globus-portal-framework/internal/auth"
	"github.com/byee4/django-globus-portal-framework/internal/auth/oauth"
	"github.com/byee4/django-globus-portal-framework/internal/observability/metrics"
	"github.com/byee4/django-globus-portal-framework/internal/preview"
	"github.com/byee4/django-globus-portal-framework/internal/search"
	"github.com/byee4/django-globus-portal-framework/internal/storage"
	"github.com/byee4/django-globus-portal-framework/internal/transfer"
	"github.com/byee4/django-globus-portal-framework/web"
)

// fakeOAuth is a scriptable oauth.Service for handler tests.
type fakeOAuth struct {
	beginURL      string
	beginErr      error
	beginReturnTo string

	completion  oauth.Completion
	completeErr error

	cancelReturnTo string
	cancelErr      error

	refreshed  oauth.Token
	refreshErr error

	revoked   [][]oauth.Token
	revokeErr error
}

func (f *fakeOAuth) Begin(returnTo string) (oauth.BeginResult, error) {
	f.beginReturnTo = returnTo
	if f.beginErr != nil {
		return oauth.BeginResult{}, f.beginErr
	}
	authorizeURL := f.beginURL
	if authorizeURL == "" {
		authorizeURL = "https://auth.example.org/v2/oauth2/authorize?state=state-1"
	}
	return oauth.BeginResult{URL: authorizeURL, State: "state-1"}, nil
}

func (f *fakeOAuth) Complete(ctx context.Context, state, code string) (oauth.Completion, error) {
	if f.completeErr != nil {
		return oauth.Completion{}, f.completeErr
	}
	return f.completion, nil
}

func (f *fakeOAuth) Cancel(state string) (string, error) {
	return f.cancelReturnTo, f.cancelErr
}

func (f *fakeOAuth) Refresh(ctx context.Context, refreshToken string) (oauth.Token, error) {
	if f.refreshErr != nil {
		return oauth.Token{}, f.refreshErr
	}
	return f.refreshed, nil
}

func (f *fakeOAuth) Revoke(ctx context.Context, tokens []oauth.Token) error {
	f.revoked = append(f.revoked, tokens)
	return f.revokeErr
}

// newTestHandler assembles a handler over in-memory stores, the bundled
// templates, and a scriptable OAuth service. Search and transfer clients
// point at their hosted defaults until a test swaps them for httptest
// backends.
func newTestHandler(t *testing.T) *Handler {
	t.Helper()

	registry, err := search.NewRegistry(map[string]search.IndexConfig{
		"perfdata": {
			UUID: "uuid-1",
			Name: "Performance Data",
			Fields: []search.FieldDefinition{
				{FieldName: "title", Name: "Title"},
				{FieldName: "author", Name: "Author"},
			},
			Facets: []search.FacetDefinition{
				{Name: "Subjects", FieldName: "subjects"},
			},
		},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	fsys, err := web.Templates()
	if err != nil {
		t.Fatalf("web.Templates: %v", err)
	}
	templates, err := NewTemplates(fsys)
	if err != nil {
		t.Fatalf("NewTemplates: %v", err)
	}

	store, err := storage.New("")
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}

	return &Handler{
		Registry:  registry,
		Search:    search.NewClient(),
		Transfer:  transfer.NewClient(),
		Preview:   preview.NewFetcher(),
		OAuth:     &fakeOAuth{},
		Sessions:  auth.NewSessionManager(time.Hour),
		Store:     store,
		Templates: templates,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:   metrics.New(),
	}
}

func testIndex(t *testing.T, h *Handler) search.IndexConfig {
	t.Helper()
	index, ok := h.Registry.Get("perfdata")
	if !ok {
		t.Fatal("perfdata index missing from registry")
	}
	return index
}

// testTokens returns a valid search and transfer token pair.
func testTokens() []oauth.Token {
	expires := time.Now().Add(time.Hour)
	return []oauth.Token{
		{
			ResourceServer: ResourceServerSearch,
			Scope:          "urn:globus:auth:scope:search.api.globus.org:search",
			AccessToken:    "search-token",
			RefreshToken:   "search-refresh",
			ExpiresAt:      expires,
		},
		{
			ResourceServer: ResourceServerTransfer,
			Scope:          "urn:globus:auth:scope:transfer.api.globus.org:all",
			AccessToken:    "transfer-token",
			RefreshToken:   "transfer-refresh",
			ExpiresAt:      expires,
		},
	}
}

// loginTestUser stores a user with the given tokens, opens a session for
// them, and returns the session cookie.
func loginTestUser(t *testing.T, h *Handler, tokens []oauth.Token) *http.Cookie {
	t.Helper()
	user, err := h.Store.UpsertUser(oauth.UserProfile{
		Subject:  "user-1",
		Username: "ada@example.org",
		Name:     "Ada Lovelace",
		Email:    "ada@example.org",
	}, tokens)
	if err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	token, _, err := h.Sessions.Create(user.ID, nil)
	if err != nil {
		t.Fatalf("Sessions.Create: %v", err)
	}
	return &http.Cookie{Name: SessionCookieName, Value: token}
}

// anonymousSession opens a session with no user and the given state.
func anonymousSession(t *testing.T, h *Handler, state SessionState) *http.Cookie {
	t.Helper()
	token, _, err := h.Sessions.Create("", state.Encode())
	if err != nil {
		t.Fatalf("Sessions.Create: %v", err)
	}
	return &http.Cookie{Name: SessionCookieName, Value: token}
}

// sessionState loads and decodes the state behind a session cookie.
func sessionState(t *testing.T, h *Handler, cookie *http.Cookie) *SessionState {
	t.Helper()
	record, ok, err := h.Sessions.Validate(cookie.Value)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !ok {
		t.Fatal("session no longer valid")
	}
	state := DecodeState(record.State)
	return &state
}

// responseCookie pulls a named cookie out of a recorded response.
func responseCookie(t *testing.T, response *http.Response, name string) *http.Cookie {
	t.Helper()
	for _, cookie := range response.Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	t.Fatalf("response did not set cookie %q", name)
	return nil
}
