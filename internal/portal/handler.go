package portal

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/byee4/django-globus-portal-framework/internal/auth"
	"github.com/byee4/django-globus-portal-framework/internal/auth/oauth"
	"github.com/byee4/django-globus-portal-framework/internal/models"
	"github.com/byee4/django-globus-portal-framework/internal/observability/metrics"
	"github.com/byee4/django-globus-portal-framework/internal/preview"
	"github.com/byee4/django-globus-portal-framework/internal/search"
	"github.com/byee4/django-globus-portal-framework/internal/storage"
	"github.com/byee4/django-globus-portal-framework/internal/transfer"
)

// Resource servers whose tokens the portal holds for each logged-in user.
const (
	ResourceServerAuth     = "auth.globus.org"
	ResourceServerSearch   = "search.api.globus.org"
	ResourceServerTransfer = "transfer.api.globus.org"
)

// Handler serves the portal pages. All dependencies are plain fields so
// tests can assemble a handler with only the pieces they exercise.
type Handler struct {
	Registry  *search.Registry
	Search    *search.Client
	Transfer  *transfer.Client
	Preview   *preview.Fetcher
	OAuth     oauth.Service
	Sessions  *auth.SessionManager
	Store     storage.Repository
	Templates *Templates

	Logger       *slog.Logger
	Metrics      *metrics.Recorder
	CookiePolicy SessionCookiePolicy

	// WebAppURL is the hosted web app used for the transfer helper page
	// and task activity links. Defaults to transfer.DefaultWebAppURL.
	WebAppURL string
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) metrics() *metrics.Recorder {
	if h.Metrics != nil {
		return h.Metrics
	}
	return metrics.Default()
}

// session is the request-scoped view of the visitor: their session record,
// decoded portal state, and account when they are logged in.
type session struct {
	token    string
	state    SessionState
	user     models.User
	loggedIn bool
	active   bool
}

// currentSession resolves the visitor's session from the request cookie.
// Visitors without a valid session get a blank anonymous session that is
// only persisted if a handler saves state into it.
func (h *Handler) currentSession(r *http.Request) *session {
	sess := &session{state: DecodeState(nil)}
	token := ExtractToken(r)
	if token == "" {
		return sess
	}
	record, ok, err := h.Sessions.Validate(token)
	if err != nil {
		h.logger().Error("session validation failed", "error", err)
		return sess
	}
	if !ok {
		return sess
	}
	sess.token = token
	sess.active = true
	sess.state = DecodeState(record.State)
	if record.UserID != "" {
		user, exists, err := h.Store.GetUser(record.UserID)
		if err != nil {
			h.logger().Error("load user failed", "error", err, "user_id", record.UserID)
		} else if exists {
			sess.user = user
			sess.loggedIn = true
		}
	}
	return sess
}

// saveState persists the session state, creating an anonymous session and
// setting the cookie when the visitor does not have one yet.
func (h *Handler) saveState(w http.ResponseWriter, r *http.Request, sess *session) {
	if sess.active {
		if err := h.Sessions.UpdateState(sess.token, sess.state.Encode()); err != nil {
			h.logger().Error("save session state failed", "error", err)
		}
		return
	}
	token, expires, err := h.Sessions.Create("", sess.state.Encode())
	if err != nil {
		h.logger().Error("create anonymous session failed", "error", err)
		return
	}
	sess.token = token
	sess.active = true
	h.setSessionCookie(w, r, token, expires)
}

// accessToken returns the user's bearer token for a resource server,
// refreshing it first when it has expired.
func (h *Handler) accessToken(ctx context.Context, sess *session, resourceServer string) (string, error) {
	if !sess.loggedIn {
		return "", nil
	}
	token, ok := sess.user.TokenFor(resourceServer)
	if !ok {
		return "", nil
	}
	if !token.Expired() {
		return token.AccessToken, nil
	}
	if token.RefreshToken == "" {
		return "", fmt.Errorf("token for %s expired without refresh token", resourceServer)
	}
	refreshed, err := h.OAuth.Refresh(ctx, token.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("refresh %s token: %w", resourceServer, err)
	}
	if refreshed.ResourceServer == "" {
		refreshed.ResourceServer = resourceServer
	}
	if err := h.Store.UpdateToken(sess.user.ID, refreshed); err != nil {
		return "", fmt.Errorf("store refreshed token: %w", err)
	}
	for i, tok := range sess.user.Tokens {
		if tok.ResourceServer == resourceServer {
			sess.user.Tokens[i] = refreshed
		}
	}
	h.metrics().ObserveAuthEvent("token_refresh")
	return refreshed.AccessToken, nil
}

// tokenForScope picks the stored token matching a requested OAuth scope,
// used by preview pages that name the scope guarding the remote server.
func (h *Handler) tokenForScope(sess *session, scope string) (oauth.Token, bool) {
	if !sess.loggedIn || scope == "" {
		return oauth.Token{}, false
	}
	for _, tok := range sess.user.Tokens {
		if tok.Scope == scope || tok.ResourceServer == scope {
			return tok, true
		}
	}
	return oauth.Token{}, false
}

// loginURL builds the login path that returns the user to next.
func loginURL(next string) string {
	return appendQueryParam("/login", "next", sanitizeReturnPath(next))
}

// redirectToLogin sends the visitor through the login flow and back.
func (h *Handler) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, loginURL(r.URL.RequestURI()), http.StatusSeeOther)
}
