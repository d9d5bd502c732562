package portal

import (
	"errors"
	"net/http"

	"github.com/byee4/django-globus-portal-framework/internal/auth/oauth"
)

// Login starts the OAuth flow, remembering where to send the user
// afterwards via the "next" query parameter.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	next := sanitizeReturnPath(r.URL.Query().Get("next"))
	result, err := h.OAuth.Begin(next)
	if err != nil {
		h.logger().Error("begin oauth flow failed", "error", err)
		sess := h.currentSession(r)
		h.renderError(w, r, sess, http.StatusInternalServerError, "Login is unavailable right now, please try again.")
		return
	}
	http.Redirect(w, r, result.URL, http.StatusFound)
}

// AuthCallback completes the OAuth flow: it exchanges the authorization
// code, stores the user's profile and per-service tokens, and issues the
// portal session cookie.
func (h *Handler) AuthCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	state := query.Get("state")

	if denied := query.Get("error"); denied != "" {
		returnTo, err := h.OAuth.Cancel(state)
		if err != nil {
			returnTo = "/"
		}
		h.logger().Info("oauth flow cancelled", "reason", denied)
		sess := h.currentSession(r)
		sess.state.AddFlash(FlashWarning, "Login was cancelled.")
		h.saveState(w, r, sess)
		http.Redirect(w, r, sanitizeReturnPath(returnTo), http.StatusSeeOther)
		return
	}

	completion, err := h.OAuth.Complete(r.Context(), state, query.Get("code"))
	if err != nil {
		if errors.Is(err, oauth.ErrStateInvalid) {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		h.logger().Error("oauth completion failed", "error", err)
		sess := h.currentSession(r)
		h.renderError(w, r, sess, http.StatusBadGateway, "Login failed, please try again.")
		return
	}

	user, err := h.Store.UpsertUser(completion.Profile, completion.Tokens)
	if err != nil {
		h.logger().Error("store user failed", "error", err)
		sess := h.currentSession(r)
		h.renderError(w, r, sess, http.StatusInternalServerError, "Login failed, please try again.")
		return
	}

	// Carry state saved while anonymous into the authenticated session.
	previous := h.currentSession(r)
	if previous.active {
		if err := h.Sessions.Revoke(previous.token); err != nil {
			h.logger().Warn("revoke anonymous session failed", "error", err)
		}
	}
	token, expires, err := h.Sessions.Create(user.ID, previous.state.Encode())
	if err != nil {
		h.logger().Error("create session failed", "error", err)
		h.renderError(w, r, previous, http.StatusInternalServerError, "Login failed, please try again.")
		return
	}
	h.setSessionCookie(w, r, token, expires)
	h.metrics().ObserveAuthEvent("login")
	h.metrics().SessionCreated()
	h.logger().Info("user logged in", "user_id", user.ID, "username", user.Username)

	http.Redirect(w, r, sanitizeReturnPath(completion.ReturnTo), http.StatusSeeOther)
}

// Logout revokes the user's tokens with the auth service, drops them from
// storage, ends the portal session, and redirects to the sanitized "next"
// target.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess := h.currentSession(r)
	if sess.loggedIn {
		if len(sess.user.Tokens) > 0 {
			if err := h.OAuth.Revoke(r.Context(), sess.user.Tokens); err != nil {
				h.logger().Warn("token revocation failed", "error", err, "user_id", sess.user.ID)
				h.metrics().ObserveAuthEvent("revoke_failed")
			}
		}
		if err := h.Store.ClearTokens(sess.user.ID); err != nil {
			h.logger().Error("clear stored tokens failed", "error", err, "user_id", sess.user.ID)
		}
		h.metrics().ObserveAuthEvent("logout")
	}
	if sess.active {
		if err := h.Sessions.Revoke(sess.token); err != nil {
			h.logger().Warn("revoke session failed", "error", err)
		}
		h.metrics().SessionRevoked()
	}
	h.clearSessionCookie(w, r)

	next := r.URL.Query().Get("next")
	if next == "" {
		next = r.FormValue("next")
	}
	http.Redirect(w, r, sanitizeReturnPath(next), http.StatusSeeOther)
}
