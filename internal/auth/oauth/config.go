package oauth

import (
	"fmt"
	"strings"
)

// DefaultBaseURL is the hosted authorization server.
const DefaultBaseURL = "https://auth.globus.org"

// Well-known scopes requested on login so the portal can call the search
// and transfer services on the user's behalf.
const (
	ScopeOpenID  = "openid"
	ScopeProfile = "profile"
	ScopeEmail   = "email"

	ScopeSearch   = "urn:globus:auth:scope:search.api.globus.org:search"
	ScopeTransfer = "urn:globus:auth:scope:transfer.api.globus.org:all"
)

// Config describes the portal's OAuth 2.0 client registration with the
// authorization server.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Scopes requested at login. Defaults to identity plus the search and
	// transfer scopes. Deployments add HTTPS collection scopes here to
	// enable file previews on protected collections.
	Scopes []string
}

// Validate reports missing required fields.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("oauth client id is required")
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		return fmt.Errorf("oauth client secret is required")
	}
	if strings.TrimSpace(c.RedirectURL) == "" {
		return fmt.Errorf("oauth redirect url is required")
	}
	return nil
}

func (c Config) baseURL() string {
	if trimmed := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/"); trimmed != "" {
		return trimmed
	}
	return DefaultBaseURL
}

func (c Config) scopes() []string {
	if len(c.Scopes) > 0 {
		return c.Scopes
	}
	return []string{ScopeOpenID, ScopeProfile, ScopeEmail, ScopeSearch, ScopeTransfer}
}

func (c Config) authorizeURL() string { return c.baseURL() + "/v2/oauth2/authorize" }
func (c Config) tokenURL() string     { return c.baseURL() + "/v2/oauth2/token" }
func (c Config) userInfoURL() string  { return c.baseURL() + "/v2/oauth2/userinfo" }
func (c Config) revokeURL() string    { return c.baseURL() + "/v2/oauth2/token/revoke" }
