package models

import (
	"time"

	"github.com/byee4/django-globus-portal-framework/internal/auth/oauth"
)

// User is a portal account established from an OAuth login. The ID is
// the identity provider subject, which is stable across logins.
type User struct {
	ID        string        `json:"id"`
	Username  string        `json:"username"`
	Name      string        `json:"name"`
	Email     string        `json:"email"`
	Tokens    []oauth.Token `json:"tokens,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// TokenFor returns the user's token for the named resource server.
func (u User) TokenFor(resourceServer string) (oauth.Token, bool) {
	for _, tok := range u.Tokens {
		if tok.ResourceServer == resourceServer {
			return tok, true
		}
	}
	return oauth.Token{}, false
}
