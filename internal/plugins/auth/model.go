// Package auth is the federation front door. It runs the OAuth2 login
// handshake against the configured identity providers, turns a successful
// callback into an encrypted session, and resolves every request into a
// UserContext carrying the caller's capabilities.
//
// The service orchestrates lower packages (csrf, session, oauth, authz,
// ratelimit) and never touches storage directly.
package auth

import (
	"time"

	"github.com/keyxmakerx/gatekeeper/internal/authz"
	"github.com/keyxmakerx/gatekeeper/internal/sandbox"
)

// UserContext is the request-scoped identity. It is built fresh for every
// request and never stored.
type UserContext struct {
	Authenticated bool      `json:"authenticated"`
	UserID        string    `json:"user_id,omitempty"`
	Email         string    `json:"email,omitempty"`
	Name          string    `json:"name,omitempty"`
	Provider      string    `json:"provider,omitempty"`
	Capabilities  authz.Set `json:"capabilities"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`

	// SessionRef is the short hash of the session token, for logs only.
	SessionRef string `json:"-"`
}

// Can reports whether the caller holds capability c.
func (u *UserContext) Can(c authz.Capability) bool {
	return u != nil && u.Capabilities.Has(c)
}

// Identity converts the context into what the script sandbox receives.
func (u *UserContext) Identity() sandbox.Identity {
	return sandbox.Identity{
		Authenticated: u.Authenticated,
		UserID:        u.UserID,
		Email:         u.Email,
		Name:          u.Name,
		Provider:      u.Provider,
		Capabilities:  u.Capabilities,
	}
}

// Status is the public summary served by GET /auth/status.
func (u *UserContext) Status() StatusResponse {
	return StatusResponse{
		Authenticated: u.Authenticated,
		UserID:        u.UserID,
		Provider:      u.Provider,
		Capabilities:  u.Capabilities.Strings(),
	}
}

// StatusResponse is the JSON body of GET /auth/status.
type StatusResponse struct {
	Authenticated bool     `json:"authenticated"`
	UserID        string   `json:"user_id,omitempty"`
	Provider      string   `json:"provider,omitempty"`
	Capabilities  []string `json:"capabilities"`

	// CSRFToken is a fresh single-use token, issued to signed-in callers only.
	CSRFToken string `json:"csrf_token,omitempty"`
}

// LoginStart is the result of starting a login: where to send the browser
// and the state it carries.
type LoginStart struct {
	URL   string
	State string
}

// CallbackInput holds the values a provider sends back to the callback.
type CallbackInput struct {
	Provider string
	Code     string
	State    string

	// Error is the provider's "error" parameter, set when the user denied
	// consent or the provider refused the request.
	Error string

	IP        string
	UserAgent string
}

// MeResponse is the JSON body of GET /auth/me.
type MeResponse struct {
	User      *UserContext  `json:"user"`
	Sessions  []SessionView `json:"sessions"`
	CSRFToken string        `json:"csrf_token"`
}

// SessionView is one of the caller's live sessions.
type SessionView struct {
	Ref       string    `json:"ref"`
	Provider  string    `json:"provider"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Current   bool      `json:"current"`
}
