// Package sandbox is the narrow surface between a validated request and an
// untrusted script: a read-only user object and the table of host
// functions the script may call. Which functions exist at all is decided
// here from the request's capability set, before the script runs.
package sandbox

import (
	"github.com/keyxmakerx/gatekeeper/internal/authz"
)

// Identity is what the auth layer knows about the caller of one request.
type Identity struct {
	Authenticated bool
	UserID        string
	Email         string
	Name          string
	Provider      string
	Capabilities  authz.Set
}

// CurrentUser is the object currentUser() returns to a script.
type CurrentUser struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	Provider string `json:"provider"`
}

// User is the read-only user object injected into the sandbox. Its fields
// are unexported so nothing on the script side of the boundary can alter
// them after construction.
type User struct {
	authenticated bool
	current       CurrentUser
}

// NewUser builds the user object for one request.
func NewUser(id Identity) *User {
	u := &User{authenticated: id.Authenticated && id.UserID != ""}
	if u.authenticated {
		u.current = CurrentUser{ID: id.UserID, Email: id.Email, Name: id.Name, Provider: id.Provider}
	}
	return u
}

// Authenticated reports whether the request carries a valid session.
func (u *User) Authenticated() bool { return u.authenticated }

// UserID is empty for anonymous callers. The same holds for Email, Name
// and Provider.
func (u *User) UserID() string   { return u.current.ID }
func (u *User) Email() string    { return u.current.Email }
func (u *User) Name() string     { return u.current.Name }
func (u *User) Provider() string { return u.current.Provider }

// CurrentUser returns a copy of the caller, or nil when anonymous.
func (u *User) CurrentUser() *CurrentUser {
	if !u.authenticated {
		return nil
	}
	c := u.current
	return &c
}

// RequireUser returns the caller or ErrAuthRequired.
func (u *User) RequireUser() (*CurrentUser, error) {
	if c := u.CurrentUser(); c != nil {
		return c, nil
	}
	return nil, ErrAuthRequired
}

// Globals is the plain-data view a script runtime binds as its user
// global. currentUser is nil for anonymous callers.
func (u *User) Globals() map[string]any {
	return map[string]any{
		"authenticated": u.authenticated,
		"userId":        u.current.ID,
		"email":         u.current.Email,
		"name":          u.current.Name,
		"provider":      u.current.Provider,
		"currentUser":   u.CurrentUser(),
	}
}
