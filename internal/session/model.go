// Package session is the encrypted session store. It creates opaque session
// tokens, keeps one Record per token behind a Repository (memory or Redis),
// enforces a per-user concurrent-session cap with FIFO eviction, validates
// tokens against a client fingerprint and sweeps expired records.
//
// Callers only ever hold the opaque token. Records are keyed by the
// SHA-256 of the token, and the sensitive part of a session (email, display
// name, provider token) lives in an encrypted payload sealed with the
// keyring and bound to that hash.
package session

import (
	"time"
)

// Invalidation reasons reported to the Observer and in logs.
const (
	ReasonLogout    = "logout"
	ReasonLogoutAll = "logout_all"
	ReasonEvicted   = "evicted"
	ReasonRevoked   = "revoked"
)

// Record is the stored unit of authenticated state. It is created once and
// never updated in place; a refreshed session is a new record.
type Record struct {
	TokenHash     string    `json:"token_hash"`
	UserID        string    `json:"user_id"`
	Provider      string    `json:"provider"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Fingerprint   string    `json:"fingerprint"`
	Payload       []byte    `json:"payload"`
	SchemeVersion uint8     `json:"scheme_version"`
}

// expired reports whether the record is logically deleted at now.
func (r *Record) expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// payload is the plaintext sealed into Record.Payload.
type payload struct {
	Email         string `json:"email,omitempty"`
	Name          string `json:"name,omitempty"`
	ProviderToken string `json:"provider_token,omitempty"`
}

// CreateInput carries everything needed to open a session.
type CreateInput struct {
	UserID    string
	Provider  string
	Email     string
	Name      string
	IP        string
	UserAgent string

	// ProviderToken is the provider refresh (or access) token kept so the
	// session can be revoked upstream on logout. Optional.
	ProviderToken string
}

// Claims is the decrypted view of a valid session.
type Claims struct {
	UserID    string    `json:"user_id"`
	Provider  string    `json:"provider"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// ProviderToken is never serialized.
	ProviderToken string `json:"-"`
}

// Info describes a live session without exposing its token or payload.
type Info struct {
	Ref       string    `json:"ref"`
	Provider  string    `json:"provider"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Observer receives lifecycle notifications. Implementations must not block.
type Observer interface {
	SessionCreated(c Claims)
	SessionInvalidated(c Claims, reason string)
}

type nopObserver struct{}

func (nopObserver) SessionCreated(Claims)             {}
func (nopObserver) SessionInvalidated(Claims, string) {}

// Observers fans notifications out to several observers.
type Observers []Observer

func (o Observers) SessionCreated(c Claims) {
	for _, obs := range o {
		obs.SessionCreated(c)
	}
}

func (o Observers) SessionInvalidated(c Claims, reason string) {
	for _, obs := range o {
		obs.SessionInvalidated(c, reason)
	}
}
