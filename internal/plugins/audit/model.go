// Package audit records authentication events: login attempts and their
// outcome, sessions created and invalidated, rate-limit trips and CSRF
// failures. Entries are handed to an asynchronous Dispatcher so request
// paths never wait on audit I/O, then fanned out to sinks (slog, the
// auth_audit table, metrics).
//
// This plugin only observes. It never changes authentication state.
package audit

import "time"

// --- Action Constants ---
// Each action string follows the pattern "resource.verb" for consistent
// filtering.

const (
	// ActionLoginStarted is logged when a login redirect to a provider is issued.
	ActionLoginStarted = "login.started"

	// ActionLoginSucceeded is logged when a callback ends in a new session.
	ActionLoginSucceeded = "login.succeeded"

	// ActionLoginFailed is logged when a callback is rejected at any step.
	ActionLoginFailed = "login.failed"

	// ActionRateLimited is logged when an IP exceeds the auth request budget.
	ActionRateLimited = "login.rate_limited"

	// ActionCSRFFailed is logged when a state or form token fails validation.
	ActionCSRFFailed = "csrf.failed"

	// ActionLogout is logged when a single session is ended by its owner.
	ActionLogout = "session.logout"

	// ActionLogoutAll is logged when a user ends every session at once.
	ActionLogoutAll = "session.logout_all"

	// ActionSessionRevoked is logged when a user ends one of their other
	// sessions by reference.
	ActionSessionRevoked = "session.revoked"

	// ActionSessionInvalidated is logged for every removed session,
	// including evictions.
	ActionSessionInvalidated = "session.invalidated"
)

// Entry is a single recorded auth event.
type Entry struct {
	ID       string `json:"id"`
	Action   string `json:"action"`
	UserID   string `json:"userId,omitempty"`
	Provider string `json:"provider,omitempty"`
	IP       string `json:"ip,omitempty"`
	Success  bool   `json:"success"`

	// Reason is a short machine-readable cause for failures and
	// invalidations (e.g. "state_invalid", "email_unverified", "evicted").
	Reason string `json:"reason,omitempty"`

	// SessionRef is the short hash prefix of the session token, never the
	// token itself.
	SessionRef string            `json:"sessionRef,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}
