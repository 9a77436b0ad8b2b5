package auth

import (
	"fmt"

	"github.com/google/uuid"
)

// Stage is a step of one login attempt. Attempts only move forward, one
// stage at a time, or drop to StageRejected.
type Stage int

const (
	StageInitiated Stage = iota
	StageProviderRedirected
	StageCallbackReceived
	StageStateValidated
	StageCodeExchanged
	StageUserInfoFetched
	StageSessionCreated
	StageRejected
)

var stageNames = [...]string{
	"initiated",
	"provider_redirected",
	"callback_received",
	"state_validated",
	"code_exchanged",
	"userinfo_fetched",
	"session_created",
	"rejected",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// terminal reports whether no further transition is allowed.
func (s Stage) terminal() bool {
	return s == StageSessionCreated || s == StageRejected
}

// Rejection reasons recorded in the audit log.
const (
	reasonRateLimited     = "rate_limited"
	reasonUnknownProvider = "unknown_provider"
	reasonStateInvalid    = "state_invalid"
	reasonProviderDenied  = "provider_denied"
	reasonMissingCode     = "missing_code"
	reasonExchangeFailed  = "exchange_failed"
	reasonUserInfoFailed  = "userinfo_failed"
	reasonEmailUnverified = "email_unverified"
	reasonSessionFailed   = "session_failed"
)

// attempt tracks one login through the handshake. The state token carries
// the attempt across the redirect, so the callback side resumes at
// StageCallbackReceived under a fresh id.
type attempt struct {
	id       string
	provider string
	ip       string
	stage    Stage
	reason   string
}

func newAttempt(provider, ip string, at Stage) *attempt {
	return &attempt{
		id:       uuid.NewString(),
		provider: provider,
		ip:       ip,
		stage:    at,
	}
}

// advance moves to next, which must directly follow the current stage.
func (a *attempt) advance(next Stage) error {
	if a.stage.terminal() {
		return fmt.Errorf("login attempt %s already %s", a.id, a.stage)
	}
	if next != a.stage+1 || next == StageRejected {
		return fmt.Errorf("login attempt %s cannot move from %s to %s", a.id, a.stage, next)
	}
	a.stage = next
	return nil
}

// reject ends the attempt. Rejecting a finished attempt is a no-op.
func (a *attempt) reject(reason string) {
	if a.stage.terminal() {
		return
	}
	a.stage = StageRejected
	a.reason = reason
}
