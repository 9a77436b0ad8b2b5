package auth

import (
	"context"

	"github.com/keyxmakerx/gatekeeper/internal/plugins/audit"
	"github.com/keyxmakerx/gatekeeper/internal/session"
)

// SessionAuditor records every session removal, evictions included, in
// the audit log. It implements session.Observer.
type SessionAuditor struct {
	Audit AuditRecorder
}

var _ session.Observer = SessionAuditor{}

// SessionCreated is a no-op; successful logins are recorded by the service
// with the client IP attached.
func (SessionAuditor) SessionCreated(session.Claims) {}

// SessionInvalidated records the removal and its reason.
func (a SessionAuditor) SessionInvalidated(c session.Claims, reason string) {
	if a.Audit == nil {
		return
	}
	_ = a.Audit.Record(context.Background(), audit.Entry{
		Action:   audit.ActionSessionInvalidated,
		UserID:   c.UserID,
		Provider: c.Provider,
		Success:  true,
		Reason:   reason,
	})
}
