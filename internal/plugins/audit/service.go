package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
)

// maxUserActivityEntries caps the number of entries returned for one user.
const maxUserActivityEntries = 50

// DefaultRetention is how long persisted entries are kept.
const DefaultRetention = 90 * 24 * time.Hour

// AuditService records auth events and serves a user's own history.
type AuditService interface {
	// Record validates entry, stamps its id and time, and queues it for
	// the sinks. It never blocks on sink I/O.
	Record(ctx context.Context, entry Entry) error

	// UserActivity returns recent persisted entries for userID.
	UserActivity(ctx context.Context, userID string) ([]Entry, error)

	// Prune deletes persisted entries older than the retention window.
	Prune(ctx context.Context) (int, error)
}

// auditService implements AuditService.
type auditService struct {
	dispatcher *Dispatcher
	repo       AuditRepository // nil when persistence is disabled
	retention  time.Duration
	now        func() time.Time
}

// NewAuditService creates an audit service. repo may be nil, in which case
// entries only reach the dispatcher's non-persistent sinks.
func NewAuditService(d *Dispatcher, repo AuditRepository, retention time.Duration) AuditService {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &auditService{dispatcher: d, repo: repo, retention: retention, now: time.Now}
}

// Record queues entry after validation.
func (s *auditService) Record(ctx context.Context, e Entry) error {
	if e.Action == "" {
		return apperror.NewBadRequest("action is required for audit entry")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	s.dispatcher.Emit(ctx, e)
	return nil
}

// UserActivity returns the user's recent entries.
func (s *auditService) UserActivity(ctx context.Context, userID string) ([]Entry, error) {
	if userID == "" {
		return nil, apperror.NewBadRequest("user ID is required")
	}
	if s.repo == nil {
		return nil, apperror.NewNotFound("audit history is not enabled")
	}

	entries, err := s.repo.ListByUser(ctx, userID, maxUserActivityEntries)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("listing user activity: %w", err))
	}
	return entries, nil
}

// Prune applies the retention window. It is a no-op without persistence.
func (s *auditService) Prune(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	return s.repo.DeleteOlderThan(ctx, s.now().Add(-s.retention))
}
