package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// AuditRepository defines the data access contract for audit entries.
// All SQL lives in the concrete implementation -- no SQL leaks out.
type AuditRepository interface {
	// Log inserts a new audit entry.
	Log(ctx context.Context, entry *Entry) error

	// ListByUser returns the most recent entries for a user, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]Entry, error)

	// DeleteOlderThan removes entries created before cutoff and returns
	// how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// auditRepository implements AuditRepository with MariaDB queries.
type auditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a new repository backed by the given DB pool.
func NewAuditRepository(db *sql.DB) AuditRepository {
	return &auditRepository{db: db}
}

// Log inserts a new audit entry. The details map is serialized to JSON
// before storage. Nil details are stored as SQL NULL.
func (r *auditRepository) Log(ctx context.Context, e *Entry) error {
	query := `INSERT INTO auth_audit (id, action, user_id, provider, ip, success, reason, session_ref, details, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var detailsJSON []byte
	if e.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshaling audit details: %w", err)
		}
	}

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.Action, nullString(e.UserID), e.Provider, e.IP,
		e.Success, e.Reason, e.SessionRef, detailsJSON, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// ListByUser returns the most recent entries for a user.
func (r *auditRepository) ListByUser(ctx context.Context, userID string, limit int) ([]Entry, error) {
	query := `SELECT id, action, COALESCE(user_id, ''), provider, ip, success,
	                 reason, session_ref, details, created_at
	          FROM auth_audit
	          WHERE user_id = ?
	          ORDER BY created_at DESC
	          LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// DeleteOlderThan trims the table for retention.
func (r *auditRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM auth_audit WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting old audit entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted audit entries: %w", err)
	}
	return int(n), nil
}

// scanEntries scans auth_audit rows. Expects columns: id, action, user_id,
// provider, ip, success, reason, session_ref, details, created_at.
func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var detailsJSON sql.NullString
		if err := rows.Scan(
			&e.ID, &e.Action, &e.UserID, &e.Provider, &e.IP, &e.Success,
			&e.Reason, &e.SessionRef, &detailsJSON, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		if detailsJSON.Valid && detailsJSON.String != "" {
			if err := json.Unmarshal([]byte(detailsJSON.String), &e.Details); err != nil {
				return nil, fmt.Errorf("unmarshaling audit details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// repositorySinkTimeout bounds one insert from the dispatcher goroutine.
const repositorySinkTimeout = 5 * time.Second

// RepositorySink persists dispatched entries. Write failures are logged
// and otherwise ignored.
type RepositorySink struct {
	Repo AuditRepository
}

// Emit inserts e.
func (s RepositorySink) Emit(ctx context.Context, e Entry) {
	ctx, cancel := context.WithTimeout(ctx, repositorySinkTimeout)
	defer cancel()
	if err := s.Repo.Log(ctx, &e); err != nil {
		slog.Error("failed to write audit entry",
			slog.String("audit_id", e.ID),
			slog.String("action", e.Action),
			slog.Any("error", err),
		)
	}
}
