package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
)

// Repository persists session records. Implementations do no expiry or
// fingerprint checks of their own; the Store does that. All methods must be
// safe for concurrent use.
type Repository interface {
	// Put stores a new record.
	Put(ctx context.Context, rec *Record) error

	// Get returns the record for tokenHash or apperror.ErrSessionNotFound.
	Get(ctx context.Context, tokenHash string) (*Record, error)

	// Delete removes rec and reports whether it was still present.
	Delete(ctx context.Context, rec *Record) (bool, error)

	// ListByUser returns the user's records, oldest first.
	ListByUser(ctx context.Context, userID string) ([]*Record, error)

	// DeleteExpired removes every record whose ExpiresAt is not after now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// memoryRepository keeps records in process memory.
type memoryRepository struct {
	mu      sync.RWMutex
	records map[string]*Record
	byUser  map[string]map[string]struct{}
}

// NewMemoryRepository creates an in-process repository for single-instance
// deployments and tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		records: make(map[string]*Record),
		byUser:  make(map[string]map[string]struct{}),
	}
}

func (m *memoryRepository) Put(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	m.records[rec.TokenHash] = &cp
	set, ok := m.byUser[rec.UserID]
	if !ok {
		set = make(map[string]struct{})
		m.byUser[rec.UserID] = set
	}
	set[rec.TokenHash] = struct{}{}
	return nil
}

func (m *memoryRepository) Get(_ context.Context, tokenHash string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[tokenHash]
	if !ok {
		return nil, apperror.ErrSessionNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memoryRepository) Delete(_ context.Context, rec *Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(rec.TokenHash), nil
}

func (m *memoryRepository) deleteLocked(tokenHash string) bool {
	rec, ok := m.records[tokenHash]
	if !ok {
		return false
	}
	delete(m.records, tokenHash)
	if set := m.byUser[rec.UserID]; set != nil {
		delete(set, tokenHash)
		if len(set) == 0 {
			delete(m.byUser, rec.UserID)
		}
	}
	return true
}

func (m *memoryRepository) ListByUser(_ context.Context, userID string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := m.byUser[userID]
	out := make([]*Record, 0, len(set))
	for h := range set {
		cp := *m.records[h]
		out = append(out, &cp)
	}
	sortOldestFirst(out)
	return out, nil
}

func (m *memoryRepository) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	// Collect under the read lock, then delete in bounded write-locked batches.
	m.mu.RLock()
	var expired []string
	for h, rec := range m.records {
		if rec.expired(now) {
			expired = append(expired, h)
		}
	}
	m.mu.RUnlock()

	const batch = 256
	n := 0
	for i := 0; i < len(expired); i += batch {
		end := min(i+batch, len(expired))
		m.mu.Lock()
		for _, h := range expired[i:end] {
			// Re-check: the record may have been removed meanwhile.
			if rec, ok := m.records[h]; ok && rec.expired(now) && m.deleteLocked(h) {
				n++
			}
		}
		m.mu.Unlock()
	}
	return n, nil
}

// sortOldestFirst orders records by issue time, breaking ties by hash so
// the order is stable across calls.
func sortOldestFirst(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].IssuedAt.Equal(recs[j].IssuedAt) {
			return recs[i].IssuedAt.Before(recs[j].IssuedAt)
		}
		return recs[i].TokenHash < recs[j].TokenHash
	})
}
