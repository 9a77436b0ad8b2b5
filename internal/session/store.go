package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
	"github.com/keyxmakerx/gatekeeper/internal/fieldcrypt"
)

// tokenBytes is the number of random bytes in a session token (256 bits).
const tokenBytes = 32

// Options configures a Store.
type Options struct {
	// TTL is the lifetime of a new session. Required.
	TTL time.Duration

	// MaxPerUser caps concurrent sessions per user. Required.
	MaxPerUser int

	// Stripes sets the size of the lock pools. Zero picks a default.
	Stripes int

	// Observer is notified of creations and invalidations. Optional.
	Observer Observer

	// Now overrides the clock. Optional.
	Now func() time.Time
}

// Store is the session manager. It is safe for concurrent use.
//
// Locking: userLocks serialise the create/evict decision per user,
// tokenLocks serialise every read or removal of one token. No code path
// holds a lock from one pool while taking another, and eviction happens
// only after the user lock is released.
type Store struct {
	repo     Repository
	keyring  *fieldcrypt.Keyring
	ttl      time.Duration
	max      int
	observer Observer
	now      func() time.Time

	userLocks  *stripedLocks
	tokenLocks *stripedLocks

	clockMu    sync.Mutex
	lastIssued time.Time
}

// NewStore creates a Store over repo. The keyring seals session payloads.
func NewStore(repo Repository, keyring *fieldcrypt.Keyring, opts Options) (*Store, error) {
	if repo == nil || keyring == nil {
		return nil, fmt.Errorf("%w: session store needs a repository and a keyring", apperror.ErrConfig)
	}
	if opts.TTL <= 0 {
		return nil, fmt.Errorf("%w: session ttl must be positive", apperror.ErrConfig)
	}
	if opts.MaxPerUser <= 0 {
		return nil, fmt.Errorf("%w: max sessions per user must be positive", apperror.ErrConfig)
	}
	s := &Store{
		repo:       repo,
		keyring:    keyring,
		ttl:        opts.TTL,
		max:        opts.MaxPerUser,
		observer:   opts.Observer,
		now:        opts.Now,
		userLocks:  newStripedLocks(opts.Stripes),
		tokenLocks: newStripedLocks(opts.Stripes),
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Create opens a session for in and returns its opaque token. When the user
// already holds MaxPerUser live sessions the oldest ones are invalidated
// after the new one is stored. If an eviction fails the new session is
// removed again and an error returned.
func (s *Store) Create(ctx context.Context, in CreateInput) (string, error) {
	if in.UserID == "" || in.Provider == "" {
		return "", fmt.Errorf("creating session: user id and provider are required")
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	hash := hashToken(token)

	plain, err := json.Marshal(payload{Email: in.Email, Name: in.Name, ProviderToken: in.ProviderToken})
	if err != nil {
		return "", fmt.Errorf("marshaling session payload: %w", err)
	}
	sealed, err := s.keyring.Seal(plain, []byte(hash))
	if err != nil {
		return "", fmt.Errorf("sealing session payload: %w", err)
	}

	rec := &Record{
		TokenHash:     hash,
		UserID:        in.UserID,
		Provider:      in.Provider,
		Fingerprint:   Fingerprint(in.IP, in.UserAgent),
		Payload:       sealed,
		SchemeVersion: s.keyring.CurrentVersion(),
	}

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	// From here the new record and its evictions commit as a unit, even if
	// the caller goes away.
	commit := context.WithoutCancel(ctx)

	// Decide under the user lock, act after releasing it.
	victims, err := s.storeAndPickVictims(commit, rec)
	if err != nil {
		return "", err
	}
	for _, v := range victims {
		if _, err := s.invalidateHash(commit, v, ReasonEvicted); err != nil {
			s.rollback(commit, rec)
			return "", fmt.Errorf("evicting session %s: %w", v[:refLen], err)
		}
	}

	claims := Claims{
		UserID:    rec.UserID,
		Provider:  rec.Provider,
		Email:     in.Email,
		Name:      in.Name,
		IssuedAt:  rec.IssuedAt,
		ExpiresAt: rec.ExpiresAt,
	}
	s.observer.SessionCreated(claims)

	return token, nil
}

// storeAndPickVictims persists rec and returns the hashes of the sessions
// that now exceed the user's cap, oldest first. It holds only the user lock.
func (s *Store) storeAndPickVictims(ctx context.Context, rec *Record) ([]string, error) {
	mu := s.userLocks.get(rec.UserID)
	mu.Lock()
	defer mu.Unlock()

	// Stamp under the lock so issue order matches insertion order.
	rec.IssuedAt = s.issueTime()
	rec.ExpiresAt = rec.IssuedAt.Add(s.ttl)

	existing, err := s.repo.ListByUser(ctx, rec.UserID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	var live []string
	for _, r := range existing {
		if !r.expired(rec.IssuedAt) {
			live = append(live, r.TokenHash)
		}
	}

	var victims []string
	if over := len(live) + 1 - s.max; over > 0 {
		victims = live[:over]
	}

	if err := s.repo.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}
	return victims, nil
}

// rollback removes a just-stored record whose evictions failed, so the user
// never holds more than MaxPerUser live sessions.
func (s *Store) rollback(ctx context.Context, rec *Record) {
	if _, err := s.repo.Delete(ctx, rec); err != nil {
		slog.Error("failed to roll back session over the per-user limit",
			slog.String("user_id", rec.UserID),
			slog.String("token_ref", rec.TokenHash[:refLen]),
			slog.Any("error", err),
		)
	}
}

// Validate returns the claims for token if the session exists, has not
// expired and was issued to the same client fingerprint.
func (s *Store) Validate(ctx context.Context, token, ip, userAgent string) (*Claims, error) {
	if token == "" {
		return nil, apperror.ErrSessionNotFound
	}
	hash := hashToken(token)

	mu := s.tokenLocks.get(hash)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.repo.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	if rec.expired(s.now()) {
		return nil, apperror.ErrSessionExpired
	}
	if !fingerprintMatches(rec.Fingerprint, ip, userAgent) {
		return nil, apperror.ErrFingerprintMismatch
	}
	return s.open(rec)
}

// Invalidate removes the session for token. Removing an absent session is
// not an error.
func (s *Store) Invalidate(ctx context.Context, token string) error {
	_, err := s.Take(ctx, token)
	return err
}

// Take invalidates the session for token and returns the claims it held,
// or nil when there was nothing to remove. Logout uses the claims to revoke
// the provider token.
func (s *Store) Take(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, nil
	}
	return s.invalidateHash(ctx, hashToken(token), ReasonLogout)
}

// InvalidateAll removes every session of userID and returns how many were
// removed.
func (s *Store) InvalidateAll(ctx context.Context, userID string) (int, error) {
	hashes, err := s.userHashes(ctx, userID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, h := range hashes {
		c, err := s.invalidateHash(ctx, h, ReasonLogoutAll)
		if err != nil {
			return n, err
		}
		if c != nil {
			n++
		}
	}
	return n, nil
}

// InvalidateRef removes the user's session whose Ref is ref and returns
// its claims, or nil when the user has no such session. A user can only
// reach their own sessions this way.
func (s *Store) InvalidateRef(ctx context.Context, userID, ref string) (*Claims, error) {
	if len(ref) != refLen {
		return nil, nil
	}
	hashes, err := s.userHashes(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, h := range hashes {
		if h[:refLen] == ref {
			return s.invalidateHash(ctx, h, ReasonRevoked)
		}
	}
	return nil, nil
}

// ListForUser describes the user's live sessions, oldest first.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]Info, error) {
	recs, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	now := s.now()
	out := make([]Info, 0, len(recs))
	for _, r := range recs {
		if r.expired(now) {
			continue
		}
		out = append(out, Info{
			Ref:       r.TokenHash[:refLen],
			Provider:  r.Provider,
			IssuedAt:  r.IssuedAt,
			ExpiresAt: r.ExpiresAt,
		})
	}
	return out, nil
}

// CleanupExpired removes every record past its expiry and returns the count.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	return s.repo.DeleteExpired(ctx, s.now())
}

// userHashes snapshots the user's token hashes under the user lock.
func (s *Store) userHashes(ctx context.Context, userID string) ([]string, error) {
	mu := s.userLocks.get(userID)
	mu.Lock()
	defer mu.Unlock()

	recs, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	hashes := make([]string, len(recs))
	for i, r := range recs {
		hashes[i] = r.TokenHash
	}
	return hashes, nil
}

// invalidateHash is the single removal path shared by logout, logout-all
// and eviction. It returns the removed session's claims, or nil if the
// session was already gone.
func (s *Store) invalidateHash(ctx context.Context, hash, reason string) (*Claims, error) {
	mu := s.tokenLocks.get(hash)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.repo.Get(ctx, hash)
	if errors.Is(err, apperror.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	existed, err := s.repo.Delete(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !existed {
		return nil, nil
	}

	claims, err := s.open(rec)
	if err != nil {
		// The record is gone either way; report what is known in clear.
		claims = &Claims{UserID: rec.UserID, Provider: rec.Provider, IssuedAt: rec.IssuedAt, ExpiresAt: rec.ExpiresAt}
	}

	slog.Info("session invalidated",
		slog.String("user_id", rec.UserID),
		slog.String("token_ref", hash[:refLen]),
		slog.String("reason", reason),
	)
	s.observer.SessionInvalidated(*claims, reason)

	return claims, nil
}

// open decrypts the record payload into claims.
func (s *Store) open(rec *Record) (*Claims, error) {
	plain, err := s.keyring.Open(rec.Payload, []byte(rec.TokenHash))
	if err != nil {
		return nil, fmt.Errorf("opening session payload: %w", err)
	}
	var p payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, fmt.Errorf("%w: session payload unreadable", apperror.ErrDecryptionFailed)
	}
	return &Claims{
		UserID:        rec.UserID,
		Provider:      rec.Provider,
		Email:         p.Email,
		Name:          p.Name,
		IssuedAt:      rec.IssuedAt,
		ExpiresAt:     rec.ExpiresAt,
		ProviderToken: p.ProviderToken,
	}, nil
}

// issueTime returns a microsecond-precision timestamp strictly after the
// previous one handed out by this Store, so FIFO order never ties.
func (s *Store) issueTime() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()

	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.lastIssued) {
		t = s.lastIssued.Add(time.Microsecond)
	}
	s.lastIssued = t
	return t
}

// refLen is the number of hex characters of the token hash used as a log
// and listing reference.
const refLen = 12

// hashToken is the repository key for token.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Ref returns a short, non-reversible reference to token for logs.
func Ref(token string) string {
	if token == "" {
		return ""
	}
	return hashToken(token)[:refLen]
}
