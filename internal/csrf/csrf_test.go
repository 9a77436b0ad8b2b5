package csrf

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
	"github.com/keyxmakerx/gatekeeper/internal/fieldcrypt"
)

// --- Test Helpers ---

var testKey = bytes.Repeat([]byte("k"), 32)

func newTestProtector(t *testing.T) *Protector {
	t.Helper()
	p, err := NewProtector(testKey, time.Minute, NewMemoryNonceStore())
	if err != nil {
		t.Fatalf("NewProtector: %v", err)
	}
	return p
}

func newTestStateManager(t *testing.T, nonces NonceStore) *StateManager {
	t.Helper()
	key, err := fieldcrypt.NewKey(fieldcrypt.CurrentVersion, bytes.Repeat([]byte("e"), 32))
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	kr, err := fieldcrypt.NewKeyring(key)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	m, err := NewStateManager(testKey, 10*time.Minute, nonces, kr)
	if err != nil {
		t.Fatalf("NewStateManager: %v", err)
	}
	return m
}

func assertInvalidToken(t *testing.T, err error) {
	t.Helper()
	if !errors.Is(err, apperror.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

// --- Protector ---

func TestProtector_ValidateOnceThenReplayFails(t *testing.T) {
	p := newTestProtector(t)
	ctx := context.Background()

	tok, err := p.Generate(ctx, "sess-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := p.Validate(ctx, tok, "sess-1"); err != nil {
		t.Fatalf("first validate: %v", err)
	}
	assertInvalidToken(t, p.Validate(ctx, tok, "sess-1"))
}

func TestProtector_SessionBinding(t *testing.T) {
	p := newTestProtector(t)
	ctx := context.Background()

	tok, _ := p.Generate(ctx, "sess-1")
	assertInvalidToken(t, p.Validate(ctx, tok, "sess-2"))

	// A signature mismatch does not burn the nonce; the right session still works.
	if err := p.Validate(ctx, tok, "sess-1"); err != nil {
		t.Fatalf("validate with correct session: %v", err)
	}
}

func TestProtector_Expired(t *testing.T) {
	p := newTestProtector(t)
	ctx := context.Background()

	tok, _ := p.Generate(ctx, "")
	p.s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assertInvalidToken(t, p.Validate(ctx, tok, ""))
}

func TestProtector_MalformedAndForged(t *testing.T) {
	p := newTestProtector(t)
	ctx := context.Background()
	tok, _ := p.Generate(ctx, "")

	parts := strings.Split(tok, ".")
	forgedExpiry := strings.Join([]string{parts[0], parts[1], parts[2], "9999999999", parts[4]}, ".")

	other, err := NewProtector(bytes.Repeat([]byte("z"), 32), time.Minute, NewMemoryNonceStore())
	if err != nil {
		t.Fatalf("NewProtector: %v", err)
	}
	foreign, _ := other.Generate(ctx, "")

	for name, bad := range map[string]string{
		"empty":          "",
		"garbage":        "not-a-token",
		"wrong prefix":   "v0" + tok[2:],
		"forged expiry":  forgedExpiry,
		"foreign secret": foreign,
		"bad mac b64":    strings.Join(append(parts[:4], "!!!"), "."),
	} {
		t.Run(name, func(t *testing.T) {
			assertInvalidToken(t, p.Validate(ctx, bad, ""))
		})
	}
}

func TestProtector_ConcurrentValidateOnlyOneWins(t *testing.T) {
	p := newTestProtector(t)
	ctx := context.Background()
	tok, _ := p.Generate(ctx, "s")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.Validate(ctx, tok, "s") == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one successful validation, got %d", wins.Load())
	}
}

func TestNewProtector_RejectsWeakConfig(t *testing.T) {
	if _, err := NewProtector([]byte("short"), time.Minute, NewMemoryNonceStore()); !errors.Is(err, apperror.ErrConfig) {
		t.Errorf("short key: expected ErrConfig, got %v", err)
	}
	if _, err := NewProtector(testKey, 0, NewMemoryNonceStore()); !errors.Is(err, apperror.ErrConfig) {
		t.Errorf("zero ttl: expected ErrConfig, got %v", err)
	}
	if _, err := NewProtector(testKey, time.Minute, nil); !errors.Is(err, apperror.ErrConfig) {
		t.Errorf("nil store: expected ErrConfig, got %v", err)
	}
}

// --- StateManager ---

func TestStateManager_RoundTripReturnsVerifier(t *testing.T) {
	m := newTestStateManager(t, NewMemoryNonceStore())
	ctx := context.Background()

	state, err := m.Generate(ctx, "google", "1.2.3.4", "", []byte("verifier-123"))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	got, err := m.Validate(ctx, state, "google", "1.2.3.4", "")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if string(got) != "verifier-123" {
		t.Errorf("expected verifier-123, got %q", got)
	}

	_, err = m.Validate(ctx, state, "google", "1.2.3.4", "")
	assertInvalidToken(t, err)
}

func TestStateManager_ProviderAndIPBinding(t *testing.T) {
	m := newTestStateManager(t, NewMemoryNonceStore())
	ctx := context.Background()

	state, _ := m.Generate(ctx, "google", "1.2.3.4", "", []byte("v"))

	_, err := m.Validate(ctx, state, "microsoft", "1.2.3.4", "")
	assertInvalidToken(t, err)

	_, err = m.Validate(ctx, state, "google", "9.9.9.9", "")
	assertInvalidToken(t, err)

	_, err = m.Validate(ctx, state, "google", "1.2.3.4", "some-session")
	assertInvalidToken(t, err)
}

func TestStateManager_Cleanup(t *testing.T) {
	store := NewMemoryNonceStore()
	m := newTestStateManager(t, store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.Generate(ctx, "google", "1.2.3.4", "", nil); err != nil {
			t.Fatalf("generate: %v", err)
		}
	}
	if n, _ := m.Cleanup(ctx); n != 0 {
		t.Errorf("expected no live nonce to be reaped, got %d", n)
	}

	m.s.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := m.Cleanup(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 3 || store.Len() != 0 {
		t.Errorf("expected 3 reaped and empty store, got %d reaped, %d left", n, store.Len())
	}
}

// --- Redis store ---

func newRedisNonceStore(t *testing.T) (*RedisNonceStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return NewRedisNonceStore(rdb, "state"), mr
}

func TestRedisNonceStore_SingleUseAcrossManagers(t *testing.T) {
	store, _ := newRedisNonceStore(t)
	ctx := context.Background()

	// Two managers sharing one secret and one Redis behave like two instances.
	a := newTestStateManager(t, store)
	b := newTestStateManager(t, store)

	state, err := a.Generate(ctx, "apple", "10.0.0.1", "", []byte("pkce"))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	got, err := b.Validate(ctx, state, "apple", "10.0.0.1", "")
	if err != nil {
		t.Fatalf("validate on other instance: %v", err)
	}
	if string(got) != "pkce" {
		t.Errorf("expected pkce, got %q", got)
	}
	_, err = a.Validate(ctx, state, "apple", "10.0.0.1", "")
	assertInvalidToken(t, err)
}

func TestRedisNonceStore_ExpiresWithTTL(t *testing.T) {
	store, mr := newRedisNonceStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "n1", []byte("d"), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	_, ok, err := store.Take(ctx, "n1")
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if ok {
		t.Error("expected expired nonce to be gone")
	}
}
