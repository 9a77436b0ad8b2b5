package csrf

import (
	"context"
	"fmt"
	"time"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
	"github.com/keyxmakerx/gatekeeper/internal/fieldcrypt"
)

// StateManager issues the OAuth "state" parameter for the federation
// handshake. A state generated for provider A from IP X cannot be redeemed
// for provider B or from IP Y. The PKCE code verifier for the attempt is
// kept server-side next to the nonce, sealed with the keyring.
type StateManager struct {
	s       *signer
	keyring *fieldcrypt.Keyring
}

// NewStateManager creates a StateManager. keyring seals attached verifiers
// at rest; it must not be nil.
func NewStateManager(key []byte, ttl time.Duration, nonces NonceStore, keyring *fieldcrypt.Keyring) (*StateManager, error) {
	if keyring == nil {
		return nil, fmt.Errorf("%w: state manager needs a keyring", apperror.ErrConfig)
	}
	s, err := newSigner("oauth-state", key, ttl, nonces)
	if err != nil {
		return nil, err
	}
	return &StateManager{s: s, keyring: keyring}, nil
}

// Generate returns a state token bound to provider and ip (and optionally an
// existing session). verifier is stored encrypted and returned by Validate.
func (m *StateManager) Generate(ctx context.Context, provider, ip, boundSession string, verifier []byte) (string, error) {
	fields := []string{provider, ip, boundSession}
	sealed, err := m.keyring.Seal(verifier, []byte(provider))
	if err != nil {
		return "", fmt.Errorf("sealing verifier: %w", err)
	}
	return m.s.issue(ctx, fields, sealed)
}

// Validate checks and consumes state for the given provider, ip and session
// binding, and returns the attached verifier.
func (m *StateManager) Validate(ctx context.Context, state, provider, ip, boundSession string) ([]byte, error) {
	sealed, err := m.s.verify(ctx, state, []string{provider, ip, boundSession})
	if err != nil {
		return nil, err
	}
	verifier, err := m.keyring.Open(sealed, []byte(provider))
	if err != nil {
		return nil, fmt.Errorf("%w: stored verifier unreadable: %v", apperror.ErrInvalidToken, err)
	}
	return verifier, nil
}

// Cleanup reaps orphaned state nonces (logins that were never completed).
func (m *StateManager) Cleanup(ctx context.Context) (int, error) {
	return m.s.nonces.DeleteExpired(ctx, m.s.now())
}
