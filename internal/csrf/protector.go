package csrf

import (
	"context"
	"time"
)

// Protector issues generic CSRF tokens for state-changing requests. A token
// may be bound to a session id; validation must then present the same id.
type Protector struct {
	s *signer
}

// NewProtector creates a Protector. key must be at least 32 bytes and should
// be a dedicated subkey (see fieldcrypt.DeriveKey).
func NewProtector(key []byte, ttl time.Duration, nonces NonceStore) (*Protector, error) {
	s, err := newSigner("csrf", key, ttl, nonces)
	if err != nil {
		return nil, err
	}
	return &Protector{s: s}, nil
}

// Generate returns a fresh token. boundSession may be empty for tokens that
// protect unauthenticated forms.
func (p *Protector) Generate(ctx context.Context, boundSession string) (string, error) {
	return p.s.issue(ctx, []string{boundSession}, nil)
}

// Validate checks and consumes token. expectedSession must equal the value
// the token was generated with.
func (p *Protector) Validate(ctx context.Context, token, expectedSession string) error {
	_, err := p.s.verify(ctx, token, []string{expectedSession})
	return err
}

// Cleanup reaps expired, never-used nonces.
func (p *Protector) Cleanup(ctx context.Context) (int, error) {
	return p.s.nonces.DeleteExpired(ctx, p.s.now())
}
