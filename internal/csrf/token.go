// Package csrf issues and checks short-lived, single-use tokens bound to a
// server secret with HMAC-SHA256. Two flavours share one core:
//
//   - Protector: generic CSRF tokens, optionally bound to a session id.
//   - StateManager: OAuth "state" values bound to the provider name and
//     the originating client IP, carrying the PKCE verifier server-side.
//
// A token is "v1.<nonce>.<issued>.<expires>.<mac>". The context it was
// bound to (session, provider, IP) is never embedded, only authenticated,
// so validation must be given the same context again. Every nonce is
// recorded in a NonceStore at issue time and removed on first successful
// MAC check, which makes replays fail.
package csrf

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
)

const (
	tokenPrefix = "v1"

	// nonceBytes gives 128 bits of entropy per token.
	nonceBytes = 16
)

var b64 = base64.RawURLEncoding

// signer is the shared core: it mints tokens for a purpose label and a
// list of context fields, and verifies/consumes them.
type signer struct {
	purpose string
	key     []byte
	ttl     time.Duration
	nonces  NonceStore
	now     func() time.Time
}

func newSigner(purpose string, key []byte, ttl time.Duration, nonces NonceStore) (*signer, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("%w: %s signing key must be at least 32 bytes", apperror.ErrConfig, purpose)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: %s token ttl must be positive", apperror.ErrConfig, purpose)
	}
	if nonces == nil {
		return nil, fmt.Errorf("%w: %s nonce store is required", apperror.ErrConfig, purpose)
	}
	return &signer{
		purpose: purpose,
		key:     append([]byte(nil), key...),
		ttl:     ttl,
		nonces:  nonces,
		now:     time.Now,
	}, nil
}

// issue mints a token bound to fields and records its nonce (with the
// optional attached data) until expiry.
func (s *signer) issue(ctx context.Context, fields []string, data []byte) (string, error) {
	raw := make([]byte, nonceBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	nonce := b64.EncodeToString(raw)

	issued := s.now().Unix()
	expires := s.now().Add(s.ttl).Unix()
	mac := s.mac(nonce, issued, expires, fields)

	if err := s.nonces.Put(ctx, nonce, data, s.ttl); err != nil {
		return "", fmt.Errorf("recording nonce: %w", err)
	}

	return strings.Join([]string{
		tokenPrefix,
		nonce,
		strconv.FormatInt(issued, 10),
		strconv.FormatInt(expires, 10),
		b64.EncodeToString(mac),
	}, "."), nil
}

// verify checks the MAC against fields in constant time, consumes the nonce
// and then enforces expiry. It returns the data attached at issue time.
// Every failure wraps apperror.ErrInvalidToken.
func (s *signer) verify(ctx context.Context, token string, fields []string) ([]byte, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 5 || parts[0] != tokenPrefix {
		return nil, fmt.Errorf("%w: malformed %s token", apperror.ErrInvalidToken, s.purpose)
	}
	nonce := parts[1]
	issued, err1 := strconv.ParseInt(parts[2], 10, 64)
	expires, err2 := strconv.ParseInt(parts[3], 10, 64)
	given, err3 := b64.DecodeString(parts[4])
	if err1 != nil || err2 != nil || err3 != nil || nonce == "" {
		return nil, fmt.Errorf("%w: malformed %s token", apperror.ErrInvalidToken, s.purpose)
	}

	want := s.mac(nonce, issued, expires, fields)
	if !hmac.Equal(given, want) {
		return nil, fmt.Errorf("%w: %s signature mismatch", apperror.ErrInvalidToken, s.purpose)
	}

	// Consume before the expiry check: a signed token is single-use even
	// when it arrives late.
	data, ok, err := s.nonces.Take(ctx, nonce)
	if err != nil {
		return nil, fmt.Errorf("consuming nonce: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s token already used or unknown", apperror.ErrInvalidToken, s.purpose)
	}

	if s.now().Unix() >= expires {
		return nil, fmt.Errorf("%w: %s token expired", apperror.ErrInvalidToken, s.purpose)
	}

	return data, nil
}

// mac computes HMAC-SHA256 over the purpose, nonce, timestamps and context
// fields. Each variable-length element is length-prefixed so no two field
// lists can produce the same input.
func (s *signer) mac(nonce string, issued, expires int64, fields []string) []byte {
	h := hmac.New(sha256.New, s.key)
	writeField(h, s.purpose)
	writeField(h, nonce)

	var ts [16]byte
	binary.BigEndian.PutUint64(ts[:8], uint64(issued))
	binary.BigEndian.PutUint64(ts[8:], uint64(expires))
	h.Write(ts[:])

	for _, f := range fields {
		writeField(h, f)
	}
	return h.Sum(nil)
}

func writeField(h interface{ Write([]byte) (int, error) }, v string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(v)))
	h.Write(n[:])
	h.Write([]byte(v))
}
