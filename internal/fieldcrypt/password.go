package fieldcrypt

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
)

// KDFParams tunes the argon2id work factor used when a key comes from a
// human-chosen secret.
type KDFParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultKDFParams follow OWASP's argon2id guidance for modest hardware:
// memory=64MB, iterations=3, parallelism=4.
var DefaultKDFParams = KDFParams{
	Time:    3,
	Memory:  64 * 1024,
	Threads: 4,
}

// MaxKDFParams bounds every work factor at a small multiple of the
// defaults. Stored blobs outside it are refused before any key derivation.
var MaxKDFParams = KDFParams{
	Time:    4 * DefaultKDFParams.Time,
	Memory:  4 * DefaultKDFParams.Memory,
	Threads: 4 * DefaultKDFParams.Threads,
}

const (
	passwordSaltLen = 16

	// passwordHeaderLen is salt + time + memory + threads.
	passwordHeaderLen = passwordSaltLen + 4 + 4 + 1
)

func (p KDFParams) withinLimits() bool {
	return p.Time <= MaxKDFParams.Time &&
		p.Memory <= MaxKDFParams.Memory &&
		p.Threads <= MaxKDFParams.Threads
}

// DeriveFromPassword stretches password into a current-version key with
// argon2id. The same salt and params always yield the same key.
func DeriveFromPassword(password string, salt []byte, p KDFParams) (Key, error) {
	if p.Time == 0 || p.Memory == 0 || p.Threads == 0 {
		return Key{}, fmt.Errorf("%w: argon2id params must be positive", apperror.ErrConfig)
	}
	if !p.withinLimits() {
		return Key{}, fmt.Errorf("%w: argon2id params exceed %+v", apperror.ErrConfig, MaxKDFParams)
	}
	material := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, KeySize)
	return Key{Version: CurrentVersion, Material: material}, nil
}

// EncryptWithPassword seals plaintext under a key derived from password.
// The output is self-describing: [salt][time][memory][threads][field], so
// DecryptWithPassword needs only the password.
func EncryptWithPassword(plaintext []byte, password string, p KDFParams) ([]byte, error) {
	salt := make([]byte, passwordSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	key, err := DeriveFromPassword(password, salt, p)
	if err != nil {
		return nil, err
	}

	f, err := Encrypt(plaintext, key, salt)
	if err != nil {
		return nil, err
	}
	body, err := f.MarshalBinary()
	if err != nil {
		return nil, err
	}

	out := make([]byte, passwordHeaderLen, passwordHeaderLen+len(body))
	copy(out, salt)
	binary.BigEndian.PutUint32(out[passwordSaltLen:], p.Time)
	binary.BigEndian.PutUint32(out[passwordSaltLen+4:], p.Memory)
	out[passwordSaltLen+8] = p.Threads
	return append(out, body...), nil
}

// DecryptWithPassword reverses EncryptWithPassword. A wrong password fails
// with apperror.ErrDecryptionFailed like any other tamper.
func DecryptWithPassword(blob []byte, password string) ([]byte, error) {
	if len(blob) < passwordHeaderLen+1 {
		return nil, apperror.ErrDecryptionFailed
	}
	salt := blob[:passwordSaltLen]
	p := KDFParams{
		Time:    binary.BigEndian.Uint32(blob[passwordSaltLen:]),
		Memory:  binary.BigEndian.Uint32(blob[passwordSaltLen+4:]),
		Threads: blob[passwordSaltLen+8],
	}
	// A crafted header must not buy unbounded memory or CPU.
	if !p.withinLimits() {
		return nil, apperror.ErrDecryptionFailed
	}

	key, err := DeriveFromPassword(password, salt, p)
	if err != nil {
		return nil, apperror.ErrDecryptionFailed
	}

	var f Field
	if err := f.UnmarshalBinary(blob[passwordHeaderLen:]); err != nil {
		return nil, err
	}
	return Decrypt(f, key, salt)
}
