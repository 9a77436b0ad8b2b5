// Package fieldcrypt encrypts individual sensitive values (session payloads,
// provider tokens, PKCE verifiers) with authenticated encryption. Every
// sealed value carries a one-byte scheme version so keys and algorithms can
// be rotated without breaking records written under an older version.
//
// Version 1 is AES-256-GCM with a 12-byte nonce. Version 2 (current) is
// XChaCha20-Poly1305 with a 24-byte nonce, which makes random nonces safe
// for any realistic number of encryptions under one key.
//
// Decryption failures of any kind (wrong key, tampered bytes, truncated
// nonce, unknown version) collapse into apperror.ErrDecryptionFailed.
package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
)

// KeySize is the required key length in bytes (256-bit keys for both schemes).
const KeySize = 32

// Scheme versions. The version byte is stored in front of every sealed value.
const (
	VersionAESGCM  uint8 = 1
	VersionXChaCha uint8 = 2

	// CurrentVersion is used for every new encryption.
	CurrentVersion = VersionXChaCha
)

// Field is an encrypted value as stored: the scheme version, the nonce used
// for this one encryption, and the ciphertext with its authentication tag.
type Field struct {
	Version    uint8
	Nonce      []byte
	Ciphertext []byte
}

// MarshalBinary encodes the field as [version][nonce][ciphertext+tag]. The
// nonce length is implied by the version.
func (f Field) MarshalBinary() ([]byte, error) {
	size, err := nonceSize(f.Version)
	if err != nil {
		return nil, err
	}
	if len(f.Nonce) != size {
		return nil, fmt.Errorf("nonce length %d does not match version %d", len(f.Nonce), f.Version)
	}
	out := make([]byte, 0, 1+len(f.Nonce)+len(f.Ciphertext))
	out = append(out, f.Version)
	out = append(out, f.Nonce...)
	out = append(out, f.Ciphertext...)
	return out, nil
}

// UnmarshalBinary parses the encoding produced by MarshalBinary. Malformed
// input is reported as a decryption failure.
func (f *Field) UnmarshalBinary(b []byte) error {
	if len(b) < 1 {
		return apperror.ErrDecryptionFailed
	}
	size, err := nonceSize(b[0])
	if err != nil {
		return apperror.ErrDecryptionFailed
	}
	if len(b) < 1+size {
		return apperror.ErrDecryptionFailed
	}
	f.Version = b[0]
	f.Nonce = append([]byte(nil), b[1:1+size]...)
	f.Ciphertext = append([]byte(nil), b[1+size:]...)
	return nil
}

// Key is symmetric key material bound to a scheme version.
type Key struct {
	Version  uint8
	Material []byte
}

// NewKey validates length and version and copies the material.
func NewKey(version uint8, material []byte) (Key, error) {
	if _, err := nonceSize(version); err != nil {
		return Key{}, err
	}
	if len(material) != KeySize {
		return Key{}, fmt.Errorf("%w: key must be %d bytes, got %d", apperror.ErrConfig, KeySize, len(material))
	}
	return Key{Version: version, Material: append([]byte(nil), material...)}, nil
}

// Encrypt seals plaintext under key with a fresh random nonce. aad is
// authenticated but not encrypted; the same aad must be passed to Decrypt.
func Encrypt(plaintext []byte, key Key, aad []byte) (Field, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return Field{}, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Field{}, fmt.Errorf("generating nonce: %w", err)
	}

	return Field{
		Version:    key.Version,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, aad),
	}, nil
}

// Decrypt opens a field sealed by Encrypt. It never returns partial data.
func Decrypt(f Field, key Key, aad []byte) ([]byte, error) {
	if f.Version != key.Version {
		return nil, apperror.ErrDecryptionFailed
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, apperror.ErrDecryptionFailed
	}
	if len(f.Nonce) != aead.NonceSize() || len(f.Ciphertext) < aead.Overhead() {
		return nil, apperror.ErrDecryptionFailed
	}
	plaintext, err := aead.Open(nil, f.Nonce, f.Ciphertext, aad)
	if err != nil {
		return nil, apperror.ErrDecryptionFailed
	}
	return plaintext, nil
}

// DeriveKey expands a master secret into an independent 32-byte subkey for
// the named purpose (HKDF-SHA256). Different purposes never share key bytes.
func DeriveKey(master []byte, purpose string) ([]byte, error) {
	if len(master) < KeySize {
		return nil, fmt.Errorf("%w: master secret must be at least %d bytes", apperror.ErrConfig, KeySize)
	}
	r := hkdf.New(sha256.New, master, nil, []byte("gatekeeper/"+purpose))
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("deriving %s key: %w", purpose, err)
	}
	return out, nil
}

func newAEAD(key Key) (cipher.AEAD, error) {
	if len(key.Material) != KeySize {
		return nil, fmt.Errorf("invalid key length %d", len(key.Material))
	}
	switch key.Version {
	case VersionAESGCM:
		block, err := aes.NewCipher(key.Material)
		if err != nil {
			return nil, fmt.Errorf("creating cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("creating GCM: %w", err)
		}
		return gcm, nil
	case VersionXChaCha:
		aead, err := chacha20poly1305.NewX(key.Material)
		if err != nil {
			return nil, fmt.Errorf("creating xchacha20-poly1305: %w", err)
		}
		return aead, nil
	default:
		return nil, fmt.Errorf("unknown scheme version %d", key.Version)
	}
}

func nonceSize(version uint8) (int, error) {
	switch version {
	case VersionAESGCM:
		return 12, nil
	case VersionXChaCha:
		return chacha20poly1305.NonceSizeX, nil
	default:
		return 0, fmt.Errorf("unknown scheme version %d", version)
	}
}
