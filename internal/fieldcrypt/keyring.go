package fieldcrypt

import (
	"fmt"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
)

// Keyring holds one key per scheme version. New values are always sealed
// with the current key; older versions stay readable until their records
// expire. A Keyring is read-only after construction and safe for
// concurrent use.
type Keyring struct {
	current uint8
	keys    map[uint8]Key
}

// NewKeyring builds a keyring whose current key is current. previous keys
// are kept for decryption only and must use a different version.
func NewKeyring(current Key, previous ...Key) (*Keyring, error) {
	kr := &Keyring{
		current: current.Version,
		keys:    map[uint8]Key{current.Version: current},
	}
	for _, k := range previous {
		if _, dup := kr.keys[k.Version]; dup {
			return nil, fmt.Errorf("%w: duplicate key for scheme version %d", apperror.ErrConfig, k.Version)
		}
		kr.keys[k.Version] = k
	}
	return kr, nil
}

// CurrentVersion reports the scheme version new values are sealed with.
func (kr *Keyring) CurrentVersion() uint8 {
	return kr.current
}

// Seal encrypts plaintext with the current key and returns the encoded field.
func (kr *Keyring) Seal(plaintext, aad []byte) ([]byte, error) {
	f, err := Encrypt(plaintext, kr.keys[kr.current], aad)
	if err != nil {
		return nil, err
	}
	return f.MarshalBinary()
}

// Open decodes and decrypts a value produced by Seal under any key version
// the keyring still holds.
func (kr *Keyring) Open(blob, aad []byte) ([]byte, error) {
	var f Field
	if err := f.UnmarshalBinary(blob); err != nil {
		return nil, err
	}
	key, ok := kr.keys[f.Version]
	if !ok {
		return nil, apperror.ErrDecryptionFailed
	}
	return Decrypt(f, key, aad)
}
