package fieldcrypt

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
)

// --- Test Helpers ---

func randomKey(t *testing.T, version uint8) Key {
	t.Helper()
	material := make([]byte, KeySize)
	if _, err := rand.Read(material); err != nil {
		t.Fatalf("generating key: %v", err)
	}
	k, err := NewKey(version, material)
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	return k
}

func assertDecryptionFailed(t *testing.T, err error) {
	t.Helper()
	if !errors.Is(err, apperror.ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

// --- Round Trip ---

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		[]byte("x"),
		[]byte(`{"user_id":"u-1","provider":"google"}`),
		bytes.Repeat([]byte{0xff, 0x00}, 4096),
	}

	for _, version := range []uint8{VersionAESGCM, VersionXChaCha} {
		key := randomKey(t, version)
		for _, p := range payloads {
			f, err := Encrypt(p, key, []byte("aad"))
			if err != nil {
				t.Fatalf("v%d encrypt: %v", version, err)
			}
			if f.Version != version {
				t.Errorf("expected version %d, got %d", version, f.Version)
			}
			got, err := Decrypt(f, key, []byte("aad"))
			if err != nil {
				t.Fatalf("v%d decrypt: %v", version, err)
			}
			if !bytes.Equal(got, p) {
				t.Errorf("v%d round trip mismatch for %d-byte payload", version, len(p))
			}
		}
	}
}

func TestEncrypt_NonceUniquePerCall(t *testing.T) {
	key := randomKey(t, CurrentVersion)
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		f, err := Encrypt([]byte("same plaintext"), key, nil)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		if seen[string(f.Nonce)] {
			t.Fatalf("nonce reused after %d encryptions", i)
		}
		seen[string(f.Nonce)] = true
	}
}

// --- Fail Closed ---

func TestDecrypt_WrongKeyFails(t *testing.T) {
	for _, version := range []uint8{VersionAESGCM, VersionXChaCha} {
		k1 := randomKey(t, version)
		k2 := randomKey(t, version)

		f, err := Encrypt([]byte("secret"), k1, nil)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		got, err := Decrypt(f, k2, nil)
		assertDecryptionFailed(t, err)
		if got != nil {
			t.Errorf("wrong key returned data: %q", got)
		}
	}
}

func TestDecrypt_TamperFails(t *testing.T) {
	key := randomKey(t, CurrentVersion)
	f, err := Encrypt([]byte("secret payload"), key, []byte("ctx"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(f Field) (Field, []byte)
	}{
		{"flipped ciphertext bit", func(f Field) (Field, []byte) {
			ct := append([]byte(nil), f.Ciphertext...)
			ct[0] ^= 0x01
			f.Ciphertext = ct
			return f, []byte("ctx")
		}},
		{"flipped nonce bit", func(f Field) (Field, []byte) {
			n := append([]byte(nil), f.Nonce...)
			n[3] ^= 0x80
			f.Nonce = n
			return f, []byte("ctx")
		}},
		{"short nonce", func(f Field) (Field, []byte) {
			f.Nonce = f.Nonce[:5]
			return f, []byte("ctx")
		}},
		{"truncated ciphertext", func(f Field) (Field, []byte) {
			f.Ciphertext = f.Ciphertext[:3]
			return f, []byte("ctx")
		}},
		{"different aad", func(f Field) (Field, []byte) {
			return f, []byte("other")
		}},
		{"version mismatch", func(f Field) (Field, []byte) {
			f.Version = VersionAESGCM
			return f, []byte("ctx")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mf, aad := tt.mutate(f)
			got, err := Decrypt(mf, key, aad)
			assertDecryptionFailed(t, err)
			if got != nil {
				t.Errorf("tampered field returned data")
			}
		})
	}
}

func TestField_UnmarshalMalformed(t *testing.T) {
	inputs := [][]byte{
		nil,
		{},
		{99, 1, 2, 3},
		{VersionXChaCha, 1, 2},
	}
	for _, in := range inputs {
		var f Field
		assertDecryptionFailed(t, f.UnmarshalBinary(in))
	}
}

func TestNewKey_RejectsShortKey(t *testing.T) {
	_, err := NewKey(CurrentVersion, make([]byte, 16))
	if !errors.Is(err, apperror.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

// --- Keyring ---

func TestKeyring_RotationKeepsOldRecordsReadable(t *testing.T) {
	oldKey := randomKey(t, VersionAESGCM)
	newKey := randomKey(t, VersionXChaCha)

	oldRing, err := NewKeyring(oldKey)
	if err != nil {
		t.Fatalf("old keyring: %v", err)
	}
	legacy, err := oldRing.Seal([]byte("legacy"), []byte("tok"))
	if err != nil {
		t.Fatalf("seal legacy: %v", err)
	}

	ring, err := NewKeyring(newKey, oldKey)
	if err != nil {
		t.Fatalf("rotated keyring: %v", err)
	}

	got, err := ring.Open(legacy, []byte("tok"))
	if err != nil {
		t.Fatalf("open legacy: %v", err)
	}
	if string(got) != "legacy" {
		t.Errorf("expected legacy, got %q", got)
	}

	fresh, err := ring.Seal([]byte("fresh"), nil)
	if err != nil {
		t.Fatalf("seal fresh: %v", err)
	}
	if fresh[0] != VersionXChaCha {
		t.Errorf("new records must use current version, got %d", fresh[0])
	}

	// A keyring that dropped the old key can no longer read legacy records.
	newOnly, _ := NewKeyring(newKey)
	_, err = newOnly.Open(legacy, []byte("tok"))
	assertDecryptionFailed(t, err)
}

func TestKeyring_DuplicateVersionRejected(t *testing.T) {
	_, err := NewKeyring(randomKey(t, VersionXChaCha), randomKey(t, VersionXChaCha))
	if !errors.Is(err, apperror.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

// --- Key Derivation ---

func TestDeriveKey_PurposesAreIndependent(t *testing.T) {
	master := bytes.Repeat([]byte("m"), 32)
	a, err := DeriveKey(master, "session")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := DeriveKey(master, "csrf")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	a2, _ := DeriveKey(master, "session")

	if bytes.Equal(a, b) {
		t.Error("different purposes produced the same key")
	}
	if !bytes.Equal(a, a2) {
		t.Error("derivation is not deterministic")
	}
	if _, err := DeriveKey([]byte("short"), "x"); !errors.Is(err, apperror.ErrConfig) {
		t.Errorf("expected ErrConfig for short master, got %v", err)
	}
}

// --- Password Variant ---

// cheapParams keeps argon2id fast in tests.
var cheapParams = KDFParams{Time: 1, Memory: 1024, Threads: 1}

func TestPassword_RoundTripAndWrongPassword(t *testing.T) {
	blob, err := EncryptWithPassword([]byte("refresh-token"), "correct horse", cheapParams)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	got, err := DecryptWithPassword(blob, "correct horse")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != "refresh-token" {
		t.Errorf("expected refresh-token, got %q", got)
	}

	_, err = DecryptWithPassword(blob, "battery staple")
	assertDecryptionFailed(t, err)

	_, err = DecryptWithPassword(blob[:10], "correct horse")
	assertDecryptionFailed(t, err)
}

func TestPassword_RejectsHostileParams(t *testing.T) {
	tests := []struct {
		name  string
		patch func(blob []byte)
	}{
		{"memory 4GiB", func(b []byte) { b[passwordSaltLen+4] = 0xff }},
		{"memory just over cap", func(b []byte) {
			binary.BigEndian.PutUint32(b[passwordSaltLen+4:], MaxKDFParams.Memory+1)
		}},
		{"time just over cap", func(b []byte) {
			binary.BigEndian.PutUint32(b[passwordSaltLen:], MaxKDFParams.Time+1)
		}},
		{"time huge", func(b []byte) { binary.BigEndian.PutUint32(b[passwordSaltLen:], 1<<31) }},
		{"threads 255", func(b []byte) { b[passwordSaltLen+8] = 0xff }},
		{"threads just over cap", func(b []byte) { b[passwordSaltLen+8] = MaxKDFParams.Threads + 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := EncryptWithPassword([]byte("x"), "pw", cheapParams)
			if err != nil {
				t.Fatalf("encrypt: %v", err)
			}
			tt.patch(blob)
			_, err = DecryptWithPassword(blob, "pw")
			assertDecryptionFailed(t, err)
		})
	}
}

func TestDeriveFromPassword_RefusesParamsOverCap(t *testing.T) {
	over := []KDFParams{
		{Time: MaxKDFParams.Time + 1, Memory: 1024, Threads: 1},
		{Time: 1, Memory: MaxKDFParams.Memory + 1, Threads: 1},
		{Time: 1, Memory: 1024, Threads: MaxKDFParams.Threads + 1},
	}
	for _, p := range over {
		if _, err := DeriveFromPassword("pw", []byte("salt"), p); !errors.Is(err, apperror.ErrConfig) {
			t.Errorf("%+v: expected ErrConfig, got %v", p, err)
		}
	}
	if _, err := EncryptWithPassword([]byte("x"), "pw", over[0]); !errors.Is(err, apperror.ErrConfig) {
		t.Errorf("encrypt over cap: expected ErrConfig, got %v", err)
	}
}
