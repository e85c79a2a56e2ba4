package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"southwinds.dev/finguard/internal/misc"
)

// ErrSecretDestroyed is returned when a destroyed Secret is used
var ErrSecretDestroyed = errors.New("master secret has been destroyed")

// Secret keeps the master secret inside a memguard enclave
type Secret struct {
	enclave *memguard.Enclave
}

// NewSecret seals key into an enclave and wipes the source slice
func NewSecret(key []byte) *Secret {
	enclave := memguard.NewEnclave(key)
	memguard.WipeBytes(key)
	return &Secret{enclave: enclave}
}

// DeriveMasterSecret stretches the passphrase with argon2id and the persisted salt
func DeriveMasterSecret(passphrase, salt []byte) (*Secret, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("passphrase cannot be empty")
	}
	if len(salt) < misc.RecordSaltSize {
		return nil, errors.New("master salt too short")
	}

	saltBytes := make([]byte, len(salt))
	copy(saltBytes, salt)
	defer memguard.WipeBytes(saltBytes)

	derived := argon2.IDKey(
		passphrase,
		saltBytes,
		misc.ArgonTime,
		misc.ArgonMemory,
		misc.ArgonThreads,
		misc.ArgonKeyLen,
	)
	return NewSecret(derived), nil
}

// NewSalt returns size random bytes
func NewSalt(size int) ([]byte, error) {
	salt := make([]byte, size)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// Use opens the enclave for the duration of fn; the buffer is destroyed afterwards
func (s *Secret) Use(fn func(key []byte) error) error {
	if s == nil || s.enclave == nil {
		return ErrSecretDestroyed
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return fmt.Errorf("failed to open master secret: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Destroy drops the reference to the enclave
func (s *Secret) Destroy() {
	if s != nil {
		s.enclave = nil
	}
}

// CalculateChecksum calculates SHA-256 checksum of data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
