package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
	"southwinds.dev/finguard/internal/misc"
)

// Algorithm names an AEAD construction supported by the Engine
type Algorithm string

const (
	AES256GCM        Algorithm = "aes-256-gcm"
	ChaCha20Poly1305 Algorithm = "chacha20-poly1305"
)

var (
	// ErrAuthentication is returned when the AEAD tag does not verify
	ErrAuthentication = errors.New("record authentication failed")
	// ErrMalformedRecord is returned when a record is structurally invalid
	ErrMalformedRecord = errors.New("malformed encrypted record")
	// ErrUnsupportedVersion is returned for records written in an unknown format
	ErrUnsupportedVersion = errors.New("unsupported record version")
)

// Record is the binary form of one encrypted value
type Record struct {
	Ciphertext []byte
	IV         []byte
	Salt       []byte
	Version    string
	CreatedAt  time.Time
}

// Engine derives a fresh key per record with PBKDF2-HMAC-SHA256 and seals the
// plaintext with an AEAD. The record version is bound as associated data.
type Engine struct {
	algorithm  Algorithm
	iterations int
}

// NewEngine returns an Engine for the algorithm; zero iterations selects the default
func NewEngine(algorithm Algorithm, iterations int) (*Engine, error) {
	if algorithm == "" {
		algorithm = AES256GCM
	}
	if _, err := versionFor(algorithm); err != nil {
		return nil, err
	}
	if iterations <= 0 {
		iterations = misc.PBKDF2Iterations
	}
	return &Engine{algorithm: algorithm, iterations: iterations}, nil
}

// Algorithm returns the algorithm used for new records
func (e *Engine) Algorithm() Algorithm {
	return e.algorithm
}

// Encrypt seals plaintext under a key derived from secret and a new random salt
func (e *Engine) Encrypt(plaintext, secret []byte) (*Record, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret is required")
	}

	version, err := versionFor(e.algorithm)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, misc.RecordSaltSize)
	if _, err = rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := e.deriveKey(secret, salt)
	defer memguard.WipeBytes(key)

	aead, err := newAEAD(e.algorithm, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	iv := make([]byte, aead.NonceSize())
	if _, err = rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	return &Record{
		Ciphertext: aead.Seal(nil, iv, plaintext, []byte(version)),
		IV:         iv,
		Salt:       salt,
		Version:    version,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Decrypt re-derives the record key and opens the ciphertext.
// Any modification of ciphertext, iv, salt or version fails with ErrAuthentication.
func (e *Engine) Decrypt(record *Record, secret []byte) ([]byte, error) {
	if record == nil {
		return nil, ErrMalformedRecord
	}
	if len(secret) == 0 {
		return nil, errors.New("secret is required")
	}

	algorithm, err := algorithmFor(record.Version)
	if err != nil {
		return nil, err
	}
	if len(record.Salt) < misc.RecordSaltSize {
		return nil, fmt.Errorf("%w: salt too short", ErrMalformedRecord)
	}

	key := e.deriveKey(secret, record.Salt)
	defer memguard.WipeBytes(key)

	aead, err := newAEAD(algorithm, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(record.IV) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: invalid iv length", ErrMalformedRecord)
	}
	if len(record.Ciphertext) < aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrMalformedRecord)
	}

	plaintext, err := aead.Open(nil, record.IV, record.Ciphertext, []byte(record.Version))
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func (e *Engine) deriveKey(secret, salt []byte) []byte {
	return pbkdf2.Key(secret, salt, e.iterations, misc.KeyLen, sha256.New)
}

func newAEAD(algorithm Algorithm, key []byte) (cipher.AEAD, error) {
	switch algorithm {
	case AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case ChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("unknown algorithm: %s", algorithm)
	}
}

func versionFor(algorithm Algorithm) (string, error) {
	switch algorithm {
	case AES256GCM:
		return misc.RecordVersion, nil
	case ChaCha20Poly1305:
		return misc.RecordVersionChaCha, nil
	default:
		return "", fmt.Errorf("unknown algorithm: %s", algorithm)
	}
}

func algorithmFor(version string) (Algorithm, error) {
	switch version {
	case misc.RecordVersion:
		return AES256GCM, nil
	case misc.RecordVersionChaCha:
		return ChaCha20Poly1305, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedVersion, version)
	}
}
