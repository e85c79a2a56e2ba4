package finguard

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"southwinds.dev/finguard/internal/crypto"
	"southwinds.dev/finguard/internal/misc"
	"southwinds.dev/finguard/persist"
)

const (
	kdfAlgorithm      = "argon2id"
	verifierPlaintext = "finguard-master-secret-verifier"
)

// kdfMeta is stored under misc.MetaKDFKey. It lets a later session rebuild
// the same master secret and detect a wrong passphrase before any write.
type kdfMeta struct {
	Algorithm string       `json:"algorithm"`
	Salt      string       `json:"salt"`
	Time      uint32       `json:"time"`
	Memory    uint32       `json:"memory"`
	Threads   uint8        `json:"threads"`
	Verifier  storedRecord `json:"verifier"`
}

// readPassphrase resolves the passphrase from options or the environment
func readPassphrase(opts Options) ([]byte, error) {
	var passphraseData []byte

	if opts.Passphrase != "" {
		passphraseData = []byte(opts.Passphrase)
	} else if opts.EnvPassphraseVar != "" {
		envPass := os.Getenv(opts.EnvPassphraseVar)
		if envPass == "" {
			return nil, fmt.Errorf("environment variable %s is empty or not set", opts.EnvPassphraseVar)
		}
		passphraseData = []byte(envPass)

		// clear environment variable immediately
		_ = os.Unsetenv(opts.EnvPassphraseVar)
	} else {
		return nil, errors.New("no passphrase or environment variable provided")
	}

	if len(passphraseData) < minPassphraseLength {
		memguard.WipeBytes(passphraseData)
		return nil, fmt.Errorf("passphrase must be at least %d characters long", minPassphraseLength)
	}
	return passphraseData, nil
}

// setupSecret loads the KDF metadata (creating it on first use), derives the
// master secret and checks it against the stored verifier
func (m *Manager) setupSecret(passphrase []byte) error {
	defer memguard.WipeBytes(passphrase)

	raw, err := m.store.Get(misc.MetaKDFKey)
	if errors.Is(err, persist.ErrNotFound) {
		return m.createSecret(passphrase)
	}
	if err != nil {
		return newError(ErrStorageUnavailable, "open", "", fmt.Errorf("failed to load kdf metadata: %w", err))
	}

	var meta kdfMeta
	if err = json.Unmarshal(raw, &meta); err != nil {
		return newError(ErrValidation, "open", "", fmt.Errorf("malformed kdf metadata: %w", err))
	}
	if meta.Algorithm != kdfAlgorithm ||
		meta.Time != misc.ArgonTime ||
		meta.Memory != misc.ArgonMemory ||
		meta.Threads != misc.ArgonThreads {
		return newError(ErrValidation, "open", "", fmt.Errorf("unsupported kdf parameters"))
	}

	salt, err := hex.DecodeString(meta.Salt)
	if err != nil {
		return newError(ErrValidation, "open", "", fmt.Errorf("malformed kdf salt: %w", err))
	}
	defer memguard.WipeBytes(salt)

	secret, err := crypto.DeriveMasterSecret(passphrase, salt)
	if err != nil {
		return newError(ErrDecryption, "open", "", err)
	}

	verifier, err := meta.Verifier.toRecord()
	if err != nil {
		return newError(ErrValidation, "open", "", err)
	}

	err = secret.Use(func(key []byte) error {
		plaintext, err := m.engine.Decrypt(verifier, key)
		if err != nil {
			return err
		}
		if string(plaintext) != verifierPlaintext {
			return crypto.ErrAuthentication
		}
		return nil
	})
	if err != nil {
		secret.Destroy()
		return newError(ErrDecryption, "open", "", fmt.Errorf("wrong passphrase: %w", err))
	}

	m.secret = secret
	return nil
}

func (m *Manager) createSecret(passphrase []byte) error {
	salt, err := crypto.NewSalt(misc.MasterSaltSize)
	if err != nil {
		return newError(ErrEncryption, "open", "", err)
	}
	defer memguard.WipeBytes(salt)

	secret, err := crypto.DeriveMasterSecret(passphrase, salt)
	if err != nil {
		return newError(ErrEncryption, "open", "", err)
	}

	var verifier *crypto.Record
	err = secret.Use(func(key []byte) error {
		verifier, err = m.engine.Encrypt([]byte(verifierPlaintext), key)
		return err
	})
	if err != nil {
		secret.Destroy()
		return newError(ErrEncryption, "open", "", fmt.Errorf("failed to create verifier: %w", err))
	}

	meta := kdfMeta{
		Algorithm: kdfAlgorithm,
		Salt:      hex.EncodeToString(salt),
		Time:      misc.ArgonTime,
		Memory:    misc.ArgonMemory,
		Threads:   misc.ArgonThreads,
		Verifier:  toStoredRecord(verifier),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		secret.Destroy()
		return newError(ErrEncryption, "open", "", err)
	}
	if err = m.store.Set(misc.MetaKDFKey, data); err != nil {
		secret.Destroy()
		return newError(ErrStorageUnavailable, "open", "", fmt.Errorf("failed to save kdf metadata: %w", err))
	}

	m.secret = secret
	return nil
}

// encrypt seals plaintext with the master secret and returns the stored record bytes
func (m *Manager) encrypt(plaintext []byte) ([]byte, error) {
	var record *crypto.Record
	err := m.secret.Use(func(key []byte) error {
		var err error
		record, err = m.engine.Encrypt(plaintext, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return encodeRecord(record)
}

// decrypt opens a stored record with the master secret
func (m *Manager) decrypt(raw []byte) ([]byte, error) {
	record, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	return m.decryptRecord(record)
}

func (m *Manager) decryptRecord(record *crypto.Record) ([]byte, error) {
	var plaintext []byte
	err := m.secret.Use(func(key []byte) error {
		var err error
		plaintext, err = m.engine.Decrypt(record, key)
		return err
	})
	return plaintext, err
}
