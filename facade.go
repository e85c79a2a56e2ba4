package finguard

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"southwinds.dev/finguard/audit"
	"southwinds.dev/finguard/internal/misc"
	"southwinds.dev/finguard/persist"
)

// Set serializes value to JSON, encrypts it under a fresh salt and IV, and
// stores it as the protected record for key.
//
// Parameters:
//   - key: the logical key; it must be non-empty
//   - value: any JSON-serializable value
//
// Returns:
//   - error: nil only when the record was written
//
// Error Conditions:
//   - ErrValidation for an empty key
//   - ErrEncryption when the value cannot be serialized, the cipher fails, or
//     encryption is disabled in DataSecurityConfig
//   - ErrStorageUnavailable when the store write fails
//   - ErrClosed after Close
//
// Audit and Logging:
//   - success and failure are recorded with the logical key, never the value
func (m *Manager) Set(key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLocked("set", key); err != nil {
		return err
	}

	plaintext, err := json.Marshal(value)
	if err != nil {
		err = newError(ErrEncryption, "set", key, fmt.Errorf("failed to serialize value: %w", err))
		m.logAudit("set", audit.SubjectRecord, err, map[string]interface{}{"key": key})
		return err
	}
	return m.putLocked("set", key, plaintext)
}

// putLocked encrypts plaintext and writes it under the protected prefix
func (m *Manager) putLocked(op, key string, plaintext []byte) error {
	details := map[string]interface{}{"key": key}

	if err := validateKey(key); err != nil {
		err = newError(ErrValidation, op, key, err)
		m.logAudit(op, audit.SubjectRecord, err, details)
		return err
	}

	if !m.opts.EncryptionEnabled {
		err := newError(ErrEncryption, op, key, errors.New("encryption is disabled"))
		m.logAudit(op, audit.SubjectRecord, err, details)
		return err
	}

	record, err := m.encrypt(plaintext)
	if err != nil {
		err = newError(ErrEncryption, op, key, err)
		m.logAudit(op, audit.SubjectRecord, err, details)
		m.opLog(op, key).WithError(err).Error("encryption failed")
		return err
	}

	if err = m.store.Set(misc.SecurePrefix+key, record); err != nil {
		err = newError(ErrStorageUnavailable, op, key, err)
		m.logAudit(op, audit.SubjectRecord, err, details)
		m.opLog(op, key).WithError(err).Error("store write failed")
		return err
	}

	m.logAudit(op, audit.SubjectRecord, nil, details)
	m.opLog(op, key).Debug("record stored")
	return nil
}

// Get returns the decrypted value for key. It never fails the caller: a
// missing, malformed or undecryptable record yields (nil, false) and a
// failed audit entry. JSON numbers decode as float64, objects as map[string]any.
func (m *Manager) Get(key string) (any, bool) {
	var value any
	if !m.GetInto(key, &value) {
		return nil, false
	}
	return value, true
}

// GetInto decrypts the record for key into dst, which must be a pointer.
// It reports whether dst was populated.
func (m *Manager) GetInto(key string, dst any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLocked("get", key); err != nil {
		return false
	}

	plaintext, err := m.readLocked(key)
	if err != nil {
		m.failRead(key, err)
		return false
	}

	if err = json.Unmarshal(plaintext, dst); err != nil {
		m.failRead(key, newError(ErrDecryption, "get", key, fmt.Errorf("failed to deserialize value: %w", err)))
		return false
	}

	m.logAudit("get", audit.SubjectRecord, nil, map[string]interface{}{"key": key})
	return true
}

func (m *Manager) readLocked(key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, newError(ErrValidation, "get", key, err)
	}

	raw, err := m.store.Get(misc.SecurePrefix + key)
	if errors.Is(err, persist.ErrNotFound) {
		return nil, newError(ErrValidation, "get", key, ErrNotFound)
	}
	if err != nil {
		return nil, newError(ErrStorageUnavailable, "get", key, err)
	}

	plaintext, err := m.decrypt(raw)
	if err != nil {
		return nil, newError(ErrDecryption, "get", key, err)
	}
	return plaintext, nil
}

func (m *Manager) failRead(key string, err error) {
	details := map[string]interface{}{"key": key}
	if errors.Is(err, ErrNotFound) {
		details["reason"] = "not_found"
	}
	m.logAudit("get", audit.SubjectRecord, err, details)
	if !errors.Is(err, ErrNotFound) {
		m.opLog("get", key).WithError(err).Warn("record could not be read")
	}
}

// Remove deletes the protected record for key. Removing an absent key is not an error.
func (m *Manager) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLocked("remove", key); err != nil {
		return err
	}

	details := map[string]interface{}{"key": key}
	if err := validateKey(key); err != nil {
		err = newError(ErrValidation, "remove", key, err)
		m.logAudit("remove", audit.SubjectRecord, err, details)
		return err
	}

	if err := m.store.Delete(misc.SecurePrefix + key); err != nil {
		err = newError(ErrStorageUnavailable, "remove", key, err)
		m.logAudit("remove", audit.SubjectRecord, err, details)
		return err
	}

	m.logAudit("remove", audit.SubjectRecord, nil, details)
	return nil
}

// Has reports whether a protected record exists for key
func (m *Manager) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLocked("has", key); err != nil {
		return false
	}
	if validateKey(key) != nil {
		return false
	}

	_, err := m.store.Get(misc.SecurePrefix + key)
	if err != nil && !errors.Is(err, persist.ErrNotFound) {
		m.opLog("has", key).WithError(err).Warn("store read failed")
	}
	return err == nil
}

// ListKeys returns the logical keys of all protected records in sorted order
func (m *Manager) ListKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLocked("list", ""); err != nil {
		return []string{}
	}

	keys, err := m.protectedKeysLocked()
	if err != nil {
		m.logAudit("list", audit.SubjectRecord, newError(ErrStorageUnavailable, "list", "", err), nil)
		return []string{}
	}
	return keys
}

func (m *Manager) protectedKeysLocked() ([]string, error) {
	keys, err := m.store.Keys()
	if err != nil {
		return nil, err
	}
	logical := []string{}
	for _, key := range keys {
		if strings.HasPrefix(key, misc.SecurePrefix) {
			logical = append(logical, strings.TrimPrefix(key, misc.SecurePrefix))
		}
	}
	sort.Strings(logical)
	return logical, nil
}

// Migrate moves a value stored in cleartext under the raw key into the
// protected namespace and deletes the cleartext copy. A value that is valid
// JSON is stored as is; anything else is stored as a JSON string. A key that
// already has a protected record is rejected with ErrValidation. When the
// encrypted write fails the cleartext entry is left untouched.
func (m *Manager) Migrate(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLocked("migrate", key); err != nil {
		return err
	}

	details := map[string]interface{}{"key": key}
	if err := validateKey(key); err != nil {
		err = newError(ErrValidation, "migrate", key, err)
		m.logAudit("migrate", audit.SubjectRecord, err, details)
		return err
	}
	if misc.IsInternalKey(key) || strings.HasPrefix(key, misc.TempPrefix) {
		err := newError(ErrValidation, "migrate", key, errors.New("key belongs to a reserved namespace"))
		m.logAudit("migrate", audit.SubjectRecord, err, details)
		return err
	}

	_, err := m.store.Get(misc.SecurePrefix + key)
	switch {
	case err == nil:
		err = newError(ErrValidation, "migrate", key, errors.New("a protected record already exists for this key"))
		m.logAudit("migrate", audit.SubjectRecord, err, details)
		return err
	case !errors.Is(err, persist.ErrNotFound):
		err = newError(ErrStorageUnavailable, "migrate", key, err)
		m.logAudit("migrate", audit.SubjectRecord, err, details)
		return err
	}

	raw, err := m.store.Get(key)
	if errors.Is(err, persist.ErrNotFound) {
		err = newError(ErrValidation, "migrate", key, ErrNotFound)
		m.logAudit("migrate", audit.SubjectRecord, err, details)
		return err
	}
	if err != nil {
		err = newError(ErrStorageUnavailable, "migrate", key, err)
		m.logAudit("migrate", audit.SubjectRecord, err, details)
		return err
	}

	plaintext := raw
	if !json.Valid(raw) {
		if plaintext, err = json.Marshal(string(raw)); err != nil {
			err = newError(ErrEncryption, "migrate", key, err)
			m.logAudit("migrate", audit.SubjectRecord, err, details)
			return err
		}
	}

	if err = m.putLocked("migrate", key, plaintext); err != nil {
		return err
	}

	if err = m.store.Delete(key); err != nil {
		err = newError(ErrStorageUnavailable, "migrate", key, fmt.Errorf("record encrypted but cleartext copy not removed: %w", err))
		m.logAudit("migrate", audit.SubjectRecord, err, details)
		return err
	}

	m.opLog("migrate", key).Info("cleartext entry migrated")
	return nil
}

// SetTemporary stores value in cleartext under the temporary prefix. Temporary
// entries are deleted on cleanup and must not hold sensitive data.
func (m *Manager) SetTemporary(key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLocked("set_temporary", key); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return newError(ErrValidation, "set_temporary", key, err)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return newError(ErrValidation, "set_temporary", key, fmt.Errorf("failed to serialize value: %w", err))
	}
	if err = m.store.Set(misc.TempPrefix+key, data); err != nil {
		return newError(ErrStorageUnavailable, "set_temporary", key, err)
	}
	return nil
}

// GetTemporary returns a value stored with SetTemporary
func (m *Manager) GetTemporary(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLocked("get_temporary", key); err != nil {
		return nil, false
	}

	data, err := m.store.Get(misc.TempPrefix + key)
	if err != nil {
		return nil, false
	}
	var value any
	if err = json.Unmarshal(data, &value); err != nil {
		return nil, false
	}
	return value, true
}

// Session returns the fully-transient store; it is emptied on every cleanup
func (m *Manager) Session() persist.Store {
	return m.session
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("key cannot be empty")
	}
	if strings.ContainsRune(key, 0) {
		return errors.New("key contains invalid characters")
	}
	return nil
}
