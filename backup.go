package finguard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"southwinds.dev/finguard/audit"
	"southwinds.dev/finguard/internal/crypto"
	"southwinds.dev/finguard/internal/misc"
	"southwinds.dev/finguard/persist"
)

const (
	// DataTypePayload marks a bundle holding a caller-supplied payload
	DataTypePayload = "financial-data"
	// DataTypeSecureStore marks a bundle holding every protected record
	DataTypeSecureStore = "secure-store"

	isoMillis = "2006-01-02T15:04:05.000Z07:00"

	maxBundleSize = 64 << 20
)

var remoteSchemePattern = regexp.MustCompile(`(?i)\b(` + strings.Join(misc.RemoteSchemes, "|") + `)://`)

// BackupBundle is the self-describing export format
type BackupBundle struct {
	Version   string          `json:"version"`
	Timestamp string          `json:"timestamp"`
	DataType  string          `json:"dataType"`
	Security  BundleSecurity  `json:"security"`
	Data      json.RawMessage `json:"data"`
	Checksum  string          `json:"checksum"`
	Warning   BundleWarning   `json:"warning"`
}

type BundleSecurity struct {
	Encrypted      bool `json:"encrypted"`
	LocalOnly      bool `json:"localOnly"`
	NoTransmission bool `json:"noTransmission"`
}

type BundleWarning struct {
	Title        string   `json:"title"`
	Message      string   `json:"message"`
	Instructions []string `json:"instructions"`
}

// storeEntry is one protected record inside a secure-store bundle
type storeEntry struct {
	Key    string          `json:"key"`
	Record json.RawMessage `json:"record"`
}

func bundleWarning() BundleWarning {
	return BundleWarning{
		Title:   "CONFIDENTIAL FINANCIAL DATA",
		Message: "This file contains personal financial information. Keep it on this device or on storage you control.",
		Instructions: []string{
			"Do not upload this file to cloud storage, email or messaging services",
			"Keep it on an encrypted disk or removable media you control",
			"Delete backups you no longer need",
			"Import it only on a trusted device",
		},
	}
}

// CreateBackup exports payload as a local-only bundle in the backup directory.
//
// The payload is canonicalized through JSON, every field whose name carries a
// network-indicating word (url, endpoint, webhook, ...) is removed at any depth,
// and a SHA-256 checksum is computed over the canonical sanitized form. Bundles
// older than BackupRetention are pruned afterwards.
//
// Returns:
//   - *BackupResult: filename, full path, checksum and creation time
//   - error: ErrValidation (payload not serializable, a key or string value
//     still references a remote scheme after sanitizing, no backup directory),
//     ErrStorageUnavailable (file could not be written)
func (m *Manager) CreateBackup(payload any) (*BackupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLocked("create_backup", ""); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		err = newError(ErrValidation, "create_backup", "", fmt.Errorf("payload is not serializable: %w", err))
		m.logAudit("create_backup", audit.SubjectBackup, err, nil)
		return nil, err
	}
	return m.writeBundleLocked(raw, DataTypePayload, false)
}

// CreateStoreBackup exports every protected record, still encrypted, as a
// secure-store bundle that RestoreBackup can apply
func (m *Manager) CreateStoreBackup() (*BackupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLocked("create_store_backup", ""); err != nil {
		return nil, err
	}

	keys, err := m.protectedKeysLocked()
	if err != nil {
		err = newError(ErrStorageUnavailable, "create_store_backup", "", err)
		m.logAudit("create_backup", audit.SubjectBackup, err, nil)
		return nil, err
	}

	entries := make([]storeEntry, 0, len(keys))
	for _, key := range keys {
		record, err := m.store.Get(misc.SecurePrefix + key)
		if err != nil {
			err = newError(ErrStorageUnavailable, "create_store_backup", key, err)
			m.logAudit("create_backup", audit.SubjectBackup, err, nil)
			return nil, err
		}
		if !json.Valid(record) {
			m.opLog("create_store_backup", key).Warn("skipping malformed record")
			continue
		}
		entries = append(entries, storeEntry{Key: key, Record: record})
	}

	raw, err := json.Marshal(entries)
	if err != nil {
		err = newError(ErrValidation, "create_store_backup", "", err)
		m.logAudit("create_backup", audit.SubjectBackup, err, nil)
		return nil, err
	}
	return m.writeBundleLocked(raw, DataTypeSecureStore, true)
}

func (m *Manager) writeBundleLocked(raw []byte, dataType string, encrypted bool) (*BackupResult, error) {
	fail := func(kind error, err error) (*BackupResult, error) {
		err = newError(kind, "create_backup", "", err)
		m.logAudit("create_backup", audit.SubjectBackup, err, map[string]interface{}{"data_type": dataType})
		m.opLog("create_backup", "").WithError(err).Error("backup failed")
		return nil, err
	}

	dir, err := m.backupDirLocked()
	if err != nil {
		return fail(ErrValidation, err)
	}

	canonical, err := canonicalize(raw)
	if err != nil {
		return fail(ErrValidation, err)
	}
	// a bundle ImportBackup would reject is never written
	var decoded any
	if err = decodeJSON(canonical, &decoded); err != nil {
		return fail(ErrValidation, err)
	}
	if match, found := findRemoteReference(decoded); found {
		return fail(ErrValidation, fmt.Errorf("backup would reference a remote location (%s)", match))
	}
	checksum := crypto.CalculateChecksum(canonical)

	now := m.now().UTC()
	timestamp := now.Format(isoMillis)
	bundle := BackupBundle{
		Version:   misc.BackupVersion,
		Timestamp: timestamp,
		DataType:  dataType,
		Security: BundleSecurity{
			Encrypted:      encrypted,
			LocalOnly:      true,
			NoTransmission: true,
		},
		Data:     canonical,
		Checksum: checksum,
		Warning:  bundleWarning(),
	}

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fail(ErrValidation, fmt.Errorf("failed to marshal bundle: %w", err))
	}

	filename, err := uniqueBackupName(dir, now)
	if err != nil {
		return fail(ErrStorageUnavailable, err)
	}
	path, err := dir.Save(filename, data)
	if err != nil {
		return fail(ErrStorageUnavailable, err)
	}

	if err = m.store.Set(misc.MetaLastBackupKey, []byte(now.Format(time.RFC3339Nano))); err != nil {
		m.opLog("create_backup", "").WithError(err).Warn("failed to record last backup time")
	}

	var pruned []string
	if m.opts.BackupRetention > 0 {
		pruned, err = dir.Prune(now.Add(-m.opts.BackupRetention))
		if err != nil {
			m.opLog("create_backup", "").WithError(err).Warn("failed to prune old backups")
		}
	}

	m.logAudit("create_backup", audit.SubjectBackup, nil, map[string]interface{}{
		"filename":  filename,
		"data_type": dataType,
		"pruned":    len(pruned),
	})
	m.log.WithFields(logrus.Fields{
		"session_id": m.sessionID,
		"op":         "create_backup",
		"filename":   filename,
	}).Info("backup created")

	return &BackupResult{
		Filename:  filename,
		Path:      path,
		Checksum:  checksum,
		DataType:  dataType,
		CreatedAt: now,
		Pruned:    pruned,
	}, nil
}

// ImportBackup reads and verifies a bundle. Nothing is applied to the store.
//
// Checks, in order:
//  1. the bundle parses and has a supported version (ErrValidation)
//  2. security.localOnly and security.noTransmission are both true (ErrValidation)
//  3. no key or string anywhere references a remote scheme such as https:// (ErrValidation)
//  4. the checksum matches the canonical payload (ErrIntegrity)
//
// The returned payload is sanitized again before it is handed back.
func (m *Manager) ImportBackup(r io.Reader) (*ImportResult, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBundleSize+1))
	if err != nil {
		err = newError(ErrValidation, "import_backup", "", fmt.Errorf("failed to read backup: %w", err))
		m.mu.Lock()
		m.logAudit("import_backup", audit.SubjectBackup, err, nil)
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err = m.beginLocked("import_backup", ""); err != nil {
		return nil, err
	}

	result, err := verifyBundle(data)
	if err != nil {
		m.logAudit("import_backup", audit.SubjectBackup, err, nil)
		m.opLog("import_backup", "").WithError(err).Warn("backup rejected")
		return nil, err
	}

	m.logAudit("import_backup", audit.SubjectBackup, nil, map[string]interface{}{
		"data_type": result.DataType,
	})
	return result, nil
}

// ImportBackupFile imports a bundle from path
func (m *Manager) ImportBackupFile(path string) (*ImportResult, error) {
	file, err := os.Open(path)
	if err != nil {
		err = newError(ErrValidation, "import_backup", "", fmt.Errorf("failed to open backup file: %w", err))
		m.mu.Lock()
		m.logAudit("import_backup", audit.SubjectBackup, err, nil)
		m.mu.Unlock()
		return nil, err
	}
	defer file.Close()
	return m.ImportBackup(file)
}

// ImportBackupAsync reads and verifies path in the background. The returned
// channel receives exactly one outcome; callers that lose interest may drop it.
func (m *Manager) ImportBackupAsync(path string) <-chan ImportOutcome {
	out := make(chan ImportOutcome, 1)
	go func() {
		result, err := m.ImportBackupFile(path)
		out <- ImportOutcome{Result: result, Err: err}
		close(out)
	}()
	return out
}

// RestoreBackup applies a secure-store bundle. Every record must decrypt
// under the current master secret before any is written; if a write fails the
// records already written are rolled back. It returns the number of records restored.
func (m *Manager) RestoreBackup(r io.Reader) (int, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBundleSize+1))
	if err != nil {
		return 0, newError(ErrValidation, "restore_backup", "", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err = m.beginLocked("restore_backup", ""); err != nil {
		return 0, err
	}

	fail := func(err error) (int, error) {
		m.logAudit("restore_backup", audit.SubjectBackup, err, nil)
		m.opLog("restore_backup", "").WithError(err).Warn("restore rejected")
		return 0, err
	}

	result, err := verifyBundle(data)
	if err != nil {
		return fail(err)
	}
	if result.DataType != DataTypeSecureStore || !result.Encrypted {
		return fail(newError(ErrValidation, "restore_backup", "", fmt.Errorf("bundle is not a secure-store backup")))
	}

	entries, err := parseStoreEntries(data)
	if err != nil {
		return fail(newError(ErrValidation, "restore_backup", "", err))
	}

	// verify everything before writing anything
	for _, entry := range entries {
		if err = validateKey(entry.Key); err != nil {
			return fail(newError(ErrValidation, "restore_backup", entry.Key, err))
		}
		if _, err = m.decrypt(entry.Record); err != nil {
			return fail(newError(ErrDecryption, "restore_backup", entry.Key, err))
		}
	}

	written := make(map[string]priorValue, len(entries))

	for _, entry := range entries {
		physical := misc.SecurePrefix + entry.Key
		old, getErr := m.store.Get(physical)
		if getErr != nil && !errors.Is(getErr, persist.ErrNotFound) {
			m.rollbackLocked(written)
			return fail(newError(ErrStorageUnavailable, "restore_backup", entry.Key, getErr))
		}
		if err = m.store.Set(physical, entry.Record); err != nil {
			m.rollbackLocked(written)
			return fail(newError(ErrStorageUnavailable, "restore_backup", entry.Key, err))
		}
		if _, seen := written[physical]; !seen {
			written[physical] = priorValue{value: old, exists: getErr == nil}
		}
	}

	m.logAudit("restore_backup", audit.SubjectBackup, nil, map[string]interface{}{
		"records": len(entries),
	})
	m.opLog("restore_backup", "").WithField("records", len(entries)).Info("backup restored")
	return len(entries), nil
}

// priorValue is what a key held before a restore overwrote it
type priorValue struct {
	value  []byte
	exists bool
}

func (m *Manager) rollbackLocked(written map[string]priorValue) {
	for key, prev := range written {
		var err error
		if prev.exists {
			err = m.store.Set(key, prev.value)
		} else {
			err = m.store.Delete(key)
		}
		if err != nil {
			m.opLog("restore_backup", "").WithError(err).Error("rollback failed")
		}
	}
}

// ListBackups returns the bundles in the backup directory, newest first,
// with their checksum validity
func (m *Manager) ListBackups() ([]BackupInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.beginLocked("list_backups", ""); err != nil {
		return nil, err
	}

	dir, err := m.backupDirLocked()
	if err != nil {
		return nil, newError(ErrValidation, "list_backups", "", err)
	}
	files, err := dir.List()
	if err != nil {
		return nil, newError(ErrStorageUnavailable, "list_backups", "", err)
	}

	infos := make([]BackupInfo, 0, len(files))
	for _, file := range files {
		info := BackupInfo{
			Filename:  file.Filename,
			Path:      file.Path,
			Size:      file.Size,
			CreatedAt: file.ModTime,
		}
		if data, err := readBundleFile(dir, file.Filename); err == nil {
			var bundle BackupBundle
			if json.Unmarshal(data, &bundle) == nil {
				info.DataType = bundle.DataType
				info.Checksum = bundle.Checksum
				if ts, err := time.Parse(time.RFC3339Nano, bundle.Timestamp); err == nil {
					info.CreatedAt = ts
				}
			}
			_, verifyErr := verifyBundle(data)
			info.IsValid = verifyErr == nil
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func readBundleFile(dir *persist.BackupDir, filename string) ([]byte, error) {
	rc, err := dir.Open(filename)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, maxBundleSize+1))
}

func (m *Manager) backupDirLocked() (*persist.BackupDir, error) {
	if m.backups != nil {
		return m.backups, nil
	}
	if m.opts.BackupDir == "" {
		return nil, errors.New("backup directory is not configured")
	}
	dir, err := persist.NewBackupDir(m.opts.BackupDir, misc.BackupFileExt)
	if err != nil {
		return nil, err
	}
	m.backups = dir
	return dir, nil
}

// BackupFilename returns the export name for a bundle created at t
func BackupFilename(t time.Time) string {
	stamp := strings.NewReplacer(":", "-", ".", "-").Replace(t.UTC().Format(isoMillis))
	return misc.BackupFilePrefix + stamp + misc.BackupFileExt
}

func uniqueBackupName(dir *persist.BackupDir, t time.Time) (string, error) {
	name := BackupFilename(t)
	base := strings.TrimSuffix(name, misc.BackupFileExt)
	files, err := dir.List()
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(files))
	for _, f := range files {
		taken[f.Filename] = true
	}
	for i := 2; taken[name]; i++ {
		name = fmt.Sprintf("%s-%d%s", base, i, misc.BackupFileExt)
	}
	return name, nil
}

// verifyBundle runs the import checks and returns the sanitized payload
func verifyBundle(data []byte) (*ImportResult, error) {
	if len(data) > maxBundleSize {
		return nil, newError(ErrValidation, "import_backup", "", errors.New("backup file is too large"))
	}

	var bundle BackupBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, newError(ErrValidation, "import_backup", "", fmt.Errorf("failed to parse backup: %w", err))
	}
	if bundle.Version != misc.BackupVersion {
		return nil, newError(ErrValidation, "import_backup", "", fmt.Errorf("unsupported backup version %q", bundle.Version))
	}
	if len(bundle.Data) == 0 {
		return nil, newError(ErrValidation, "import_backup", "", errors.New("backup has no data"))
	}
	if !bundle.Security.LocalOnly || !bundle.Security.NoTransmission {
		return nil, newError(ErrValidation, "import_backup", "", errors.New("backup is not marked local-only"))
	}

	var document any
	if err := decodeJSON(data, &document); err != nil {
		return nil, newError(ErrValidation, "import_backup", "", err)
	}
	if ref, found := findRemoteReference(document); found {
		return nil, newError(ErrValidation, "import_backup", "", fmt.Errorf("backup references a remote location (%s)", ref))
	}

	var payload any
	if err := decodeJSON(bundle.Data, &payload); err != nil {
		return nil, newError(ErrValidation, "import_backup", "", err)
	}
	canonical, err := json.Marshal(payload)
	if err != nil {
		return nil, newError(ErrValidation, "import_backup", "", err)
	}
	if crypto.CalculateChecksum(canonical) != bundle.Checksum {
		return nil, newError(ErrIntegrity, "import_backup", "", errors.New("checksum mismatch"))
	}

	result := &ImportResult{
		Data:      sanitize(payload),
		DataType:  bundle.DataType,
		Encrypted: bundle.Security.Encrypted,
		Checksum:  bundle.Checksum,
	}
	if ts, err := time.Parse(time.RFC3339Nano, bundle.Timestamp); err == nil {
		result.CreatedAt = ts
	}
	return result, nil
}

func parseStoreEntries(data []byte) ([]storeEntry, error) {
	var bundle struct {
		Data []storeEntry `json:"data"`
	}
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("malformed secure-store payload: %w", err)
	}
	return bundle.Data, nil
}

// canonicalize re-encodes raw JSON with sanitized fields, sorted object keys
// and numbers preserved exactly
func canonicalize(raw []byte) ([]byte, error) {
	var value any
	if err := decodeJSON(raw, &value); err != nil {
		return nil, err
	}
	return json.Marshal(sanitize(value))
}

func decodeJSON(data []byte, v any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// sanitize drops, at any depth, object fields named with a network-indicating word
func sanitize(value any) any {
	switch v := value.(type) {
	case map[string]any:
		clean := make(map[string]any, len(v))
		for key, item := range v {
			if _, network := misc.HasTokenPrefix(key, misc.NetworkTerms); network {
				continue
			}
			clean[key] = sanitize(item)
		}
		return clean
	case []any:
		clean := make([]any, len(v))
		for i, item := range v {
			clean[i] = sanitize(item)
		}
		return clean
	default:
		return value
	}
}

// findRemoteReference looks for scheme:// in every key and string value
func findRemoteReference(value any) (string, bool) {
	switch v := value.(type) {
	case map[string]any:
		for key, item := range v {
			if match := remoteSchemePattern.FindString(key); match != "" {
				return match, true
			}
			if match, found := findRemoteReference(item); found {
				return match, true
			}
		}
	case []any:
		for _, item := range v {
			if match, found := findRemoteReference(item); found {
				return match, true
			}
		}
	case string:
		if match := remoteSchemePattern.FindString(v); match != "" {
			return match, true
		}
	}
	return "", false
}
