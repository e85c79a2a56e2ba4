package finguard

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"southwinds.dev/finguard/audit"
	"southwinds.dev/finguard/internal/mem"
	"southwinds.dev/finguard/internal/misc"
	"southwinds.dev/finguard/persist"
)

var baselineRecommendations = []string{
	"Keep financial data on this device and do not sync it to cloud services",
	"Create regular local backups and keep them on encrypted media",
	"Lock or close the application when you step away",
}

// Audit runs every security check and returns the resulting status. It never
// fails: scan errors are recorded as failed audit entries and the status
// reflects whatever could be checked.
func (m *Manager) Audit() DataSecurityStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return closedStatus(m.now())
	}
	return m.auditLocked().clone()
}

// GetStatus returns the status computed by the last audit, running one if
// none has been computed in the current session
func (m *Manager) GetStatus() DataSecurityStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return closedStatus(m.now())
	}
	m.checkExpiryLocked()
	if m.lastStatus == nil {
		return m.auditLocked().clone()
	}
	return m.lastStatus.clone()
}

// GetLogs returns security audit events matching opts, newest first
func (m *Manager) GetLogs(opts audit.QueryOptions) []audit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return []audit.Event{}
	}

	result, err := m.audit.Query(opts)
	if err != nil {
		m.opLog("get_logs", "").WithError(err).Warn("failed to query audit log")
		return []audit.Event{}
	}
	if result.Events == nil {
		return []audit.Event{}
	}
	return result.Events
}

// auditLocked computes a new status and stores it as the last known status
func (m *Manager) auditLocked() DataSecurityStatus {
	now := m.now()

	// the timeout check must see the session before lazy expiry cleans it up
	overdue := m.state == SessionActive && now.Sub(m.sessionStart) >= m.opts.SessionTimeout
	m.checkExpiryLocked()

	status := DataSecurityStatus{
		CheckedAt:         now,
		SessionActive:     m.state == SessionActive,
		SessionID:         m.sessionID,
		SessionState:      m.state,
		EncryptionEnabled: m.opts.EncryptionEnabled,
		MemoryProtection:  m.protection.String(),
		Vulnerabilities:   []string{},
	}

	var scanErrs []error
	var unprotected, leaking bool

	for _, source := range []struct {
		name  string
		store persist.Store
	}{
		{"persistent store", m.store},
		{"session store", m.session},
	} {
		found, err := scanKeys(source.name, source.store)
		if err != nil {
			scanErrs = append(scanErrs, err)
		}
		if len(found) > 0 {
			unprotected = true
			status.Vulnerabilities = append(status.Vulnerabilities, found...)
		}
	}

	if m.opts.ActivityMonitor != nil {
		found, err := m.scanActivityLocked()
		if err != nil {
			scanErrs = append(scanErrs, err)
		}
		if len(found) > 0 {
			leaking = true
			status.Vulnerabilities = append(status.Vulnerabilities, found...)
		}
	}

	if overdue {
		status.Vulnerabilities = append(status.Vulnerabilities,
			fmt.Sprintf("session exceeded its timeout of %s", m.opts.SessionTimeout))
	}
	if !m.opts.EncryptionEnabled {
		status.Vulnerabilities = append(status.Vulnerabilities, "encryption is disabled")
	}

	lastBackup, err := m.lastBackupLocked()
	if err != nil {
		scanErrs = append(scanErrs, err)
	}
	status.LastBackup = lastBackup
	status.Secure = len(status.Vulnerabilities) == 0

	recommendations := append([]string{}, baselineRecommendations...)
	switch {
	case lastBackup == nil:
		recommendations = append(recommendations, "No backup has been created yet; export one to local storage")
	case m.opts.BackupRetention > 0 && now.Sub(*lastBackup) > m.opts.BackupRetention:
		recommendations = append(recommendations, fmt.Sprintf("The last backup is older than %d days; export a fresh one", int(m.opts.BackupRetention.Hours()/24)))
	}
	if m.protection == mem.ProtectionNone {
		if m.opts.EnableMemoryLock {
			recommendations = append(recommendations, "Memory locking is unavailable; raise the locked memory limit so secrets stay out of swap")
		} else {
			recommendations = append(recommendations, "Enable memory locking so secrets stay out of swap")
		}
	}
	if unprotected {
		recommendations = append(recommendations, "Move unprotected sensitive entries into secure storage with migrate")
	}
	if leaking {
		recommendations = append(recommendations, "Review outgoing requests; financial data must stay on this device")
	}
	if !m.opts.EncryptionEnabled {
		recommendations = append(recommendations, "Enable encryption in the security configuration")
	}
	if len(scanErrs) > 0 {
		recommendations = append(recommendations, "Storage could not be fully scanned; check that local storage is available")
	}
	status.Recommendations = recommendations

	var auditErr error
	if len(scanErrs) > 0 {
		auditErr = newError(ErrStorageUnavailable, "audit", "", errors.Join(scanErrs...))
	}
	m.logAudit("security_audit", audit.SubjectStore, auditErr, map[string]interface{}{
		"secure":          status.Secure,
		"vulnerabilities": len(status.Vulnerabilities),
	})

	entry := m.log.WithFields(logrus.Fields{
		"session_id":      m.sessionID,
		"op":              "audit",
		"vulnerabilities": len(status.Vulnerabilities),
	})
	if auditErr != nil {
		entry = entry.WithError(auditErr)
	}
	if !status.Secure || auditErr != nil {
		entry.Warn("security audit found problems")
	} else {
		entry.Debug("security audit passed")
	}

	m.lastStatus = &status
	return status
}

// scanKeys flags unprotected keys whose names look like credentials or financial data
func scanKeys(name string, store persist.Store) ([]string, error) {
	keys, err := store.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", name, err)
	}

	var found []string
	financial := false
	for _, key := range keys {
		if misc.IsInternalKey(key) {
			continue
		}
		if _, hit := misc.HasTokenPrefix(key, misc.CredentialTerms); hit {
			found = append(found, fmt.Sprintf("unprotected credential-like key %q in %s", key, name))
			continue
		}
		if _, hit := misc.HasTokenPrefix(key, misc.FinancialTerms); hit && !financial {
			financial = true
			found = append(found, fmt.Sprintf("unencrypted financial data in %s (key %q)", name, key))
		}
	}
	return found, nil
}

// scanActivityLocked checks requests made since the session started for
// references to financial terms or protected keys
func (m *Manager) scanActivityLocked() ([]string, error) {
	requests, err := m.opts.ActivityMonitor.RecentRequests(m.sessionStart)
	if err != nil {
		return nil, fmt.Errorf("failed to read network activity: %w", err)
	}
	if len(requests) == 0 {
		return nil, nil
	}

	protected, err := m.protectedKeysLocked()
	if err != nil {
		return nil, fmt.Errorf("failed to list protected keys: %w", err)
	}

	var found []string
	for _, req := range requests {
		content := req.URL + " " + req.Body
		reference, hit := misc.HasTokenPrefix(content, misc.FinancialTerms)
		if !hit {
			reference, hit = containsKey(content, protected)
		}
		if hit {
			found = append(found, fmt.Sprintf("outgoing %s request to %s references financial data (%q)",
				strings.ToUpper(req.Method), requestHost(req.URL), reference))
		}
	}
	return found, nil
}

func containsKey(content string, keys []string) (string, bool) {
	for _, key := range keys {
		if strings.Contains(content, key) {
			return key, true
		}
	}
	return "", false
}

func requestHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "unknown host"
	}
	return u.Host
}

func (m *Manager) lastBackupLocked() (*time.Time, error) {
	raw, err := m.store.Get(misc.MetaLastBackupKey)
	if errors.Is(err, persist.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last backup time: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return nil, fmt.Errorf("malformed last backup time: %w", err)
	}
	return &t, nil
}

func closedStatus(now time.Time) DataSecurityStatus {
	return DataSecurityStatus{
		CheckedAt:        now,
		SessionState:     SessionCleanedUp,
		MemoryProtection: mem.ProtectionNone.String(),
		Vulnerabilities:  []string{"secure storage is closed; audit skipped"},
		Recommendations:  append([]string{"Reopen secure storage to run a full audit"}, baselineRecommendations...),
	}
}
