package finguard

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/finguard/internal/misc"
)

func containsMatch(items []string, substr string) bool {
	for _, item := range items {
		if strings.Contains(item, substr) {
			return true
		}
	}
	return false
}

func TestAuditCleanStore(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Set("salary", 84000))
	require.NoError(t, m.SetTemporary("draft", "wip"))

	status := m.Audit()

	assert.True(t, status.Secure)
	assert.Empty(t, status.Vulnerabilities)
	assert.True(t, status.SessionActive)
	assert.Equal(t, SessionActive, status.SessionState)
	assert.Equal(t, m.SessionID(), status.SessionID)
	assert.True(t, status.EncryptionEnabled)
	assert.Nil(t, status.LastBackup)
	assert.True(t, containsMatch(status.Recommendations, "No backup"))
	for _, r := range baselineRecommendations {
		assert.Contains(t, status.Recommendations, r)
	}
}

func TestAuditDetectsCredentialKey(t *testing.T) {
	m, store := newTestManager(t)
	require.NoError(t, store.Set("api_token", []byte("abc")))

	status := m.Audit()

	assert.False(t, status.Secure)
	assert.True(t, containsMatch(status.Vulnerabilities, `"api_token"`))
	assert.True(t, containsMatch(status.Recommendations, "migrate"))

	require.NoError(t, m.Migrate("api_token"))
	assert.True(t, m.Audit().Secure)
}

func TestAuditDetectsFinancialData(t *testing.T) {
	m, store := newTestManager(t)
	require.NoError(t, store.Set("monthly_salary", []byte("5200")))
	require.NoError(t, store.Set("bank_statement", []byte("...")))

	status := m.Audit()

	assert.False(t, status.Secure)
	assert.True(t, containsMatch(status.Vulnerabilities, "unencrypted financial data"))
	// one finding per store
	assert.Len(t, status.Vulnerabilities, 1)
}

func TestAuditMatchesWholeWords(t *testing.T) {
	m, store := newTestManager(t)
	require.NoError(t, store.Set("capital_gains_2025", []byte("1200")))
	require.NoError(t, store.Set("syntax_theme", []byte("dark")))

	status := m.Audit()
	assert.True(t, status.Secure, status.Vulnerabilities)

	require.NoError(t, store.Set("apiKey", []byte("k")))
	status = m.Audit()
	assert.False(t, status.Secure)
	assert.True(t, containsMatch(status.Vulnerabilities, `"apiKey"`))
	assert.Len(t, status.Vulnerabilities, 1)
}

func TestAuditScansSessionStore(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Session().Set("auth_cookie", []byte("x")))

	status := m.Audit()

	assert.False(t, status.Secure)
	assert.True(t, containsMatch(status.Vulnerabilities, "session store"))
}

func TestAuditIgnoresInternalKeys(t *testing.T) {
	m, store := newTestManager(t)
	require.NoError(t, m.Set("api_token", "protected"))
	require.NoError(t, m.Set("salary", 1))

	keys, err := store.Keys()
	require.NoError(t, err)
	assert.Contains(t, keys, misc.MetaKDFKey)

	assert.True(t, m.Audit().Secure)
}

func TestAuditNetworkActivity(t *testing.T) {
	monitor := &fakeMonitor{}
	m, _ := newTestManager(t, func(o *Options) {
		o.ActivityMonitor = monitor
	})
	require.NoError(t, m.Set("mortgage_plan", 1))

	monitor.requests = []OutgoingRequest{
		{Method: "get", URL: "https://cdn.example/app.js", Time: time.Now()},
	}
	assert.True(t, m.Audit().Secure)

	monitor.requests = append(monitor.requests,
		OutgoingRequest{Method: "post", URL: "https://tracker.example/collect", Body: "monthly salary=5200", Time: time.Now()},
	)
	status := m.Audit()
	assert.False(t, status.Secure)
	assert.True(t, containsMatch(status.Vulnerabilities, "POST request to tracker.example"))

	monitor.requests = []OutgoingRequest{
		{Method: "get", URL: "https://ads.example/?k=mortgage_plan", Time: time.Now()},
	}
	assert.True(t, containsMatch(m.Audit().Vulnerabilities, "mortgage_plan"))

	// requests older than the session are not attributed to it
	monitor.requests = []OutgoingRequest{
		{Method: "post", URL: "https://tracker.example", Body: "salary", Time: time.Now().Add(-time.Hour)},
	}
	assert.True(t, m.Audit().Secure)
}

func TestAuditScanFailure(t *testing.T) {
	store := newFaultyStore()
	m := openTestManager(t, store)
	store.failKeys(errors.New("io error"))

	status := m.Audit()

	assert.True(t, containsMatch(status.Recommendations, "could not be fully scanned"))
	assert.NotEmpty(t, failedEvents(m, "security_audit"))

	monitorFailure := &fakeMonitor{err: errors.New("unavailable")}
	m2, _ := newTestManager(t, func(o *Options) {
		o.ActivityMonitor = monitorFailure
	})
	assert.True(t, containsMatch(m2.Audit().Recommendations, "could not be fully scanned"))
}

func TestAuditSessionTimeout(t *testing.T) {
	clock := newFakeClock()
	m, _ := newTestManager(t, func(o *Options) {
		o.Clock = clock.Now
	})

	clock.Advance(DefaultSessionTimeout)
	status := m.Audit()

	assert.False(t, status.Secure)
	assert.True(t, containsMatch(status.Vulnerabilities, "timeout"))
	assert.False(t, status.SessionActive)
	assert.Equal(t, SessionCleanedUp, status.SessionState)
}

func TestAuditEncryptionDisabled(t *testing.T) {
	m, _ := newTestManager(t, func(o *Options) {
		o.EncryptionEnabled = false
	})

	status := m.Audit()

	assert.False(t, status.Secure)
	assert.False(t, status.EncryptionEnabled)
	assert.Contains(t, status.Vulnerabilities, "encryption is disabled")
}

func TestAuditStaleBackup(t *testing.T) {
	clock := newFakeClock()
	m, _ := newTestManager(t, func(o *Options) {
		o.Clock = clock.Now
		o.SessionTimeout = 365 * 24 * time.Hour
	})

	_, err := m.CreateBackup(map[string]any{"n": 1})
	require.NoError(t, err)
	assert.False(t, containsMatch(m.Audit().Recommendations, "older than"))

	clock.Advance(DefaultBackupRetention + time.Hour)
	status := m.Audit()
	require.NotNil(t, status.LastBackup)
	assert.True(t, containsMatch(status.Recommendations, "older than 30 days"))
}

func TestGetStatus(t *testing.T) {
	m, store := newTestManager(t)

	first := m.GetStatus()
	assert.True(t, first.Secure)

	// cached until the next audit
	require.NoError(t, store.Set("api_token", []byte("x")))
	assert.True(t, m.GetStatus().Secure)

	assert.False(t, m.Audit().Secure)
	assert.False(t, m.GetStatus().Secure)

	// callers get a copy
	status := m.GetStatus()
	status.Vulnerabilities[0] = "changed"
	assert.NotEqual(t, "changed", m.GetStatus().Vulnerabilities[0])
}
