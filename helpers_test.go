package finguard

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"southwinds.dev/finguard/audit"
	"southwinds.dev/finguard/internal/misc"
	"southwinds.dev/finguard/persist"
)

const (
	testPassphrase  = "correct-horse-battery-staple"
	otherPassphrase = "a-completely-different-passphrase"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testOptions(t *testing.T) Options {
	t.Helper()
	opts := DefaultOptions()
	opts.Passphrase = testPassphrase
	opts.BackupDir = t.TempDir()
	opts.Logger = quietLogger()
	return opts
}

func newTestManager(t *testing.T, configure ...func(*Options)) (*Manager, *persist.MemoryStore) {
	t.Helper()
	store := persist.NewMemoryStore()
	return openTestManager(t, store, configure...), store
}

func openTestManager(t *testing.T, store persist.Store, configure ...func(*Options)) *Manager {
	t.Helper()
	opts := testOptions(t)
	for _, fn := range configure {
		fn(&opts)
	}
	m, err := New(opts, store, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func failedEvents(m *Manager, action string) []audit.Event {
	success := false
	return m.GetLogs(audit.QueryOptions{Action: action, Success: &success})
}

// tamperRecord flips one bit in the named field of a stored record
func tamperRecord(t *testing.T, store persist.Store, key, field string) {
	t.Helper()
	raw, err := store.Get(misc.SecurePrefix + key)
	require.NoError(t, err)

	var record map[string]any
	require.NoError(t, json.Unmarshal(raw, &record))
	value, ok := record[field].(string)
	require.True(t, ok, "field %s missing", field)

	if field == "data" {
		b, err := base64.StdEncoding.DecodeString(value)
		require.NoError(t, err)
		b[0] ^= 0x01
		record[field] = base64.StdEncoding.EncodeToString(b)
	} else {
		b, err := hex.DecodeString(value)
		require.NoError(t, err)
		b[0] ^= 0x01
		record[field] = hex.EncodeToString(b)
	}

	raw, err = json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, store.Set(misc.SecurePrefix+key, raw))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// faultyStore fails Keys or Set on demand
type faultyStore struct {
	*persist.MemoryStore
	mu       sync.Mutex
	keysErr  error
	failSets map[string]bool
}

func newFaultyStore() *faultyStore {
	return &faultyStore{MemoryStore: persist.NewMemoryStore(), failSets: make(map[string]bool)}
}

func (s *faultyStore) Keys() ([]string, error) {
	s.mu.Lock()
	err := s.keysErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.MemoryStore.Keys()
}

func (s *faultyStore) Set(key string, value []byte) error {
	s.mu.Lock()
	fail := s.failSets[key]
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.Set(key, value)
}

func (s *faultyStore) failKeys(err error) {
	s.mu.Lock()
	s.keysErr = err
	s.mu.Unlock()
}

func (s *faultyStore) failSet(key string) {
	s.mu.Lock()
	s.failSets[key] = true
	s.mu.Unlock()
}

type fakeMonitor struct {
	requests []OutgoingRequest
	err      error
}

func (f *fakeMonitor) RecentRequests(since time.Time) ([]OutgoingRequest, error) {
	if f.err != nil {
		return nil, f.err
	}
	var recent []OutgoingRequest
	for _, r := range f.requests {
		if !r.Time.Before(since) {
			recent = append(recent, r)
		}
	}
	return recent, nil
}
