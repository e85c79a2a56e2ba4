package finguard

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/finguard/internal/misc"
	"southwinds.dev/finguard/persist"
)

func TestSetGetRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)

	tests := []struct {
		name  string
		value any
		want  any
	}{
		{"string", "hello", "hello"},
		{"number", 42, float64(42)},
		{"bool", true, true},
		{"null", nil, nil},
		{"object", map[string]any{"rent": 1200, "currency": "EUR"}, map[string]any{"rent": float64(1200), "currency": "EUR"}},
		{"array", []string{"a", "b"}, []any{"a", "b"}},
		{"unicode", "épargne 💶", "épargne 💶"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, m.Set(tt.name, tt.value))

			got, ok := m.Get(tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetInto(t *testing.T) {
	m, _ := newTestManager(t)

	type budget struct {
		Month  string  `json:"month"`
		Income float64 `json:"income"`
	}
	require.NoError(t, m.Set("budget", budget{Month: "2026-10", Income: 5200.5}))

	var got budget
	require.True(t, m.GetInto("budget", &got))
	assert.Equal(t, budget{Month: "2026-10", Income: 5200.5}, got)

	var wrongShape []int
	assert.False(t, m.GetInto("budget", &wrongShape))
}

func TestCiphertextIsNotDeterministic(t *testing.T) {
	m, store := newTestManager(t)

	read := func() storedRecord {
		raw, err := store.Get(misc.SecurePrefix + "k")
		require.NoError(t, err)
		var record storedRecord
		require.NoError(t, json.Unmarshal(raw, &record))
		return record
	}

	require.NoError(t, m.Set("k", "same value"))
	first := read()
	require.NoError(t, m.Set("k", "same value"))
	second := read()

	assert.NotEqual(t, first.Data, second.Data)
	assert.NotEqual(t, first.IV, second.IV)
	assert.NotEqual(t, first.Salt, second.Salt)
}

func TestStoredRecordShape(t *testing.T) {
	m, store := newTestManager(t)

	require.NoError(t, m.Set("config", map[string]any{"apiKey": "abc"}))

	got, ok := m.Get("config")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"apiKey": "abc"}, got)

	raw, err := store.Get(misc.SecurePrefix + "config")
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &fields))
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"data", "iv", "salt", "timestamp", "version"}, names)

	// hex iv and salt may spell abc by chance, so the bare value is checked where it cannot
	assert.NotContains(t, string(raw), `"abc"`)
	assert.NotContains(t, string(raw), "apiKey")
	assert.Equal(t, `"1.0"`, string(fields["version"]))

	var data string
	require.NoError(t, json.Unmarshal(fields["data"], &data))
	assert.NotContains(t, data, "abc")

	ciphertext, err := base64.StdEncoding.DecodeString(data)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(ciphertext, []byte("abc")))
	assert.False(t, bytes.Contains(ciphertext, []byte("apiKey")))
}

func TestTamperDetection(t *testing.T) {
	for _, field := range []string{"data", "iv", "salt"} {
		t.Run(field, func(t *testing.T) {
			m, store := newTestManager(t)
			require.NoError(t, m.Set("salary", 84000))

			tamperRecord(t, store, "salary", field)

			got, ok := m.Get("salary")
			assert.False(t, ok)
			assert.Nil(t, got)
			assert.NotEmpty(t, failedEvents(m, "get"))
		})
	}

	t.Run("version", func(t *testing.T) {
		m, store := newTestManager(t)
		require.NoError(t, m.Set("salary", 84000))

		raw, err := store.Get(misc.SecurePrefix + "salary")
		require.NoError(t, err)
		var record storedRecord
		require.NoError(t, json.Unmarshal(raw, &record))
		record.Version = misc.RecordVersionChaCha
		raw, err = json.Marshal(record)
		require.NoError(t, err)
		require.NoError(t, store.Set(misc.SecurePrefix+"salary", raw))

		_, ok := m.Get("salary")
		assert.False(t, ok)
	})

	t.Run("garbage", func(t *testing.T) {
		m, store := newTestManager(t)
		require.NoError(t, store.Set(misc.SecurePrefix+"junk", []byte("not a record")))

		_, ok := m.Get("junk")
		assert.False(t, ok)
		assert.NotEmpty(t, failedEvents(m, "get"))
	})
}

func TestPresenceSemantics(t *testing.T) {
	m, _ := newTestManager(t)

	assert.False(t, m.Has("budget"))
	_, ok := m.Get("budget")
	assert.False(t, ok)

	require.NoError(t, m.Set("budget", map[string]any{"rent": 1200}))
	assert.True(t, m.Has("budget"))

	require.NoError(t, m.Remove("budget"))
	assert.False(t, m.Has("budget"))
	got, ok := m.Get("budget")
	assert.False(t, ok)
	assert.Nil(t, got)

	// removing an absent key is fine
	assert.NoError(t, m.Remove("budget"))
}

func TestListKeys(t *testing.T) {
	m, store := newTestManager(t)

	assert.Equal(t, []string{}, m.ListKeys())

	for _, key := range []string{"tax", "budget", "accounts"} {
		require.NoError(t, m.Set(key, key))
	}
	require.NoError(t, m.SetTemporary("draft", "x"))
	require.NoError(t, store.Set("cleartext", []byte("x")))

	assert.Equal(t, []string{"accounts", "budget", "tax"}, m.ListKeys())
}

func TestInvalidKeys(t *testing.T) {
	m, _ := newTestManager(t)

	for _, key := range []string{"", "   ", "a\x00b"} {
		err := m.Set(key, 1)
		assert.ErrorIs(t, err, ErrValidation)
		assert.False(t, m.Has(key))
		assert.ErrorIs(t, m.Remove(key), ErrValidation)
	}
}

func TestSetUnserializable(t *testing.T) {
	m, store := newTestManager(t)

	err := m.Set("fn", func() {})
	assert.ErrorIs(t, err, ErrEncryption)

	_, getErr := store.Get(misc.SecurePrefix + "fn")
	assert.ErrorIs(t, getErr, persist.ErrNotFound)
}

func TestSetStorageFailure(t *testing.T) {
	store := newFaultyStore()
	m := openTestManager(t, store)

	store.failSet(misc.SecurePrefix + "budget")
	err := m.Set("budget", 1)
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	var fgErr *Error
	require.True(t, errors.As(err, &fgErr))
	assert.Equal(t, "set", fgErr.Op)
	assert.Equal(t, "budget", fgErr.Key)
}

func TestEncryptionDisabled(t *testing.T) {
	m, store := newTestManager(t, func(o *Options) {
		o.EncryptionEnabled = false
	})

	err := m.Set("budget", 1)
	assert.ErrorIs(t, err, ErrEncryption)

	keys, err := store.Keys()
	require.NoError(t, err)
	for _, key := range keys {
		assert.NotEqual(t, misc.SecurePrefix+"budget", key)
	}
}

func TestChaChaCipher(t *testing.T) {
	m, store := newTestManager(t, func(o *Options) {
		o.Cipher = CipherChaCha20Poly1305
	})

	require.NoError(t, m.Set("budget", "chacha"))

	raw, err := store.Get(misc.SecurePrefix + "budget")
	require.NoError(t, err)
	var record storedRecord
	require.NoError(t, json.Unmarshal(raw, &record))
	assert.Equal(t, misc.RecordVersionChaCha, record.Version)

	got, ok := m.Get("budget")
	require.True(t, ok)
	assert.Equal(t, "chacha", got)
}

func TestMigrate(t *testing.T) {
	t.Run("json value", func(t *testing.T) {
		m, store := newTestManager(t)
		require.NoError(t, store.Set("budget_2025", []byte(`{"rent":1200}`)))

		require.NoError(t, m.Migrate("budget_2025"))

		assert.True(t, m.Has("budget_2025"))
		_, err := store.Get("budget_2025")
		assert.ErrorIs(t, err, persist.ErrNotFound)

		got, ok := m.Get("budget_2025")
		require.True(t, ok)
		assert.Equal(t, map[string]any{"rent": float64(1200)}, got)
	})

	t.Run("plain text", func(t *testing.T) {
		m, store := newTestManager(t)
		require.NoError(t, store.Set("note", []byte("pay rent on the 1st")))

		require.NoError(t, m.Migrate("note"))

		got, ok := m.Get("note")
		require.True(t, ok)
		assert.Equal(t, "pay rent on the 1st", got)
	})

	t.Run("missing", func(t *testing.T) {
		m, _ := newTestManager(t)
		err := m.Migrate("nothing")
		assert.ErrorIs(t, err, ErrValidation)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("reserved namespace", func(t *testing.T) {
		m, _ := newTestManager(t)
		err := m.Migrate(misc.MetaKDFKey)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("existing protected record", func(t *testing.T) {
		m, store := newTestManager(t)
		require.NoError(t, m.Set("income", 6100))
		require.NoError(t, store.Set("income", []byte("5200")))

		err := m.Migrate("income")
		assert.ErrorIs(t, err, ErrValidation)
		assert.NotEmpty(t, failedEvents(m, "migrate"))

		got, ok := m.Get("income")
		require.True(t, ok)
		assert.Equal(t, float64(6100), got)

		raw, err := store.Get("income")
		require.NoError(t, err)
		assert.Equal(t, "5200", string(raw))
	})

	t.Run("write failure keeps cleartext", func(t *testing.T) {
		store := newFaultyStore()
		m := openTestManager(t, store)
		require.NoError(t, store.Set("income", []byte("5200")))
		store.failSet(misc.SecurePrefix + "income")

		err := m.Migrate("income")
		assert.ErrorIs(t, err, ErrStorageUnavailable)

		raw, err := store.Get("income")
		require.NoError(t, err)
		assert.Equal(t, "5200", string(raw))
	})
}

func TestTemporaryEntries(t *testing.T) {
	m, store := newTestManager(t)

	require.NoError(t, m.SetTemporary("draft", map[string]any{"step": 2}))

	got, ok := m.GetTemporary("draft")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"step": float64(2)}, got)

	_, err := store.Get(misc.TempPrefix + "draft")
	assert.NoError(t, err)
	assert.False(t, m.Has("draft"))
}

func TestConcurrentAccess(t *testing.T) {
	m, _ := newTestManager(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("account_%d", i)
			if err := m.Set(key, i); err != nil {
				errs <- err
				return
			}
			got, ok := m.Get(key)
			if !ok || got != float64(i) {
				errs <- fmt.Errorf("unexpected value for %s: %v", key, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Len(t, m.ListKeys(), 8)
}
