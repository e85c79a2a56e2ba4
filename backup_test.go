package finguard

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/finguard/internal/crypto"
	"southwinds.dev/finguard/internal/misc"
)

var backupPayload = map[string]any{
	"income":     5200,
	"rate":       3.125,
	"notes":      "rent is due",
	"webhookUrl": "x",
	"syncServer": "y",
	"nested": map[string]any{
		"serverHost":  "h",
		"apiEndpoint": "e",
		"keep":        true,
	},
	"list": []any{
		map[string]any{"endpoint": "e", "v": 1},
		"plain",
	},
}

const sanitizedPayload = `{"income":5200,"list":[{"v":1},"plain"],"nested":{"keep":true},"notes":"rent is due","rate":3.125}`

func readBundle(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var bundle map[string]any
	require.NoError(t, json.Unmarshal(data, &bundle))
	return bundle
}

func mutateBundle(t *testing.T, path string, fn func(bundle map[string]any)) []byte {
	t.Helper()
	bundle := readBundle(t, path)
	fn(bundle)
	data, err := json.Marshal(bundle)
	require.NoError(t, err)
	return data
}

func TestCreateBackup(t *testing.T) {
	m, store := newTestManager(t)

	result, err := m.CreateBackup(backupPayload)
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^finguard-backup-\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}-\d{3}Z\.json$`), result.Filename)
	assert.Equal(t, filepath.Join(m.opts.BackupDir, result.Filename), result.Path)
	assert.Equal(t, crypto.CalculateChecksum([]byte(sanitizedPayload)), result.Checksum)
	assert.Equal(t, DataTypePayload, result.DataType)

	bundle := readBundle(t, result.Path)
	assert.Equal(t, misc.BackupVersion, bundle["version"])
	assert.Equal(t, DataTypePayload, bundle["dataType"])
	assert.Equal(t, result.Checksum, bundle["checksum"])
	assert.Equal(t, map[string]any{"encrypted": false, "localOnly": true, "noTransmission": true}, bundle["security"])

	warning, ok := bundle["warning"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, warning["title"])
	assert.NotEmpty(t, warning["instructions"])

	data, err := json.Marshal(bundle["data"])
	require.NoError(t, err)
	assert.JSONEq(t, sanitizedPayload, string(data))

	_, err = store.Get(misc.MetaLastBackupKey)
	assert.NoError(t, err)
	assert.NotNil(t, m.Audit().LastBackup)
}

func TestBackupRoundTrip(t *testing.T) {
	m, store := newTestManager(t)

	result, err := m.CreateBackup(backupPayload)
	require.NoError(t, err)

	keysBefore, err := store.Keys()
	require.NoError(t, err)

	imported, err := m.ImportBackupFile(result.Path)
	require.NoError(t, err)
	assert.Equal(t, DataTypePayload, imported.DataType)
	assert.False(t, imported.Encrypted)
	assert.Equal(t, result.Checksum, imported.Checksum)
	assert.WithinDuration(t, result.CreatedAt, imported.CreatedAt, time.Millisecond)

	data, err := json.Marshal(imported.Data)
	require.NoError(t, err)
	assert.JSONEq(t, sanitizedPayload, string(data))

	keysAfter, err := store.Keys()
	require.NoError(t, err)
	assert.Equal(t, keysBefore, keysAfter, "import must not touch the store")
}

func TestImportBackupRejects(t *testing.T) {
	m, _ := newTestManager(t)

	result, err := m.CreateBackup(backupPayload)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(bundle map[string]any)
		kind   error
	}{
		{"checksum changed", func(b map[string]any) {
			b["checksum"] = crypto.CalculateChecksum([]byte("other"))
		}, ErrIntegrity},
		{"data changed", func(b map[string]any) {
			b["data"].(map[string]any)["income"] = 9999
		}, ErrIntegrity},
		{"field added", func(b map[string]any) {
			b["data"].(map[string]any)["extra"] = "x"
		}, ErrIntegrity},
		{"not local only", func(b map[string]any) {
			b["security"].(map[string]any)["localOnly"] = false
		}, ErrValidation},
		{"transmission allowed", func(b map[string]any) {
			b["security"].(map[string]any)["noTransmission"] = false
		}, ErrValidation},
		{"markers missing", func(b map[string]any) {
			delete(b, "security")
		}, ErrValidation},
		{"remote reference in value", func(b map[string]any) {
			b["data"].(map[string]any)["notes"] = "see https://evil.example/collect"
		}, ErrValidation},
		{"remote reference in key", func(b map[string]any) {
			b["data"].(map[string]any)["s3://bucket"] = 1
		}, ErrValidation},
		{"unsupported version", func(b map[string]any) {
			b["version"] = "9.9"
		}, ErrValidation},
		{"no data", func(b map[string]any) {
			delete(b, "data")
		}, ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := mutateBundle(t, result.Path, tt.mutate)
			imported, err := m.ImportBackup(bytes.NewReader(data))
			assert.Nil(t, imported)
			assert.ErrorIs(t, err, tt.kind)
		})
	}

	t.Run("not json", func(t *testing.T) {
		_, err := m.ImportBackup(bytes.NewReader([]byte("{not json")))
		assert.ErrorIs(t, err, ErrValidation)
	})

	assert.NotEmpty(t, failedEvents(m, "import_backup"))
}

func TestImportBackupAsync(t *testing.T) {
	m, _ := newTestManager(t)

	result, err := m.CreateBackup(map[string]any{"budget": 1200})
	require.NoError(t, err)

	select {
	case outcome := <-m.ImportBackupAsync(result.Path):
		require.NoError(t, outcome.Err)
		data, err := json.Marshal(outcome.Result.Data)
		require.NoError(t, err)
		assert.JSONEq(t, `{"budget":1200}`, string(data))
	case <-time.After(10 * time.Second):
		t.Fatal("import did not complete")
	}

	outcome := <-m.ImportBackupAsync(filepath.Join(t.TempDir(), "missing.json"))
	assert.Nil(t, outcome.Result)
	assert.ErrorIs(t, outcome.Err, ErrValidation)
}

func TestCreateBackupErrors(t *testing.T) {
	t.Run("no backup directory", func(t *testing.T) {
		m, _ := newTestManager(t, func(o *Options) {
			o.BackupDir = ""
		})
		_, err := m.CreateBackup(map[string]any{"a": 1})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("unserializable payload", func(t *testing.T) {
		m, _ := newTestManager(t)
		_, err := m.CreateBackup(map[string]any{"fn": func() {}})
		assert.ErrorIs(t, err, ErrValidation)
		assert.NotEmpty(t, failedEvents(m, "create_backup"))
	})

	t.Run("remote reference in a value", func(t *testing.T) {
		m, _ := newTestManager(t)
		_, err := m.CreateBackup(map[string]any{"note": "statement at https://mybank.example/pdf"})
		assert.ErrorIs(t, err, ErrValidation)

		backups, err := m.ListBackups()
		require.NoError(t, err)
		assert.Empty(t, backups)
	})

	t.Run("remote reference under a network field is dropped", func(t *testing.T) {
		m, _ := newTestManager(t)
		result, err := m.CreateBackup(map[string]any{"statementUrl": "https://mybank.example/pdf", "n": 1})
		require.NoError(t, err)

		imported, err := m.ImportBackupFile(result.Path)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"n": json.Number("1")}, imported.Data)
	})

	t.Run("remote reference in a protected key", func(t *testing.T) {
		m, _ := newTestManager(t)
		require.NoError(t, m.Set("https://bank.example", 1))

		_, err := m.CreateStoreBackup()
		assert.ErrorIs(t, err, ErrValidation)

		backups, err := m.ListBackups()
		require.NoError(t, err)
		assert.Empty(t, backups)
	})
}

func TestBackupFilenameCollision(t *testing.T) {
	clock := newFakeClock()
	m, _ := newTestManager(t, func(o *Options) {
		o.Clock = clock.Now
	})

	first, err := m.CreateBackup(map[string]any{"n": 1})
	require.NoError(t, err)
	second, err := m.CreateBackup(map[string]any{"n": 2})
	require.NoError(t, err)

	assert.NotEqual(t, first.Filename, second.Filename)
	assert.Equal(t, BackupFilename(clock.Now()), first.Filename)
	assert.Regexp(t, `-2\.json$`, second.Filename)
}

func TestBackupRetention(t *testing.T) {
	m, _ := newTestManager(t)

	old := filepath.Join(m.opts.BackupDir, misc.BackupFilePrefix+"old.json")
	require.NoError(t, os.WriteFile(old, []byte("{}"), 0600))
	stale := time.Now().Add(-DefaultBackupRetention - 24*time.Hour)
	require.NoError(t, os.Chtimes(old, stale, stale))

	result, err := m.CreateBackup(map[string]any{"n": 1})
	require.NoError(t, err)

	assert.Equal(t, []string{misc.BackupFilePrefix + "old.json"}, result.Pruned)
	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(result.Path)
	assert.NoError(t, err)
}

func TestListBackups(t *testing.T) {
	m, _ := newTestManager(t)

	payload, err := m.CreateBackup(map[string]any{"n": 1})
	require.NoError(t, err)
	require.NoError(t, m.Set("salary", 1))
	full, err := m.CreateStoreBackup()
	require.NoError(t, err)

	junk := filepath.Join(m.opts.BackupDir, misc.BackupFilePrefix+"junk.json")
	require.NoError(t, os.WriteFile(junk, []byte("not a bundle"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(m.opts.BackupDir, "notes.txt"), []byte("x"), 0600))

	infos, err := m.ListBackups()
	require.NoError(t, err)
	require.Len(t, infos, 3)

	byName := make(map[string]BackupInfo, len(infos))
	for _, info := range infos {
		byName[info.Filename] = info
	}

	assert.True(t, byName[payload.Filename].IsValid)
	assert.Equal(t, DataTypePayload, byName[payload.Filename].DataType)
	assert.Equal(t, payload.Checksum, byName[payload.Filename].Checksum)

	assert.True(t, byName[full.Filename].IsValid)
	assert.Equal(t, DataTypeSecureStore, byName[full.Filename].DataType)

	assert.False(t, byName[misc.BackupFilePrefix+"junk.json"].IsValid)
}

func TestStoreBackupRestore(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.Set("salary", 84000))
	require.NoError(t, m.Set("tax", map[string]any{"bracket": "B"}))

	result, err := m.CreateStoreBackup()
	require.NoError(t, err)
	assert.Equal(t, DataTypeSecureStore, result.DataType)

	raw, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"bracket"`)

	bundle := readBundle(t, result.Path)
	assert.Equal(t, true, bundle["security"].(map[string]any)["encrypted"])

	require.NoError(t, m.Remove("salary"))
	require.NoError(t, m.Set("tax", "changed"))

	file, err := os.Open(result.Path)
	require.NoError(t, err)
	defer file.Close()

	restored, err := m.RestoreBackup(file)
	require.NoError(t, err)
	assert.Equal(t, 2, restored)

	salary, ok := m.Get("salary")
	require.True(t, ok)
	assert.Equal(t, float64(84000), salary)

	tax, ok := m.Get("tax")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"bracket": "B"}, tax)
}

// rewriteStoreBundle tampers with the last record of a secure-store bundle
// and recomputes the checksum so only record verification can catch it
func rewriteStoreBundle(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var bundle BackupBundle
	require.NoError(t, json.Unmarshal(data, &bundle))
	var entries []storeEntry
	require.NoError(t, json.Unmarshal(bundle.Data, &entries))
	require.NotEmpty(t, entries)

	var record storedRecord
	last := len(entries) - 1
	require.NoError(t, json.Unmarshal(entries[last].Record, &record))
	ciphertext, err := base64.StdEncoding.DecodeString(record.Data)
	require.NoError(t, err)
	ciphertext[0] ^= 0x01
	record.Data = base64.StdEncoding.EncodeToString(ciphertext)
	entries[last].Record, err = json.Marshal(record)
	require.NoError(t, err)

	raw, err := json.Marshal(entries)
	require.NoError(t, err)
	canonical, err := canonicalize(raw)
	require.NoError(t, err)
	bundle.Data = canonical
	bundle.Checksum = crypto.CalculateChecksum(canonical)

	data, err = json.Marshal(bundle)
	require.NoError(t, err)
	return data
}

func TestRestoreIsAllOrNothing(t *testing.T) {
	t.Run("undecryptable record", func(t *testing.T) {
		m, _ := newTestManager(t)
		require.NoError(t, m.Set("salary", 84000))
		require.NoError(t, m.Set("tax", "original"))

		result, err := m.CreateStoreBackup()
		require.NoError(t, err)
		data := rewriteStoreBundle(t, result.Path)

		require.NoError(t, m.Remove("salary"))
		require.NoError(t, m.Set("tax", "changed"))

		restored, err := m.RestoreBackup(bytes.NewReader(data))
		assert.ErrorIs(t, err, ErrDecryption)
		assert.Zero(t, restored)

		assert.False(t, m.Has("salary"))
		tax, ok := m.Get("tax")
		require.True(t, ok)
		assert.Equal(t, "changed", tax)
	})

	t.Run("write failure rolls back", func(t *testing.T) {
		store := newFaultyStore()
		m := openTestManager(t, store)
		require.NoError(t, m.Set("salary", 84000))
		require.NoError(t, m.Set("tax", "original"))

		result, err := m.CreateStoreBackup()
		require.NoError(t, err)

		require.NoError(t, m.Remove("salary"))
		store.failSet(misc.SecurePrefix + "tax")

		file, err := os.Open(result.Path)
		require.NoError(t, err)
		defer file.Close()

		_, err = m.RestoreBackup(file)
		assert.ErrorIs(t, err, ErrStorageUnavailable)
		assert.False(t, m.Has("salary"))
	})

	t.Run("different passphrase", func(t *testing.T) {
		source, _ := newTestManager(t)
		require.NoError(t, source.Set("salary", 84000))
		result, err := source.CreateStoreBackup()
		require.NoError(t, err)

		target, _ := newTestManager(t, func(o *Options) {
			o.Passphrase = otherPassphrase
		})
		file, err := os.Open(result.Path)
		require.NoError(t, err)
		defer file.Close()

		_, err = target.RestoreBackup(file)
		assert.ErrorIs(t, err, ErrDecryption)
		assert.False(t, target.Has("salary"))
	})

	t.Run("payload bundle", func(t *testing.T) {
		m, _ := newTestManager(t)
		result, err := m.CreateBackup(map[string]any{"n": 1})
		require.NoError(t, err)

		file, err := os.Open(result.Path)
		require.NoError(t, err)
		defer file.Close()

		_, err = m.RestoreBackup(file)
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestSanitize(t *testing.T) {
	input := map[string]any{
		"URL":          "x",
		"callbackPath": "x",
		"uploadedAt":   "x",
		"proxy_port":   1,
		"security":     "kept",
		"hostel":       "dropped",
		"accounts": []any{
			map[string]any{"remoteId": 1, "name": "checking"},
		},
	}
	got := sanitize(input)
	assert.Equal(t, map[string]any{
		"security": "kept",
		"accounts": []any{map[string]any{"name": "checking"}},
	}, got)
}

func TestFindRemoteReference(t *testing.T) {
	tests := []struct {
		name  string
		value any
		found bool
	}{
		{"plain", map[string]any{"a": "b"}, false},
		{"http value", map[string]any{"a": "http://x"}, true},
		{"upper case scheme", []any{"HTTPS://X"}, true},
		{"websocket", "wss://x", true},
		{"smb key", map[string]any{"smb://share": 1}, true},
		{"scheme without slashes", "mailto:me@example.com", false},
		{"scheme inside word", "xhttp://x", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, found := findRemoteReference(tt.value)
			assert.Equal(t, tt.found, found)
		})
	}
}
