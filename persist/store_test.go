package persist

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test the Common Store Functionality
func testStoreImplementation(t *testing.T, store Store) {
	t.Run("Ping", func(t *testing.T) {
		err := store.Ping()
		assert.NoError(t, err, "Store should be reachable")
	})

	t.Run("GetType", func(t *testing.T) {
		storeType := store.GetType()
		assert.NotEmpty(t, storeType, "Store type should not be empty")
		t.Logf("Store type: %s", storeType)
	})

	t.Run("SetAndGet", func(t *testing.T) {
		require.NoError(t, store.Set("finguard_secure_budget", []byte(`{"data":"x"}`)))

		value, err := store.Get("finguard_secure_budget")
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"data":"x"}`), value)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, store.Set("theme", []byte("dark")))
		require.NoError(t, store.Set("theme", []byte("light")))

		value, err := store.Get("theme")
		require.NoError(t, err)
		assert.Equal(t, []byte("light"), value)
	})

	t.Run("ReturnedValueIsCopy", func(t *testing.T) {
		require.NoError(t, store.Set("copy", []byte("abc")))
		value, err := store.Get("copy")
		require.NoError(t, err)
		value[0] = 'z'

		again, err := store.Get("copy")
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), again)
	})

	t.Run("Keys", func(t *testing.T) {
		keys, err := store.Keys()
		require.NoError(t, err)
		assert.Equal(t, []string{"copy", "finguard_secure_budget", "theme"}, keys)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Delete("copy"))
		_, err := store.Get("copy")
		assert.ErrorIs(t, err, ErrNotFound)

		// deleting twice is fine
		assert.NoError(t, store.Delete("copy"))
	})

	t.Run("ErrorHandling", func(t *testing.T) {
		t.Run("GetNonexistentKey", func(t *testing.T) {
			value, err := store.Get("does-not-exist")
			assert.Nil(t, value)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	})

	t.Run("EdgeCases", func(t *testing.T) {
		t.Run("EmptyData", func(t *testing.T) {
			require.NoError(t, store.Set("empty", []byte{}))
			value, err := store.Get("empty")
			require.NoError(t, err)
			assert.Empty(t, value)
			require.NoError(t, store.Delete("empty"))
		})

		t.Run("LargeData", func(t *testing.T) {
			large := make([]byte, 1024*1024)
			for i := range large {
				large[i] = byte(i % 251)
			}
			require.NoError(t, store.Set("large", large))
			value, err := store.Get("large")
			require.NoError(t, err)
			assert.Equal(t, large, value)
			require.NoError(t, store.Delete("large"))
		})

		t.Run("UnicodeKey", func(t *testing.T) {
			require.NoError(t, store.Set("épargne", []byte("1")))
			has, err := store.Get("épargne")
			require.NoError(t, err)
			assert.Equal(t, []byte("1"), has)
			require.NoError(t, store.Delete("épargne"))
		})
	})

	t.Run("ConcurrentOperations", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make(chan error, 40)

		for i := 0; i < 10; i++ {
			wg.Add(2)
			go func(id int) {
				defer wg.Done()
				if err := store.Set(fmt.Sprintf("concurrent-%d", id), []byte("v")); err != nil {
					errs <- err
				}
			}(i)
			go func() {
				defer wg.Done()
				if _, err := store.Keys(); err != nil {
					errs <- err
				}
			}()
		}

		wg.Wait()
		close(errs)

		var errorList []error
		for err := range errs {
			errorList = append(errorList, err)
		}
		require.Empty(t, errorList, "Concurrent operations should not fail: %v", errorList)

		for i := 0; i < 10; i++ {
			value, err := store.Get(fmt.Sprintf("concurrent-%d", i))
			require.NoError(t, err)
			assert.Equal(t, []byte("v"), value)
		}
	})

	if clearer, ok := store.(Clearer); ok {
		t.Run("Clear", func(t *testing.T) {
			require.NoError(t, clearer.Clear())
			keys, err := store.Keys()
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}

	t.Run("Close", func(t *testing.T) {
		assert.NoError(t, store.Close())
	})
}

func TestMemoryStore(t *testing.T) {
	testStoreImplementation(t, NewMemoryStore())
}

func TestMemoryStoreClosed(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Close())

	_, err := store.Get("k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, store.Set("k", nil), ErrClosed)
	assert.ErrorIs(t, store.Ping(), ErrClosed)
}

func TestNewStore(t *testing.T) {
	base := t.TempDir()

	tests := []struct {
		name     string
		config   StoreConfig
		wantType string
		wantErr  bool
	}{
		{"Default", StoreConfig{}, "memory", false},
		{"Memory", StoreConfig{Type: StoreTypeMemory}, "memory", false},
		{"FileSystem", StoreConfig{Type: StoreTypeFileSystem, Config: map[string]interface{}{"base_path": base}}, "filesystem", false},
		{"Bolt", StoreConfig{Type: StoreTypeBolt, Namespace: "bolt", Config: map[string]interface{}{"base_path": base}}, "bolt", false},
		{"FileSystemWithoutPath", StoreConfig{Type: StoreTypeFileSystem}, "", true},
		{"BoltWithoutPath", StoreConfig{Type: StoreTypeBolt}, "", true},
		{"Unsupported", StoreConfig{Type: "s3"}, "", true},
		{"BadNamespace", StoreConfig{Type: StoreTypeMemory, Namespace: "../escape"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewStore(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer store.Close()
			assert.Equal(t, tt.wantType, store.GetType())
		})
	}
}
