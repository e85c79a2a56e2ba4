package persist

import (
	"errors"
)

// ErrNotFound is returned by Get when the key is absent
var ErrNotFound = errors.New("key not found")

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("store is closed")

// Store defines the interface for the physical key/value store backing the
// protection layer. Values are opaque bytes: protected records arrive already
// encrypted, temporary and meta entries are written as given.
type Store interface {

	// Get retrieves the value stored under key.
	// Returns:
	// - The stored bytes (a copy the caller may keep).
	// - ErrNotFound if the key does not exist, or another error if the store is unavailable.
	Get(key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	// Returns:
	// - An error if the value could not be persisted.
	Set(key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error

	// Keys lists every key in the store in lexical order.
	Keys() ([]string, error)

	// Ping tests that the backing medium is reachable.
	Ping() error

	// Close releases any resources held by the store.
	Close() error

	// GetType returns the type of store being used (e.g. "memory", "filesystem", "bolt").
	GetType() string
}

// Clearer is implemented by stores that can drop every entry at once
type Clearer interface {
	Clear() error
}

// StoreConfig provides configuration for different storage backends.
//
// Example usage:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/data/finguard"},
//	}
type StoreConfig struct {
	// Type specifies the storage backend to be used.
	// This field must be one of the predefined StoreType constants.
	Type StoreType `json:"type" yaml:"type"`

	// Namespace separates independent stores sharing one base path.
	// Defaults to "default".
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`

	// Config contains configuration settings specific to the chosen storage backend.
	// The filesystem and bolt stores both require "base_path".
	Config map[string]interface{} `json:"config" yaml:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	// StoreTypeMemory keeps entries in process memory only.
	StoreTypeMemory StoreType = "memory"

	// StoreTypeFileSystem keeps entries in a JSON document under base_path.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeBolt keeps entries in a bbolt database under base_path.
	StoreTypeBolt StoreType = "bolt"
)
