package persist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const boltFileName = "store.db"

var entriesBucket = []byte("entries")

var _ Store = (*BoltStore)(nil)

// BoltStore implements Store on a bbolt database with a single bucket.
// bbolt holds an exclusive file lock, so only one process can open a
// namespace at a time; a second opener fails after the lock timeout.
type BoltStore struct {
	db   *bbolt.DB
	path string
}

// NewBoltStore opens (or creates) basePath/namespace/store.db
func NewBoltStore(basePath string, namespace string) (*BoltStore, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if err := validateNamespace(namespace); err != nil {
		return nil, fmt.Errorf("invalid namespace: %w", err)
	}

	dir := filepath.Join(basePath, namespace)
	if err := os.MkdirAll(dir, DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, boltFileName)
	db, err := bbolt.Open(path, FilePermissions, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create entries bucket: %w", err)
	}

	return &BoltStore{db: db, path: path}, nil
}

// Path returns the database file location
func (bs *BoltStore) Path() string {
	return bs.path
}

func (bs *BoltStore) Get(key string) ([]byte, error) {
	var value []byte
	err := bs.db.View(func(tx *bbolt.Tx) error {
		k, v := tx.Bucket(entriesBucket).Cursor().Seek([]byte(key))
		if k == nil || string(k) != key {
			return ErrNotFound
		}
		// bbolt values are only valid inside the transaction
		value = append([]byte{}, v...)
		return nil
	})
	if err != nil {
		return nil, bs.mapError(err)
	}
	return value, nil
}

func (bs *BoltStore) Set(key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if value == nil {
		value = []byte{}
	}
	return bs.mapError(bs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(entriesBucket).Put([]byte(key), value)
	}))
}

func (bs *BoltStore) Delete(key string) error {
	return bs.mapError(bs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(entriesBucket).Delete([]byte(key))
	}))
}

// Keys returns keys in byte order, which for UTF-8 keys is lexical order
func (bs *BoltStore) Keys() ([]string, error) {
	keys := []string{}
	err := bs.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, bs.mapError(err)
	}
	return keys, nil
}

// Clear drops every entry
func (bs *BoltStore) Clear() error {
	return bs.mapError(bs.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(entriesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(entriesBucket)
		return err
	}))
}

func (bs *BoltStore) Ping() error {
	return bs.mapError(bs.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(entriesBucket) == nil {
			return fmt.Errorf("entries bucket missing")
		}
		return nil
	}))
}

func (bs *BoltStore) Close() error {
	return bs.db.Close()
}

func (bs *BoltStore) GetType() string {
	return string(StoreTypeBolt)
}

func (bs *BoltStore) mapError(err error) error {
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}
