package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"southwinds.dev/finguard/internal/misc"
)

const (
	FilePermissions os.FileMode = misc.FilePermissions
	DirPermissions  os.FileMode = misc.DirPermissions

	storeFileName   = "store.json"
	documentVersion = "1"
)

var _ Store = (*FileSystemStore)(nil)

// FileSystemStore implements Store as one JSON document per namespace.
// The document is re-read on every call so that writes made by other
// processes sharing the directory are picked up; there is no ordering
// guarantee between processes.
type FileSystemStore struct {
	mu        sync.Mutex
	basePath  string
	namespace string
	nsPath    string // basePath/namespace/
	storePath string // basePath/namespace/store.json
}

// storeDocument is the on-disk layout; byte values are base64 encoded by encoding/json
type storeDocument struct {
	Version   string            `json:"version"`
	Namespace string            `json:"namespace"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Entries   map[string][]byte `json:"entries"`
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string, namespace string) (*FileSystemStore, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if err := validateNamespace(namespace); err != nil {
		return nil, fmt.Errorf("invalid namespace: %w", err)
	}

	nsPath := filepath.Join(basePath, namespace)
	fs := &FileSystemStore{
		basePath:  basePath,
		namespace: namespace,
		nsPath:    nsPath,
		storePath: filepath.Join(nsPath, storeFileName),
	}

	if err := os.MkdirAll(nsPath, DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", nsPath, err)
	}

	exists, err := fileExists(fs.storePath)
	if err != nil {
		return nil, fmt.Errorf("failed to check store file: %w", err)
	}
	if !exists {
		now := time.Now().UTC()
		doc := &storeDocument{
			Version:   documentVersion,
			Namespace: namespace,
			CreatedAt: now,
			UpdatedAt: now,
			Entries:   map[string][]byte{},
		}
		if err = fs.save(doc); err != nil {
			return nil, fmt.Errorf("failed to initialize store: %w", err)
		}
	}

	return fs, nil
}

// Path returns the location of the store document
func (fs *FileSystemStore) Path() string {
	return fs.storePath
}

func (fs *FileSystemStore) Get(key string) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	doc, err := fs.load()
	if err != nil {
		return nil, err
	}
	value, ok := doc.Entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

func (fs *FileSystemStore) Set(key string, value []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	doc, err := fs.load()
	if err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	doc.Entries[key] = value
	return fs.save(doc)
}

func (fs *FileSystemStore) Delete(key string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	doc, err := fs.load()
	if err != nil {
		return err
	}
	if _, ok := doc.Entries[key]; !ok {
		return nil
	}
	delete(doc.Entries, key)
	return fs.save(doc)
}

func (fs *FileSystemStore) Keys() ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	doc, err := fs.load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(doc.Entries))
	for k := range doc.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Clear drops every entry
func (fs *FileSystemStore) Clear() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	doc, err := fs.load()
	if err != nil {
		return err
	}
	doc.Entries = map[string][]byte{}
	return fs.save(doc)
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// Ping checks that the store document is readable
func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.storePath)
	return err
}

func (fs *FileSystemStore) Close() error {
	return nil
}

func (fs *FileSystemStore) load() (*storeDocument, error) {
	data, err := os.ReadFile(fs.storePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read store file: %w", err)
	}

	var doc storeDocument
	if err = json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse store file: %w", err)
	}
	if doc.Entries == nil {
		doc.Entries = map[string][]byte{}
	}
	return &doc, nil
}

func (fs *FileSystemStore) save(doc *storeDocument) error {
	doc.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store document: %w", err)
	}
	return writeSecureFile(fs.storePath, data, FilePermissions)
}

// writeSecureFile writes data to a temp file in the same directory, syncs it,
// and renames it over path so readers never observe a partial document
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
