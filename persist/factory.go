package persist

import (
	"fmt"
	"strings"
)

const defaultNamespace = "default"

// NewStore factory function to create storage backends
func NewStore(config StoreConfig) (Store, error) {
	namespace := config.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}
	if err := validateNamespace(namespace); err != nil {
		return nil, fmt.Errorf("invalid namespace: %w", err)
	}

	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil

	case StoreTypeFileSystem:
		basePath, ok := config.Config["base_path"].(string)
		if !ok || basePath == "" {
			return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
		}
		return NewFileSystemStore(basePath, namespace)

	case StoreTypeBolt:
		basePath, ok := config.Config["base_path"].(string)
		if !ok || basePath == "" {
			return nil, fmt.Errorf("bolt storage requires 'base_path' in config")
		}
		return NewBoltStore(basePath, namespace)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// validateNamespace validates the namespace for security
func validateNamespace(namespace string) error {
	if namespace == "" {
		return fmt.Errorf("namespace cannot be empty")
	}

	// Basic validation to prevent path traversal and other issues
	if strings.Contains(namespace, "..") ||
		strings.Contains(namespace, "/") ||
		strings.Contains(namespace, "\\") ||
		strings.Contains(namespace, " ") {
		return fmt.Errorf("namespace contains invalid characters")
	}

	if len(namespace) > 100 {
		return fmt.Errorf("namespace too long (max 100 characters)")
	}

	return nil
}
