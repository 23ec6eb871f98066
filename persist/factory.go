package persist

import (
	"fmt"
	"strings"
)

// NewStore factory function to create storage backends
func NewStore(config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem, "":
		basePath, ok := config.Config["base_path"].(string)
		if !ok || basePath == "" {
			return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
		}
		return NewFileSystemStore(basePath)

	case StoreTypeMemory:
		return NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// validateStoreName validates a logical store name before it is turned into a path
func validateStoreName(name string) error {
	if name == "" {
		return fmt.Errorf("store name cannot be empty")
	}

	// Basic validation to prevent path traversal and other issues
	if strings.Contains(name, "..") ||
		strings.Contains(name, "/") ||
		strings.Contains(name, "\\") ||
		strings.Contains(name, " ") {
		return fmt.Errorf("store name contains invalid characters")
	}

	if len(name) > 100 {
		return fmt.Errorf("store name too long (max 100 characters)")
	}

	return nil
}
