package misc

import (
	"errors"
	"os"
	"strings"
)

func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "not found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "no such file")
}

// IsLegacyTagKey reports whether key is a version 1 sibling tag entry
func IsLegacyTagKey(key string) bool {
	return strings.HasPrefix(key, LegacyTagPrefix)
}
