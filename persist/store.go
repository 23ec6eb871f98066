package persist

import (
	"fmt"
	"time"
)

// VersionedData represents data with its version information
type VersionedData struct {
	Data      []byte
	Version   string // hash of Data
	Timestamp time.Time
}

// Store defines the interface for persisting encrypted store blobs.
// Each logical store name maps to exactly one blob. All data passed to this
// interface is already encrypted by the kv layer.
type Store interface {

	// Blob operations

	// Save writes data as the blob for name. When expectedVersion is not empty
	// the write only succeeds if the current blob still has that version.
	// Returns the version of the data written.
	Save(name string, data []byte, expectedVersion string) (newVersion string, err error)

	// Load returns the blob for name. A missing blob yields an error
	// satisfying errors.Is(err, os.ErrNotExist).
	Load(name string) (*VersionedData, error)

	// Exists checks if a blob is present for name.
	Exists(name string) (bool, error)

	// Delete removes the blob for name. Deleting a missing blob is not an error.
	Delete(name string) error

	// Recovery

	// Quarantine copies the current blob verbatim to a sibling location with
	// the ".corrupted" suffix and returns that location.
	Quarantine(name string) (string, error)

	// Location returns a human readable path or identifier for name's blob.
	Location(name string) string

	// Names lists the stores that currently have a blob.
	Names() ([]string, error)

	// Health and utilities

	// Ping tests that the backing location is reachable.
	Ping() error

	// Close releases any resources held by the store.
	Close() error

	// GetType retrieves the type of store being used.
	GetType() string
}

// StoreConfig provides configuration for different storage backends.
//
// Example usage:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/data/lockbox"},
//	}
type StoreConfig struct {
	// Type specifies the storage backend to be used.
	Type StoreType `json:"type"`

	// Config contains backend specific settings.
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	// StoreTypeFileSystem stores blobs in an application-private directory.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeMemory keeps blobs in process memory; used for tests and
	// ephemeral stores.
	StoreTypeMemory StoreType = "memory"
)

// CorruptedSuffix is appended to the blob location of a quarantined store
const CorruptedSuffix = ".corrupted"

// ConcurrencyError represents version conflict errors
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}
