package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"southwinds.dev/lockbox/internal/crypto"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	blobExtension = ".lockbox"
)

// FileSystemStore implements Store in an application-private directory with
// optimistic concurrency control.
//
//	basePath/
//	├── lockbox.json            # directory descriptor
//	├── local.lockbox           # encrypted blob for store "local"
//	└── local.lockbox.corrupted # quarantined blob, if recovery ran
type FileSystemStore struct {
	basePath   string
	configPath string // basePath/lockbox.json
}

// DirectoryConfig describes the data directory
type DirectoryConfig struct {
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	Structure  string    `json:"structure_version"`
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}

	fs := &FileSystemStore{
		basePath:   basePath,
		configPath: filepath.Join(basePath, "lockbox.json"),
	}

	if err := os.MkdirAll(fs.basePath, DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", fs.basePath, err)
	}
	if err := restrictPermissions(fs.basePath, DirPermissions); err != nil {
		return nil, err
	}

	if err := fs.initializeDirectoryConfig(); err != nil {
		return nil, fmt.Errorf("failed to initialize directory config: %w", err)
	}

	return fs, nil
}

func (fs *FileSystemStore) initializeDirectoryConfig() error {
	if _, err := os.Stat(fs.configPath); os.IsNotExist(err) {
		config := DirectoryConfig{
			Version:    "1.0.0",
			CreatedAt:  time.Now(),
			LastAccess: time.Now(),
			Structure:  "v2",
		}

		data, err := json.MarshalIndent(config, "", "  ")
		if err != nil {
			return err
		}

		return writeSecureFile(fs.configPath, data, FilePermissions)
	}
	return nil
}

func (fs *FileSystemStore) blobPath(name string) string {
	return filepath.Join(fs.basePath, name+blobExtension)
}

// Location returns the path of the blob for name
func (fs *FileSystemStore) Location(name string) string {
	return fs.blobPath(name)
}

// Save with optimistic concurrency control
func (fs *FileSystemStore) Save(name string, data []byte, expectedVersion string) (string, error) {
	if err := validateStoreName(name); err != nil {
		return "", fmt.Errorf("invalid store name: %w", err)
	}
	if data == nil {
		return "", fmt.Errorf("blob data cannot be nil")
	}

	path := fs.blobPath(name)
	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(path)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "Save",
			}
		}
	}

	if err := writeSecureFile(path, data, FilePermissions); err != nil {
		return "", err
	}

	return calculateFileVersion(data), nil
}

// Load returns the versioned blob for name
func (fs *FileSystemStore) Load(name string) (*VersionedData, error) {
	if err := validateStoreName(name); err != nil {
		return nil, fmt.Errorf("invalid store name: %w", err)
	}

	path := fs.blobPath(name)
	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to stat store blob: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load store blob: %w", err)
	}

	log.Debug().Str("store", name).Int("bytes", len(data)).Msg("loaded store blob")

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fs *FileSystemStore) Exists(name string) (bool, error) {
	if err := validateStoreName(name); err != nil {
		return false, fmt.Errorf("invalid store name: %w", err)
	}
	return fileExists(fs.blobPath(name))
}

// Delete removes the blob for name
func (fs *FileSystemStore) Delete(name string) error {
	if err := validateStoreName(name); err != nil {
		return fmt.Errorf("invalid store name: %w", err)
	}
	if err := os.Remove(fs.blobPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete store blob: %w", err)
	}
	return nil
}

// Quarantine copies the blob byte for byte next to the original
func (fs *FileSystemStore) Quarantine(name string) (string, error) {
	if err := validateStoreName(name); err != nil {
		return "", fmt.Errorf("invalid store name: %w", err)
	}

	source := fs.blobPath(name)
	data, err := os.ReadFile(source)
	if err != nil {
		return "", fmt.Errorf("failed to read blob for quarantine: %w", err)
	}

	target := source + CorruptedSuffix
	if err = writeSecureFile(target, data, FilePermissions); err != nil {
		return "", fmt.Errorf("failed to write quarantine copy: %w", err)
	}
	return target, nil
}

// Names lists the stores that have a blob on disk
func (fs *FileSystemStore) Names() ([]string, error) {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read base directory: %w", err)
	}

	names := []string{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), blobExtension) {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), blobExtension))
	}

	sort.Strings(names)
	return names, nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// Health and utilities
func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.basePath)
	return err
}

func (fs *FileSystemStore) Close() error {
	if configData, err := os.ReadFile(fs.configPath); err == nil {
		var config DirectoryConfig
		if err := json.Unmarshal(configData, &config); err == nil {
			config.LastAccess = time.Now()
			if updatedData, err := json.MarshalIndent(config, "", "  "); err == nil {
				_ = writeSecureFile(fs.configPath, updatedData, FilePermissions)
			}
		}
	}
	return nil
}

// Helper methods for versioning support
func (fs *FileSystemStore) getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // File doesn't exist, version is empty
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func calculateFileVersion(data []byte) string {
	return crypto.CalculateChecksum(data)
}

// writeSecureFile replaces path atomically: temp file in the same directory,
// fsync, chmod, rename.
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

	if err = restrictPermissions(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// WriteSecureFile exposes the atomic owner-only write to other packages
func WriteSecureFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), DirPermissions); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return writeSecureFile(path, data, FilePermissions)
}

// restrictPermissions is a no-op on Windows where ACLs, not mode bits, apply
func restrictPermissions(path string, perm os.FileMode) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
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
