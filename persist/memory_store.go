package persist

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps blobs in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]VersionedData
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]VersionedData)}
}

func (m *MemoryStore) Save(name string, data []byte, expectedVersion string) (string, error) {
	if err := validateStoreName(name); err != nil {
		return "", fmt.Errorf("invalid store name: %w", err)
	}
	if data == nil {
		return "", fmt.Errorf("blob data cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if expectedVersion != "" {
		current := m.blobs[name].Version
		if current != expectedVersion {
			return "", ConcurrencyError{ExpectedVersion: expectedVersion, ActualVersion: current, Operation: "Save"}
		}
	}

	version := calculateFileVersion(data)
	m.blobs[name] = VersionedData{
		Data:      append([]byte(nil), data...),
		Version:   version,
		Timestamp: time.Now(),
	}
	return version, nil
}

func (m *MemoryStore) Load(name string) (*VersionedData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blob, ok := m.blobs[name]
	if !ok {
		return nil, fmt.Errorf("store %s: %w", name, os.ErrNotExist)
	}
	blob.Data = append([]byte(nil), blob.Data...)
	return &blob, nil
}

func (m *MemoryStore) Exists(name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[name]
	return ok, nil
}

func (m *MemoryStore) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, name)
	return nil
}

func (m *MemoryStore) Quarantine(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blob, ok := m.blobs[name]
	if !ok {
		return "", fmt.Errorf("store %s: %w", name, os.ErrNotExist)
	}
	target := name + CorruptedSuffix
	m.blobs[target] = blob
	return target, nil
}

func (m *MemoryStore) Location(name string) string {
	return "memory://" + name
}

func (m *MemoryStore) Names() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := []string{}
	for name := range m.blobs {
		if validateStoreName(name) == nil && !hasCorruptedSuffix(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) Ping() error     { return nil }
func (m *MemoryStore) Close() error    { return nil }
func (m *MemoryStore) GetType() string { return string(StoreTypeMemory) }

func hasCorruptedSuffix(name string) bool {
	return len(name) > len(CorruptedSuffix) && name[len(name)-len(CorruptedSuffix):] == CorruptedSuffix
}
