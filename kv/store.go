package kv

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog/log"
	"southwinds.dev/lockbox/integrity"
	"southwinds.dev/lockbox/internal/crypto"
	lberrors "southwinds.dev/lockbox/internal/errors"
	"southwinds.dev/lockbox/internal/misc"
	"southwinds.dev/lockbox/persist"
)

// State is the lifecycle state of a Store
type State int32

const (
	Uninitialized State = iota
	Loading
	Ready
	Corrupted
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Corrupted:
		return "corrupted"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// keyInfoPrefix binds derived file keys to this layout and the store name
const keyInfoPrefix = "lockbox/store/"

// Store is an encrypted key-value namespace persisted as one blob.
//
// Writers are serialized; readers never wait for a write to reach disk, they
// see the previous committed state until the new one is durable.
type Store struct {
	name     string
	blobs    persist.Store
	secret   *memguard.Enclave
	defaults map[string]json.RawMessage

	writeMu sync.Mutex // serializes Update

	mu       sync.RWMutex // guards everything below
	state    State
	fileKey  *memguard.LockedBuffer
	entries  map[string]Entry
	version  string
	size     int
	migrated bool
}

// New creates a store in the Uninitialized state. Nothing is read until Load.
func New(blobs persist.Store, name string, secret *memguard.Enclave, defaults map[string]json.RawMessage) *Store {
	return &Store{
		name:     name,
		blobs:    blobs,
		secret:   secret,
		defaults: defaults,
	}
}

// Open creates and loads a store. On failure no store is returned; a
// corrupted blob yields an error wrapping ErrStoreCorrupted.
func Open(blobs persist.Store, name string, secret *memguard.Enclave, defaults map[string]json.RawMessage) (*Store, error) {
	s := New(blobs, name, secret, defaults)
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads and decrypts the blob, or synthesizes the store from defaults
// when there is none. A missing blob is not written until the first mutation.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Uninitialized {
		return fmt.Errorf("cannot load store %q in state %s", s.name, s.state)
	}
	if s.blobs == nil {
		return errors.New("blob store cannot be nil")
	}
	s.state = Loading

	fileKey, err := crypto.DeriveKey(s.secret, keyInfoPrefix+s.name)
	if err != nil {
		s.state = Uninitialized
		return fmt.Errorf("failed to derive key for store %q: %w", s.name, err)
	}

	entries, migrated, version, err := s.read(fileKey)
	if err != nil {
		fileKey.Destroy()
		if errors.Is(err, lberrors.ErrStoreCorrupted) {
			s.state = Corrupted
		} else {
			s.state = Uninitialized
		}
		return err
	}

	seeded := 0
	for key, value := range s.defaults {
		if _, ok := entries[key]; !ok {
			entries[key] = Entry{Value: cloneRaw(value), Origin: integrity.OriginDefault}
			seeded++
		}
	}

	data, err := encodeDocument(entries)
	if err != nil {
		fileKey.Destroy()
		s.state = Uninitialized
		return err
	}

	s.fileKey = fileKey
	s.entries = entries
	s.migrated = migrated
	s.version = version
	s.size = len(data)
	s.state = Ready

	log.Debug().
		Str("store", s.name).
		Int("entries", len(entries)).
		Int("seeded", seeded).
		Bool("migrated", s.migrated).
		Msg("store loaded")
	return nil
}

// read loads and decodes the blob. A missing blob yields no entries and an
// empty version.
func (s *Store) read(fileKey *memguard.LockedBuffer) (map[string]Entry, bool, string, error) {
	blob, err := s.blobs.Load(s.name)
	if err != nil {
		if misc.IsNotFoundError(err) {
			return map[string]Entry{}, false, "", nil
		}
		return nil, false, "", fmt.Errorf("failed to load store %q: %w", s.name, err)
	}

	plaintext, err := crypto.DecryptValue(blob.Data, fileKey.Bytes(), []byte(s.name))
	if err != nil {
		return nil, false, "", fmt.Errorf("%w: %s: %v", lberrors.ErrStoreCorrupted, s.name, err)
	}
	defer memguard.WipeBytes(plaintext)

	entries, migrated, err := decodeDocument(plaintext)
	if err != nil {
		return nil, false, "", fmt.Errorf("%w: %s: %v", lberrors.ErrStoreCorrupted, s.name, err)
	}
	return entries, migrated, blob.Version, nil
}

// Name returns the store name
func (s *Store) Name() string {
	return s.name
}

// State returns the current lifecycle state
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Migrated reports whether the blob was in the legacy layout. The current
// layout is written by the next mutation.
func (s *Store) Migrated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.migrated
}

func (s *Store) ready() error {
	if s.state != Ready {
		return fmt.Errorf("%w: store %q is %s", lberrors.ErrNotReady, s.name, s.state)
	}
	return nil
}

// Get returns the entry for key
func (s *Store) Get(key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return Entry{}, false, err
	}
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return cloneEntry(e), true, nil
}

// Has reports whether key is present
func (s *Store) Has(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return false, err
	}
	_, ok := s.entries[key]
	return ok, nil
}

// Keys returns every key in sorted order
func (s *Store) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	return sortedKeys(s.entries), nil
}

// Snapshot returns a copy of every entry
func (s *Store) Snapshot() (map[string]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}
	out := make(map[string]Entry, len(s.entries))
	for k, e := range s.entries {
		out[k] = cloneEntry(e)
	}
	return out, nil
}

// Size returns the byte length of the serialized plaintext document
func (s *Store) Size() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return 0, err
	}
	return s.size, nil
}

// ProjectedSize returns the serialized size the document would have after
// applying puts and then deletes.
func (s *Store) ProjectedSize(puts map[string]Entry, deletes []string) (int, error) {
	s.mu.RLock()
	if err := s.ready(); err != nil {
		s.mu.RUnlock()
		return 0, err
	}
	merged := make(map[string]Entry, len(s.entries)+len(puts))
	for k, e := range s.entries {
		merged[k] = e
	}
	s.mu.RUnlock()

	for k, e := range puts {
		merged[k] = e
	}
	for _, k := range deletes {
		delete(merged, k)
	}
	data, err := encodeDocument(merged)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// Set stores e under key and returns once the blob is durable
func (s *Store) Set(key string, e Entry) error {
	return s.Update(func(tx *Txn) error {
		tx.Put(key, e)
		return nil
	})
}

// Delete removes key. Removing a missing key is not an error.
func (s *Store) Delete(key string) error {
	return s.Update(func(tx *Txn) error {
		tx.Delete(key)
		return nil
	})
}

// Clear removes every key
func (s *Store) Clear() error {
	return s.Update(func(tx *Txn) error {
		tx.Clear()
		return nil
	})
}

// Update runs fn as a single batch. Mutations are staged in the Txn and
// committed with one durable write. If fn or the write fails, nothing
// changes.
func (s *Store) Update(fn func(tx *Txn) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	err := s.ready()
	base := s.entries
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	tx := &Txn{base: base, staged: map[string]*Entry{}}
	if err = fn(tx); err != nil {
		return err
	}
	if len(tx.staged) == 0 && !tx.cleared {
		return nil
	}

	return s.commit(tx.view(), tx.checks)
}

// commit persists entries and swaps them in. When checks are given the blob
// is read back first and a failed check restores the previous blob. Caller
// holds writeMu.
func (s *Store) commit(entries map[string]Entry, checks []persistedCheck) error {
	sealed, size, err := s.seal(entries)
	if err != nil {
		return err
	}

	s.mu.RLock()
	expected := s.version
	s.mu.RUnlock()

	version, err := s.blobs.Save(s.name, sealed, expected)
	if err != nil {
		return fmt.Errorf("failed to persist store %q: %w", s.name, err)
	}

	if len(checks) > 0 {
		if err = s.verifyPersisted(checks); err != nil {
			if rbErr := s.rollback(expected, version); rbErr != nil {
				log.Error().Err(rbErr).Str("store", s.name).Msg("failed to restore store after verification failure")
				return errors.Join(err, rbErr)
			}
			return err
		}
	}

	s.mu.Lock()
	s.entries = entries
	s.version = version
	s.size = size
	s.migrated = false
	s.mu.Unlock()
	return nil
}

// seal encodes and encrypts entries, returning the blob and the plaintext size
func (s *Store) seal(entries map[string]Entry) ([]byte, int, error) {
	data, err := encodeDocument(entries)
	if err != nil {
		return nil, 0, err
	}
	size := len(data)

	s.mu.RLock()
	key := s.fileKey
	s.mu.RUnlock()

	sealed, err := crypto.EncryptValue(data, key.Bytes(), []byte(s.name))
	memguard.WipeBytes(data)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encrypt store %q: %w", s.name, err)
	}
	return sealed, size, nil
}

// verifyPersisted decrypts the blob just written and runs checks against it
func (s *Store) verifyPersisted(checks []persistedCheck) error {
	s.mu.RLock()
	key := s.fileKey
	s.mu.RUnlock()

	persisted, _, _, err := s.read(key)
	if err != nil {
		return fmt.Errorf("%w: store %q cannot be read back: %v", lberrors.ErrWriteVerificationFailed, s.name, err)
	}
	for _, c := range checks {
		e, ok := persisted[c.key]
		if ok {
			e = cloneEntry(e)
		}
		if err = c.fn(e, ok); err != nil {
			return err
		}
	}
	return nil
}

// rollback puts back the committed entries after a write that did not
// verify. previous is the version before the write, written the version the
// write produced.
func (s *Store) rollback(previous, written string) error {
	if previous == "" {
		if err := s.blobs.Delete(s.name); err != nil {
			return fmt.Errorf("failed to remove unverified store %q: %w", s.name, err)
		}
		return nil
	}

	s.mu.RLock()
	entries := s.entries
	s.mu.RUnlock()

	sealed, _, err := s.seal(entries)
	if err != nil {
		return err
	}
	version, err := s.blobs.Save(s.name, sealed, written)
	if err != nil {
		return fmt.Errorf("failed to restore store %q: %w", s.name, err)
	}

	s.mu.Lock()
	s.version = version
	s.mu.Unlock()
	return nil
}

// Close destroys the file key. The store cannot be used afterwards.
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fileKey != nil {
		s.fileKey.Destroy()
		s.fileKey = nil
	}
	s.entries = nil
	s.state = Closed
	return nil
}

func sortedKeys(m map[string]Entry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneEntry(e Entry) Entry {
	e.Value = cloneRaw(e.Value)
	return e
}
