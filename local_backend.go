package lockbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"southwinds.dev/lockbox/integrity"
	"southwinds.dev/lockbox/persist"
)

// LocalBackend is the degraded backend used when no privileged storage owner
// exists: a plain JSON file, neither encrypted nor tagged. It is its own
// writer, so it emits change records itself, synchronously and in order,
// before each mutation returns.
type LocalBackend struct {
	path string

	mu     sync.RWMutex
	values Values

	emitMu sync.Mutex // orders synchronous deliveries
	subs   listeners[Changes]
}

// NewLocalBackend loads path, seeding missing keys from defaults. An
// unreadable file is moved aside with the ".corrupted" suffix.
func NewLocalBackend(path string, defaults Values) (*LocalBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	b := &LocalBackend{path: path, values: Values{}}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err = json.Unmarshal(data, &b.values); err != nil || b.values == nil {
			log.Warn().Err(err).Str("path", path).Msg("local store unreadable, starting from defaults")
			if err = os.Rename(path, path+persist.CorruptedSuffix); err != nil {
				log.Error().Err(err).Str("path", path).Msg("failed to move unreadable local store aside")
			}
			b.values = Values{}
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read local store: %w", err)
	}

	for k, v := range defaults {
		if _, ok := b.values[k]; !ok {
			b.values[k] = cloneRaw(v)
		}
	}
	return b, nil
}

// InProcess implements InProcess
func (b *LocalBackend) InProcess() bool {
	return true
}

func (b *LocalBackend) Get(_ context.Context, q Query) (Values, error) {
	if err := q.Validate(); err != nil {
		return Values{}, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return q.Apply(b.values), nil
}

func (b *LocalBackend) Has(_ context.Context, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.values.Lookup(key)
	return ok, nil
}

func (b *LocalBackend) Keys(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.values))
	for k := range b.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *LocalBackend) Set(_ context.Context, items Values) (bool, error) {
	staged := make(Values, len(items))
	for k, v := range items {
		var compact bytes.Buffer
		if v == nil {
			return false, fmt.Errorf("value for %q is undefined", k)
		}
		if err := json.Compact(&compact, v); err != nil {
			return false, fmt.Errorf("value for %q is not valid JSON: %w", k, err)
		}
		staged[k] = compact.Bytes()
	}

	return b.mutate(func(values Values, changes Changes) {
		for k, v := range staged {
			old := values[k]
			values[k] = v
			if old == nil || !integrity.Equal(old, v) {
				changes[k] = Change{OldValue: old, NewValue: cloneRaw(v)}
			}
		}
	})
}

func (b *LocalBackend) Remove(_ context.Context, keys ...string) (bool, error) {
	return b.mutate(func(values Values, changes Changes) {
		for _, k := range keys {
			if old, ok := values[k]; ok {
				delete(values, k)
				changes[k] = Change{OldValue: old}
			}
		}
	})
}

func (b *LocalBackend) Clear(_ context.Context) (bool, error) {
	return b.mutate(func(values Values, changes Changes) {
		for k, old := range values {
			delete(values, k)
			changes[k] = Change{OldValue: old}
		}
	})
}

// Subscribe implements Backend
func (b *LocalBackend) Subscribe(fn func(Changes)) (func(), error) {
	return b.subs.add(fn), nil
}

// mutate applies fn to a copy of the values, persists the copy and swaps it
// in, then delivers the change record before returning
func (b *LocalBackend) mutate(fn func(values Values, changes Changes)) (bool, error) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	next := b.values.Clone()
	changes := Changes{}
	fn(next, changes)

	data, err := json.Marshal(next)
	if err == nil {
		err = persist.WriteSecureFile(b.path, data)
	}
	if err != nil {
		b.mu.Unlock()
		log.Error().Err(err).Str("path", b.path).Msg("local store write failed")
		return false, fmt.Errorf("failed to write local store: %w", err)
	}
	b.values = next
	b.mu.Unlock()

	if len(changes) > 0 {
		for _, sub := range b.subs.snapshot() {
			deliver(func() { sub(changes.Clone()) })
		}
	}
	return true, nil
}
