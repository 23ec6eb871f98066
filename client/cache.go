// Package client provides the read cache every consumer of a lockbox backend
// goes through.
//
// A Cache mirrors the whole store after the first read and serves later reads
// from memory. The mirror is never written optimistically: it changes only
// after the backend confirms a mutation, or when the backend pushes a change
// record. It can always be discarded; the next read hydrates it again.
//
// For backends living in another process, a watchdog checks the backend at a
// fixed interval and drops the mirror when the check fails or is slow. Backends
// that announce restarts (lockbox.ReadySource) cause the mirror to be dropped
// as soon as a new instance is announced.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"southwinds.dev/lockbox"
)

const (
	DefaultWatchInterval  = 5 * time.Second
	DefaultWatchThreshold = 2 * time.Second
	DefaultFetchTimeout   = 30 * time.Second

	// DefaultHealthKey is looked up by the watchdog. Its value is irrelevant.
	DefaultHealthKey = "__lockbox_health__"
)

// Config configures a Cache
type Config struct {
	Backend lockbox.Backend

	// WatchInterval is the time between two watchdog checks
	WatchInterval time.Duration
	// WatchThreshold is the longest a health check may take before the mirror is dropped
	WatchThreshold time.Duration
	// FetchTimeout bounds a hydration shared by several readers
	FetchTimeout time.Duration
	HealthKey    string
}

// Cache is a coherent, disposable mirror of a backend
type Cache struct {
	backend        lockbox.Backend
	watchInterval  time.Duration
	watchThreshold time.Duration
	fetchTimeout   time.Duration
	healthKey      string

	hydration singleflight.Group

	mu         sync.RWMutex
	mirror     lockbox.Values    // nil until hydrated
	pending    []lockbox.Changes // pushes received while a fetch is in flight
	fetching   bool
	generation uint64
	startedAt  int64

	// pushSeq counts pushes. While mutations are in flight, touched holds the
	// sequence of the last push seen for each key.
	pushSeq  uint64
	inflight int
	touched  map[string]uint64

	subMu       sync.Mutex
	refs        int
	mirrorRef   bool
	unsubscribe func()

	lmu       sync.RWMutex
	listeners map[uint64]func(lockbox.Changes)
	nextID    uint64

	readyOff func()
	stop     chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// New creates a cache over config.Backend and starts its watchdog unless the
// backend runs in-process
func New(config Config) (*Cache, error) {
	if config.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if config.WatchInterval <= 0 {
		config.WatchInterval = DefaultWatchInterval
	}
	if config.WatchThreshold <= 0 {
		config.WatchThreshold = DefaultWatchThreshold
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = DefaultFetchTimeout
	}
	if config.HealthKey == "" {
		config.HealthKey = DefaultHealthKey
	}

	c := &Cache{
		backend:        config.Backend,
		watchInterval:  config.WatchInterval,
		watchThreshold: config.WatchThreshold,
		fetchTimeout:   config.FetchTimeout,
		healthKey:      config.HealthKey,
		listeners:      make(map[uint64]func(lockbox.Changes)),
		stop:           make(chan struct{}),
	}

	if rs, ok := config.Backend.(lockbox.ReadySource); ok {
		c.readyOff = rs.OnReady(c.onReady)
	}

	if ip, ok := config.Backend.(lockbox.InProcess); ok && ip.InProcess() {
		log.Debug().Msg("in-process backend, cache watchdog disabled")
	} else {
		c.wg.Add(1)
		go c.watch()
	}
	return c, nil
}

// Get resolves q against the mirror, hydrating it first if needed
func (c *Cache) Get(ctx context.Context, q lockbox.Query) (lockbox.Values, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	var out lockbox.Values
	err := c.read(ctx, func(v lockbox.Values) { out = q.Apply(v) })
	return out, err
}

// Has reports whether the mirror holds key
func (c *Cache) Has(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := c.read(ctx, func(v lockbox.Values) { _, ok = v.Lookup(key) })
	return ok, err
}

// Keys returns the sorted keys of the mirror
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := c.read(ctx, func(v lockbox.Values) {
		keys = make([]string, 0, len(v))
		for k, raw := range v {
			if raw != nil {
				keys = append(keys, k)
			}
		}
	})
	sort.Strings(keys)
	return keys, err
}

// Set writes items through the backend. The mirror is updated only when the
// backend confirms the write, and never for a key the backend pushed a newer
// change for in the meantime.
func (c *Cache) Set(ctx context.Context, items lockbox.Values) error {
	if c.closed.Load() {
		return lockbox.ErrClosed
	}
	start := c.beginWrite()
	err := confirm(c.backend.Set(ctx, items))

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.endWrite()
	if err != nil {
		return err
	}
	if c.mirror != nil {
		for k, v := range items {
			if !c.pushedSince(k, start) {
				c.mirror[k] = compact(v)
			}
		}
	}
	return nil
}

// Remove deletes keys through the backend, then from the mirror
func (c *Cache) Remove(ctx context.Context, keys ...string) error {
	if c.closed.Load() {
		return lockbox.ErrClosed
	}
	start := c.beginWrite()
	err := confirm(c.backend.Remove(ctx, keys...))

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.endWrite()
	if err != nil {
		return err
	}
	if c.mirror != nil {
		for _, k := range keys {
			if !c.pushedSince(k, start) {
				delete(c.mirror, k)
			}
		}
	}
	return nil
}

// Clear empties the backend, then the mirror. Keys pushed while the clear was
// in flight are kept.
func (c *Cache) Clear(ctx context.Context) error {
	if c.closed.Load() {
		return lockbox.ErrClosed
	}
	start := c.beginWrite()
	err := confirm(c.backend.Clear(ctx))

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.endWrite()
	if err != nil {
		return err
	}
	for k := range c.mirror {
		if !c.pushedSince(k, start) {
			delete(c.mirror, k)
		}
	}
	return nil
}

// beginWrite marks a mutation in flight and returns the push sequence it
// starts from
func (c *Cache) beginWrite() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight++
	if c.touched == nil {
		c.touched = map[string]uint64{}
	}
	return c.pushSeq
}

// endWrite forgets push stamps once no mutation is in flight. Caller holds mu.
func (c *Cache) endWrite() {
	c.inflight--
	if c.inflight == 0 {
		clear(c.touched)
	}
}

// pushedSince reports whether a change to key was pushed after seq. Caller
// holds mu.
func (c *Cache) pushedSince(key string, seq uint64) bool {
	return c.touched[key] > seq
}

// OnChanged registers fn for change records pushed by the backend. The first
// registration subscribes to the backend, the last removal unsubscribes unless
// the mirror still needs the subscription.
func (c *Cache) OnChanged(fn func(lockbox.Changes)) (func(), error) {
	if c.closed.Load() {
		return nil, lockbox.ErrClosed
	}
	if err := c.retain(); err != nil {
		return nil, err
	}

	c.lmu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.lmu.Lock()
			delete(c.listeners, id)
			c.lmu.Unlock()
			c.release()
		})
	}, nil
}

// Hydrated reports whether reads are currently served from memory
func (c *Cache) Hydrated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mirror != nil
}

// Invalidate drops the mirror. The next read fetches the store again.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.mirror = nil
	c.pending = nil
	c.fetching = false
	c.generation++
	c.mu.Unlock()

	c.subMu.Lock()
	held := c.mirrorRef
	c.mirrorRef = false
	c.subMu.Unlock()
	if held {
		c.release()
	}
}

// Close stops the watchdog, drops the mirror and every backend subscription
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stop)
	c.wg.Wait()
	if c.readyOff != nil {
		c.readyOff()
	}
	c.Invalidate()

	c.lmu.Lock()
	c.listeners = make(map[uint64]func(lockbox.Changes))
	c.lmu.Unlock()

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.refs = 0
	return nil
}

// read runs fn against the mirror, or against a freshly fetched snapshot
// when the mirror could not be installed
func (c *Cache) read(ctx context.Context, fn func(lockbox.Values)) error {
	if c.closed.Load() {
		return lockbox.ErrClosed
	}
	c.mu.RLock()
	if c.mirror != nil {
		fn(c.mirror)
		c.mu.RUnlock()
		return nil
	}
	gen := c.generation
	c.mu.RUnlock()

	snapshot, err := c.hydrate(ctx, gen)
	if err != nil {
		return err
	}
	fn(snapshot)
	return nil
}

// hydrate shares one fetch per generation between concurrent readers
func (c *Cache) hydrate(ctx context.Context, gen uint64) (lockbox.Values, error) {
	ch := c.hydration.DoChan(strconv.FormatUint(gen, 10), func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		return c.fetch(fetchCtx, gen)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(lockbox.Values), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fetch subscribes before reading the whole store so that no push is lost,
// then installs the snapshot with every push received meanwhile applied. The
// returned snapshot is shared by the readers of this fetch and never mutated.
func (c *Cache) fetch(ctx context.Context, gen uint64) (lockbox.Values, error) {
	if err := c.retainForMirror(); err != nil {
		return nil, fmt.Errorf("failed to subscribe to changes: %w", err)
	}

	c.mu.Lock()
	if gen == c.generation && c.mirror != nil {
		// a reader raced the previous fetch of this generation
		snapshot := c.mirror.Clone()
		c.mu.Unlock()
		return snapshot, nil
	}
	if gen == c.generation {
		c.fetching = true
		c.pending = nil
	}
	c.mu.Unlock()

	values, err := c.backend.Get(ctx, lockbox.AllKeys())

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		// invalidated mid-fetch, serve this result once without keeping it
		if err != nil {
			return nil, err
		}
		return values.Clone(), nil
	}
	pending := c.pending
	c.fetching = false
	c.pending = nil
	if err != nil {
		log.Warn().Err(err).Msg("cache hydration failed")
		return nil, err
	}
	if values == nil {
		values = lockbox.Values{}
	}
	for _, changes := range pending {
		apply(values, changes)
	}
	c.mirror = values.Clone()
	return values, nil
}

// onChange applies a pushed record to the mirror, then fans it out
func (c *Cache) onChange(changes lockbox.Changes) {
	c.mu.Lock()
	c.pushSeq++
	if c.inflight > 0 {
		for k := range changes {
			c.touched[k] = c.pushSeq
		}
	}
	switch {
	case c.mirror != nil:
		apply(c.mirror, changes)
	case c.fetching:
		c.pending = append(c.pending, changes.Clone())
	}
	c.mu.Unlock()

	c.lmu.RLock()
	ids := make([]uint64, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(lockbox.Changes), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.lmu.RUnlock()

	for _, fn := range fns {
		notifyListener(fn, changes.Clone())
	}
}

func (c *Cache) onReady(ready lockbox.Ready) {
	c.mu.Lock()
	prev := c.startedAt
	c.startedAt = ready.StartedAt
	c.mu.Unlock()

	if prev != 0 && prev != ready.StartedAt {
		log.Info().Str("instance", ready.InstanceID).Msg("storage gateway restarted, dropping cache")
		c.Invalidate()
	}
}

func (c *Cache) watch() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if c.Hydrated() {
				c.checkHealth()
			}
		}
	}
}

// checkHealth invalidates the mirror when a round trip fails or is too slow
func (c *Cache) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), c.watchThreshold)
	defer cancel()

	start := time.Now()
	_, err := c.backend.Has(ctx, c.healthKey)
	elapsed := time.Since(start)

	switch {
	case err != nil:
		log.Warn().Err(err).Msg("storage gateway health check failed, dropping cache")
		c.Invalidate()
	case elapsed > c.watchThreshold:
		log.Warn().Dur("elapsed", elapsed).Msg("storage gateway health check too slow, dropping cache")
		c.Invalidate()
	}
}

func (c *Cache) retain() error {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.retainLocked()
}

func (c *Cache) retainForMirror() error {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.mirrorRef {
		return nil
	}
	if err := c.retainLocked(); err != nil {
		return err
	}
	c.mirrorRef = true
	return nil
}

func (c *Cache) retainLocked() error {
	if c.refs == 0 {
		unsubscribe, err := c.backend.Subscribe(c.onChange)
		if err != nil {
			return err
		}
		c.unsubscribe = unsubscribe
	}
	c.refs++
	return nil
}

func (c *Cache) release() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.refs == 0 {
		return
	}
	c.refs--
	if c.refs == 0 && c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}

// confirm turns a mutation result into an error
func confirm(ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return lockbox.ErrWriteRejected
	}
	return nil
}

func apply(values lockbox.Values, changes lockbox.Changes) {
	for k, ch := range changes {
		if ch.NewValue == nil {
			delete(values, k)
			continue
		}
		values[k] = append(json.RawMessage(nil), ch.NewValue...)
	}
}

func compact(v json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return append(json.RawMessage(nil), v...)
	}
	return json.RawMessage(buf.Bytes())
}

func notifyListener(fn func(lockbox.Changes), changes lockbox.Changes) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("change listener panicked")
		}
	}()
	fn(changes)
}
