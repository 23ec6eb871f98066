package lockbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"southwinds.dev/lockbox/audit"
	"southwinds.dev/lockbox/integrity"
	"southwinds.dev/lockbox/kv"
	"southwinds.dev/lockbox/notify"
)

// GatewayConfig wires a Gateway to an already opened store
type GatewayConfig struct {
	// Store is the encrypted store the gateway owns. Required.
	Store *kv.Store
	// IntegrityKey tags and verifies entries. Required.
	IntegrityKey *memguard.Enclave
	// QuotaBytes caps the serialized store size. Defaults to 100 MiB.
	QuotaBytes int64
	// QuotaNoticeInterval throttles user-visible quota warnings
	QuotaNoticeInterval time.Duration
	Audit               audit.Logger
	Notifier            notify.Notifier
}

// Gateway is the single owner of an encrypted store. It enforces the quota,
// tags every value it writes, drops values whose tag does not verify and
// broadcasts one change record per confirmed batch.
//
// Mutations are serialized. Reads never wait for a mutation to reach disk.
type Gateway struct {
	name         string
	store        *kv.Store
	integrityKey *memguard.Enclave
	quota        int64
	audit        audit.Logger
	quotaNotice  notify.Notifier

	writeMu sync.Mutex

	ready      Ready
	dispatch   *dispatcher
	changeSubs listeners[Changes]
	quotaSubs  listeners[QuotaEvent]
	readySubs  listeners[Ready]

	closed  atomic.Bool
	closers []func() error
}

// NewGateway creates a gateway over an opened store
func NewGateway(config GatewayConfig) (*Gateway, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.IntegrityKey == nil {
		return nil, fmt.Errorf("integrity key is required")
	}
	if config.QuotaBytes <= 0 {
		config.QuotaBytes = DefaultOptions().QuotaBytes
	}
	if config.QuotaNoticeInterval <= 0 {
		config.QuotaNoticeInterval = DefaultOptions().QuotaNoticeInterval
	}
	if config.Audit == nil {
		config.Audit = audit.NewNoOpLogger()
	}
	if config.Notifier == nil {
		config.Notifier = notify.Discard
	}

	g := &Gateway{
		name:         config.Store.Name(),
		store:        config.Store,
		integrityKey: config.IntegrityKey,
		quota:        config.QuotaBytes,
		audit:        config.Audit,
		quotaNotice:  notify.NewThrottled(config.Notifier, config.QuotaNoticeInterval),
		ready: Ready{
			InstanceID: uuid.NewString(),
			StartedAt:  time.Now().UnixNano(),
		},
		dispatch: newDispatcher(),
	}

	g.logAudit(audit.ActionGatewayStarted, true, map[string]interface{}{
		"instance_id": g.ready.InstanceID,
	})
	log.Info().
		Str("store", g.name).
		Str("instance", g.ready.InstanceID).
		Int64("quota", g.quota).
		Msg("storage gateway started")

	return g, nil
}

// Name returns the name of the store served by the gateway
func (g *Gateway) Name() string {
	return g.name
}

// Ready returns the identity of this gateway instance
func (g *Gateway) Ready() Ready {
	return g.ready
}

// InProcess implements InProcess
func (g *Gateway) InProcess() bool {
	return true
}

// Get resolves q against the trusted entries. Entries whose tag does not
// verify are treated as absent. Read failures, a closed gateway included,
// are logged and yield an empty result rather than an error.
func (g *Gateway) Get(ctx context.Context, q Query) (Values, error) {
	if err := g.usable(ctx); err != nil {
		g.readFailed("get", err)
		return Values{}, nil
	}
	if err := q.Validate(); err != nil {
		log.Warn().Err(err).Str("store", g.name).Msg("invalid query")
		return Values{}, nil
	}
	return q.Apply(&trustedSource{g: g}), nil
}

// Has reports whether key holds a trusted value
func (g *Gateway) Has(ctx context.Context, key string) (bool, error) {
	if err := g.usable(ctx); err != nil {
		g.readFailed("has", err)
		return false, nil
	}
	_, ok := (&trustedSource{g: g}).Lookup(key)
	return ok, nil
}

// Keys returns every key holding a trusted value, sorted
func (g *Gateway) Keys(ctx context.Context) ([]string, error) {
	if err := g.usable(ctx); err != nil {
		g.readFailed("keys", err)
		return []string{}, nil
	}
	all := (&trustedSource{g: g}).All()
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Size returns the serialized size of the store and the quota
func (g *Gateway) Size() (size int64, limit int64, err error) {
	n, err := g.store.Size()
	return int64(n), g.quota, err
}

// Set writes items as one batch. The batch is rejected before anything is
// written when the projected store would exceed the quota. Every value is
// tagged, read back and verified before the batch commits; a failure leaves
// the store unchanged.
func (g *Gateway) Set(ctx context.Context, items Values) (bool, error) {
	if err := g.usable(ctx); err != nil {
		return false, err
	}
	if len(items) == 0 {
		return true, nil
	}

	keys := make([]string, 0, len(items))
	sealed := make(map[string]kv.Entry, len(items))
	for k, v := range items {
		if v == nil {
			return false, fmt.Errorf("value for %q is undefined", k)
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, v); err != nil {
			return false, fmt.Errorf("value for %q is not valid JSON: %w", k, err)
		}
		entry, err := integrity.Seal[json.RawMessage](integrity.RawJSON{}, compact.Bytes(), g.integrityKey)
		if err != nil {
			return false, fmt.Errorf("failed to tag %q: %w", k, err)
		}
		sealed[k] = entry
		keys = append(keys, k)
	}
	sort.Strings(keys)

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	if err := g.checkQuota(sealed); err != nil {
		return false, err
	}

	changes := Changes{}
	err := g.store.Update(func(tx *kv.Txn) error {
		for _, k := range keys {
			var oldValue json.RawMessage
			if old, ok := tx.Get(k); ok && g.trusted(k, old) {
				oldValue = old.Value
			}

			tx.Put(k, sealed[k])
			want := sealed[k]
			key := k
			tx.VerifyPersisted(k, func(got kv.Entry, ok bool) error {
				return g.verifyWrite(key, want, got, ok)
			})

			if oldValue == nil || !integrity.Equal(oldValue, sealed[k].Value) {
				changes[k] = Change{OldValue: oldValue, NewValue: cloneRaw(sealed[k].Value)}
			}
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("store", g.name).Strs("keys", keys).Msg("set failed")
		g.logAudit(audit.ActionStorageSet, false, map[string]interface{}{
			"keys":          keys,
			audit.MetaError: err.Error(),
		})
		return false, err
	}

	g.logAudit(audit.ActionStorageSet, true, map[string]interface{}{
		"keys":    keys,
		"changed": len(changes),
	})
	g.broadcast(changes)
	return true, nil
}

// Remove deletes keys as one batch. Absent keys produce no change.
func (g *Gateway) Remove(ctx context.Context, keys ...string) (bool, error) {
	if err := g.usable(ctx); err != nil {
		return false, err
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	changes := Changes{}
	err := g.store.Update(func(tx *kv.Txn) error {
		for _, k := range keys {
			old, ok := tx.Get(k)
			if !ok {
				continue
			}
			trusted := g.trusted(k, old)
			tx.Delete(k)
			if trusted {
				changes[k] = Change{OldValue: old.Value}
			}
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("store", g.name).Msg("remove failed")
		g.logAudit(audit.ActionStorageRemove, false, map[string]interface{}{
			"keys":          keys,
			audit.MetaError: err.Error(),
		})
		return false, err
	}

	g.logAudit(audit.ActionStorageRemove, true, map[string]interface{}{
		"keys":    keys,
		"changed": len(changes),
	})
	g.broadcast(changes)
	return true, nil
}

// Clear removes every key and reports each previously visible key as removed
func (g *Gateway) Clear(ctx context.Context) (bool, error) {
	if err := g.usable(ctx); err != nil {
		return false, err
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	changes := Changes{}
	err := g.store.Update(func(tx *kv.Txn) error {
		for _, k := range tx.Keys() {
			if old, ok := tx.Get(k); ok && g.trusted(k, old) {
				changes[k] = Change{OldValue: old.Value}
			}
		}
		tx.Clear()
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("store", g.name).Msg("clear failed")
		g.logAudit(audit.ActionStorageClear, false, map[string]interface{}{audit.MetaError: err.Error()})
		return false, err
	}

	g.logAudit(audit.ActionStorageClear, true, map[string]interface{}{"changed": len(changes)})
	g.broadcast(changes)
	return true, nil
}

// Subscribe registers fn for change records. Records arrive on a single
// goroutine in the order batches committed, possibly after the writer's
// call has returned.
func (g *Gateway) Subscribe(fn func(Changes)) (func(), error) {
	if g.closed.Load() {
		return nil, ErrClosed
	}
	return g.changeSubs.add(fn), nil
}

// OnQuotaExceeded registers fn for rejected writes
func (g *Gateway) OnQuotaExceeded(fn func(QuotaEvent)) func() {
	return g.quotaSubs.add(fn)
}

// OnReady registers fn for ready announcements. The current instance is
// announced to fn straight away.
func (g *Gateway) OnReady(fn func(Ready)) func() {
	remove := g.readySubs.add(fn)
	ready := g.ready
	g.dispatch.enqueue(func() { fn(ready) })
	return remove
}

// Close stops delivery, waits for queued notifications and releases the
// store and its keys
func (g *Gateway) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	g.dispatch.close()

	var errs []error
	if err := g.store.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, closer := range g.closers {
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}
	g.integrityKey = nil

	log.Info().Str("store", g.name).Msg("storage gateway closed")
	return errors.Join(errs...)
}

func (g *Gateway) usable(ctx context.Context) error {
	if g.closed.Load() {
		return ErrClosed
	}
	if ctx != nil {
		return ctx.Err()
	}
	return nil
}

func (g *Gateway) readFailed(op string, err error) {
	log.Warn().Err(err).Str("store", g.name).Str("op", op).Msg("read degraded to an empty result")
}

// checkQuota rejects a batch whose projected document is over the limit.
// Caller holds writeMu.
func (g *Gateway) checkQuota(puts map[string]kv.Entry) error {
	projected, err := g.store.ProjectedSize(puts, nil)
	if err != nil {
		return err
	}
	if int64(projected) <= g.quota {
		return nil
	}

	current, _ := g.store.Size()
	event := QuotaEvent{
		Store:        g.name,
		CurrentSize:  int64(current),
		ProposedSize: int64(projected),
		Limit:        g.quota,
	}

	log.Warn().
		Str("store", g.name).
		Int64("current", event.CurrentSize).
		Int64("proposed", event.ProposedSize).
		Int64("limit", event.Limit).
		Msg("write rejected, quota exceeded")
	g.logAudit(audit.ActionQuotaExceeded, false, map[string]interface{}{
		"current_size":  event.CurrentSize,
		"proposed_size": event.ProposedSize,
		"limit":         event.Limit,
	})

	for _, fn := range g.quotaSubs.snapshot() {
		g.dispatch.enqueue(func() { fn(event) })
	}
	g.quotaNotice.Notify(notify.Notice{
		Level:   notify.Warning,
		Title:   "Storage is full",
		Message: fmt.Sprintf("A change was not saved because %q would grow to %s (limit %s).", g.name, notify.Bytes(event.ProposedSize), notify.Bytes(event.Limit)),
	})

	return fmt.Errorf("%w: store %q would be %d bytes, limit is %d", ErrQuotaExceeded, g.name, projected, g.quota)
}

// verifyWrite checks a value read back from the blob store against what was
// meant to be written
func (g *Gateway) verifyWrite(key string, want, got kv.Entry, ok bool) error {
	if !ok {
		return fmt.Errorf("%w: %q missing after write", ErrWriteVerificationFailed, key)
	}
	gotCanonical, err := integrity.Canonicalize(got.Value)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrWriteVerificationFailed, key, err)
	}
	wantCanonical, err := integrity.Canonicalize(want.Value)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrWriteVerificationFailed, key, err)
	}
	if !bytes.Equal(gotCanonical, wantCanonical) {
		return fmt.Errorf("%w: %q read back differently", ErrWriteVerificationFailed, key)
	}
	if integrity.Check[json.RawMessage](integrity.RawJSON{}, got, g.integrityKey) != integrity.Verified {
		return fmt.Errorf("%w: %q tag does not verify", ErrWriteVerificationFailed, key)
	}
	return nil
}

// trusted checks an entry's tag, logging and auditing failures
func (g *Gateway) trusted(key string, e kv.Entry) bool {
	verdict := integrity.Check[json.RawMessage](integrity.RawJSON{}, e, g.integrityKey)
	if verdict.Trusted() {
		return true
	}
	log.Warn().Str("store", g.name).Str("key", key).Msg("integrity check failed, entry ignored")
	g.logAudit(audit.ActionIntegrityMismatch, false, map[string]interface{}{audit.MetaKey: key})
	return false
}

// broadcast queues one change record. Caller holds writeMu so records are
// queued in commit order.
func (g *Gateway) broadcast(changes Changes) {
	if len(changes) == 0 {
		return
	}
	g.dispatch.enqueue(func() {
		for _, fn := range g.changeSubs.snapshot() {
			deliver(func() { fn(changes.Clone()) })
		}
	})
}

func (g *Gateway) logAudit(action string, success bool, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata[audit.MetaStore] = g.name
	if err := g.audit.Log(action, success, metadata); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("failed to write audit event")
	}
}

// trustedSource exposes the entries that pass integrity checks
type trustedSource struct {
	g *Gateway
}

func (s *trustedSource) Lookup(key string) (json.RawMessage, bool) {
	e, ok, err := s.g.store.Get(key)
	if err != nil {
		log.Error().Err(err).Str("store", s.g.name).Msg("read failed")
		return nil, false
	}
	if !ok || !s.g.trusted(key, e) {
		return nil, false
	}
	return e.Value, true
}

func (s *trustedSource) All() Values {
	entries, err := s.g.store.Snapshot()
	if err != nil {
		log.Error().Err(err).Str("store", s.g.name).Msg("read failed")
		return Values{}
	}
	out := make(Values, len(entries))
	for k, e := range entries {
		if s.g.trusted(k, e) {
			out[k] = e.Value
		}
	}
	return out
}
