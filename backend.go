package lockbox

import (
	"context"
	"encoding/json"
)

// Values maps keys to JSON values. A nil value means the key is undefined.
type Values map[string]json.RawMessage

// Clone returns a deep copy of v
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	out := make(Values, len(v))
	for k, raw := range v {
		out[k] = cloneRaw(raw)
	}
	return out
}

// Change is the before and after value of one key. A nil side means the key
// was absent on that side.
type Change struct {
	OldValue json.RawMessage `json:"oldValue,omitempty"`
	NewValue json.RawMessage `json:"newValue,omitempty"`
}

// Changes is the record broadcast once per confirmed mutation batch
type Changes map[string]Change

// Clone returns a deep copy of c
func (c Changes) Clone() Changes {
	out := make(Changes, len(c))
	for k, ch := range c {
		out[k] = Change{OldValue: cloneRaw(ch.OldValue), NewValue: cloneRaw(ch.NewValue)}
	}
	return out
}

// Ready announces a storage owner instance. StartedAt changes on every restart.
type Ready struct {
	InstanceID string `json:"instanceId"`
	StartedAt  int64  `json:"startedAt"` // unix nanoseconds
}

// QuotaEvent is emitted when a write is rejected for exceeding the size ceiling
type QuotaEvent struct {
	Store        string `json:"store"`
	CurrentSize  int64  `json:"currentSize"`
	ProposedSize int64  `json:"proposedSize"`
	Limit        int64  `json:"limit"`
}

// Backend is the capability set every storage implementation offers to a
// client cache.
//
// Mutations report whether they took effect. Implementations return false
// together with an error describing why whenever possible.
type Backend interface {
	Get(ctx context.Context, q Query) (Values, error)
	Set(ctx context.Context, items Values) (bool, error)
	Remove(ctx context.Context, keys ...string) (bool, error)
	Clear(ctx context.Context) (bool, error)
	Has(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	// Subscribe registers fn for change records, delivered in batch order
	Subscribe(fn func(Changes)) (func(), error)
}

// ReadySource is implemented by backends that announce restarts
type ReadySource interface {
	OnReady(fn func(Ready)) (remove func())
}

// InProcess is implemented by backends that share the caller's process, so
// no foreign writer can restart or hang behind them
type InProcess interface {
	InProcess() bool
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
