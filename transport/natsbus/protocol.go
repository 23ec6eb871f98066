// Package natsbus carries the lockbox backend protocol across a process
// boundary over NATS.
//
// Each store gets its own subject space under "<prefix>.<store>":
//
//	get, set, remove, clear, has, keys   request/reply
//	changed                             change records, in batch order
//	ready                               owner announcements and heartbeats
//	quota                               rejected writes
//
// Messages are CBOR. JSON values travel as byte strings and a null byte string
// stands for an undefined value.
package natsbus

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"southwinds.dev/lockbox"
)

const DefaultPrefix = "lockbox"

// Operations and events, the last token of every subject
const (
	OpGet     = "get"
	OpSet     = "set"
	OpRemove  = "remove"
	OpClear   = "clear"
	OpHas     = "has"
	OpKeys    = "keys"
	EvChanged = "changed"
	EvReady   = "ready"
	EvQuota   = "quota"
)

// Error codes carried in replies
const (
	codeQuota        = "quota_exceeded"
	codeVerification = "write_verification_failed"
	codeNotReady     = "not_ready"
	codeClosed       = "closed"
	codeInvalid      = "invalid_request"
	codeInternal     = "internal"
)

type wireValues map[string][]byte

type request struct {
	Mode     uint8      `cbor:"mode,omitempty"`
	Keys     []string   `cbor:"keys,omitempty"`
	Defaults wireValues `cbor:"defaults,omitempty"`
	Items    wireValues `cbor:"items,omitempty"`
}

type reply struct {
	OK     bool       `cbor:"ok"`
	Values wireValues `cbor:"values,omitempty"`
	Keys   []string   `cbor:"keys,omitempty"`
	Code   string     `cbor:"code,omitempty"`
	Error  string     `cbor:"error,omitempty"`
}

type wireChange struct {
	Old []byte `cbor:"old,omitempty"`
	New []byte `cbor:"new,omitempty"`
}

type wireReady struct {
	InstanceID string `cbor:"instance"`
	StartedAt  int64  `cbor:"started"`
}

type wireQuota struct {
	Store        string `cbor:"store"`
	CurrentSize  int64  `cbor:"current"`
	ProposedSize int64  `cbor:"proposed"`
	Limit        int64  `cbor:"limit"`
}

// Subject returns the subject of op for store
func Subject(prefix, store, op string) string {
	return prefix + "." + store + "." + op
}

func validateToken(kind, token string) error {
	if token == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if strings.ContainsAny(token, ".*> \t\r\n") {
		return fmt.Errorf("invalid %s %q for a NATS subject", kind, token)
	}
	return nil
}

func encode(v interface{}) ([]byte, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

func decode(data []byte, v interface{}) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}

func toWire(v lockbox.Values) wireValues {
	if v == nil {
		return nil
	}
	out := make(wireValues, len(v))
	for k, raw := range v {
		out[k] = raw
	}
	return out
}

func fromWire(v wireValues) lockbox.Values {
	out := make(lockbox.Values, len(v))
	for k, raw := range v {
		out[k] = raw
	}
	return out
}

func queryToWire(q lockbox.Query) request {
	return request{Mode: uint8(q.Mode), Keys: q.Keys, Defaults: toWire(q.Defaults)}
}

func queryFromWire(r request) lockbox.Query {
	q := lockbox.Query{Mode: lockbox.QueryMode(r.Mode), Keys: r.Keys}
	if r.Defaults != nil {
		q.Defaults = fromWire(r.Defaults)
	}
	return q
}

func changesToWire(c lockbox.Changes) map[string]wireChange {
	out := make(map[string]wireChange, len(c))
	for k, ch := range c {
		out[k] = wireChange{Old: ch.OldValue, New: ch.NewValue}
	}
	return out
}

func changesFromWire(c map[string]wireChange) lockbox.Changes {
	out := make(lockbox.Changes, len(c))
	for k, ch := range c {
		out[k] = lockbox.Change{OldValue: ch.Old, NewValue: ch.New}
	}
	return out
}

// errorCode classifies err for the reply
func errorCode(err error) string {
	switch {
	case errors.Is(err, lockbox.ErrQuotaExceeded):
		return codeQuota
	case errors.Is(err, lockbox.ErrWriteVerificationFailed):
		return codeVerification
	case errors.Is(err, lockbox.ErrNotReady):
		return codeNotReady
	case errors.Is(err, lockbox.ErrClosed):
		return codeClosed
	default:
		return codeInternal
	}
}

// replyError rebuilds an error from a reply, wrapping the matching sentinel
func replyError(r reply) error {
	if r.Code == "" && r.Error == "" {
		return nil
	}
	var sentinel error
	switch r.Code {
	case codeQuota:
		sentinel = lockbox.ErrQuotaExceeded
	case codeVerification:
		sentinel = lockbox.ErrWriteVerificationFailed
	case codeNotReady:
		sentinel = lockbox.ErrNotReady
	case codeClosed:
		sentinel = lockbox.ErrClosed
	default:
		return fmt.Errorf("storage gateway: %s", r.Error)
	}
	return fmt.Errorf("%w: %s", sentinel, r.Error)
}
