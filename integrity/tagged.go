package integrity

import (
	"encoding/json"

	"github.com/awnumar/memguard"
)

// Origin records where an untagged value came from. Only values seeded from
// defaults or migrated from a legacy layout may be trusted without a tag.
type Origin string

const (
	OriginWritten Origin = ""
	OriginDefault Origin = "default"
	OriginLegacy  Origin = "legacy"
)

// Verdict is the outcome of checking a Tagged value
type Verdict int

const (
	// Verified means the tag is present and matches the value
	Verified Verdict = iota
	// Unsigned means no tag is present and the origin permits trust on read
	Unsigned
	// Mismatch means the value must be treated as absent
	Mismatch
)

func (v Verdict) String() string {
	switch v {
	case Verified:
		return "verified"
	case Unsigned:
		return "unsigned"
	default:
		return "mismatch"
	}
}

// Trusted reports whether a value with this verdict may be returned to readers
func (v Verdict) Trusted() bool {
	return v != Mismatch
}

// Tagged couples a value with its integrity tag so the two are always stored,
// moved and deleted together.
type Tagged[V any] struct {
	Value  V      `json:"v"`
	Tag    string `json:"t,omitempty"`
	Origin Origin `json:"o,omitempty"`
}

// Codec turns a value into the bytes that are authenticated
type Codec[V any] interface {
	Encode(v V) ([]byte, error)
}

// RawJSON authenticates JSON values by their canonical form
type RawJSON struct{}

func (RawJSON) Encode(v json.RawMessage) ([]byte, error) {
	return Canonicalize(v)
}

// Seal computes the tag for v and returns the wrapped value
func Seal[V any](codec Codec[V], v V, key *memguard.Enclave) (Tagged[V], error) {
	data, err := codec.Encode(v)
	if err != nil {
		return Tagged[V]{}, err
	}
	tag, err := tagBytes(data, key)
	if err != nil {
		return Tagged[V]{}, err
	}
	return Tagged[V]{Value: v, Tag: tag}, nil
}

// Check classifies t. A missing tag is only acceptable for default or legacy
// values; any present tag must match.
func Check[V any](codec Codec[V], t Tagged[V], key *memguard.Enclave) Verdict {
	if t.Tag == "" {
		if t.Origin == OriginDefault || t.Origin == OriginLegacy {
			return Unsigned
		}
		return Mismatch
	}
	data, err := codec.Encode(t.Value)
	if err != nil {
		return Mismatch
	}
	expected, err := tagBytes(data, key)
	if err != nil {
		return Mismatch
	}
	if !equalHex(expected, t.Tag) {
		return Mismatch
	}
	return Verified
}
