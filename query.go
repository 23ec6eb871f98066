package lockbox

import (
	"encoding/json"
	"fmt"
)

// QueryMode selects how a Get resolves keys
type QueryMode uint8

const (
	// QueryAll returns every key
	QueryAll QueryMode = iota
	// QuerySingle returns exactly one key, undefined when absent
	QuerySingle
	// QueryList returns the listed keys that are present
	QueryList
	// QueryDefaults returns every listed key, substituting its default when absent
	QueryDefaults
)

func (m QueryMode) String() string {
	switch m {
	case QueryAll:
		return "all"
	case QuerySingle:
		return "single"
	case QueryList:
		return "list"
	case QueryDefaults:
		return "defaults"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Query describes the keys a Get should return, with the semantics of a
// browser extension storage read.
type Query struct {
	Mode     QueryMode `json:"mode"`
	Keys     []string  `json:"keys,omitempty"`
	Defaults Values    `json:"defaults,omitempty"`
}

// AllKeys selects the whole store
func AllKeys() Query {
	return Query{Mode: QueryAll}
}

// Key selects one key
func Key(key string) Query {
	return Query{Mode: QuerySingle, Keys: []string{key}}
}

// KeyList selects the present subset of keys
func KeyList(keys ...string) Query {
	return Query{Mode: QueryList, Keys: keys}
}

// WithDefaults selects every key of defaults, falling back to its value
func WithDefaults(defaults Values) Query {
	return Query{Mode: QueryDefaults, Defaults: defaults}
}

// Validate checks that q is well formed
func (q Query) Validate() error {
	switch q.Mode {
	case QueryAll, QueryList, QueryDefaults:
		return nil
	case QuerySingle:
		if len(q.Keys) != 1 {
			return fmt.Errorf("single key query needs exactly one key, got %d", len(q.Keys))
		}
		return nil
	default:
		return fmt.Errorf("unknown query mode %s", q.Mode)
	}
}

// Source is what a Query reads from
type Source interface {
	Lookup(key string) (json.RawMessage, bool)
	All() Values
}

// Lookup implements Source
func (v Values) Lookup(key string) (json.RawMessage, bool) {
	raw, ok := v[key]
	if !ok || raw == nil {
		return nil, false
	}
	return raw, true
}

// All implements Source
func (v Values) All() Values {
	out := make(Values, len(v))
	for k, raw := range v {
		if raw != nil {
			out[k] = raw
		}
	}
	return out
}

// Apply resolves q against src. The result is never nil.
func (q Query) Apply(src Source) Values {
	switch q.Mode {
	case QueryAll:
		return src.All().Clone()
	case QuerySingle:
		if len(q.Keys) == 0 {
			return Values{}
		}
		raw, _ := src.Lookup(q.Keys[0])
		return Values{q.Keys[0]: cloneRaw(raw)}
	case QueryList:
		out := make(Values, len(q.Keys))
		for _, k := range q.Keys {
			if raw, ok := src.Lookup(k); ok {
				out[k] = cloneRaw(raw)
			}
		}
		return out
	case QueryDefaults:
		out := make(Values, len(q.Defaults))
		for k, def := range q.Defaults {
			if raw, ok := src.Lookup(k); ok {
				out[k] = cloneRaw(raw)
			} else {
				out[k] = cloneRaw(def)
			}
		}
		return out
	default:
		return Values{}
	}
}
