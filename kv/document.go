package kv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"southwinds.dev/lockbox/integrity"
	"southwinds.dev/lockbox/internal/misc"
)

// Entry is a stored value together with its integrity tag
type Entry = integrity.Tagged[json.RawMessage]

type document struct {
	Version int              `json:"version"`
	Entries map[string]Entry `json:"entries"`
}

func encodeDocument(entries map[string]Entry) ([]byte, error) {
	if entries == nil {
		entries = map[string]Entry{}
	}
	data, err := json.Marshal(document{Version: misc.DocumentVersion, Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize store: %w", err)
	}
	return data, nil
}

// decodeDocument parses a decrypted blob. It accepts the current layout and
// the flat layout with "__hmac__" sibling tags. migrated reports whether the
// legacy layout was found.
func decodeDocument(data []byte) (entries map[string]Entry, migrated bool, err error) {
	var top map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	if err = dec.Decode(&top); err != nil {
		return nil, false, fmt.Errorf("document is not a JSON object: %w", err)
	}
	if dec.More() {
		return nil, false, fmt.Errorf("document has trailing data")
	}
	if top == nil {
		return nil, false, fmt.Errorf("document is null")
	}

	if isCurrentLayout(top) {
		var doc document
		if err = json.Unmarshal(data, &doc); err != nil {
			return nil, false, fmt.Errorf("invalid document: %w", err)
		}
		if doc.Entries == nil {
			doc.Entries = map[string]Entry{}
		}
		for key, entry := range doc.Entries {
			if entry.Value == nil {
				return nil, false, fmt.Errorf("entry %q has no value", key)
			}
		}
		return doc.Entries, false, nil
	}

	return migrateLegacy(top)
}

func isCurrentLayout(top map[string]json.RawMessage) bool {
	if len(top) != 2 {
		return false
	}
	rawVersion, ok := top["version"]
	if !ok {
		return false
	}
	rawEntries, ok := top["entries"]
	if !ok || len(rawEntries) == 0 || rawEntries[0] != '{' {
		return false
	}
	var version int
	if err := json.Unmarshal(rawVersion, &version); err != nil {
		return false
	}
	return version == misc.DocumentVersion
}

// migrateLegacy folds "__hmac__<key>" siblings into their entries. Entries
// without a tag keep trust on read as legacy values; orphan tags are dropped.
func migrateLegacy(top map[string]json.RawMessage) (map[string]Entry, bool, error) {
	entries := make(map[string]Entry, len(top))
	for key, value := range top {
		if misc.IsLegacyTagKey(key) {
			continue
		}
		entry := Entry{Value: value, Origin: integrity.OriginLegacy}
		if rawTag, ok := top[misc.LegacyTagPrefix+key]; ok {
			var tag string
			if err := json.Unmarshal(rawTag, &tag); err != nil {
				return nil, false, fmt.Errorf("tag for %q is not a string: %w", key, err)
			}
			// a tagged value must verify, it no longer gets legacy trust
			entry.Tag = strings.ToLower(tag)
			entry.Origin = integrity.OriginWritten
		}
		entries[key] = entry
	}
	return entries, true, nil
}
