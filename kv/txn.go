package kv

// Txn stages the mutations of one Update batch. Reads through a Txn see the
// batch's own writes. A Txn must not be used after its Update returns.
type Txn struct {
	base    map[string]Entry
	staged  map[string]*Entry // nil marks a deletion
	cleared bool
	checks  []persistedCheck
}

type persistedCheck struct {
	key string
	fn  func(e Entry, ok bool) error
}

// Get returns the entry for key as the batch currently sees it
func (tx *Txn) Get(key string) (Entry, bool) {
	if e, ok := tx.staged[key]; ok {
		if e == nil {
			return Entry{}, false
		}
		return cloneEntry(*e), true
	}
	if tx.cleared {
		return Entry{}, false
	}
	e, ok := tx.base[key]
	if !ok {
		return Entry{}, false
	}
	return cloneEntry(e), true
}

// Has reports whether key is visible in the batch
func (tx *Txn) Has(key string) bool {
	_, ok := tx.Get(key)
	return ok
}

// Put stages e under key
func (tx *Txn) Put(key string, e Entry) {
	e = cloneEntry(e)
	tx.staged[key] = &e
}

// VerifyPersisted registers fn to run against key as read back from the blob
// store once the batch is written. An error from fn rolls the batch back and
// is returned by Update.
func (tx *Txn) VerifyPersisted(key string, fn func(e Entry, ok bool) error) {
	tx.checks = append(tx.checks, persistedCheck{key: key, fn: fn})
}

// Delete stages the removal of key and reports whether it was present
func (tx *Txn) Delete(key string) bool {
	present := tx.Has(key)
	if present {
		tx.staged[key] = nil
	}
	return present
}

// Clear stages the removal of every key and returns the keys that were
// present, sorted
func (tx *Txn) Clear() []string {
	removed := tx.Keys()
	tx.cleared = true
	tx.staged = map[string]*Entry{}
	return removed
}

// Keys returns the keys visible in the batch, sorted
func (tx *Txn) Keys() []string {
	return sortedKeys(tx.view())
}

func (tx *Txn) view() map[string]Entry {
	out := make(map[string]Entry, len(tx.base)+len(tx.staged))
	if !tx.cleared {
		for k, e := range tx.base {
			out[k] = e
		}
	}
	for k, e := range tx.staged {
		if e == nil {
			delete(out, k)
		} else {
			out[k] = *e
		}
	}
	return out
}
