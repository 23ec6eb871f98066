package lockbox

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/require"
	"southwinds.dev/lockbox/audit"
	"southwinds.dev/lockbox/internal/crypto"
	"southwinds.dev/lockbox/kv"
	"southwinds.dev/lockbox/notify"
	"southwinds.dev/lockbox/persist"
)

// recordingAudit keeps every action it is asked to log
type recordingAudit struct {
	mu      sync.Mutex
	actions []string
	failed  []string
}

func (r *recordingAudit) Log(action string, success bool, _ map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
	if !success {
		r.failed = append(r.failed, action)
	}
	return nil
}

func (r *recordingAudit) Query(audit.QueryOptions) (audit.QueryResult, error) {
	return audit.QueryResult{}, nil
}

func (r *recordingAudit) Close() error { return nil }

func (r *recordingAudit) count(action string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return countOf(r.actions, action)
}

func (r *recordingAudit) failures(action string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return countOf(r.failed, action)
}

func countOf(actions []string, action string) int {
	n := 0
	for _, a := range actions {
		if a == action {
			n++
		}
	}
	return n
}

// lostWrites acknowledges every Save once armed but keeps the blob that was
// already there
type lostWrites struct {
	persist.Store
	mu   sync.Mutex
	lose bool
}

func (l *lostWrites) Save(name string, data []byte, expectedVersion string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lose {
		if blob, err := l.Store.Load(name); err == nil {
			data = blob.Data
		}
	}
	return l.Store.Save(name, data, expectedVersion)
}

func (l *lostWrites) setLose(lose bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lose = lose
}

// noticeLog collects notices
type noticeLog struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (n *noticeLog) Notify(notice notify.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *noticeLog) all() []notify.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Notice(nil), n.notices...)
}

// changeLog collects broadcast batches
type changeLog struct {
	mu      sync.Mutex
	batches []Changes
}

func (c *changeLog) record(ch Changes) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, ch)
}

func (c *changeLog) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func (c *changeLog) all() []Changes {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Changes(nil), c.batches...)
}

type testGateway struct {
	*Gateway
	store   *kv.Store
	audit   *recordingAudit
	notices *noticeLog
}

func newSecret(t *testing.T) *memguard.Enclave {
	t.Helper()
	secret, err := crypto.RandomSecret()
	require.NoError(t, err)
	return memguard.NewEnclave(secret)
}

func newTestGateway(t *testing.T, quota int64) *testGateway {
	t.Helper()
	return newTestGatewayOn(t, persist.NewMemoryStore(), quota)
}

func newTestGatewayOn(t *testing.T, blobs persist.Store, quota int64) *testGateway {
	t.Helper()
	store, err := kv.Open(blobs, "local", newSecret(t), rawDefaults(DefaultSeed()))
	require.NoError(t, err)

	rec := &recordingAudit{}
	notices := &noticeLog{}
	g, err := NewGateway(GatewayConfig{
		Store:        store,
		IntegrityKey: newSecret(t),
		QuotaBytes:   quota,
		Audit:        rec,
		Notifier:     notices,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	return &testGateway{Gateway: g, store: store, audit: rec, notices: notices}
}

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}
