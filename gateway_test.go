package lockbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/lockbox/audit"
	"southwinds.dev/lockbox/integrity"
	"southwinds.dev/lockbox/persist"
)

func TestGatewayRoundTrip(t *testing.T) {
	g := newTestGateway(t, 0)
	ctx := context.Background()

	values := []string{`"dark"`, `42`, `3.5`, `true`, `null`, `[1,"two",{"3":4}]`, `{"nested":{"b":1,"a":[]}}`, `"héllo ☃"`}
	for i, v := range values {
		key := fmt.Sprintf("k%d", i)
		ok, err := g.Set(ctx, Values{key: raw(v)})
		require.NoError(t, err)
		require.True(t, ok)

		got, err := g.Get(ctx, Key(key))
		require.NoError(t, err)
		assert.JSONEq(t, v, string(got[key]), key)
	}
}

func TestGatewayQueries(t *testing.T) {
	g := newTestGateway(t, 0)
	ctx := context.Background()

	_, err := g.Set(ctx, Values{"theme": raw(`"light"`), "count": raw(`1`)})
	require.NoError(t, err)

	all, err := g.Get(ctx, AllKeys())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"workflows", "settings", "auth", "theme", "count"}, keysOf(all))

	single, err := g.Get(ctx, Key("missing"))
	require.NoError(t, err)
	v, present := single["missing"]
	assert.True(t, present, "a single key query always names the key")
	assert.Nil(t, v)

	list, err := g.Get(ctx, KeyList("theme", "missing", "count"))
	require.NoError(t, err)
	assert.Equal(t, Values{"theme": raw(`"light"`), "count": raw(`1`)}, list)

	defaults, err := g.Get(ctx, WithDefaults(Values{"theme": raw(`"dark"`), "missing": raw(`0`)}))
	require.NoError(t, err)
	assert.Equal(t, Values{"theme": raw(`"light"`), "missing": raw(`0`)}, defaults)

	has, err := g.Has(ctx, "theme")
	require.NoError(t, err)
	assert.True(t, has)

	keys, err := g.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"auth", "count", "settings", "theme", "workflows"}, keys)
}

func TestGatewaySetRejectsInvalidValues(t *testing.T) {
	g := newTestGateway(t, 0)
	ctx := context.Background()

	ok, err := g.Set(ctx, Values{"a": nil})
	assert.False(t, ok)
	assert.Error(t, err)

	ok, err = g.Set(ctx, Values{"a": raw(`{not json`)})
	assert.False(t, ok)
	assert.Error(t, err)

	ok, err = g.Set(ctx, Values{})
	assert.True(t, ok)
	assert.NoError(t, err)
}

func TestGatewayIdempotentSet(t *testing.T) {
	g := newTestGateway(t, 0)
	ctx := context.Background()
	changes := &changeLog{}
	cancel, err := g.Subscribe(changes.record)
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 2; i++ {
		ok, err := g.Set(ctx, Values{"theme": raw(`{"a":1,"b":2}`)})
		require.NoError(t, err)
		require.True(t, ok)
	}
	// same value, different key order
	_, err = g.Set(ctx, Values{"theme": raw(`{"b":2, "a":1}`)})
	require.NoError(t, err)
	_, err = g.Set(ctx, Values{"sentinel": raw(`true`)})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return changes.len() == 2 }, time.Second, 5*time.Millisecond)
	batches := changes.all()
	require.Contains(t, batches[0], "theme")
	assert.Nil(t, batches[0]["theme"].OldValue)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(batches[0]["theme"].NewValue))
	assert.Equal(t, []string{"sentinel"}, keysOfChanges(batches[1]))
}

func TestGatewayUnicodeSpellingIsAChange(t *testing.T) {
	g := newTestGateway(t, 0)
	ctx := context.Background()
	changes := &changeLog{}
	cancel, err := g.Subscribe(changes.record)
	require.NoError(t, err)
	defer cancel()

	composed, decomposed := raw("\"\u00e9\""), raw("\"e\u0301\"")
	_, err = g.Set(ctx, Values{"name": composed})
	require.NoError(t, err)
	_, err = g.Set(ctx, Values{"name": decomposed})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return changes.len() == 2 }, time.Second, 5*time.Millisecond)
	second := changes.all()[1]
	require.Contains(t, second, "name")
	assert.Equal(t, string(composed), string(second["name"].OldValue))
	assert.Equal(t, string(decomposed), string(second["name"].NewValue))

	got, err := g.Get(ctx, Key("name"))
	require.NoError(t, err)
	assert.Equal(t, string(decomposed), string(got["name"]))
}

func TestGatewayWriteVerification(t *testing.T) {
	blobs := &lostWrites{Store: persist.NewMemoryStore()}
	g := newTestGatewayOn(t, blobs, 0)
	ctx := context.Background()

	_, err := g.Set(ctx, Values{"theme": raw(`"light"`)})
	require.NoError(t, err)

	changes := &changeLog{}
	cancel, err := g.Subscribe(changes.record)
	require.NoError(t, err)
	defer cancel()

	blobs.setLose(true)
	ok, err := g.Set(ctx, Values{"theme": raw(`"dark"`), "size": raw(`14`)})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrWriteVerificationFailed)
	assert.Equal(t, 1, g.audit.failures(audit.ActionStorageSet))

	got, err := g.Get(ctx, KeyList("theme", "size"))
	require.NoError(t, err)
	assert.Equal(t, Values{"theme": raw(`"light"`)}, got)

	blobs.setLose(false)
	ok, err = g.Set(ctx, Values{"theme": raw(`"blue"`)})
	require.NoError(t, err)
	require.True(t, ok)

	// the rejected batch was never broadcast
	require.Eventually(t, func() bool { return changes.len() == 1 }, time.Second, 5*time.Millisecond)
	first := changes.all()[0]
	assert.Equal(t, []string{"theme"}, keysOfChanges(first))
	assert.Equal(t, `"light"`, string(first["theme"].OldValue))
	assert.Equal(t, `"blue"`, string(first["theme"].NewValue))
}

func TestGatewayTamperDetection(t *testing.T) {
	g := newTestGateway(t, 0)
	ctx := context.Background()

	_, err := g.Set(ctx, Values{"apiKey": raw(`"secret"`)})
	require.NoError(t, err)

	entry, ok, err := g.store.Get("apiKey")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, entry.Tag)

	tampered := []byte(entry.Tag)
	if tampered[0] == '0' {
		tampered[0] = '1'
	} else {
		tampered[0] = '0'
	}
	entry.Tag = string(tampered)
	require.NoError(t, g.store.Set("apiKey", entry))

	got, err := g.Get(ctx, Key("apiKey"))
	require.NoError(t, err)
	assert.Nil(t, got["apiKey"])

	got, err = g.Get(ctx, WithDefaults(Values{"apiKey": raw(`"fallback"`)}))
	require.NoError(t, err)
	assert.Equal(t, `"fallback"`, string(got["apiKey"]))

	all, err := g.Get(ctx, AllKeys())
	require.NoError(t, err)
	assert.NotContains(t, all, "apiKey")

	has, err := g.Has(ctx, "apiKey")
	require.NoError(t, err)
	assert.False(t, has)

	keys, err := g.Keys(ctx)
	require.NoError(t, err)
	assert.NotContains(t, keys, "apiKey")

	assert.Greater(t, g.audit.count(audit.ActionIntegrityMismatch), 0)
}

func TestGatewayTamperedValue(t *testing.T) {
	g := newTestGateway(t, 0)
	ctx := context.Background()

	_, err := g.Set(ctx, Values{"balance": raw(`10`)})
	require.NoError(t, err)

	entry, _, err := g.store.Get("balance")
	require.NoError(t, err)
	entry.Value = raw(`1000000`)
	require.NoError(t, g.store.Set("balance", entry))

	got, err := g.Get(ctx, KeyList("balance"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGatewayUntaggedValues(t *testing.T) {
	g := newTestGateway(t, 0)
	ctx := context.Background()

	// defaults are trusted without a tag
	got, err := g.Get(ctx, Key("settings"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"theme":"dark","language":"en"}`, string(got["settings"]))

	// a written value that lost its tag is not
	require.NoError(t, g.store.Set("stripped", integrity.Tagged[json.RawMessage]{Value: raw(`1`)}))
	has, err := g.Has(ctx, "stripped")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestGatewayQuota(t *testing.T) {
	sizing := newTestGateway(t, 0)
	size, _, err := sizing.Size()
	require.NoError(t, err)

	g := newTestGateway(t, size+200)
	ctx := context.Background()

	_, err = g.Set(ctx, Values{"theme": raw(`"light"`)})
	require.NoError(t, err)

	var events []QuotaEvent
	var mu sync.Mutex
	remove := g.OnQuotaExceeded(func(e QuotaEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})
	defer remove()

	big := raw(`"` + strings.Repeat("x", 500) + `"`)
	ok, err := g.Set(ctx, Values{"theme": raw(`"blue"`), "blob": big})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	got, err := g.Get(ctx, KeyList("theme", "blob"))
	require.NoError(t, err)
	assert.Equal(t, Values{"theme": raw(`"light"`)}, got, "a rejected batch writes nothing")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	event := events[0]
	mu.Unlock()
	assert.Equal(t, "local", event.Store)
	assert.Equal(t, size+200, event.Limit)
	assert.Greater(t, event.ProposedSize, event.Limit)
	assert.LessOrEqual(t, event.CurrentSize, event.Limit)

	require.Len(t, g.notices.all(), 1)
	assert.Equal(t, 1, g.audit.count(audit.ActionQuotaExceeded))

	// a second rejection is signalled but not shown again
	_, _ = g.Set(ctx, Values{"blob": big})
	assert.Len(t, g.notices.all(), 1)

	// shrinking writes still succeed
	ok, err = g.Set(ctx, Values{"theme": raw(`"x"`)})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGatewayRemoveAndClear(t *testing.T) {
	g := newTestGateway(t, 0)
	ctx := context.Background()
	changes := &changeLog{}
	cancel, err := g.Subscribe(changes.record)
	require.NoError(t, err)
	defer cancel()

	_, err = g.Set(ctx, Values{"a": raw(`1`), "b": raw(`2`)})
	require.NoError(t, err)

	ok, err := g.Remove(ctx, "a", "missing")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Remove(ctx, "missing")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Clear(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Eventually(t, func() bool { return changes.len() == 3 }, time.Second, 5*time.Millisecond)
	batches := changes.all()

	assert.Equal(t, []string{"a", "b"}, keysOfChanges(batches[0]))
	assert.Equal(t, []string{"a"}, keysOfChanges(batches[1]))
	assert.Equal(t, `1`, string(batches[1]["a"].OldValue))
	assert.Nil(t, batches[1]["a"].NewValue)
	assert.Equal(t, []string{"auth", "b", "settings", "workflows"}, keysOfChanges(batches[2]))

	keys, err := g.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	assert.Equal(t, 2, g.audit.count(audit.ActionStorageRemove))
	assert.Equal(t, 1, g.audit.count(audit.ActionStorageClear))
}

func TestGatewayBroadcastOrder(t *testing.T) {
	g := newTestGateway(t, 0)
	ctx := context.Background()
	changes := &changeLog{}
	cancel, err := g.Subscribe(changes.record)
	require.NoError(t, err)
	defer cancel()

	const n = 50
	for i := 0; i < n; i++ {
		_, err := g.Set(ctx, Values{"counter": raw(fmt.Sprint(i))})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return changes.len() == n }, 2*time.Second, 5*time.Millisecond)
	for i, batch := range changes.all() {
		assert.Equal(t, fmt.Sprint(i), string(batch["counter"].NewValue))
	}
}

func TestGatewayConcurrentBatches(t *testing.T) {
	g := newTestGateway(t, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			ok, err := g.Set(ctx, Values{fmt.Sprintf("disjoint-%d", i): raw(fmt.Sprint(i))})
			assert.NoError(t, err)
			assert.True(t, ok)
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := g.Set(ctx, Values{"shared": raw(fmt.Sprintf(`{"writer":%d,"payload":"%s"}`, i, strings.Repeat("z", i)))})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("disjoint-%d", i)
		got, err := g.Get(ctx, Key(key))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), string(got[key]))
	}

	got, err := g.Get(ctx, Key("shared"))
	require.NoError(t, err)
	var shared struct {
		Writer  int    `json:"writer"`
		Payload string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(got["shared"], &shared))
	assert.Equal(t, strings.Repeat("z", shared.Writer), shared.Payload, "value comes whole from one writer")
}

func TestGatewayReadyAndClose(t *testing.T) {
	g := newTestGateway(t, 0)
	ctx := context.Background()

	announced := make(chan Ready, 1)
	remove := g.OnReady(func(r Ready) { announced <- r })
	defer remove()

	select {
	case r := <-announced:
		assert.Equal(t, g.Ready(), r)
		assert.NotEmpty(t, r.InstanceID)
		assert.NotZero(t, r.StartedAt)
	case <-time.After(time.Second):
		t.Fatal("ready not announced")
	}
	assert.True(t, g.InProcess())

	require.NoError(t, g.Close())
	require.NoError(t, g.Close())

	values, err := g.Get(ctx, AllKeys())
	assert.NoError(t, err, "reads degrade instead of failing")
	assert.Empty(t, values)
	ok, err := g.Set(ctx, Values{"a": raw(`1`)})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = g.Subscribe(func(Changes) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestGatewayListenerPanicDoesNotStopDelivery(t *testing.T) {
	g := newTestGateway(t, 0)
	ctx := context.Background()

	cancelPanic, err := g.Subscribe(func(Changes) { panic("boom") })
	require.NoError(t, err)
	defer cancelPanic()
	changes := &changeLog{}
	cancel, err := g.Subscribe(changes.record)
	require.NoError(t, err)
	defer cancel()

	_, err = g.Set(ctx, Values{"a": raw(`1`)})
	require.NoError(t, err)
	_, err = g.Set(ctx, Values{"a": raw(`2`)})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return changes.len() == 2 }, time.Second, 5*time.Millisecond)
}

func TestGatewayContextCancelled(t *testing.T) {
	g := newTestGateway(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	keys, err := g.Keys(ctx)
	assert.NoError(t, err)
	assert.Empty(t, keys)

	has, err := g.Has(ctx, "settings")
	assert.NoError(t, err)
	assert.False(t, has)

	values, err := g.Get(ctx, Key("settings"))
	assert.NoError(t, err)
	assert.Empty(t, values)

	ok, err := g.Set(ctx, Values{"a": raw(`1`)})
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled, "mutations still report why they did not happen")
}

func keysOf(v Values) []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	return keys
}

func keysOfChanges(c Changes) []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
