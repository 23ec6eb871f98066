package natsbus

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"southwinds.dev/lockbox"
	"southwinds.dev/lockbox/client"
	"southwinds.dev/lockbox/notify"
)

// natsURL returns NATS_URL, or starts a NATS container for the test
func natsURL(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping NATS integration test in short mode")
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		return url
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("NATS container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate NATS container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

type harness struct {
	url     string
	prefix  string
	gateway *lockbox.Gateway
	server  *Server
}

func newHarness(t *testing.T, quota int64) *harness {
	t.Helper()
	url := natsURL(t)

	options := lockbox.DefaultOptions()
	options.DataDir = t.TempDir()
	options.DisableEnclave = true
	options.Hardened = false
	options.EnableMemoryLock = false
	options.Notifier = notify.Discard
	options.FatalHandler = func(err error) { t.Errorf("unexpected fatal error: %v", err) }
	if quota > 0 {
		options.QuotaBytes = quota
	}
	gateway, err := lockbox.Open(options)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gateway.Close() })

	prefix := "lockboxtest" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	server, err := NewServer(ServerConfig{
		Conn:      connect(t, url),
		Backend:   gateway,
		Store:     gateway.Name(),
		Prefix:    prefix,
		Heartbeat: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Close() })

	return &harness{url: url, prefix: prefix, gateway: gateway, server: server}
}

func connect(t *testing.T, url string) *nats.Conn {
	t.Helper()
	conn, err := nats.Connect(url, nats.Name("lockbox-test"))
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func (h *harness) client(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{Conn: connect(t, h.url), Store: h.gateway.Name(), Prefix: h.prefix})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientServerRoundTrip(t *testing.T) {
	h := newHarness(t, 0)
	c := h.client(t)
	ctx := context.Background()

	ok, err := c.Set(ctx, lockbox.Values{"theme": []byte(`"dark"`), "count": []byte(`3`)})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := c.Get(ctx, lockbox.Key("theme"))
	require.NoError(t, err)
	assert.Equal(t, `"dark"`, string(got["theme"]))

	got, err = c.Get(ctx, lockbox.Key("missing"))
	require.NoError(t, err)
	require.Contains(t, got, "missing")
	assert.Nil(t, got["missing"])

	got, err = c.Get(ctx, lockbox.WithDefaults(lockbox.Values{"missing": []byte(`false`), "count": []byte(`0`)}))
	require.NoError(t, err)
	assert.Equal(t, `false`, string(got["missing"]))
	assert.Equal(t, `3`, string(got["count"]))

	has, err := c.Has(ctx, "count")
	require.NoError(t, err)
	assert.True(t, has)

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"auth", "count", "settings", "theme", "workflows"}, keys)

	ok, err = c.Remove(ctx, "count")
	require.NoError(t, err)
	assert.True(t, ok)
	has, err = c.Has(ctx, "count")
	require.NoError(t, err)
	assert.False(t, has)

	ok, err = c.Clear(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	keys, err = c.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = c.Set(ctx, lockbox.Values{"bad": []byte(`{`)})
	assert.Error(t, err)
}

func TestCachesStayCoherentAcrossProcesses(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	writer, err := client.New(client.Config{Backend: h.client(t)})
	require.NoError(t, err)
	defer writer.Close()
	reader, err := client.New(client.Config{Backend: h.client(t)})
	require.NoError(t, err)
	defer reader.Close()

	_, err = reader.Get(ctx, lockbox.AllKeys())
	require.NoError(t, err)
	require.True(t, reader.Hydrated())

	var pushed atomic.Int32
	remove, err := reader.OnChanged(func(lockbox.Changes) { pushed.Add(1) })
	require.NoError(t, err)
	defer remove()

	require.NoError(t, writer.Set(ctx, lockbox.Values{"theme": []byte(`"dark"`)}))

	require.Eventually(t, func() bool { return pushed.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, reader.Hydrated())
	got, err := reader.Get(ctx, lockbox.Key("theme"))
	require.NoError(t, err)
	assert.Equal(t, `"dark"`, string(got["theme"]))
}

func TestReadyHeartbeat(t *testing.T) {
	h := newHarness(t, 0)
	c := h.client(t)

	var seen atomic.Int64
	remove := c.OnReady(func(r lockbox.Ready) { seen.Store(r.StartedAt) })
	defer remove()

	want := h.gateway.Ready().StartedAt
	assert.Eventually(t, func() bool { return seen.Load() == want }, 5*time.Second, 10*time.Millisecond)
}

func TestQuotaRejectionCrossesBoundary(t *testing.T) {
	h := newHarness(t, 4096)
	c := h.client(t)
	ctx := context.Background()

	var events atomic.Int32
	remove, err := c.OnQuotaExceeded(func(e lockbox.QuotaEvent) {
		if e.Limit == 4096 && e.ProposedSize > e.Limit {
			events.Add(1)
		}
	})
	require.NoError(t, err)
	defer remove()

	ok, err := c.Set(ctx, lockbox.Values{"blob": []byte(`"` + strings.Repeat("x", 8192) + `"`)})
	assert.False(t, ok)
	assert.ErrorIs(t, err, lockbox.ErrQuotaExceeded)

	has, err := c.Has(ctx, "blob")
	require.NoError(t, err)
	assert.False(t, has)
	assert.Eventually(t, func() bool { return events.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestClientWithoutServerTimesOut(t *testing.T) {
	url := natsURL(t)
	c, err := NewClient(ClientConfig{Conn: connect(t, url), Store: "nobody", Prefix: "lockboxabsent", Timeout: 100 * time.Millisecond})
	require.NoError(t, err)

	_, err = c.Has(context.Background(), "a")
	assert.Error(t, err)

	require.NoError(t, c.Close())
	_, err = c.Keys(context.Background())
	assert.ErrorIs(t, err, lockbox.ErrClosed)
}
