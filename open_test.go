package lockbox

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/lockbox/audit"
	"southwinds.dev/lockbox/notify"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	options := DefaultOptions()
	options.DataDir = t.TempDir()
	options.DisableEnclave = true
	options.Hardened = false
	options.EnableMemoryLock = false
	options.Notifier = notify.Discard
	options.FatalHandler = func(err error) { t.Fatalf("unexpected fatal error: %v", err) }
	return options
}

func TestOpenEndToEnd(t *testing.T) {
	options := testOptions(t)
	options.Audit = &audit.Config{
		Enabled: true,
		Type:    audit.FileAuditType,
		Options: map[string]interface{}{"file_path": filepath.Join(options.DataDir, "audit.log")},
	}
	ctx := context.Background()

	g, err := Open(options)
	require.NoError(t, err)

	got, err := g.Get(ctx, Key("settings"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"theme":"dark","language":"en"}`, string(got["settings"]))

	ok, err := g.Set(ctx, Values{"theme": raw(`"light"`)})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, g.Close())

	assert.FileExists(t, filepath.Join(options.DataDir, "keys", "encryption.key"))
	assert.FileExists(t, filepath.Join(options.DataDir, "keys", "integrity.key"))
	assert.FileExists(t, filepath.Join(options.DataDir, "stores", "local.lockbox"))

	reopened, err := Open(options)
	require.NoError(t, err)
	defer reopened.Close()

	got, err = reopened.Get(ctx, Key("theme"))
	require.NoError(t, err)
	assert.Equal(t, `"light"`, string(got["theme"]))

	logger, err := audit.NewFileLogger(options.Audit)
	require.NoError(t, err)
	defer logger.Close()
	since := time.Now().Add(-time.Minute)
	started, err := logger.Query(audit.QueryOptions{Action: audit.ActionGatewayStarted, Since: &since})
	require.NoError(t, err)
	assert.Len(t, started.Events, 2)
	created, err := logger.Query(audit.QueryOptions{Action: audit.ActionSecretCreated})
	require.NoError(t, err)
	assert.Len(t, created.Events, 2)
}

func TestOpenRecoversCorruptedStore(t *testing.T) {
	options := testOptions(t)
	notices := &noticeLog{}
	options.Notifier = notices
	ctx := context.Background()

	g, err := Open(options)
	require.NoError(t, err)
	_, err = g.Set(ctx, Values{"theme": raw(`"light"`)})
	require.NoError(t, err)
	require.NoError(t, g.Close())

	path := filepath.Join(options.DataDir, "stores", "local.lockbox")
	require.NoError(t, os.WriteFile(path, []byte("{ truncated"), 0600))

	g, err = Open(options)
	require.NoError(t, err)
	defer g.Close()

	all, err := g.Get(ctx, AllKeys())
	require.NoError(t, err)
	assert.Equal(t, []string{"auth", "settings", "workflows"}, keysOfSorted(all))

	backup, err := os.ReadFile(path + ".corrupted")
	require.NoError(t, err)
	assert.Equal(t, "{ truncated", string(backup))
	assert.NoFileExists(t, path)
	require.Len(t, notices.all(), 1)
}

func TestOpenHardenedWithoutEnclave(t *testing.T) {
	options := testOptions(t)
	options.Hardened = true
	var fatal error
	options.FatalHandler = func(err error) { fatal = err }

	g, err := Open(options)
	assert.Nil(t, g)
	assert.ErrorIs(t, err, ErrSecretUnavailable)
	assert.ErrorIs(t, fatal, ErrSecretUnavailable)
}

func TestValidateOptions(t *testing.T) {
	valid := DefaultOptions()
	valid.DataDir = "/tmp/lockbox"

	tests := []struct {
		name    string
		mutate  func(o *Options)
		wantErr bool
	}{
		{"defaults", func(o *Options) {}, false},
		{"no data dir", func(o *Options) { o.DataDir = "" }, true},
		{"no store name", func(o *Options) { o.StoreName = "" }, true},
		{"path in store name", func(o *Options) { o.StoreName = "../etc" }, true},
		{"zero quota", func(o *Options) { o.QuotaBytes = 0 }, true},
		{"negative notice interval", func(o *Options) { o.QuotaNoticeInterval = -time.Second }, true},
		{"no enclave service", func(o *Options) { o.EnclaveService = "" }, true},
		{"no enclave service when disabled", func(o *Options) { o.EnclaveService = ""; o.DisableEnclave = true }, false},
		{"invalid default", func(o *Options) { o.Defaults = Values{"a": raw(`{`)} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := valid
			tt.mutate(&o)
			err := validateOptions(o)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func keysOfSorted(v Values) []string {
	keys := keysOf(v)
	sort.Strings(keys)
	return keys
}
