package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)
	assert.IsType(t, &NoOpLogger{}, logger)

	logger, err = NewLogger(&Config{Enabled: false, Type: FileAuditType})
	require.NoError(t, err)
	assert.IsType(t, &NoOpLogger{}, logger)

	_, err = NewLogger(&Config{Enabled: true, Type: "kafka"})
	assert.Error(t, err)

	_, err = NewLogger(&Config{Enabled: true, Type: FileAuditType})
	assert.Error(t, err, "file_path is required")

	logger, err = NewLogger(&Config{
		Enabled: true,
		Type:    SQLiteAuditType,
		Options: map[string]interface{}{"path": ":memory:"},
	})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteLogger{}, logger)
	require.NoError(t, logger.Close())
}

func TestNewEventLiftsMetadata(t *testing.T) {
	e := newEvent("t1", "gateway", ActionStorageSet, false, map[string]interface{}{
		MetaStore: "local",
		MetaKey:   "theme",
		MetaError: "boom",
		"size":    10,
	})
	_, err := uuid.Parse(e.ID)
	assert.NoError(t, err)
	assert.Equal(t, "local", e.Store)
	assert.Equal(t, "theme", e.Key)
	assert.Equal(t, "boom", e.Error)
	assert.Equal(t, map[string]interface{}{"size": 10}, e.Metadata)

	bare := newEvent("t1", "", ActionGatewayStarted, true, nil)
	assert.Nil(t, bare.Metadata)
}

func loggers(t *testing.T) map[string]Logger {
	t.Helper()
	dir := t.TempDir()

	file, err := NewFileLogger(&Config{
		Enabled:  true,
		TenantID: "default",
		Type:     FileAuditType,
		Options:  map[string]interface{}{"file_path": filepath.Join(dir, "audit.log")},
	})
	require.NoError(t, err)

	db, err := NewSQLiteLogger(&Config{
		Enabled:  true,
		TenantID: "default",
		Type:     SQLiteAuditType,
		Options:  map[string]interface{}{"path": filepath.Join(dir, "audit.db")},
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = file.Close()
		_ = db.Close()
	})
	return map[string]Logger{"file": file, "sqlite": db}
}

func TestLogAndQuery(t *testing.T) {
	for name, logger := range loggers(t) {
		t.Run(name, func(t *testing.T) {
			start := time.Now().Add(-time.Second)

			require.NoError(t, logger.Log(ActionStorageSet, true, map[string]interface{}{MetaStore: "local", MetaKey: "theme"}))
			require.NoError(t, logger.Log(ActionStorageSet, true, map[string]interface{}{MetaStore: "sync", MetaKey: "theme"}))
			require.NoError(t, logger.Log(ActionQuotaExceeded, false, map[string]interface{}{MetaStore: "local", "limit": 100}))
			require.NoError(t, logger.Log(ActionIntegrityMismatch, false, map[string]interface{}{MetaStore: "local", MetaKey: "auth"}))

			all, err := logger.Query(QueryOptions{})
			require.NoError(t, err)
			assert.Equal(t, 4, all.TotalCount)
			assert.Len(t, all.Events, 4)
			assert.Equal(t, ActionIntegrityMismatch, all.Events[0].Action, "newest first")

			byStore, err := logger.Query(QueryOptions{Store: "local"})
			require.NoError(t, err)
			assert.Equal(t, 3, byStore.Filtered)

			failed := false
			failures, err := logger.Query(QueryOptions{Success: &failed, Since: &start})
			require.NoError(t, err)
			require.Len(t, failures.Events, 2)
			for _, e := range failures.Events {
				assert.False(t, e.Success)
			}

			byKey, err := logger.Query(QueryOptions{Key: "theme", Action: ActionStorageSet})
			require.NoError(t, err)
			assert.Len(t, byKey.Events, 2)

			quota, err := logger.Query(QueryOptions{Action: ActionQuotaExceeded})
			require.NoError(t, err)
			require.Len(t, quota.Events, 1)
			assert.EqualValues(t, 100, quota.Events[0].Metadata["limit"])

			paged, err := logger.Query(QueryOptions{Limit: 1, Offset: 1})
			require.NoError(t, err)
			require.Len(t, paged.Events, 1)
			assert.True(t, paged.HasMore)
			assert.Equal(t, ActionQuotaExceeded, paged.Events[0].Action)
		})
	}
}

func TestFileLoggerReopensAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewFileLogger(&Config{Enabled: true, Options: map[string]interface{}{"file_path": path}})
	require.NoError(t, err)

	require.NoError(t, logger.Log(ActionGatewayStarted, true, nil))
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Log(ActionGatewayStarted, true, nil))
	require.NoError(t, logger.Close())

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, result.Events, 2)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileLoggerRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewFileLogger(&Config{Enabled: true, Options: map[string]interface{}{
		"file_path":   path,
		"max_size":    1,
		"max_backups": 2,
	}})
	require.NoError(t, err)
	defer logger.Close()

	// pre-size the log past the limit so the next write rotates
	logger.size = 1024 * 1024
	require.NoError(t, logger.Log(ActionStorageClear, true, map[string]interface{}{MetaStore: "local"}))

	assert.FileExists(t, path+".1")
	result, err := logger.Query(QueryOptions{Action: ActionStorageClear})
	require.NoError(t, err)
	assert.Len(t, result.Events, 1)
}

func TestSQLiteLoggerClosed(t *testing.T) {
	logger, err := NewSQLiteLogger(&Config{Enabled: true, Options: map[string]interface{}{"path": ":memory:"}})
	require.NoError(t, err)
	require.NoError(t, logger.Close())

	assert.Error(t, logger.Log(ActionStorageSet, true, nil))
	_, err = logger.Query(QueryOptions{})
	assert.Error(t, err)
	assert.NoError(t, logger.Close())
}
