package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Ensure SQLiteLogger implements Logger interface
var _ Logger = (*SQLiteLogger)(nil)

type SQLiteOptions struct {
	// Path of the database file, or ":memory:"
	Path   string `json:"path"`
	Source string `json:"source,omitempty"`
}

// SQLiteLogger stores events in a SQLite table, which makes filtered and
// paged queries cheap compared to scanning JSONL files
type SQLiteLogger struct {
	db     *sql.DB
	config *Config
	opts   SQLiteOptions
	mu     sync.Mutex
}

// NewSQLiteLogger opens (or creates) the audit database
func NewSQLiteLogger(config *Config) (*SQLiteLogger, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	var opts SQLiteOptions
	if err := parseOptions(config.Options, &opts); err != nil {
		return nil, fmt.Errorf("invalid sqlite logger options: %w", err)
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("path is required for sqlite logger")
	}
	if opts.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create audit database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	// a single connection keeps ":memory:" databases alive and serialises writers
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err = db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id        TEXT PRIMARY KEY,
		ts        INTEGER NOT NULL,
		tenant_id TEXT NOT NULL,
		action    TEXT NOT NULL,
		success   INTEGER NOT NULL,
		error     TEXT,
		store     TEXT,
		key       TEXT,
		source    TEXT,
		metadata  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(ts);
	CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action);
	`
	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteLogger{db: db, config: config, opts: opts}, nil
}

func (s *SQLiteLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	event := newEvent(s.config.TenantID, s.opts.Source, action, success, metadata)

	var meta sql.NullString
	if len(event.Metadata) > 0 {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to serialize audit metadata: %w", err)
		}
		meta = sql.NullString{String: string(data), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("sqlite audit logger is closed")
	}

	_, err := s.db.Exec(`
		INSERT INTO audit_events (id, ts, tenant_id, action, success, error, store, key, source, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Timestamp.UnixNano(), event.TenantID, event.Action, boolToInt(event.Success),
		event.Error, event.Store, event.Key, event.Source, meta)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

func (s *SQLiteLogger) Query(options QueryOptions) (QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return QueryResult{}, fmt.Errorf("sqlite audit logger is closed")
	}

	var where []string
	var args []interface{}
	add := func(clause string, arg interface{}) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if options.TenantID != "" {
		add("tenant_id = ?", options.TenantID)
	}
	if options.Since != nil {
		add("ts >= ?", options.Since.UnixNano())
	}
	if options.Until != nil {
		add("ts <= ?", options.Until.UnixNano())
	}
	if options.Action != "" {
		add("action = ?", options.Action)
	}
	if options.Success != nil {
		add("success = ?", boolToInt(*options.Success))
	}
	if options.Store != "" {
		add("store = ?", options.Store)
	}
	if options.Key != "" {
		add("key = ?", options.Key)
	}
	filter := ""
	if len(where) > 0 {
		filter = " WHERE " + strings.Join(where, " AND ")
	}

	var total, filtered int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_events`).Scan(&total); err != nil {
		return QueryResult{}, fmt.Errorf("failed to count audit events: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_events`+filter, args...).Scan(&filtered); err != nil {
		return QueryResult{}, fmt.Errorf("failed to count audit events: %w", err)
	}

	limit := -1
	if options.Limit > 0 {
		limit = options.Limit
	}
	rows, err := s.db.Query(`
		SELECT id, ts, tenant_id, action, success, error, store, key, source, metadata
		FROM audit_events`+filter+` ORDER BY ts DESC, rowid DESC LIMIT ? OFFSET ?`,
		append(args, limit, options.Offset)...)
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			e                          Event
			ts                         int64
			success                    int
			errMsg, store, key, source sql.NullString
			meta                       sql.NullString
		)
		if err = rows.Scan(&e.ID, &ts, &e.TenantID, &e.Action, &success, &errMsg, &store, &key, &source, &meta); err != nil {
			return QueryResult{}, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		e.Success = success == 1
		e.Error, e.Store, e.Key, e.Source = errMsg.String, store.String, key.String, source.String
		if meta.Valid {
			if err = json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return QueryResult{}, fmt.Errorf("failed to decode audit metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	if err = rows.Err(); err != nil {
		return QueryResult{}, fmt.Errorf("failed to read audit events: %w", err)
	}

	return QueryResult{
		Events:     events,
		TotalCount: total,
		Filtered:   filtered,
		HasMore:    options.Offset+len(events) < filtered,
	}, nil
}

func (s *SQLiteLogger) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
