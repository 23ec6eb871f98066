package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Config defines audit logging configuration
type Config struct {
	Enabled  bool                   `json:"enabled" yaml:"enabled"`
	TenantID string                 `json:"tenant_id" yaml:"tenant_id"`
	Type     ConfigType             `json:"type" yaml:"type"`       // "file", "syslog", "sqlite"
	Options  map[string]interface{} `json:"options" yaml:"options"` // Provider-specific options
	LogLevel string                 `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	SQLiteAuditType ConfigType = "sqlite"
	NoOp            ConfigType = ""
)

// Audited actions
const (
	ActionStorageSet        = "storage_set"
	ActionStorageRemove     = "storage_remove"
	ActionStorageClear      = "storage_clear"
	ActionIntegrityMismatch = "integrity_mismatch"
	ActionQuotaExceeded     = "quota_exceeded"
	ActionStoreRecovered    = "store_recovered"
	ActionSecretCreated     = "secret_created"
	ActionGatewayStarted    = "gateway_started"
)

// Metadata keys lifted into dedicated Event fields
const (
	MetaStore = "store"
	MetaKey   = "key"
	MetaError = "error"
)

// Logger interface for pluggable audit implementations
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event represents an audit log event
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	TenantID  string                 `json:"tenant_id"`
	Action    string                 `json:"action"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Store     string                 `json:"store,omitempty"`
	Key       string                 `json:"key,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Source    string                 `json:"source,omitempty"` // hostname, process role
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	TenantID string
	Since    *time.Time
	Until    *time.Time
	Action   string
	Success  *bool // nil = all, true = only success, false = only failures
	Store    string
	Key      string
	Limit    int
	Offset   int
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an appropriate logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case SQLiteAuditType:
		return NewSQLiteLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// newEvent builds an event, moving well-known metadata into typed fields
func newEvent(tenantID, source, action string, success bool, metadata map[string]interface{}) Event {
	event := Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
		Action:    action,
		Success:   success,
		Source:    source,
	}

	if len(metadata) == 0 {
		return event
	}
	rest := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		switch k {
		case MetaStore:
			event.Store = fmt.Sprint(v)
		case MetaKey:
			event.Key = fmt.Sprint(v)
		case MetaError:
			event.Error = fmt.Sprint(v)
		default:
			rest[k] = v
		}
	}
	if len(rest) > 0 {
		event.Metadata = rest
	}
	return event
}

// matchesFilter checks if an event matches the query filters
func matchesFilter(event Event, options QueryOptions) bool {
	if options.TenantID != "" && event.TenantID != options.TenantID {
		return false
	}
	if options.Since != nil && event.Timestamp.Before(*options.Since) {
		return false
	}
	if options.Until != nil && event.Timestamp.After(*options.Until) {
		return false
	}
	if options.Action != "" && event.Action != options.Action {
		return false
	}
	if options.Success != nil && event.Success != *options.Success {
		return false
	}
	if options.Store != "" && event.Store != options.Store {
		return false
	}
	if options.Key != "" && event.Key != options.Key {
		return false
	}
	return true
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	// Convert to JSON and back to parse into struct
	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}

// generateEventID creates a unique event ID
func generateEventID() string {
	return uuid.NewString()
}
