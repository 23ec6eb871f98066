package audit

import "fmt"

// SyslogLogger is unavailable on Windows
type SyslogLogger struct{}

func NewSyslogLogger(config *Config) (*SyslogLogger, error) {
	return nil, fmt.Errorf("syslog audit logger is not supported on windows")
}

func (s *SyslogLogger) Log(string, bool, map[string]interface{}) error { return nil }

func (s *SyslogLogger) Query(QueryOptions) (QueryResult, error) { return QueryResult{}, nil }

func (s *SyslogLogger) Close() error { return nil }
