package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileLogger appends events as JSON lines and keeps recent events in memory
type FileLogger struct {
	file       *os.File
	size       int64
	mu         sync.RWMutex
	config     *Config
	eventCache []Event // Recent events cache for faster queries
	cacheSize  int
	fileOpts   FileOptions
}

type FileOptions struct {
	FilePath   string `json:"file_path"`
	MaxSize    int    `json:"max_size,omitempty"`    // Max size in MB before rotation
	MaxBackups int    `json:"max_backups,omitempty"` // Max rotated files kept
	Source     string `json:"source,omitempty"`
}

// NewFileLogger creates a new file-based audit logger
func NewFileLogger(config *Config) (*FileLogger, error) {
	var fileOpts FileOptions
	if err := parseOptions(config.Options, &fileOpts); err != nil {
		return nil, fmt.Errorf("invalid file logger options: %w", err)
	}

	if fileOpts.FilePath == "" {
		return nil, fmt.Errorf("file_path is required for file logger")
	}
	if fileOpts.MaxSize == 0 {
		fileOpts.MaxSize = 100 // 100MB default
	}
	if fileOpts.MaxBackups == 0 {
		fileOpts.MaxBackups = 5
	}

	if err := os.MkdirAll(filepath.Dir(fileOpts.FilePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	logger := &FileLogger{
		config:     config,
		fileOpts:   fileOpts,
		eventCache: make([]Event, 0),
		cacheSize:  1000,
	}
	if err := logger.ensureFileOpen(); err != nil {
		return nil, err
	}

	return logger, nil
}

// Log implements the Logger interface
func (fl *FileLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	return fl.writeEvent(newEvent(fl.config.TenantID, fl.fileOpts.Source, action, success, metadata))
}

// writeEvent writes an event to the log file in JSONL format and updates cache
func (fl *FileLogger) writeEvent(event Event) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if err := fl.ensureFileOpen(); err != nil {
		return err
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize audit event: %w", err)
	}
	line := append(eventJSON, '\n')

	if fl.size > 0 && fl.size+int64(len(line)) > int64(fl.fileOpts.MaxSize)*1024*1024 {
		if err = fl.rotate(); err != nil {
			return err
		}
	}

	n, err := fl.file.Write(line)
	fl.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}

	if err = fl.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}

	fl.updateCache(event)

	return nil
}

// rotate shifts audit.log.N to audit.log.N+1, dropping the oldest, and starts
// a fresh file. Caller holds the write lock.
func (fl *FileLogger) rotate() error {
	path := fl.fileOpts.FilePath
	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log: %w", err)
	}
	fl.file = nil

	_ = os.Remove(fmt.Sprintf("%s.%d", path, fl.fileOpts.MaxBackups))
	for i := fl.fileOpts.MaxBackups - 1; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", path, i), fmt.Sprintf("%s.%d", path, i+1))
	}
	if err := os.Rename(path, path+".1"); err != nil {
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}
	return fl.ensureFileOpen()
}

// updateCache adds event to cache and maintains size limit
func (fl *FileLogger) updateCache(event Event) {
	fl.eventCache = append(fl.eventCache, event)

	if len(fl.eventCache) > fl.cacheSize {
		// Remove oldest events, keep newest
		fl.eventCache = fl.eventCache[len(fl.eventCache)-fl.cacheSize:]
	}
}

// Query implements the Logger interface
func (fl *FileLogger) Query(options QueryOptions) (QueryResult, error) {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	if fl.canUseCacheForQuery(options) {
		return fl.queryFromCache(options), nil
	}

	return fl.queryFromFile(options)
}

// canUseCacheForQuery determines if the cache can satisfy the query
func (fl *FileLogger) canUseCacheForQuery(options QueryOptions) bool {
	if len(fl.eventCache) == 0 || options.Offset > 0 {
		return false
	}

	// without a lower bound the cache might not have all data
	if options.Since == nil {
		return false
	}

	oldestCached := fl.eventCache[0].Timestamp
	return !options.Since.Before(oldestCached)
}

// queryFromCache queries events from the in-memory cache
func (fl *FileLogger) queryFromCache(options QueryOptions) QueryResult {
	var filtered []Event

	for _, event := range fl.eventCache {
		if matchesFilter(event, options) {
			filtered = append(filtered, event)
		}
	}

	sortNewestFirst(filtered)
	matched := len(filtered)

	if options.Limit > 0 && len(filtered) > options.Limit {
		filtered = filtered[:options.Limit]
	}

	return QueryResult{
		Events:     filtered,
		TotalCount: len(fl.eventCache),
		Filtered:   matched,
		HasMore:    len(filtered) < matched,
	}
}

// queryFromFile queries events from the audit log and its rotated files
func (fl *FileLogger) queryFromFile(options QueryOptions) (QueryResult, error) {
	files := fl.getAuditLogFiles()

	var allEvents []Event
	totalCount := 0

	for _, filePath := range files {
		events, count, err := readEventsFromFile(filePath, options)
		if err != nil {
			return QueryResult{}, fmt.Errorf("failed to read events from %s: %w", filePath, err)
		}
		allEvents = append(allEvents, events...)
		totalCount += count
	}

	sortNewestFirst(allEvents)

	return QueryResult{
		Events:     page(allEvents, options),
		TotalCount: totalCount,
		Filtered:   len(allEvents),
		HasMore:    options.Limit > 0 && options.Offset+options.Limit < len(allEvents),
	}, nil
}

// getAuditLogFiles returns the current log file followed by rotated ones
func (fl *FileLogger) getAuditLogFiles() []string {
	path := fl.fileOpts.FilePath
	files := []string{path}

	matches, err := filepath.Glob(path + ".*")
	if err != nil {
		return files
	}
	sort.Strings(matches)
	for _, match := range matches {
		if match != path {
			files = append(files, match)
		}
	}

	return files
}

// readEventsFromFile reads and filters events from a specific file
func readEventsFromFile(filePath string, options QueryOptions) ([]Event, int, error) {
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to open audit log file: %w", err)
	}
	defer file.Close()

	var events []Event
	totalCount := 0

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		totalCount++

		var event Event
		if err = json.Unmarshal([]byte(line), &event); err != nil {
			// skip lines that are not events
			continue
		}

		if matchesFilter(event, options) {
			events = append(events, event)
		}
	}

	if err = scanner.Err(); err != nil {
		return events, totalCount, fmt.Errorf("error reading audit log file: %w", err)
	}

	return events, totalCount, nil
}

// Close implements the Logger interface
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file != nil {
		err := fl.file.Close()
		fl.file = nil
		return err
	}
	return nil
}

// ensureFileOpen reopens the log after Close so a logger can be shared
// across gateway restarts in one process
func (fl *FileLogger) ensureFileOpen() error {
	if fl.file != nil {
		return nil
	}
	file, err := os.OpenFile(fl.fileOpts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat audit log file: %w", err)
	}
	fl.file = file
	fl.size = info.Size()
	return nil
}

func sortNewestFirst(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
}

// page applies offset and limit
func page(events []Event, options QueryOptions) []Event {
	start := options.Offset
	if start > len(events) {
		start = len(events)
	}
	end := len(events)
	if options.Limit > 0 && start+options.Limit < end {
		end = start + options.Limit
	}
	return events[start:end]
}
