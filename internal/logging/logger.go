package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
	LevelFatal LogLevel = "FATAL"
)

var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

// ParseLevel converts a config string into a LogLevel, defaulting to INFO
func ParseLevel(s string) LogLevel {
	switch LogLevel(s) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal:
		return LogLevel(s)
	}
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp   time.Time              `json:"timestamp"`
	Level       LogLevel               `json:"level"`
	Component   string                 `json:"component"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	NodeID      string                 `json:"node_id,omitempty"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// Options configures a Logger
type Options struct {
	// Dir enables the JSON-lines file sink when non-empty
	Dir      string
	Level    LogLevel
	Console  bool
	Output   io.Writer // console destination, defaults to stdout
	Redis    *redis.Client
	MaxSize  int64
	MaxAge   time.Duration
	NoRotate bool
}

// Logger manages structured logging
type Logger struct {
	mu          sync.RWMutex
	redisClient *redis.Client
	logFile     *os.File
	logDir      string
	maxSize     int64
	maxAge      time.Duration
	console     bool
	output      io.Writer
	level       LogLevel
	done        chan struct{}
}

// NewLogger creates a new logger instance
func NewLogger(opts Options) (*Logger, error) {
	logger := &Logger{
		redisClient: opts.Redis,
		logDir:      opts.Dir,
		maxSize:     opts.MaxSize,
		maxAge:      opts.MaxAge,
		console:     opts.Console,
		output:      opts.Output,
		level:       opts.Level,
		done:        make(chan struct{}),
	}
	if logger.maxSize <= 0 {
		logger.maxSize = 100 * 1024 * 1024 // 100MB
	}
	if logger.maxAge <= 0 {
		logger.maxAge = 7 * 24 * time.Hour
	}
	if logger.output == nil {
		logger.output = os.Stdout
	}
	if logger.level == "" {
		logger.level = LevelInfo
	}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		logFile, err := openLogFile(filepath.Join(opts.Dir, "flowplan.log"))
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.logFile = logFile

		if !opts.NoRotate {
			go logger.rotateLoop()
		}
	}

	return logger, nil
}

// Close closes the logger
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case <-l.done:
	default:
		close(l.done)
	}
	if l.logFile != nil {
		err := l.logFile.Close()
		l.logFile = nil
		return err
	}
	return nil
}

// Enabled reports whether entries at level would be written
func (l *Logger) Enabled(level LogLevel) bool {
	return levelRank[level] >= levelRank[l.level]
}

// Log writes a log entry
func (l *Logger) Log(entry LogEntry) {
	if !l.Enabled(entry.Level) {
		return
	}
	entry.Timestamp = time.Now()

	l.writeToFile(entry)

	if l.redisClient != nil {
		l.writeToRedis(entry)
	}

	if l.console {
		l.writeToConsole(entry)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(component, message string, details map[string]interface{}) {
	l.Log(newEntry(LevelDebug, component, message, details))
}

// Info logs an info message
func (l *Logger) Info(component, message string, details map[string]interface{}) {
	l.Log(newEntry(LevelInfo, component, message, details))
}

// Warn logs a warning message
func (l *Logger) Warn(component, message string, details map[string]interface{}) {
	l.Log(newEntry(LevelWarn, component, message, details))
}

// Error logs an error message
func (l *Logger) Error(component, message string, details map[string]interface{}) {
	l.Log(newEntry(LevelError, component, message, details))
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(component, message string, details map[string]interface{}) {
	l.Log(newEntry(LevelFatal, component, message, details))
	os.Exit(1)
}

// newEntry lifts execution_id and node_id out of details so they can be filtered on
func newEntry(level LogLevel, component, message string, details map[string]interface{}) LogEntry {
	entry := LogEntry{
		Level:     level,
		Component: component,
		Message:   message,
		Details:   details,
	}
	if id, ok := details["execution_id"].(string); ok {
		entry.ExecutionID = id
	}
	if id, ok := details["node_id"].(string); ok {
		entry.NodeID = id
	}
	return entry
}

// GetLogs retrieves logs from Redis
func (l *Logger) GetLogs(ctx context.Context, filter LogFilter) ([]LogEntry, error) {
	if l.redisClient == nil {
		return nil, fmt.Errorf("log storage is not configured")
	}

	endTime := time.Now()
	startTime := endTime.Add(-filter.Duration)

	results, err := l.redisClient.ZRangeByScore(ctx, "logs:entries", &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", startTime.Unix()),
		Max: fmt.Sprintf("%d", endTime.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}

	logs := make([]LogEntry, 0, len(results))
	for _, result := range results {
		var entry LogEntry
		if err := json.Unmarshal([]byte(result), &entry); err != nil {
			continue
		}

		if filter.Level != "" && entry.Level != filter.Level {
			continue
		}
		if filter.Component != "" && entry.Component != filter.Component {
			continue
		}
		if filter.ExecutionID != "" && entry.ExecutionID != filter.ExecutionID {
			continue
		}

		logs = append(logs, entry)
	}

	if filter.Limit > 0 && len(logs) > filter.Limit {
		logs = logs[len(logs)-filter.Limit:]
	}

	return logs, nil
}

// LogFilter defines filters for log queries
type LogFilter struct {
	Duration    time.Duration
	Level       LogLevel
	Component   string
	ExecutionID string
	Limit       int
}

func (l *Logger) writeToFile(entry LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logFile == nil {
		return
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	l.logFile.Write(append(data, '\n'))
}

func (l *Logger) writeToRedis(entry LogEntry) {
	ctx := context.Background()
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	// Sorted set for time-based queries
	key := "logs:entries"
	l.redisClient.ZAdd(ctx, key, &redis.Z{
		Score:  float64(entry.Timestamp.Unix()),
		Member: string(data),
	})

	// Keep 7 days
	cutoff := time.Now().Add(-7 * 24 * time.Hour).Unix()
	l.redisClient.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff))
}

func (l *Logger) writeToConsole(entry LogEntry) {
	colors := map[LogLevel]string{
		LevelDebug: "\033[36m", // Cyan
		LevelInfo:  "\033[32m", // Green
		LevelWarn:  "\033[33m", // Yellow
		LevelError: "\033[31m", // Red
		LevelFatal: "\033[35m", // Magenta
	}

	reset := "\033[0m"
	color := colors[entry.Level]

	l.mu.Lock()
	defer l.mu.Unlock()

	// Format: [TIMESTAMP] [LEVEL] [COMPONENT] Message key=value...
	line := fmt.Sprintf("%s[%s] [%s] [%s]%s %s",
		color,
		entry.Timestamp.Format("15:04:05"),
		entry.Level,
		entry.Component,
		reset,
		entry.Message,
	)
	if len(entry.Details) > 0 {
		if data, err := json.Marshal(entry.Details); err == nil {
			line += " " + string(data)
		}
	}
	fmt.Fprintln(l.output, line)
}

func (l *Logger) rotateLoop() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.rotate()
		case <-l.done:
			return
		}
	}
}

func (l *Logger) rotate() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logFile == nil {
		return
	}

	info, _ := l.logFile.Stat()
	if info != nil && info.Size() > l.maxSize {
		l.rotateFile("flowplan.log")
	}

	l.cleanupOldFiles()
}

func (l *Logger) rotateFile(basename string) {
	l.logFile.Close()

	// Rename to timestamped file
	oldPath := filepath.Join(l.logDir, basename)
	newPath := filepath.Join(l.logDir, fmt.Sprintf("%s.%s", basename, time.Now().Format("20060102-150405")))
	os.Rename(oldPath, newPath)

	newFile, err := openLogFile(oldPath)
	if err != nil {
		log.Printf("Failed to open new log file: %v", err)
		l.logFile = nil
		return
	}
	l.logFile = newFile
}

func (l *Logger) cleanupOldFiles() {
	files, err := os.ReadDir(l.logDir)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-l.maxAge)

	for _, file := range files {
		if file.IsDir() {
			continue
		}

		info, err := file.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(l.logDir, file.Name()))
		}
	}
}

func openLogFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// Global logger instance
var (
	globalMu     sync.RWMutex
	globalLogger *Logger
)

// SetGlobalLogger sets the global logger instance
func SetGlobalLogger(logger *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

// GetGlobalLogger returns the global logger, or nil when none is set
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Debug logs a debug message using the global logger
func Debug(component, message string, details map[string]interface{}) {
	if l := GetGlobalLogger(); l != nil {
		l.Debug(component, message, details)
	}
}

// Info logs an info message using the global logger
func Info(component, message string, details map[string]interface{}) {
	if l := GetGlobalLogger(); l != nil {
		l.Info(component, message, details)
	}
}

// Warn logs a warning message using the global logger
func Warn(component, message string, details map[string]interface{}) {
	if l := GetGlobalLogger(); l != nil {
		l.Warn(component, message, details)
	}
}

// Error logs an error message using the global logger
func Error(component, message string, details map[string]interface{}) {
	if l := GetGlobalLogger(); l != nil {
		l.Error(component, message, details)
	}
}
