// Package logging provides the hub's file loggers: HTTP access log,
// leveled server log, and the scheduler decision log. Each logger owns
// one file and rotates by size.
package logging

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Manager manages all log types
type Manager struct {
	logDir    string
	maxSize   int64
	access    *AccessLogger
	server    *ServerLogger
	scheduler *ServerLogger
}

// NewManager creates a logging manager rooted at logDir
func NewManager(logDir string, maxSize int64) *Manager {
	if logDir == "" {
		logDir = "/data/logs/buildhub"
	}
	if maxSize <= 0 {
		maxSize = 50 * 1024 * 1024
	}
	os.MkdirAll(logDir, 0755)

	return &Manager{
		logDir:    logDir,
		maxSize:   maxSize,
		access:    NewAccessLogger(filepath.Join(logDir, "access.log"), maxSize),
		server:    NewServerLogger(filepath.Join(logDir, "server.log"), maxSize),
		scheduler: NewServerLogger(filepath.Join(logDir, "scheduler.log"), maxSize),
	}
}

// Access returns the HTTP access logger
func (m *Manager) Access() *AccessLogger {
	return m.access
}

// Server returns the leveled server logger
func (m *Manager) Server() *ServerLogger {
	return m.server
}

// Scheduler returns the scheduler decision logger
func (m *Manager) Scheduler() *ServerLogger {
	return m.scheduler
}

// RotateAll rotates every log file
func (m *Manager) RotateAll() error {
	var firstErr error
	for _, r := range []interface{ Rotate() error }{m.access, m.server, m.scheduler} {
		if err := r.Rotate(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes all loggers
func (m *Manager) Close() error {
	var firstErr error
	for _, c := range []interface{ Close() error }{m.access, m.server, m.scheduler} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// logFile is the shared append-and-rotate mechanism
type logFile struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	file    *os.File
	written int64
}

func newLogFile(path string, maxSize int64) *logFile {
	l := &logFile{path: path, maxSize: maxSize}
	l.open()
	return l
}

func (l *logFile) open() error {
	if l.path == "" {
		return nil
	}
	os.MkdirAll(filepath.Dir(l.path), 0755)

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if info, err := file.Stat(); err == nil {
		l.written = info.Size()
	}
	l.file = file
	return nil
}

// writeLine appends one line, rotating first when the file is full
func (l *logFile) writeLine(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	if l.maxSize > 0 && l.written+int64(len(line))+1 > l.maxSize {
		l.rotate()
	}
	n, _ := l.file.WriteString(line + "\n")
	l.written += int64(n)
}

func (l *logFile) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotate()
}

func (l *logFile) rotate() error {
	if l.file == nil {
		return nil
	}
	l.file.Close()

	rotatedPath := fmt.Sprintf("%s.%s", l.path, time.Now().Format("20060102"))
	if _, err := os.Stat(rotatedPath); err == nil {
		rotatedPath = fmt.Sprintf("%s.%s", l.path, time.Now().Format("20060102-150405"))
	}
	os.Rename(l.path, rotatedPath)
	l.written = 0
	return l.open()
}

func (l *logFile) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// AccessLogger writes the HTTP access log in combined format
type AccessLogger struct {
	*logFile
}

// NewAccessLogger creates a new access logger
func NewAccessLogger(path string, maxSize int64) *AccessLogger {
	return &AccessLogger{logFile: newLogFile(path, maxSize)}
}

// LogRequest writes one combined-format line for a completed request
func (l *AccessLogger) LogRequest(r *http.Request, status int, size int64, latency time.Duration, requestID string) {
	ip := clientIP(r)
	referer := r.Referer()
	if referer == "" {
		referer = "-"
	}
	line := fmt.Sprintf("%s - - [%s] \"%s %s %s\" %d %d \"%s\" \"%s\" %.3f %s",
		ip,
		time.Now().Format("02/Jan/2006:15:04:05 -0700"),
		r.Method,
		r.URL.RequestURI(),
		r.Proto,
		status,
		size,
		referer,
		r.UserAgent(),
		float64(latency.Microseconds())/1000.0,
		requestID,
	)
	l.writeLine(line)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.Index(xff, ","); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

// LogLevel for the server log
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	}
	return "INFO"
}

// ParseLogLevel parses a level name, defaulting to info
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}

// ServerLogger writes leveled JSON entries with ULID entry ids
type ServerLogger struct {
	*logFile
	levelMu sync.RWMutex
	level   LogLevel
	entropy *ulid.MonotonicEntropy
}

// ServerEntry is one server log record
type ServerEntry struct {
	ID        string                 `json:"id"`
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// NewServerLogger creates a new leveled logger
func NewServerLogger(path string, maxSize int64) *ServerLogger {
	return &ServerLogger{
		logFile: newLogFile(path, maxSize),
		level:   LevelInfo,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// SetLevel sets the minimum level written
func (l *ServerLogger) SetLevel(level LogLevel) {
	l.levelMu.Lock()
	l.level = level
	l.levelMu.Unlock()
}

func (l *ServerLogger) log(level LogLevel, msg string, fields map[string]interface{}) {
	l.levelMu.RLock()
	min := l.level
	l.levelMu.RUnlock()
	if level < min {
		return
	}

	now := time.Now()
	entry := ServerEntry{
		ID:        ulid.MustNew(ulid.Timestamp(now), l.entropy).String(),
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   msg,
		Fields:    fields,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.writeLine(string(data))
}

func (l *ServerLogger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, first(fields))
}

func (l *ServerLogger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, first(fields))
}

func (l *ServerLogger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, first(fields))
}

func (l *ServerLogger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, first(fields))
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}
