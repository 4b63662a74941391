package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// sessionLoggerKey is the context key for storing a per-call logger.
type sessionLoggerKey struct{}

// ContextWithSessionLogger returns a new context carrying the call logger.
func ContextWithSessionLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, sessionLoggerKey{}, logger)
}

// SessionLoggerFromContext extracts the call logger from the context, or nil.
func SessionLoggerFromContext(ctx context.Context) *Logger {
	if ctx == nil {
		return nil
	}
	if l, ok := ctx.Value(sessionLoggerKey{}).(*Logger); ok {
		return l
	}
	return nil
}

// LoggerFromContext returns the call logger or the global logger.
func LoggerFromContext(ctx context.Context) *Logger {
	if l := SessionLoggerFromContext(ctx); l != nil {
		return l
	}
	return GetLogger()
}

// CallMetadata is the first JSON line in each call log file.
type CallMetadata struct {
	CallID       string `json:"call_id"`
	SessionID    string `json:"session_id"`
	ConnectionID string `json:"connection_id"`
	Transport    string `json:"transport,omitempty"`
	StartedAt    string `json:"started_at"`
}

// LogEntry is a single JSON log line written after the metadata line.
type LogEntry struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Message   string                 `json:"msg"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`
}

// LogWriter abstracts the destination for call log entries.
type LogWriter interface {
	Write(level LogLevel, msg string, attrs map[string]interface{})
	Close()
}

// SessionLogWriter writes structured log lines to a per-call .jsonl file
// and keeps an .active marker next to it while the call is live.
type SessionLogWriter struct {
	mu     sync.Mutex
	file   *os.File
	logDir string
	callID string
}

// NewSessionLogWriter creates the log directory and call log file,
// writes the metadata first line, and creates the .active marker.
func NewSessionLogWriter(logDir string, meta CallMetadata) (*SessionLogWriter, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage logger: mkdir %q: %w", logDir, err)
	}

	filePath := filepath.Join(logDir, meta.CallID+".jsonl")
	f, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("storage logger: create %q: %w", filePath, err)
	}

	if meta.StartedAt == "" {
		meta.StartedAt = time.Now().UTC().Format(time.RFC3339)
	}
	data, err := sonic.Marshal(meta)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("storage logger: marshal metadata: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage logger: write metadata: %w", err)
	}

	activePath := filepath.Join(logDir, meta.CallID+".active")
	if af, err := os.Create(activePath); err == nil {
		af.Close()
	}

	return &SessionLogWriter{
		file:   f,
		logDir: logDir,
		callID: meta.CallID,
	}, nil
}

// Write appends a structured log line to the call file.
func (w *SessionLogWriter) Write(level LogLevel, msg string, attrs map[string]interface{}) {
	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   msg,
		Attrs:     attrs,
	}
	data, err := sonic.Marshal(entry)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		w.file.Write(append(data, '\n'))
	}
}

// Close closes the log file, then removes the .active marker.
func (w *SessionLogWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	os.Remove(filepath.Join(w.logDir, w.callID+".active"))
}

// NewSessionLogger creates a Logger that tees output to both the base logger
// and the provided LogWriter. Child loggers created via With() inherit this.
func NewSessionLogger(baseLogger *Logger, writer LogWriter) *Logger {
	sink := func(level LogLevel, msg string, attrs map[string]interface{}) {
		if baseLogger.sink != nil && level >= baseLogger.minLevel {
			baseLogger.sink(level, msg, attrs)
		}
		writer.Write(level, msg, attrs)
	}
	l := NewLogger(LevelDebug, sink)
	for k, v := range baseLogger.attrs {
		l.attrs[k] = v
	}
	return l
}
