package core

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

type LogLevel int

const (
	LevelTrace LogLevel = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = map[LogLevel]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
	LevelFatal: "FATAL",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLogLevel maps a config string such as "debug" to a LogLevel.
func ParseLogLevel(s string) (LogLevel, error) {
	for level, name := range levelNames {
		if strings.EqualFold(name, s) {
			return level, nil
		}
	}
	if s == "" {
		return LevelInfo, nil
	}
	return LevelInfo, fmt.Errorf("logger: unknown level %q", s)
}

var loggerInstance atomic.Pointer[Logger]

func init() {
	loggerInstance.Store(NewDevelopmentLogger(LevelInfo))
}

// SetLogger sets the global logger instance
func SetLogger(logger *Logger) {
	loggerInstance.Store(logger)
}

// GetLogger retrieves the global logger instance
func GetLogger() *Logger {
	return loggerInstance.Load()
}

// LogSink receives every record that passes the level filter.
type LogSink func(level LogLevel, msg string, attrs map[string]interface{})

type Logger struct {
	sink     LogSink
	minLevel LogLevel
	attrs    map[string]interface{}
}

func NewLogger(minLevel LogLevel, sink LogSink) *Logger {
	return &Logger{
		sink:     sink,
		minLevel: minLevel,
		attrs:    make(map[string]interface{}),
	}
}

// NewDevelopmentLogger creates a logger with console output:
// "timestamp [LEVEL] msg | k=v k=v".
func NewDevelopmentLogger(minLevel LogLevel) *Logger {
	sink := func(level LogLevel, msg string, attrs map[string]interface{}) {
		line := FormatConsoleLine(time.Now(), level, msg, attrs)
		if level >= LevelError {
			fmt.Fprint(os.Stderr, line)
		} else {
			fmt.Fprint(os.Stdout, line)
		}
	}
	return NewLogger(minLevel, sink)
}

// NewNopLogger discards everything. Useful in tests.
func NewNopLogger() *Logger {
	return NewLogger(LevelFatal+1, nil)
}

// FormatConsoleLine renders one record with attributes sorted by key.
func FormatConsoleLine(ts time.Time, level LogLevel, msg string, attrs map[string]interface{}) string {
	var b strings.Builder
	b.WriteString(ts.Format(time.RFC3339))
	b.WriteString(" [")
	b.WriteString(level.String())
	b.WriteString("] ")
	b.WriteString(msg)
	if len(attrs) > 0 {
		keys := make([]string, 0, len(attrs))
		for k := range attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" |")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, attrs[k])
		}
	}
	b.WriteByte('\n')
	return b.String()
}

func (l *Logger) log(level LogLevel, msg string, args ...interface{}) {
	if l == nil || l.sink == nil || level < l.minLevel {
		return
	}
	if len(args) > 0 {
		// Detect slog-style key-value pairs: even number of args where
		// odd-positioned args (keys) are strings.
		if isKeyValuePairs(args) {
			attrs := make(map[string]interface{}, len(l.attrs)+len(args)/2)
			for k, v := range l.attrs {
				attrs[k] = v
			}
			for i := 0; i < len(args)-1; i += 2 {
				key, _ := args[i].(string)
				attrs[key] = normalizeAttr(args[i+1])
			}
			l.sink(level, msg, attrs)
			return
		}
		msg = fmt.Sprintf(msg, args...)
	}
	l.sink(level, msg, l.attrs)
}

// normalizeAttr turns errors into strings so that every sink renders them.
func normalizeAttr(v interface{}) interface{} {
	if err, ok := v.(error); ok && err != nil {
		return err.Error()
	}
	return v
}

// isKeyValuePairs returns true if args look like slog-style key-value pairs:
// even count and every key (even index) is a string.
func isKeyValuePairs(args []interface{}) bool {
	if len(args)%2 != 0 {
		return false
	}
	for i := 0; i < len(args); i += 2 {
		if _, ok := args[i].(string); !ok {
			return false
		}
	}
	return true
}

func (l *Logger) Trace(msg string, args ...interface{}) { l.log(LevelTrace, msg, args...) }
func (l *Logger) Debug(msg string, args ...interface{}) { l.log(LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...interface{})  { l.log(LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.log(LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...interface{}) { l.log(LevelError, msg, args...) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.log(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.log(LevelError, format, args...) }

// Fatal logs and exits the process.
func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.log(LevelFatal, msg, args...)
	os.Exit(1)
}

func (l *Logger) With(attrs map[string]interface{}) *Logger {
	if l == nil {
		return nil
	}
	combinedAttrs := make(map[string]interface{}, len(l.attrs)+len(attrs))
	for k, v := range l.attrs {
		combinedAttrs[k] = v
	}
	for k, v := range attrs {
		combinedAttrs[k] = normalizeAttr(v)
	}
	return &Logger{
		sink:     l.sink,
		minLevel: l.minLevel,
		attrs:    combinedAttrs,
	}
}

// Level returns the minimum level this logger emits.
func (l *Logger) Level() LogLevel {
	return l.minLevel
}
