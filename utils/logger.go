package utils

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel maps a config value such as "debug" or "WARN" to a level.
// Unknown values fall back to INFO.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// Logger is a leveled logger that can carry structured fields
type Logger struct {
	out    *log.Logger
	mu     *sync.RWMutex
	level  *LogLevel
	fields map[string]interface{}
}

// NewLogger creates a new logger writing to stdout
func NewLogger(level LogLevel) *Logger {
	return &Logger{
		out:    log.New(os.Stdout, "", 0),
		mu:     &sync.RWMutex{},
		level:  &level,
		fields: map[string]interface{}{},
	}
}

// SetOutput redirects the logger (and every logger derived from it)
func (l *Logger) SetOutput(w io.Writer) {
	l.out.SetOutput(w)
}

// SetLevel changes the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	*l.level = level
	l.mu.Unlock()
}

func (l *Logger) enabled(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= *l.level
}

func (l *Logger) format(level LogLevel, format string, v ...interface{}) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(time.Now().Format("2006-01-02 15:04:05"))
	b.WriteString("] [")
	b.WriteString(level.String())
	b.WriteString("] ")
	b.WriteString(fmt.Sprintf(format, v...))

	if len(l.fields) > 0 {
		keys := make([]string, 0, len(l.fields))
		for k := range l.fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, l.fields[k])
		}
		b.WriteString("]")
	}
	return b.String()
}

func (l *Logger) emit(level LogLevel, format string, v ...interface{}) {
	if l.enabled(level) {
		l.out.Println(l.format(level, format, v...))
	}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, v ...interface{}) { l.emit(DEBUG, format, v...) }

// Info logs an info message
func (l *Logger) Info(format string, v ...interface{}) { l.emit(INFO, format, v...) }

// Warn logs a warning message
func (l *Logger) Warn(format string, v ...interface{}) { l.emit(WARN, format, v...) }

// Error logs an error message
func (l *Logger) Error(format string, v ...interface{}) { l.emit(ERROR, format, v...) }

// WithFields returns a child logger carrying the given fields in addition to
// the parent's. Level and output stay shared with the parent.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	child := &Logger{
		out:    l.out,
		mu:     l.mu,
		level:  l.level,
		fields: make(map[string]interface{}, len(l.fields)+len(fields)),
	}
	for k, v := range l.fields {
		child.fields[k] = v
	}
	for k, v := range fields {
		child.fields[k] = v
	}
	return child
}

// WithField returns a child logger with a single field added
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

// Log is the process-wide logger
var Log = NewLogger(INFO)
