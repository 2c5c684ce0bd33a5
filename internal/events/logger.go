package events

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nvoss/attachsync/internal/config"
)

// LogLevel represents logging severity.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// Logger provides structured logging for the transfer services.
type Logger struct {
	mu     sync.Mutex
	level  LogLevel
	format string
	color  bool
	output io.Writer
	fields map[string]interface{}
}

// NewLogger creates a logger from config.
func NewLogger(cfg *config.LogConfig) (*Logger, error) {
	level := parseLevel(cfg.Level)

	var output io.Writer = os.Stdout
	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		output = file
	}

	return &Logger{
		level:  level,
		format: cfg.Format,
		color:  cfg.Color && cfg.File == "",
		output: output,
		fields: make(map[string]interface{}),
	}, nil
}

// NewTestLogger creates a logger for testing.
func NewTestLogger(level LogLevel, format string, output io.Writer) *Logger {
	return &Logger{
		level:  level,
		format: format,
		output: output,
		fields: make(map[string]interface{}),
	}
}

// WithField returns a logger with an additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	newFields := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &Logger{
		level:  l.level,
		format: l.format,
		color:  l.color,
		output: l.output,
		fields: newFields,
	}
}

// WithError adds an error field.
func (l *Logger) WithError(err error) *Logger {
	return l.WithField("error", err.Error())
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string) { l.log(DebugLevel, msg) }

// Info logs at info level.
func (l *Logger) Info(msg string) { l.log(InfoLevel, msg) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string) { l.log(WarnLevel, msg) }

// Error logs at error level.
func (l *Logger) Error(msg string) { l.log(ErrorLevel, msg) }

func (l *Logger) log(level LogLevel, msg string) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == "json" {
		l.writeJSON(level, msg)
	} else {
		l.writeText(level, msg)
	}
}

func (l *Logger) writeJSON(level LogLevel, msg string) {
	entry := make(map[string]interface{}, len(l.fields)+3)
	for k, v := range l.fields {
		entry[k] = v
	}
	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = levelString(level)
	entry["msg"] = msg

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.output, `{"level":"error","msg":"marshal log entry: %v"}`+"\n", err)
		return
	}
	data = append(data, '\n')
	_, _ = l.output.Write(data)
}

func (l *Logger) writeText(level LogLevel, msg string) {
	levelStr := strings.ToUpper(levelString(level))

	var levelColor, reset string
	if l.color {
		reset = "\033[0m"
		switch level {
		case DebugLevel:
			levelColor = "\033[36m"
		case InfoLevel:
			levelColor = "\033[32m"
		case WarnLevel:
			levelColor = "\033[33m"
		case ErrorLevel:
			levelColor = "\033[31m"
		}
	}

	// Format: TIME [LEVEL] Message key=value key=value
	fmt.Fprintf(l.output, "%s %s[%s]%s %s",
		time.Now().UTC().Format(time.RFC3339),
		levelColor,
		levelStr,
		reset,
		msg,
	)

	// Sorted fields keep output stable for tests and grepping.
	keys := make([]string, 0, len(l.fields))
	for k := range l.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(l.output, " %s=%v", k, l.fields[k])
	}

	fmt.Fprintln(l.output)
}

func parseLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func levelString(l LogLevel) string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}
