// Package logger provides leveled, structured logging with daily and
// size based file rotation.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shepherd-project/evolver/internal/config"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

const dateLayout = "2006-01-02"

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
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

// Logger is the main logger structure
type Logger struct {
	mu          sync.Mutex
	level       LogLevel
	formatJSON  bool
	outputs     []io.Writer
	fileWriter  *os.File
	logDir      string
	maxSize     int64 // MB
	maxBackups  int
	maxAge      int // days
	currentSize int64
	currentDate string
	mode        string // serve, cli, test
	now         func() time.Time
	done        chan struct{}
	closeOnce   sync.Once
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// InitLogger initializes the global logger with the given configuration
func InitLogger(cfg *config.LogConfig, mode string) error {
	l, err := NewLogger(cfg, mode)
	if err != nil {
		return err
	}
	defaultMu.Lock()
	old := defaultLogger
	defaultLogger = l
	defaultMu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// NewLogger creates a new logger instance
func NewLogger(cfg *config.LogConfig, mode string) (*Logger, error) {
	l := &Logger{
		level:       parseLevel(cfg.Level),
		formatJSON:  strings.EqualFold(cfg.Format, "json"),
		logDir:      cfg.Directory,
		maxSize:     int64(cfg.MaxSize),
		maxBackups:  cfg.MaxBackups,
		maxAge:      cfg.MaxAge,
		currentDate: time.Now().Format(dateLayout),
		mode:        mode,
		now:         time.Now,
		done:        make(chan struct{}),
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		if err := l.setupFileWriter(); err != nil {
			return nil, err
		}
	case "both":
		l.outputs = append(l.outputs, os.Stdout)
		if err := l.setupFileWriter(); err != nil {
			return nil, err
		}
	default:
		l.outputs = append(l.outputs, os.Stdout)
	}

	return l, nil
}

// New returns a logger writing to w only. Used by tests and embedders.
func New(w io.Writer, level string, formatJSON bool) *Logger {
	return &Logger{
		level:      parseLevel(level),
		formatJSON: formatJSON,
		outputs:    []io.Writer{w},
		now:        time.Now,
		done:       make(chan struct{}),
	}
}

// FileName is the active log file name for mode on date (YYYY-MM-DD).
func FileName(mode, date string) string {
	return fmt.Sprintf("evolver-%s-%s.log", mode, date)
}

func (l *Logger) currentPath() string {
	return filepath.Join(l.logDir, FileName(l.mode, l.currentDate))
}

func (l *Logger) setupFileWriter() error {
	if l.logDir == "" {
		return fmt.Errorf("log directory not configured")
	}
	if err := os.MkdirAll(l.logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := l.openFile(); err != nil {
		return err
	}
	go l.rotationChecker()
	return nil
}

// openFile opens the current log file in append mode. Caller holds l.mu
// or owns l exclusively.
func (l *Logger) openFile() error {
	path := l.currentPath()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	l.currentSize = 0
	if info, err := f.Stat(); err == nil {
		l.currentSize = info.Size()
	}
	l.fileWriter = f
	return nil
}

// rotationChecker periodically checks if log rotation is needed
func (l *Logger) rotationChecker() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.checkRotation()
		case <-l.done:
			return
		}
	}
}

func (l *Logger) checkRotation() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fileWriter == nil {
		return
	}

	date := l.now().Format(dateLayout)
	if date != l.currentDate {
		// The old day's file stays as it is; a new one is started.
		l.fileWriter.Close()
		l.currentDate = date
		if err := l.openFile(); err != nil {
			l.fileWriter = nil
			fmt.Fprintf(os.Stderr, "[ERROR] log rotation failed: %v\n", err)
		}
		l.cleanOldBackups()
		return
	}

	if l.maxSize > 0 && l.currentSize >= l.maxSize*1024*1024 {
		l.rotateLog("size")
	}
}

// rotateLog moves the current file aside as
// evolver-{mode}-{date}-{timestamp}-{reason}.log and opens a fresh one.
func (l *Logger) rotateLog(reason string) {
	l.fileWriter.Close()
	l.fileWriter = nil

	path := l.currentPath()
	stamp := l.now().Format("20060102-150405")
	backup := strings.TrimSuffix(path, ".log") + "-" + stamp + "-" + reason + ".log"
	if err := os.Rename(path, backup); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] failed to rename log file: %v\n", err)
	}

	l.cleanOldBackups()

	if err := l.openFile(); err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR] log rotation failed: %v\n", err)
	}
}

// cleanOldBackups removes rotated files of this mode older than maxAge days
// and keeps at most maxBackups of the rest, newest first.
func (l *Logger) cleanOldBackups() {
	entries, err := os.ReadDir(l.logDir)
	if err != nil {
		return
	}

	prefix := "evolver-" + l.mode + "-"
	active := FileName(l.mode, l.currentDate)
	cutoff := l.now().AddDate(0, 0, -l.maxAge)

	var backups []string
	for _, e := range entries {
		name := e.Name()
		if name == active || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		if len(rest) < len(dateLayout) {
			continue
		}
		date, err := time.Parse(dateLayout, rest[:len(dateLayout)])
		if err != nil {
			continue
		}
		if l.maxAge > 0 && date.Before(cutoff) {
			os.Remove(filepath.Join(l.logDir, name))
			continue
		}
		backups = append(backups, name)
	}

	if l.maxBackups <= 0 || len(backups) <= l.maxBackups {
		return
	}
	// Names sort chronologically: date first, then the rotation stamp.
	slices.Sort(backups)
	for _, name := range backups[:len(backups)-l.maxBackups] {
		os.Remove(filepath.Join(l.logDir, name))
	}
}

// parseLevel converts string level to LogLevel
func parseLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// GetLogger returns the global logger instance, creating a stdout text
// logger on first use.
func GetLogger() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger, _ = NewLogger(&config.LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		}, "cli")
	}
	return defaultLogger
}

// Enabled reports whether messages at level are written.
func (l *Logger) Enabled(level LogLevel) bool {
	return level >= l.level
}

func (l *Logger) format(ts time.Time, level LogLevel, msg string, fields []Field) []byte {
	if l.formatJSON {
		record := make(map[string]interface{}, len(fields)+3)
		for _, f := range fields {
			record[f.Key] = jsonValue(f.Value)
		}
		record["time"] = ts.Format(time.RFC3339Nano)
		record["level"] = level.String()
		record["msg"] = msg
		line, err := json.Marshal(record)
		if err != nil {
			line, _ = json.Marshal(map[string]string{
				"time":  ts.Format(time.RFC3339Nano),
				"level": level.String(),
				"msg":   msg,
				"error": "unencodable fields: " + err.Error(),
			})
		}
		return append(line, '\n')
	}

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(ts.Format("2006-01-02 15:04:05"))
	b.WriteString("] ")
	b.WriteString(level.String())
	b.WriteString(" ")
	b.WriteString(msg)
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	b.WriteString("\n")
	return []byte(b.String())
}

// jsonValue keeps errors readable; json.Marshal renders them as {}.
func jsonValue(v interface{}) interface{} {
	switch x := v.(type) {
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	default:
		return v
	}
}

// log is the internal logging method
func (l *Logger) log(level LogLevel, msg string, fields []Field) {
	if !l.Enabled(level) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	line := l.format(l.now(), level, msg, fields)
	for _, w := range l.outputs {
		if _, err := w.Write(line); err != nil {
			fmt.Fprintf(os.Stderr, "[ERROR] failed to write log: %v\n", err)
		}
	}
	if l.fileWriter != nil {
		n, err := l.fileWriter.Write(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[ERROR] failed to write log file: %v\n", err)
		}
		l.currentSize += int64(n)
	}
}

// WithField creates a log entry with a single field
func (l *Logger) WithField(key string, value interface{}) *LogEntry {
	return &LogEntry{logger: l, fields: []Field{{Key: key, Value: value}}}
}

// WithFields creates a log entry with multiple fields, sorted by key
func (l *Logger) WithFields(fields map[string]interface{}) *LogEntry {
	return (&LogEntry{logger: l}).WithFields(fields)
}

// WithError creates a log entry with an error field
func (l *Logger) WithError(err error) *LogEntry {
	return (&LogEntry{logger: l}).WithError(err)
}

// LogEntry represents a log entry with fields
type LogEntry struct {
	logger *Logger
	fields []Field
}

// WithField adds a field to the log entry
func (e *LogEntry) WithField(key string, value interface{}) *LogEntry {
	e.fields = append(e.fields, Field{Key: key, Value: value})
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]interface{}) *LogEntry {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		e.fields = append(e.fields, Field{Key: k, Value: fields[k]})
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	msg := "<nil>"
	if err != nil {
		msg = err.Error()
	}
	e.fields = append(e.fields, Field{Key: "error", Value: msg})
	return e
}

// Debug logs at debug level
func (e *LogEntry) Debug(args ...interface{}) {
	e.logger.log(DEBUG, fmt.Sprint(args...), e.fields)
}

// Debugf logs a formatted message at debug level
func (e *LogEntry) Debugf(format string, args ...interface{}) {
	e.logger.log(DEBUG, fmt.Sprintf(format, args...), e.fields)
}

// Info logs at info level
func (e *LogEntry) Info(args ...interface{}) {
	e.logger.log(INFO, fmt.Sprint(args...), e.fields)
}

// Infof logs a formatted message at info level
func (e *LogEntry) Infof(format string, args ...interface{}) {
	e.logger.log(INFO, fmt.Sprintf(format, args...), e.fields)
}

// Warn logs at warning level
func (e *LogEntry) Warn(args ...interface{}) {
	e.logger.log(WARN, fmt.Sprint(args...), e.fields)
}

// Warnf logs a formatted message at warning level
func (e *LogEntry) Warnf(format string, args ...interface{}) {
	e.logger.log(WARN, fmt.Sprintf(format, args...), e.fields)
}

// Error logs at error level
func (e *LogEntry) Error(args ...interface{}) {
	e.logger.log(ERROR, fmt.Sprint(args...), e.fields)
}

// Errorf logs a formatted message at error level
func (e *LogEntry) Errorf(format string, args ...interface{}) {
	e.logger.log(ERROR, fmt.Sprintf(format, args...), e.fields)
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(args ...interface{}) {
	e.logger.log(FATAL, fmt.Sprint(args...), e.fields)
	os.Exit(1)
}

// Fatalf logs a formatted message at fatal level and exits
func (e *LogEntry) Fatalf(format string, args ...interface{}) {
	e.logger.log(FATAL, fmt.Sprintf(format, args...), e.fields)
	os.Exit(1)
}

// Global convenience functions

// WithField creates a logger entry with a single field
func WithField(key string, value interface{}) *LogEntry {
	return GetLogger().WithField(key, value)
}

// WithFields creates a logger entry with multiple fields
func WithFields(fields map[string]interface{}) *LogEntry {
	return GetLogger().WithFields(fields)
}

// WithError creates a logger entry with an error field
func WithError(err error) *LogEntry {
	return GetLogger().WithError(err)
}

// Debug logs a message at debug level
func Debug(args ...interface{}) {
	GetLogger().log(DEBUG, fmt.Sprint(args...), nil)
}

// Debugf logs a formatted message at debug level
func Debugf(format string, args ...interface{}) {
	GetLogger().log(DEBUG, fmt.Sprintf(format, args...), nil)
}

// Info logs a message at info level
func Info(args ...interface{}) {
	GetLogger().log(INFO, fmt.Sprint(args...), nil)
}

// Infof logs a formatted message at info level
func Infof(format string, args ...interface{}) {
	GetLogger().log(INFO, fmt.Sprintf(format, args...), nil)
}

// Warn logs a message at warning level
func Warn(args ...interface{}) {
	GetLogger().log(WARN, fmt.Sprint(args...), nil)
}

// Warnf logs a formatted message at warning level
func Warnf(format string, args ...interface{}) {
	GetLogger().log(WARN, fmt.Sprintf(format, args...), nil)
}

// Error logs a message at error level
func Error(args ...interface{}) {
	GetLogger().log(ERROR, fmt.Sprint(args...), nil)
}

// Errorf logs a formatted message at error level
func Errorf(format string, args ...interface{}) {
	GetLogger().log(ERROR, fmt.Sprintf(format, args...), nil)
}

// Fatal logs a message at fatal level and exits
func Fatal(args ...interface{}) {
	GetLogger().log(FATAL, fmt.Sprint(args...), nil)
	os.Exit(1)
}

// Fatalf logs a formatted message at fatal level and exits
func Fatalf(format string, args ...interface{}) {
	GetLogger().log(FATAL, fmt.Sprintf(format, args...), nil)
	os.Exit(1)
}

// Close stops rotation and closes the log file
func (l *Logger) Close() error {
	l.closeOnce.Do(func() { close(l.done) })

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fileWriter != nil {
		err := l.fileWriter.Close()
		l.fileWriter = nil
		return err
	}
	return nil
}

// Info logs a message at info level
func (l *Logger) Info(args ...interface{}) {
	l.log(INFO, fmt.Sprint(args...), nil)
}

// Infof logs a formatted message at info level
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...), nil)
}

// Warn logs a message at warning level
func (l *Logger) Warn(args ...interface{}) {
	l.log(WARN, fmt.Sprint(args...), nil)
}

// Warnf logs a formatted message at warning level
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARN, fmt.Sprintf(format, args...), nil)
}

// Error logs a message at error level
func (l *Logger) Error(args ...interface{}) {
	l.log(ERROR, fmt.Sprint(args...), nil)
}

// Errorf logs a formatted message at error level
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...), nil)
}

// Debug logs a message at debug level
func (l *Logger) Debug(args ...interface{}) {
	l.log(DEBUG, fmt.Sprint(args...), nil)
}

// Debugf logs a formatted message at debug level
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DEBUG, fmt.Sprintf(format, args...), nil)
}
