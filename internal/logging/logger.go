// Package logging keeps a bounded in-memory log that the agent API can serve,
// mirrors entries to a zap logger on stderr, and handles crash reports.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the severity of a log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText makes levels render as names in JSON.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// ParseLevel maps a level name to a Level. Unknown names yield LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Category groups entries by subsystem.
type Category string

const (
	CatSystem    Category = "system"
	CatReader    Category = "reader"
	CatCard      Category = "card"
	CatPIN       Category = "pin"
	CatHTTP      Category = "http"
	CatWebSocket Category = "websocket"
)

// Entry is a single log record.
type Entry struct {
	Time     time.Time      `json:"time"`
	Level    Level          `json:"level"`
	Category Category       `json:"category"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
}

// Stats summarises the buffered entries.
type Stats struct {
	Total      int              `json:"total"`
	Capacity   int              `json:"capacity"`
	ByLevel    map[string]int   `json:"byLevel"`
	ByCategory map[Category]int `json:"byCategory"`
}

// Logger is a ring buffer of entries with an optional zap sink.
type Logger struct {
	mu       sync.RWMutex
	entries  []Entry
	next     int
	full     bool
	minLevel Level
	sink     *zap.Logger
}

// Option configures the global logger.
type Option func(*Logger)

// WithZap mirrors every accepted entry to z.
func WithZap(z *zap.Logger) Option {
	return func(l *Logger) {
		l.sink = z
	}
}

// WithConsole mirrors entries to w using a zap console or JSON encoder.
func WithConsole(format string, w io.Writer) Option {
	return func(l *Logger) {
		l.sink = newZap(format, w, l.minLevel)
	}
}

var (
	global   *Logger
	globalMu sync.Mutex
)

// Init replaces the global logger.
func Init(maxEntries int, minLevel Level, opts ...Option) {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	l := &Logger{
		entries:  make([]Entry, maxEntries),
		minLevel: minLevel,
	}
	for _, opt := range opts {
		opt(l)
	}

	globalMu.Lock()
	old := global
	global = l
	globalMu.Unlock()

	if old != nil && old.sink != nil {
		_ = old.sink.Sync()
	}
}

// Get returns the global logger, creating a quiet default on first use.
func Get() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = &Logger{entries: make([]Entry, 500), minLevel: LevelInfo}
	}
	return global
}

// Sync flushes the zap sink.
func Sync() {
	l := Get()
	if l.sink != nil {
		_ = l.sink.Sync()
	}
}

func newZap(format string, w io.Writer, level Level) *zap.Logger {
	if w == nil {
		w = os.Stderr
	}

	var encoder zapcore.Encoder
	if format == "json" {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "time"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("[2006-01-02 15:04:05]")
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.CallerKey = ""
		cfg.ConsoleSeparator = " "
		encoder = zapcore.NewConsoleEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(w), level.zapLevel())
	return zap.New(core)
}

func (l *Logger) log(level Level, cat Category, msg string, data map[string]any) {
	if level < l.minLevel {
		return
	}

	entry := Entry{
		Time:     time.Now(),
		Level:    level,
		Category: cat,
		Message:  msg,
		Data:     data,
	}

	l.mu.Lock()
	l.entries[l.next] = entry
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	sink := l.sink
	l.mu.Unlock()

	if sink == nil {
		return
	}

	fields := make([]zap.Field, 0, len(data)+1)
	fields = append(fields, zap.String("category", string(cat)))
	for k, v := range data {
		fields = append(fields, zap.Any(k, v))
	}
	if ce := sink.Check(level.zapLevel(), msg); ce != nil {
		ce.Write(fields...)
	}
}

// ordered returns the buffered entries oldest first. Caller holds l.mu.
func (l *Logger) ordered() []Entry {
	if !l.full {
		return append([]Entry(nil), l.entries[:l.next]...)
	}
	out := make([]Entry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	out = append(out, l.entries[:l.next]...)
	return out
}

// GetEntries returns up to limit entries, newest first, optionally filtered
// by minimum level and category.
func (l *Logger) GetEntries(limit int, minLevel *Level, category *Category) []Entry {
	l.mu.RLock()
	all := l.ordered()
	l.mu.RUnlock()

	out := make([]Entry, 0)
	for i := len(all) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		e := all[i]
		if minLevel != nil && e.Level < *minLevel {
			continue
		}
		if category != nil && e.Category != *category {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Stats returns counts of the buffered entries.
func (l *Logger) Stats() Stats {
	l.mu.RLock()
	all := l.ordered()
	capacity := len(l.entries)
	l.mu.RUnlock()

	s := Stats{
		Total:      len(all),
		Capacity:   capacity,
		ByLevel:    make(map[string]int),
		ByCategory: make(map[Category]int),
	}
	for _, e := range all {
		s.ByLevel[e.Level.String()]++
		s.ByCategory[e.Category]++
	}
	return s
}

// Clear drops all buffered entries.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]Entry, len(l.entries))
	l.next = 0
	l.full = false
}

func Debug(cat Category, msg string, data map[string]any) {
	Get().log(LevelDebug, cat, msg, data)
}

func Info(cat Category, msg string, data map[string]any) {
	Get().log(LevelInfo, cat, msg, data)
}

func Warn(cat Category, msg string, data map[string]any) {
	Get().log(LevelWarn, cat, msg, data)
}

func Error(cat Category, msg string, data map[string]any) {
	Get().log(LevelError, cat, msg, data)
}
