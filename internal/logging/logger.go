package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	defaultLogger *slog.Logger
	level         = new(slog.LevelVar)
	mu            sync.RWMutex
)

func init() {
	level.Set(slog.LevelInfo)
	defaultLogger = slog.New(NewRedactingHandler(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// SetLogger sets the global logger
func SetLogger(logger *slog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// SetOutput sends JSON records to w. Redaction stays on.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = slog.New(NewRedactingHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})))
}

// SetTextOutput sets up human-readable text output (terminal commands)
func SetTextOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = slog.New(NewRedactingHandler(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})))
}

// SetLevel changes the level of the handlers installed by this package.
// It is safe to call while other goroutines are logging.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// CurrentLevel returns the active level.
func CurrentLevel() slog.Level {
	return level.Level()
}

// ParseLevel maps config strings to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Configure applies level and format ("json" or "text") in one step.
func Configure(lvl, format string, w io.Writer) error {
	l, err := ParseLevel(lvl)
	if err != nil {
		return err
	}
	switch strings.ToLower(format) {
	case "", "json":
		SetOutput(w)
	case "text":
		SetTextOutput(w)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	SetLevel(l)
	return nil
}

// Logger returns the default logger
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// With returns a logger with additional context
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}

// Debug logs at debug level
func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

// Info logs at info level
func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

// Warn logs at warn level
func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

// Error logs at error level
func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}

// DebugContext logs at debug level with context
func DebugContext(ctx context.Context, msg string, args ...any) {
	Logger().DebugContext(ctx, msg, args...)
}

// InfoContext logs at info level with context
func InfoContext(ctx context.Context, msg string, args ...any) {
	Logger().InfoContext(ctx, msg, args...)
}

// WarnContext logs at warn level with context
func WarnContext(ctx context.Context, msg string, args ...any) {
	Logger().WarnContext(ctx, msg, args...)
}

// ErrorContext logs at error level with context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	Logger().ErrorContext(ctx, msg, args...)
}

// Common field helpers
func Tier(slug string) slog.Attr {
	return slog.String("tier", slug)
}

func Address(addr string) slog.Attr {
	return slog.String("address", addr)
}

func TokenID(id fmt.Stringer) slog.Attr {
	if id == nil {
		return slog.String("token_id", "")
	}
	return slog.String("token_id", id.String())
}

func Slot(slot string) slog.Attr {
	return slog.String("slot", slot)
}

func TxHash(hash string) slog.Attr {
	return slog.String("tx_hash", hash)
}

func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

func Component(name string) slog.Attr {
	return slog.String("component", name)
}
