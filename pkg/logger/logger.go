package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LevelEnv is the environment variable read by Initialize to pick the log level.
const LevelEnv = "LOGGING_LEVEL"

var (
	once sync.Once
	base *zap.Logger = zap.NewNop()
	mu   sync.RWMutex
)

// Initialize sets up the process wide logger. It is safe to call more than once,
// only the first call has an effect.
func Initialize() {
	once.Do(func() {
		l, err := New(os.Getenv(LevelEnv))
		if err != nil {
			// Fall back to a development logger so startup errors are still visible
			l = zap.NewExample()
			l.Warn("failed to build production logger", zap.Error(err))
		}
		SetLogger(l)
	})
}

// New builds a JSON production logger with the given level ("debug", "info", ...).
// An empty level defaults to info.
func New(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	return cfg.Build()
}

// ParseLevel maps a level name to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil || level == "" {
		return zapcore.InfoLevel
	}
	return l
}

// SetLogger replaces the process wide logger. Tests use this to route output
// through zaptest.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = l
	zap.ReplaceGlobals(l)
}

// For returns a sugared logger tagged with the given component name.
func For(component string) *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return base.Sugar().With("component", component)
}

// Sync flushes any buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}
