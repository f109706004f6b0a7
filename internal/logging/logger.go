package logging

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// L is the shared structured logger used across the project.
	L     *zap.Logger
	level = zap.NewAtomicLevel()
	once  sync.Once
)

type ctxKey struct{}

func init() {
	Init()
}

// Init builds the global logger if it has not been constructed yet.
// It uses zap's production configuration for consistent structured output.
func Init() {
	once.Do(func() {
		cfg := zap.NewProductionConfig()
		level.SetLevel(levelFromEnv(os.Getenv("LOG_LEVEL")))
		cfg.Level = level
		cfg.Sampling = nil
		logger, err := cfg.Build()
		if err != nil {
			panic(err)
		}
		L = logger
	})
}

func levelFromEnv(v string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(v)))); err != nil || v == "" {
		return zapcore.InfoLevel
	}
	return lvl
}

// SetLevel changes the level of L at runtime.
func SetLevel(lvl zapcore.Level) {
	level.SetLevel(lvl)
}

// Enabled reports whether L writes entries at lvl.
func Enabled(lvl zapcore.Level) bool {
	return level.Enabled(lvl)
}

// IntoContext stores a request-scoped logger on ctx.
func IntoContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored on ctx, or L.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return L
}
