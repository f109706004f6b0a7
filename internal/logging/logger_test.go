package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLevelFromEnv(t *testing.T) {
	cases := map[string]zapcore.Level{
		"":       zapcore.InfoLevel,
		"debug":  zapcore.DebugLevel,
		" WARN ": zapcore.WarnLevel,
		"error":  zapcore.ErrorLevel,
		"chatty": zapcore.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, levelFromEnv(in), "LOG_LEVEL=%q", in)
	}
}

func TestFromContextFallsBackToGlobal(t *testing.T) {
	assert.Same(t, L, FromContext(context.Background()))

	scoped := L.With(zap.String("tenant", "acme"))
	ctx := IntoContext(context.Background(), scoped)
	assert.Same(t, scoped, FromContext(ctx))
}

func TestSetLevel(t *testing.T) {
	prev := level.Level()
	t.Cleanup(func() { SetLevel(prev) })

	SetLevel(zapcore.DebugLevel)
	assert.True(t, Enabled(zapcore.DebugLevel))
	assert.True(t, L.Core().Enabled(zapcore.DebugLevel))

	SetLevel(zapcore.ErrorLevel)
	assert.False(t, Enabled(zapcore.WarnLevel))
}
