package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		cfg       LogConfig
		expectErr bool
	}{
		{
			name: "json logger",
			cfg:  LogConfig{Level: "info", Format: "json", Output: "stdout"},
		},
		{
			name: "console logger",
			cfg:  LogConfig{Level: "debug", Format: "console", Output: "stderr"},
		},
		{
			name:      "invalid level",
			cfg:       LogConfig{Level: "loud", Format: "json"},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg)
			if tt.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestLoggerWith(t *testing.T) {
	logger := NopLogger()
	child := logger.With(String("component", "test"))
	assert.NotNil(t, child)

	child.Info("message", Int("n", 1))
}

func TestWithContext(t *testing.T) {
	logger := NopLogger()

	ctx := context.Background()
	assert.Equal(t, logger, logger.WithContext(ctx))

	ctx = ContextWithRequestID(ctx, "req-1")
	ctx = ContextWithTraceID(ctx, "trace-1")
	assert.NotEqual(t, logger, logger.WithContext(ctx))
}

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestIDFromContext(ctx))
	assert.Empty(t, TraceIDFromContext(ctx))

	ctx = ContextWithRequestID(ctx, "req-42")
	ctx = ContextWithTraceID(ctx, "trace-42")
	assert.Equal(t, "req-42", RequestIDFromContext(ctx))
	assert.Equal(t, "trace-42", TraceIDFromContext(ctx))
}

func TestGlobalLogger(t *testing.T) {
	logger := NopLogger()
	SetGlobalLogger(logger)
	assert.Equal(t, logger, L())
}

func TestNewTracerDisabled(t *testing.T) {
	tracer, err := NewTracer(TracerConfig{ServiceName: "test", Enabled: false})
	require.NoError(t, err)

	ctx, span := tracer.StartSpan(context.Background(), "op")
	assert.NotNil(t, ctx)
	span.End()

	require.NoError(t, tracer.Shutdown(context.Background()))
}
