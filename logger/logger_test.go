package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{name: "JSON output mode", opts: Options{JSON: true}},
		{name: "Console output mode", opts: Options{JSON: false}},
		{name: "Explicit debug level", opts: Options{Level: "debug"}},
		{name: "Unknown level", opts: Options{Level: "chatty"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Cleanup(func() {
				Logger = zap.NewNop().Sugar()
				JSONOutput = false
			})

			err := Initialize(tt.opts)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, Logger)
			assert.Equal(t, tt.opts.JSON, JSONOutput)
		})
	}
}

func TestParseLevelFromEnv(t *testing.T) {
	t.Setenv("BATCHPUB_LOG_LEVEL", "WARN")

	level, err := parseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, level)

	level, err = parseLevel("error")
	require.NoError(t, err)
	assert.Equal(t, zapcore.ErrorLevel, level, "explicit level wins over env")
}

func TestNamedFallsBackToGlobal(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := Logger
	Logger = zap.New(core).Sugar()
	t.Cleanup(func() { Logger = prev })

	Named(nil, "batch").Infow("flushed", FieldCount, 3)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "batch", entries[0].LoggerName)
	assert.Equal(t, int64(3), entries[0].ContextMap()[FieldCount])
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))

	l := zap.NewExample().Sugar()
	assert.Same(t, l, OrNop(l))
}

func TestFieldsFromContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, FieldsFromContext(ctx))

	ctx = WithSessionID(ctx, "s-1")
	ctx = WithComponent(ctx, "server")
	ctx = WithRequestID(ctx, "r-9")

	fields := FieldsFromContext(ctx)
	assert.Equal(t, []interface{}{
		FieldRequestID, "r-9",
		FieldSessionID, "s-1",
		FieldComponent, "server",
	}, fields)
}

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(VerbosityUser))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(VerbosityInfo))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(VerbosityDebug))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(9))
	assert.Equal(t, "Debug (-vv)", LevelName(VerbosityDebug))
}
