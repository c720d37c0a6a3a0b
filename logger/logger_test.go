package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/tock/sym"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name       string
		jsonOutput bool
		verbosity  int
		wantLevel  zapcore.Level
	}{
		{name: "JSON output mode", jsonOutput: true, verbosity: 1, wantLevel: zapcore.InfoLevel},
		{name: "Console output mode", jsonOutput: false, verbosity: 0, wantLevel: zapcore.WarnLevel},
		{name: "Console debug", jsonOutput: false, verbosity: 2, wantLevel: zapcore.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := Logger
			t.Cleanup(func() { Logger = prev; JSONOutput = false })

			require.NoError(t, Initialize(tt.jsonOutput, tt.verbosity))
			require.NotNil(t, Logger)
			assert.Equal(t, tt.jsonOutput, JSONOutput)
			assert.True(t, Logger.Desugar().Core().Enabled(tt.wantLevel))
			if tt.wantLevel > zapcore.DebugLevel {
				assert.False(t, Logger.Desugar().Core().Enabled(tt.wantLevel-1))
			}
		})
	}
}

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(7))
	assert.Equal(t, "Info (-v)", LevelName(1))
}

func TestSymbolWrappers(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core).Sugar()

	AddPulseSymbol(base).Infow("tick", FieldCount, 3)
	AddDBSymbol(base).Infow("migrated")
	AddWorkerSymbol(base).Warnw("stale")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, sym.Pulse, entries[0].ContextMap()[FieldSymbol])
	assert.EqualValues(t, 3, entries[0].ContextMap()[FieldCount])
	assert.Equal(t, sym.DB, entries[1].ContextMap()[FieldSymbol])
	assert.Equal(t, sym.Worker, entries[2].ContextMap()[FieldSymbol])
}

func TestFromContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core).Sugar()

	ctx := WithCorrelationID(context.Background(), "corr-1")
	ctx = WithComponent(ctx, "pulse.ticker")

	FromContext(ctx, base).Infow("dispatch")
	FromContext(context.Background(), base).Infow("plain")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "corr-1", entries[0].ContextMap()[FieldCorrelationID])
	assert.Equal(t, "pulse.ticker", entries[0].ContextMap()[FieldComponent])
	assert.Empty(t, entries[1].ContextMap())
	assert.Equal(t, "corr-1", CorrelationIDFromContext(ctx))
}
