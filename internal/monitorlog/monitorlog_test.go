package monitorlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNamedChainsNames(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	parent := FromZap(zap.New(core)).Named("app")
	child := parent.Named("dispatch").With(String("k", "v"))

	child.Info("sent")
	parent.Info("started")
	parent.Debug("hidden")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "app.dispatch", entries[0].LoggerName)
	assert.Equal(t, "v", entries[0].ContextMap()["k"])
	assert.Equal(t, "app", entries[1].LoggerName)
	assert.Empty(t, entries[1].Context, "With must not mutate the parent")
}

func TestDefaultGlobalIsZap(t *testing.T) {
	_, ok := newConsole().(*zapLogger)
	assert.True(t, ok)
	assert.Equal(t, Nop(), FromZap(nil))
}

func TestZapAdapterWritesFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := FromZap(zap.New(core)).Named("tracker").With(String("region", "Desk"))

	l.Info("activity", Float64("change_pct", 5), Uint64("comparisons", 2), Error(nil))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "tracker", entries[0].LoggerName)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "Desk", ctx["region"])
	assert.Equal(t, 5.0, ctx["change_pct"])
	assert.Equal(t, uint64(2), ctx["comparisons"])
}

func TestNewZapRejectsBadLevel(t *testing.T) {
	_, _, err := NewZap("loud", false)
	assert.Error(t, err)

	l, z, err := NewZap("debug", true)
	require.NoError(t, err)
	require.NotNil(t, l)
	_ = z.Sync()
}

func TestReplaceGlobalIgnoresNil(t *testing.T) {
	before := L()
	ReplaceGlobal(nil)
	assert.Equal(t, before, L())
}
