package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestPackageFunctionsWriteThroughLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(newDefault()) })

	Infof("listening on %s", "127.0.0.1:1")
	Warnf("slow peer %d", 7)
	Errorf("boom: %v", "x")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "listening on 127.0.0.1:1", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
}

func TestDisableSilencesOutput(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() {
		Enable()
		SetLogger(newDefault())
	})

	Disable()
	Infof("hidden")
	Named("relay").Info("also hidden")
	Enable()
	Infof("shown")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "shown", logs.All()[0].Message)
}

func TestInitRejectsUnknownLevel(t *testing.T) {
	err := Init(Options{Level: "loud"})
	assert.Error(t, err)
}
