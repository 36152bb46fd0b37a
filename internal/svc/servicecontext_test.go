package svc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/tabrelay/internal/config"
	"github.com/neboloop/tabrelay/internal/crashlog"
	"github.com/neboloop/tabrelay/internal/db"
	"github.com/neboloop/tabrelay/internal/lifecycle"
	"github.com/neboloop/tabrelay/internal/logging"
	"github.com/neboloop/tabrelay/internal/relay"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	logging.Disable()
	t.Cleanup(logging.Enable)

	c := config.Defaults()
	c.Database.SQLitePath = filepath.Join(t.TempDir(), "svc.db")
	c.Database.CheckpointInterval = 0
	return c
}

func TestNewServiceContextWiresComponents(t *testing.T) {
	svc, err := NewServiceContext(testConfig(t), nil)
	require.NoError(t, err)
	defer svc.Close()

	assert.NotNil(t, svc.DB)
	assert.NotNil(t, svc.Callbacks)
	assert.NotNil(t, svc.Tabs)
	assert.NotNil(t, svc.Bus)
	assert.NotNil(t, svc.Relay)
	assert.Equal(t, 1, svc.Relay.Status().MaxExtensionClients)
}

func TestNewServiceContextSettlesDanglingConnections(t *testing.T) {
	c := testConfig(t)
	store, err := db.Open(c.Database.SQLitePath, db.Options{})
	require.NoError(t, err)
	require.NoError(t, store.RecordConnection(context.Background(), "old", "1.2.3.4", db.KindExtension, time.Now()))

	svc, err := NewServiceContext(c, store)
	require.NoError(t, err)
	defer svc.Close()

	active, err := svc.DB.ActiveConnections(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestApplyConfig(t *testing.T) {
	c := testConfig(t)
	svc, err := NewServiceContext(c, nil)
	require.NoError(t, err)
	defer svc.Close()

	c.Server.MaxExtensionClients = 3
	c.HTML.PollTimeout = 5 * time.Second
	svc.ApplyConfig(c)

	assert.Equal(t, 3, svc.Relay.Status().MaxExtensionClients)
	assert.Equal(t, 3, svc.Config.Server.MaxExtensionClients)
	assert.Equal(t, 5*time.Second, svc.Config.HTML.PollTimeout)
}

func TestExpireCallbacks(t *testing.T) {
	c := testConfig(t)
	c.Callbacks.Expiry = time.Millisecond
	svc, err := NewServiceContext(c, nil)
	require.NoError(t, err)
	defer svc.Close()

	ctx := context.Background()
	require.NoError(t, svc.Callbacks.Register(ctx, "req-1", "internal"))
	time.Sleep(10 * time.Millisecond)

	svc.ExpireCallbacks()

	_, err = svc.Callbacks.DestinationOf(ctx, "req-1")
	assert.Error(t, err)
}

func TestMaintenanceAndCloseIdempotent(t *testing.T) {
	c := testConfig(t)
	c.Callbacks.CleanupInterval = time.Hour
	svc, err := NewServiceContext(c, nil)
	require.NoError(t, err)

	require.NoError(t, svc.StartMaintenance())
	require.NoError(t, svc.StartMaintenance())

	svc.Close()
	svc.Close()
	assert.True(t, svc.DB.ShuttingDown())
}

func TestShutdownEventStopsConnectionAudit(t *testing.T) {
	lifecycle.Reset()
	t.Cleanup(lifecycle.Reset)

	svc, err := NewServiceContext(testConfig(t), nil)
	require.NoError(t, err)
	defer svc.Close()

	require.False(t, svc.DB.ShuttingDown())
	lifecycle.Emit(lifecycle.EventShutdownStarted, nil)
	assert.True(t, svc.DB.ShuttingDown())
}

func TestPeerTroubleLandsInCrashLog(t *testing.T) {
	lifecycle.Reset()
	t.Cleanup(lifecycle.Reset)

	svc, err := NewServiceContext(testConfig(t), nil)
	require.NoError(t, err)
	defer svc.Close()

	lifecycle.Emit(lifecycle.EventPeerDisconnected, lifecycle.PeerEventData{ID: "p1", Kind: "automation", Reason: relay.ReasonSocketClosed})
	lifecycle.Emit(lifecycle.EventPeerRejected, lifecycle.PeerEventData{Kind: "automation", Reason: relay.ReasonStopping})
	lifecycle.Emit(lifecycle.EventPeerDisconnected, lifecycle.PeerEventData{ID: "p2", Kind: "extension", Reason: relay.ReasonNoPong})
	lifecycle.Emit(lifecycle.EventPeerRejected, lifecycle.PeerEventData{ID: "p3", Kind: "extension", Reason: relay.ReasonExtensionLimit})

	entries, err := crashlog.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	var messages []string
	for _, e := range entries {
		assert.Equal(t, crashlog.LevelWarn, e.Level)
		messages = append(messages, e.Message)
	}
	assert.ElementsMatch(t, []string{"peer dropped: no pong", "peer rejected: extension limit reached"}, messages)
}

func TestCloseRemovesLifecycleHooks(t *testing.T) {
	lifecycle.Reset()
	t.Cleanup(lifecycle.Reset)

	svc, err := NewServiceContext(testConfig(t), nil)
	require.NoError(t, err)
	svc.Close()

	// a second context must not be touched by the first one's hooks
	next, err := NewServiceContext(testConfig(t), nil)
	require.NoError(t, err)
	defer next.Close()

	lifecycle.Emit(lifecycle.EventPeerRejected, lifecycle.PeerEventData{Reason: relay.ReasonExtensionLimit})
	entries, err := crashlog.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
