package callback

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/neboloop/tabrelay/internal/db"
)

func newTestEngine(t *testing.T, opts Options) (*Engine, *db.Store) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "callbacks.db"), db.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	opts.Logger = zap.NewNop()
	return New(store, opts), store
}

func TestRegisterAndResolveInternal(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	require.NoError(t, e.Register(ctx, "req-1", Internal))
	dest, err := e.DestinationOf(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, Internal, dest)

	_, err = e.Lookup(ctx, "req-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, e.Resolve(ctx, "req-1", map[string]any{"success": true, "tabId": 7}))
	payload, err := e.Lookup(ctx, "req-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"tabId":7}`, string(payload))

	// lookups are repeatable
	again, err := e.Lookup(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, payload, again)
}

func TestResolveWithoutRegistrationPersists(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	require.NoError(t, e.Resolve(ctx, "unregistered", json.RawMessage(`{"ok":1}`)))

	dest, err := e.DestinationOf(ctx, "unregistered")
	require.NoError(t, err)
	assert.Equal(t, Internal, dest)

	payload, err := e.Lookup(ctx, "unregistered")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":1}`, string(payload))
}

func TestEmptyRequestIDIsIgnored(t *testing.T) {
	e, store := newTestEngine(t, Options{})
	ctx := context.Background()

	require.NoError(t, e.Register(ctx, "", Internal))
	require.NoError(t, e.Resolve(ctx, "", map[string]any{}))

	rows, err := store.All(ctx, `SELECT * FROM callbacks`)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestResolvePushesToURL(t *testing.T) {
	got := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	require.NoError(t, e.Register(ctx, "push-1", srv.URL))
	require.NoError(t, e.Resolve(ctx, "push-1", map[string]any{"html": "<p>"}))

	select {
	case body := <-got:
		assert.JSONEq(t, `{"requestId":"push-1","data":{"html":"<p>"}}`, string(body))
	case <-time.After(5 * time.Second):
		t.Fatal("push not received")
	}
	e.Wait()

	// still pullable after push
	_, err := e.Lookup(ctx, "push-1")
	assert.NoError(t, err)
}

func TestPushFailureKeepsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	err := e.Push(ctx, srv.URL, "x", json.RawMessage(`{}`))
	assert.Error(t, err)

	require.NoError(t, e.Register(ctx, "push-2", srv.URL))
	require.NoError(t, e.Resolve(ctx, "push-2", map[string]any{"a": 1}))
	e.Wait()

	_, err = e.Lookup(ctx, "push-2")
	assert.NoError(t, err)
}

func TestDiscard(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	require.NoError(t, e.Register(ctx, "gone", Internal))
	require.NoError(t, e.Resolve(ctx, "gone", map[string]any{}))
	require.NoError(t, e.Discard(ctx, "gone"))

	_, err := e.Lookup(ctx, "gone")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.DestinationOf(ctx, "gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpireOldRegistrations(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	e, _ := newTestEngine(t, Options{Expiry: time.Minute, Now: clock})
	ctx := context.Background()

	require.NoError(t, e.Register(ctx, "old", Internal))
	require.NoError(t, e.Resolve(ctx, "old", map[string]any{}))

	now = now.Add(30 * time.Second)
	require.NoError(t, e.Register(ctx, "fresh", Internal))

	now = now.Add(45 * time.Second)
	removed, err := e.ExpireOldRegistrations(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = e.Lookup(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.DestinationOf(ctx, "fresh")
	assert.NoError(t, err)
}

func TestOpportunisticCleanup(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	e, store := newTestEngine(t, Options{Expiry: time.Minute, CleanupEvery: 3, Now: func() time.Time { return now }})
	ctx := context.Background()

	require.NoError(t, e.Register(ctx, "a", Internal))
	now = now.Add(2 * time.Minute)
	require.NoError(t, e.Register(ctx, "b", Internal))
	require.NoError(t, e.Register(ctx, "c", Internal))

	rows, err := store.All(ctx, `SELECT request_id FROM callbacks ORDER BY request_id`)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "b", rows[0].String("request_id"))
}

func TestWaitFor(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	require.NoError(t, e.Register(ctx, "slow", Internal))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = e.Resolve(context.Background(), "slow", map[string]any{"done": true})
	}()

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	payload, err := e.WaitFor(wctx, "slow", 10*time.Millisecond)
	require.NoError(t, err)
	assert.JSONEq(t, `{"done":true}`, string(payload))
}

func TestWaitForTimesOut(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.WaitFor(ctx, "never", 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}
