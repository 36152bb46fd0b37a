package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu  sync.Mutex
	got []Event
}

func (r *recorder) handle(_ context.Context, evt Event) error {
	r.mu.Lock()
	r.got = append(r.got, evt)
	r.mu.Unlock()
	return nil
}

func (r *recorder) names() []Name {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Name, len(r.got))
	for i, e := range r.got {
		out[i] = e.Name
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestBusDeliversByName(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	var opened, closed recorder
	bus.Subscribe(TabOpened, opened.handle)
	bus.Subscribe(TabClosed, closed.handle)

	require.NoError(t, bus.Publish(TabOpened, map[string]string{"tabId": "t1"}))
	require.NoError(t, bus.Publish(TabOpened, map[string]string{"tabId": "t2"}))

	waitFor(t, func() bool { return len(opened.names()) == 2 })
	assert.Empty(t, closed.names())
}

func TestBusWildcardPreservesOrder(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	var all recorder
	bus.SubscribeAll(all.handle)

	seq := []Name{Init, TabsUpdate, TabOpened, TabHTMLReceived}
	for _, n := range seq {
		require.NoError(t, bus.Publish(n, nil))
	}

	waitFor(t, func() bool { return len(all.names()) == len(seq) })
	assert.Equal(t, seq, all.names())
}

func TestUnsubscribeIsIndividualAndIdempotent(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	var a, b recorder
	subA := bus.Subscribe(CookiesReceived, a.handle)
	bus.Subscribe(CookiesReceived, b.handle)
	assert.Equal(t, 2, bus.Listeners(CookiesReceived))

	subA.Unsubscribe()
	subA.Unsubscribe()
	assert.Equal(t, 1, bus.Listeners(CookiesReceived))

	require.NoError(t, bus.Publish(CookiesReceived, nil))
	waitFor(t, func() bool { return len(b.names()) == 1 })
	assert.Empty(t, a.names())
}

func TestPublishAfterCloseFails(t *testing.T) {
	bus := NewBus(nil)
	bus.Close()
	bus.Close()

	assert.ErrorIs(t, bus.Publish(Init, nil), ErrClosed)
}

func TestPublishGivesUpOnFullQueue(t *testing.T) {
	bus := NewBus(nil, WithBufferSize(1), WithEmitTimeout(20*time.Millisecond))
	defer bus.Close()

	release := make(chan struct{})
	bus.Subscribe(TabOpened, func(context.Context, Event) error {
		<-release
		return nil
	})

	var err error
	start := time.Now()
	for i := 0; i < 10 && err == nil; i++ {
		err = bus.Publish(TabOpened, nil)
	}
	close(release)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "buffer full")
	assert.Less(t, time.Since(start), time.Second)
}

func TestKnown(t *testing.T) {
	assert.True(t, Known("tab_opened"))
	assert.False(t, Known("tab_exploded"))
}
