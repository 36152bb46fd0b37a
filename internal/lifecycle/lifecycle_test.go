package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitRunsHandlersInOrder(t *testing.T) {
	m := NewManager()
	var got []string
	m.On(EventShutdownStarted, func(e Event, data any) { got = append(got, "first") })
	m.On(EventShutdownStarted, func(e Event, data any) { got = append(got, "second") })
	m.On(EventServerStarted, func(e Event, data any) { got = append(got, "other") })

	m.Emit(EventShutdownStarted, nil)
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestOffRemovesOnlyThatHandler(t *testing.T) {
	m := NewManager()
	var got []string
	m.On(EventShutdownStarted, func(Event, any) { got = append(got, "a") })
	off := m.On(EventShutdownStarted, func(Event, any) { got = append(got, "b") })
	m.On(EventShutdownStarted, func(Event, any) { got = append(got, "c") })

	off()
	off()
	m.Emit(EventShutdownStarted, nil)
	assert.Equal(t, []string{"a", "c"}, got)
}

func TestPeerHelpersFilterPayload(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	var gone, refused []PeerEventData
	OnPeerDisconnected(func(d PeerEventData) { gone = append(gone, d) })
	OnPeerRejected(func(d PeerEventData) { refused = append(refused, d) })

	Emit(EventPeerDisconnected, "not peer data")
	Emit(EventPeerDisconnected, PeerEventData{ID: "p1", Kind: "extension", Reason: "no pong"})
	Emit(EventPeerRejected, PeerEventData{Kind: "extension", Reason: "extension limit reached"})

	assert.Equal(t, []PeerEventData{{ID: "p1", Kind: "extension", Reason: "no pong"}}, gone)
	assert.Equal(t, []PeerEventData{{Kind: "extension", Reason: "extension limit reached"}}, refused)
}

func TestServerStartedAndShutdownHelpers(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	var addr string
	shutdowns := 0
	OnServerStarted(func(a string) { addr = a })
	off := OnShutdown(func() { shutdowns++ })

	Emit(EventServerStarted, "127.0.0.1:8080")
	Emit(EventShutdownStarted, nil)
	off()
	Emit(EventShutdownStarted, nil)

	assert.Equal(t, "127.0.0.1:8080", addr)
	assert.Equal(t, 1, shutdowns)
}
