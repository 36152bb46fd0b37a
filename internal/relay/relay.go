// Package relay multiplexes browser-extension and automation websocket peers.
//
// Automation peers issue commands; the relay registers a callback for each,
// forwards the command to every extension peer and routes the extension's
// <verb>_complete reply back through the callback engine. Domain events are
// published on the event bus and relayed to automation peers that subscribed.
package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/neboloop/tabrelay/internal/callback"
	"github.com/neboloop/tabrelay/internal/crashlog"
	"github.com/neboloop/tabrelay/internal/db"
	"github.com/neboloop/tabrelay/internal/events"
	"github.com/neboloop/tabrelay/internal/lifecycle"
	"github.com/neboloop/tabrelay/internal/logging"
	"github.com/neboloop/tabrelay/internal/protocol"
	"github.com/neboloop/tabrelay/internal/tabs"
)

// Close reason sent to an extension beyond the ceiling.
const ReasonExtensionLimit = "extension limit reached"

// Disconnect reasons carried by lifecycle peer_disconnected events.
const (
	ReasonSocketClosed = "socket closed"
	ReasonStopping     = "relay stopping"
	ReasonNoPong       = "no pong"
	ReasonPingFailed   = "ping failed"
)

const storeTimeout = 10 * time.Second

// Options configures a Relay. Zero durations take defaults.
type Options struct {
	MaxExtensionClients int
	PingInterval        time.Duration
	SweepInterval       time.Duration
	PollInterval        time.Duration
	PollTimeout         time.Duration

	// Authenticate, when set, gates automation peers before upgrade.
	Authenticate func(*http.Request) error
	// CheckOrigin overrides the upgrader's origin check. Nil allows every origin.
	CheckOrigin func(*http.Request) bool

	Logger *zap.Logger
}

func (o *Options) defaults() {
	if o.MaxExtensionClients <= 0 {
		o.MaxExtensionClients = 1
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 60 * time.Second
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
	if o.Logger == nil {
		o.Logger = logging.Named("relay")
	}
}

// waiter is an automation peer awaiting the response to one request.
type waiter struct {
	peer *Peer
	verb string
}

// Status is a point-in-time view of the relay.
type Status struct {
	Extensions          int `json:"extensions"`
	Automations         int `json:"automations"`
	MaxExtensionClients int `json:"maxExtensionClients"`
	PendingRequests     int `json:"pendingRequests"`
}

// Relay owns the live peer maps. Durable state lives in the store, callback
// engine and tab manager.
type Relay struct {
	store     *db.Store
	callbacks *callback.Engine
	tabs      *tabs.Manager
	bus       *events.Bus
	log       *zap.Logger
	opts      Options
	upgrader  websocket.Upgrader

	maxExtensions atomic.Int64
	pollTimeout   atomic.Int64

	mu          sync.RWMutex
	extensions  map[string]*Peer
	automations map[string]*Peer
	waiters     map[string]waiter
	stopped     bool

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Relay. Call Start to begin sweeping.
func New(store *db.Store, callbacks *callback.Engine, tabManager *tabs.Manager, bus *events.Bus, opts Options) *Relay {
	opts.defaults()
	r := &Relay{
		store:     store,
		callbacks: callbacks,
		tabs:      tabManager,
		bus:       bus,
		log:       opts.Logger,
		opts:      opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		extensions:  make(map[string]*Peer),
		automations: make(map[string]*Peer),
		waiters:     make(map[string]waiter),
		stopCh:      make(chan struct{}),
	}
	r.maxExtensions.Store(int64(opts.MaxExtensionClients))
	r.pollTimeout.Store(int64(opts.PollTimeout))
	return r
}

// SetMaxExtensionClients changes the extension ceiling for new connections.
// Peers already connected are kept.
func (r *Relay) SetMaxExtensionClients(n int) {
	if n > 0 {
		r.maxExtensions.Store(int64(n))
	}
}

// SetPollTimeout changes the get_html timeout for requests issued afterwards.
func (r *Relay) SetPollTimeout(d time.Duration) {
	if d > 0 {
		r.pollTimeout.Store(int64(d))
	}
}

// Start launches the sweep loop.
func (r *Relay) Start() {
	r.goTracked(r.sweepLoop)
}

// HandleWS upgrades a request to a peer. ?type=automation selects the automation
// role; anything else is an extension.
func (r *Relay) HandleWS(w http.ResponseWriter, req *http.Request) {
	kind := db.KindExtension
	if req.URL.Query().Get("type") == string(db.KindAutomation) {
		kind = db.KindAutomation
	}

	if kind == db.KindAutomation && r.opts.Authenticate != nil {
		if err := r.opts.Authenticate(req); err != nil {
			r.log.Warn("automation peer rejected", zap.String("addr", req.RemoteAddr), zap.Error(err))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	peer := newPeer(uuid.NewString(), kind, conn, remoteAddr(req))
	if reason := r.admit(peer); reason != "" {
		r.reject(peer, reason)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	if err := r.store.RecordConnection(ctx, peer.ID, peer.Addr, kind, peer.CreatedAt); err != nil {
		r.log.Warn("record connection failed", zap.String("peer", peer.ID), zap.Error(err))
	}
	cancel()

	r.log.Info("peer connected",
		zap.String("peer", peer.ID), zap.String("kind", string(kind)), zap.String("addr", peer.Addr))
	lifecycle.Emit(lifecycle.EventPeerConnected, lifecycle.PeerEventData{
		ID: peer.ID, Kind: string(kind), Address: peer.Addr,
	})

	if kind == db.KindAutomation {
		peer.SendJSON(protocol.NewConnectionEstablished(peer.ID, time.Now().UTC()))
	} else {
		r.publish(events.ExtensionConnected, map[string]any{"clientId": peer.ID})
	}

	// admit counted both pumps in r.wg
	go func() {
		defer r.wg.Done()
		peer.writePump(r.opts.PingInterval)
	}()
	go func() {
		defer r.wg.Done()
		handle := r.handleAutomationFrame
		if kind == db.KindExtension {
			handle = r.handleExtensionFrame
		}
		err := peer.readPump(func(data []byte) { r.handleSafely(peer, handle, data) })
		if err != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			r.log.Debug("peer read ended", zap.String("peer", peer.ID), zap.Error(err))
		}
		r.disconnect(peer, ReasonSocketClosed)
	}()
}

// handleSafely runs one frame handler, recording a panic instead of taking down the process.
func (r *Relay) handleSafely(peer *Peer, handle func(*Peer, []byte), data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			crashlog.LogPanic("relay", rec, map[string]string{"peer": peer.ID, "kind": string(peer.Kind)})
			peer.SendJSON(protocol.NewError(protocol.ErrInternal, "frame handler failed"))
		}
	}()
	handle(peer, data)
}

// admit tracks peer, enforcing the extension ceiling atomically with the insert.
// It returns a rejection reason, or "" once the peer's two pumps are counted in r.wg.
func (r *Relay) admit(peer *Peer) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ReasonStopping
	}
	if peer.Kind == db.KindExtension {
		if int64(len(r.extensions)) >= r.maxExtensions.Load() {
			return ReasonExtensionLimit
		}
		r.extensions[peer.ID] = peer
	} else {
		r.automations[peer.ID] = peer
	}
	r.wg.Add(2)
	return ""
}

// goTracked runs fn in a goroutine counted by Stop, unless the relay is stopping.
func (r *Relay) goTracked(fn func()) bool {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()
	go func() {
		defer r.wg.Done()
		fn()
	}()
	return true
}

// reject closes a freshly upgraded socket with a policy violation.
func (r *Relay) reject(peer *Peer, reason string) {
	r.log.Warn("peer rejected",
		zap.String("kind", string(peer.Kind)), zap.String("addr", peer.Addr), zap.String("reason", reason))
	lifecycle.Emit(lifecycle.EventPeerRejected, lifecycle.PeerEventData{
		ID: peer.ID, Kind: string(peer.Kind), Address: peer.Addr, Reason: reason,
	})
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	peer.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	peer.Conn.Close()
	peer.close()
}

// disconnect removes peer and releases everything tied to it. Safe to call twice.
func (r *Relay) disconnect(peer *Peer, reason string) {
	r.mu.Lock()
	_, isExt := r.extensions[peer.ID]
	_, isAuto := r.automations[peer.ID]
	delete(r.extensions, peer.ID)
	delete(r.automations, peer.ID)
	forgotten := 0
	for id, w := range r.waiters {
		if w.peer == peer {
			delete(r.waiters, id)
			forgotten++
		}
	}
	r.mu.Unlock()

	if !peer.close() {
		return
	}
	released := peer.unsubscribeAll()

	if isExt || isAuto {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := r.store.MarkDisconnected(ctx, peer.ID, time.Now()); err != nil {
			r.log.Warn("mark disconnected failed", zap.String("peer", peer.ID), zap.Error(err))
		}
		cancel()
	}

	r.log.Info("peer disconnected",
		zap.String("peer", peer.ID),
		zap.String("kind", string(peer.Kind)),
		zap.String("reason", reason),
		zap.Int("subscriptions", released),
		zap.Int("waiters", forgotten))
	lifecycle.Emit(lifecycle.EventPeerDisconnected, lifecycle.PeerEventData{
		ID: peer.ID, Kind: string(peer.Kind), Address: peer.Addr, Reason: reason,
	})
	if isExt {
		r.publish(events.ExtensionDisconnected, map[string]any{"clientId": peer.ID})
	}
}

// Stop closes every peer and waits for their pumps and in-flight polls.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		close(r.stopCh)
		peers := make([]*Peer, 0, len(r.extensions)+len(r.automations))
		for _, p := range r.extensions {
			peers = append(peers, p)
		}
		for _, p := range r.automations {
			peers = append(peers, p)
		}
		r.mu.Unlock()

		for _, p := range peers {
			r.disconnect(p, ReasonStopping)
		}
	})
	r.wg.Wait()
}

// Status reports live peer counts.
func (r *Relay) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Status{
		Extensions:          len(r.extensions),
		Automations:         len(r.automations),
		MaxExtensionClients: int(r.maxExtensions.Load()),
		PendingRequests:     len(r.waiters),
	}
}

func (r *Relay) extensionPeers() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers := make([]*Peer, 0, len(r.extensions))
	for _, p := range r.extensions {
		peers = append(peers, p)
	}
	return peers
}

// broadcastToExtensions sends data to every extension peer and returns how many
// accepted it.
func (r *Relay) broadcastToExtensions(data []byte) int {
	sent := 0
	for _, p := range r.extensionPeers() {
		if err := p.Send(data); err != nil {
			r.log.Warn("forward to extension failed", zap.String("peer", p.ID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

func (r *Relay) addWaiter(requestID string, peer *Peer, verb string) {
	r.mu.Lock()
	r.waiters[requestID] = waiter{peer: peer, verb: verb}
	r.mu.Unlock()
}

func (r *Relay) takeWaiter(requestID string) (waiter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.waiters[requestID]
	if ok {
		delete(r.waiters, requestID)
	}
	return w, ok
}

func (r *Relay) publish(name events.Name, data any) {
	if err := r.bus.Publish(name, data); err != nil && !errors.Is(err, events.ErrClosed) {
		r.log.Warn("publish failed", zap.String("event", string(name)), zap.Error(err))
	}
}

func remoteAddr(req *http.Request) string {
	if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		return host
	}
	return req.RemoteAddr
}
