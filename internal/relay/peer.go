package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neboloop/tabrelay/internal/db"
	"github.com/neboloop/tabrelay/internal/events"
)

const (
	readLimit    = 32 * 1024 * 1024 // page HTML can arrive inline
	readTimeout  = 10 * time.Minute
	writeTimeout = 10 * time.Second
	sendBuffer   = 256
)

var (
	errPeerClosed = errors.New("peer closed")
	errBufferFull = errors.New("peer send buffer full")
)

// Peer is one websocket connection, extension or automation.
type Peer struct {
	ID        string
	Kind      db.ConnectionKind
	Addr      string
	Conn      *websocket.Conn
	CreatedAt time.Time

	send     chan []byte
	done     chan struct{}
	once     sync.Once
	lastSeen atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	subMu sync.Mutex
	subs  map[events.Name]events.Subscription
}

func newPeer(id string, kind db.ConnectionKind, conn *websocket.Conn, addr string) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		ID:        id,
		Kind:      kind,
		Addr:      addr,
		Conn:      conn,
		CreatedAt: time.Now(),
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[events.Name]events.Subscription),
	}
	p.touch()
	return p
}

func (p *Peer) touch() {
	p.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen is the time of the last frame or pong from the peer.
func (p *Peer) LastSeen() time.Time {
	return time.Unix(0, p.lastSeen.Load())
}

// Send queues raw bytes for the write pump without blocking.
func (p *Peer) Send(data []byte) error {
	select {
	case <-p.done:
		return errPeerClosed
	default:
	}
	select {
	case p.send <- data:
		return nil
	case <-p.done:
		return errPeerClosed
	default:
		return errBufferFull
	}
}

// SendJSON marshals v and queues it.
func (p *Peer) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.Send(data)
}

// Closed reports whether the peer has been shut down.
func (p *Peer) Closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// close stops the write pump, which sends a close frame and closes the socket.
func (p *Peer) close() bool {
	closed := false
	p.once.Do(func() {
		p.cancel()
		close(p.done)
		closed = true
	})
	return closed
}

// readPump delivers each inbound text frame to handle, in order. It returns when the
// socket fails or the peer is closed.
func (p *Peer) readPump(handle func([]byte)) error {
	p.Conn.SetReadLimit(readLimit)
	p.Conn.SetReadDeadline(time.Now().Add(readTimeout))
	p.Conn.SetPongHandler(func(string) error {
		p.touch()
		p.Conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	p.Conn.SetPingHandler(func(appData string) error {
		p.touch()
		p.Conn.SetReadDeadline(time.Now().Add(readTimeout))
		return p.Conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	for {
		_, message, err := p.Conn.ReadMessage()
		if err != nil {
			return err
		}
		p.touch()
		p.Conn.SetReadDeadline(time.Now().Add(readTimeout))
		handle(message)
	}
}

// writePump drains the send queue and pings every pingInterval.
func (p *Peer) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		p.Conn.Close()
	}()

	for {
		select {
		case <-p.done:
			// flush what is already queued, then say goodbye
		flush:
			for {
				select {
				case message := <-p.send:
					p.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := p.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
						return
					}
				default:
					break flush
				}
			}
			p.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			p.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-p.send:
			p.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			p.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ping sends a control ping outside the write pump. WriteControl is safe to call
// concurrently with the pump's writes.
func (p *Peer) ping() error {
	return p.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (p *Peer) subscribe(name events.Name, sub events.Subscription) bool {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	if p.Closed() {
		return false
	}
	if _, ok := p.subs[name]; ok {
		return false
	}
	p.subs[name] = sub
	return true
}

func (p *Peer) unsubscribe(name events.Name) bool {
	p.subMu.Lock()
	sub, ok := p.subs[name]
	delete(p.subs, name)
	p.subMu.Unlock()
	if ok {
		sub.Unsubscribe()
	}
	return ok
}

func (p *Peer) subscribed(name events.Name) bool {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	_, ok := p.subs[name]
	return ok
}

func (p *Peer) unsubscribeAll() int {
	p.subMu.Lock()
	subs := p.subs
	p.subs = make(map[events.Name]events.Subscription)
	p.subMu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return len(subs)
}
