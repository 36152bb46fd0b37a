package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/neboloop/tabrelay/internal/callback"
	"github.com/neboloop/tabrelay/internal/events"
	"github.com/neboloop/tabrelay/internal/protocol"
)

const errNoExtensions = "no active extension connections"

func (r *Relay) handleAutomationFrame(peer *Peer, data []byte) {
	msg, err := protocol.DecodeAutomation(data)
	if err != nil {
		r.log.Warn("invalid frame from automation peer", zap.String("peer", peer.ID), zap.Error(err))
		peer.SendJSON(protocol.NewError(protocol.ErrInvalidJSON, err.Error()))
		return
	}
	if unknown, ok := msg.(*protocol.UnknownAutomation); ok {
		r.log.Warn("unknown automation message type", zap.String("peer", peer.ID), zap.String("type", unknown.Type))
		peer.SendJSON(protocol.NewError(protocol.ErrUnknownType, unknown.Validate().Error()))
		return
	}

	base := msg.Base()
	if err := msg.Validate(); err != nil {
		peer.SendJSON(protocol.Failure(msg.Verb(), base.RequestID, err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(peer.ctx, storeTimeout)
	defer cancel()

	switch m := msg.(type) {
	case *protocol.GetTabs:
		r.respond(peer, m.Verb(), protocol.Success(m.Verb(), m.RequestID, r.tabs.GetTabs()))
	case *protocol.SubscribeEvents:
		r.subscribe(peer, m)
	case *protocol.UnsubscribeEvents:
		r.unsubscribe(peer, m)
	case *protocol.GetResponse:
		r.getResponse(ctx, peer, m)
	default:
		r.dispatch(ctx, peer, msg)
	}
}

// dispatch registers a callback for an action and forwards it to every extension.
func (r *Relay) dispatch(ctx context.Context, peer *Peer, msg protocol.AutomationMessage) {
	base := msg.Base()
	verb := msg.Verb()

	if base.RequestID == "" {
		base.RequestID = uuid.NewString()
	}
	requestID := base.RequestID

	if len(r.extensionPeers()) == 0 {
		peer.SendJSON(protocol.Failure(verb, requestID, errNoExtensions))
		return
	}

	destination := callback.Internal
	if base.CallbackURL != "" {
		if !callback.IsPushDestination(base.CallbackURL) {
			peer.SendJSON(protocol.Failure(verb, requestID, "callbackUrl must be an http(s) URL"))
			return
		}
		destination = base.CallbackURL
	}
	if err := r.callbacks.Register(ctx, requestID, destination); err != nil {
		r.log.Error("register callback failed", zap.String("request_id", requestID), zap.Error(err))
		peer.SendJSON(protocol.Failure(verb, requestID, "failed to register request"))
		return
	}

	getHTML, isGetHTML := msg.(*protocol.GetHTML)
	if isGetHTML {
		if err := r.tabs.ResetHTML(ctx, getHTML.TabID, requestID); err != nil {
			r.log.Error("reset html failed", zap.String("tab", getHTML.TabID.String()), zap.Error(err))
		}
	} else {
		r.addWaiter(requestID, peer, verb)
	}

	frame, err := protocol.Forward(msg)
	if err != nil {
		r.abandon(ctx, requestID)
		peer.SendJSON(protocol.Failure(verb, requestID, "failed to encode command"))
		return
	}
	if r.broadcastToExtensions(frame) == 0 {
		r.abandon(ctx, requestID)
		peer.SendJSON(protocol.Failure(verb, requestID, errNoExtensions))
		return
	}
	r.log.Debug("forwarded command", zap.String("verb", verb), zap.String("request_id", requestID))

	if isGetHTML {
		timeout := time.Duration(r.pollTimeout.Load())
		if !r.goTracked(func() { r.pollHTML(peer, requestID, timeout) }) {
			peer.SendJSON(protocol.Failure(verb, requestID, "relay stopping"))
		}
	}
}

// abandon drops the registration and waiter for a request that never left.
func (r *Relay) abandon(ctx context.Context, requestID string) {
	r.takeWaiter(requestID)
	if err := r.callbacks.Discard(ctx, requestID); err != nil {
		r.log.Warn("discard callback failed", zap.String("request_id", requestID), zap.Error(err))
	}
}

// pollHTML waits for the get_html response and relays it, or reports a timeout and
// discards the pending rows.
func (r *Relay) pollHTML(peer *Peer, requestID string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(peer.ctx, timeout)
	defer cancel()

	raw, err := r.callbacks.WaitFor(ctx, requestID, r.opts.PollInterval)
	switch {
	case err == nil:
		var payload map[string]any
		if jsonErr := json.Unmarshal(raw, &payload); jsonErr != nil {
			peer.SendJSON(protocol.Failure(protocol.VerbGetHTML, requestID, "malformed stored response"))
			return
		}
		r.respond(peer, protocol.VerbGetHTML, responseFor(protocol.VerbGetHTML, requestID, payload))

	case errors.Is(err, context.DeadlineExceeded):
		r.log.Warn("get_html timed out", zap.String("request_id", requestID), zap.Duration("timeout", timeout))
		peer.SendJSON(protocol.Failure(protocol.VerbGetHTML, requestID, "timeout"))
		dctx, dcancel := context.WithTimeout(context.Background(), storeTimeout)
		defer dcancel()
		if err := r.callbacks.Discard(dctx, requestID); err != nil {
			r.log.Warn("discard timed out request failed", zap.String("request_id", requestID), zap.Error(err))
		}

	default:
		// peer went away; the registration expires on its own
		r.log.Debug("get_html poll ended", zap.String("request_id", requestID), zap.Error(err))
	}
}

func (r *Relay) getResponse(ctx context.Context, peer *Peer, m *protocol.GetResponse) {
	raw, err := r.callbacks.Lookup(ctx, m.RequestID)
	if errors.Is(err, callback.ErrNotFound) {
		peer.SendJSON(protocol.Failure(m.Verb(), m.RequestID, "response not found"))
		return
	}
	if err != nil {
		r.log.Error("lookup failed", zap.String("request_id", m.RequestID), zap.Error(err))
		peer.SendJSON(protocol.Failure(m.Verb(), m.RequestID, "lookup failed"))
		return
	}
	r.respond(peer, m.Verb(), protocol.Success(m.Verb(), m.RequestID, raw))
}

// respond sends resp, replacing it with an error response when it cannot be encoded.
func (r *Relay) respond(peer *Peer, verb string, resp protocol.Response) {
	err := peer.SendJSON(resp)
	if err == nil || errors.Is(err, errPeerClosed) || errors.Is(err, errBufferFull) {
		return
	}
	r.log.Error("encode response failed", zap.String("peer", peer.ID), zap.String("verb", verb),
		zap.String("request_id", resp.RequestID), zap.Error(err))
	peer.SendJSON(protocol.Failure(verb, resp.RequestID, "failed to encode response"))
}

func (r *Relay) subscribe(peer *Peer, m *protocol.SubscribeEvents) {
	var subscribed, invalid []string
	for _, name := range m.Events {
		evt := events.Name(name)
		if evt != events.Wildcard && !events.Known(name) {
			invalid = append(invalid, name)
			continue
		}
		subscribed = append(subscribed, name)
		if peer.subscribed(evt) {
			continue
		}

		deliver := func(_ context.Context, e events.Event) error {
			return peer.SendJSON(protocol.NewEvent(string(e.Name), e.Data, e.Timestamp))
		}
		var sub events.Subscription
		if evt == events.Wildcard {
			sub = r.bus.SubscribeAll(deliver)
		} else {
			sub = r.bus.Subscribe(evt, deliver)
		}
		if !peer.subscribe(evt, sub) {
			sub.Unsubscribe()
		}
	}

	resp := protocol.Response{
		Type:             protocol.ResponseType(m.Verb()),
		RequestID:        m.RequestID,
		Status:           protocol.StatusSuccess,
		SubscribedEvents: subscribed,
		InvalidEvents:    invalid,
	}
	if len(subscribed) == 0 {
		resp.Status = protocol.StatusError
		resp.Error = "no valid events"
	}
	peer.SendJSON(resp)
}

func (r *Relay) unsubscribe(peer *Peer, m *protocol.UnsubscribeEvents) {
	var removed, invalid []string
	for _, name := range m.Events {
		if peer.unsubscribe(events.Name(name)) {
			removed = append(removed, name)
		} else {
			invalid = append(invalid, name)
		}
	}
	peer.SendJSON(protocol.Response{
		Type:               protocol.ResponseType(m.Verb()),
		RequestID:          m.RequestID,
		Status:             protocol.StatusSuccess,
		UnsubscribedEvents: removed,
		InvalidEvents:      invalid,
	})
}
