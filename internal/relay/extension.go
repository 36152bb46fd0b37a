package relay

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/neboloop/tabrelay/internal/crashlog"
	"github.com/neboloop/tabrelay/internal/events"
	"github.com/neboloop/tabrelay/internal/protocol"
	"github.com/neboloop/tabrelay/internal/tabs"
)

// completionEvents maps each completion verb to the event it publishes.
var completionEvents = map[string]events.Name{
	protocol.VerbCloseTab:        events.TabClosed,
	protocol.VerbExecuteScript:   events.ScriptExecuted,
	protocol.VerbInjectCSS:       events.CSSInjected,
	protocol.VerbGetCookies:      events.CookiesReceived,
	protocol.VerbUploadFileToTab: events.FileUploaded,
}

func failurePayload(message string) map[string]any {
	return map[string]any{"success": false, "error": message}
}

func (r *Relay) handleExtensionFrame(peer *Peer, data []byte) {
	msg, err := protocol.DecodeExtension(data)
	if err != nil {
		r.log.Warn("invalid frame from extension", zap.String("peer", peer.ID), zap.Error(err))
		peer.SendJSON(protocol.NewError(protocol.ErrInvalidJSON, err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(peer.ctx, storeTimeout)
	defer cancel()

	switch m := msg.(type) {
	case protocol.ExtensionError:
		r.log.Warn("extension reported error",
			zap.String("peer", peer.ID), zap.String("request_id", m.RequestID), zap.String("message", m.Message))
		if m.RequestID != "" {
			r.resolve(ctx, m.RequestID, "", failurePayload(m.Message))
		}
		r.publish(events.Error, map[string]any{"requestId": m.RequestID, "message": m.Message})

	case protocol.Init:
		r.publish(events.Init, map[string]any{"clientId": peer.ID})

	case protocol.TabsData:
		if err := r.tabs.UpdateTabs(ctx, m.Payload.Tabs, m.Payload.ActiveTabID); err != nil {
			r.log.Error("update tabs failed", zap.Error(err))
			return
		}
		r.publish(events.TabsUpdate, r.tabs.GetTabs())

	case *protocol.OpenURLComplete:
		payload := m.Payload()
		if len(m.Cookies) > 0 {
			r.saveCookies(ctx, m.TabID, m.Cookies)
		}
		r.resolve(ctx, m.RequestID, m.Verb(), payload)
		if m.NewTab() {
			r.publish(events.TabOpened, payload)
		} else {
			r.publish(events.TabURLChanged, payload)
		}

	case *protocol.GetCookiesComplete:
		payload := m.Payload()
		r.saveCookies(ctx, m.TabID, m.Cookies)
		payload["analysis"] = tabs.AnalyzeCookies(m.URL, m.Cookies)
		r.resolve(ctx, m.RequestID, m.Verb(), payload)
		r.publish(events.CookiesReceived, payload)

	case protocol.Completion:
		payload := m.Payload()
		r.resolve(ctx, m.Request(), m.Verb(), payload)
		r.publish(completionEvents[m.Verb()], payload)

	case protocol.TabHTMLChunk:
		if _, err := r.tabs.HandleHTMLChunk(ctx, m.HTMLChunk, m.RequestID); err != nil {
			r.log.Error("html chunk failed", zap.String("tab", m.TabID.String()), zap.Error(err))
		}

	case protocol.TabHTMLComplete:
		r.completeHTML(ctx, m)

	case protocol.Pong:

	case protocol.Unknown:
		r.log.Warn("unknown extension message type", zap.String("peer", peer.ID), zap.String("type", m.Type))
	}
}

func (r *Relay) saveCookies(ctx context.Context, tabID tabs.ID, cookies []tabs.Cookie) {
	if _, err := r.tabs.SaveCookies(ctx, tabID, cookies); err != nil {
		r.log.Error("save cookies failed", zap.String("tab", tabID.String()), zap.Error(err))
	}
}

func (r *Relay) completeHTML(ctx context.Context, m protocol.TabHTMLComplete) {
	assembly, err := r.tabs.HandleHTMLComplete(ctx, m.HTMLComplete, m.RequestID)
	requestID := assembly.RequestID
	if requestID == "" {
		requestID = m.RequestID
	}

	switch {
	case errors.Is(err, tabs.ErrPartialAssembly):
		if requestID != "" {
			r.resolve(ctx, requestID, protocol.VerbGetHTML, failurePayload(err.Error()))
		}
		return
	case err != nil:
		r.log.Error("html completion failed", zap.String("tab", m.TabID.String()), zap.Error(err))
		if requestID != "" {
			r.resolve(ctx, requestID, protocol.VerbGetHTML, failurePayload("failed to store html"))
		}
		return
	}

	payload := map[string]any{
		"success": true,
		"tabId":   assembly.TabID,
		"html":    assembly.HTML,
	}
	if m.URL != "" {
		payload["url"] = m.URL
	}
	if m.Title != "" {
		payload["title"] = m.Title
	}
	if requestID != "" {
		payload["requestId"] = requestID
		r.resolve(ctx, requestID, protocol.VerbGetHTML, payload)
	}
	r.publish(events.TabHTMLReceived, map[string]any{
		"tabId":     assembly.TabID,
		"requestId": requestID,
		"length":    len(assembly.HTML),
	})
}

// resolve stores payload for requestID and hands it to a waiting automation peer.
// verb names the response frame when the peer registered none.
func (r *Relay) resolve(ctx context.Context, requestID, verb string, payload map[string]any) {
	if requestID == "" {
		r.log.Warn("completion without request id", zap.String("verb", verb))
		return
	}
	if err := r.callbacks.Resolve(ctx, requestID, payload); err != nil {
		crashlog.LogError("relay", fmt.Errorf("resolve callback: %w", err), map[string]string{"requestId": requestID, "verb": verb})
		// pollers and pullers still need a terminal outcome
		payload = failurePayload("failed to store response")
		if err := r.callbacks.Resolve(ctx, requestID, payload); err != nil {
			r.log.Error("store failure response", zap.String("request_id", requestID), zap.Error(err))
		}
	}

	w, ok := r.takeWaiter(requestID)
	if !ok {
		return
	}
	if w.verb != "" {
		verb = w.verb
	}
	r.respond(w.peer, verb, responseFor(verb, requestID, payload))
}

// responseFor renders a stored payload as a <verb>_response frame.
func responseFor(verb, requestID string, payload map[string]any) protocol.Response {
	if ok, isBool := payload["success"].(bool); isBool && !ok {
		msg, _ := payload["error"].(string)
		if msg == "" {
			msg = "request failed"
		}
		return protocol.Failure(verb, requestID, msg)
	}
	return protocol.Success(verb, requestID, payload)
}
