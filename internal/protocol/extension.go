// Package protocol defines the JSON frames exchanged over the relay websocket.
//
// Inbound frames decode into a closed set of variants per peer kind. Types the
// relay does not know decode to Unknown so callers can log them without failing.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/neboloop/tabrelay/internal/tabs"
)

// Extension frame types.
const (
	TypeError                   = "error"
	TypeInit                    = "init"
	TypeData                    = "data"
	TypeOpenURLComplete         = "open_url_complete"
	TypeCloseTabComplete        = "close_tab_complete"
	TypeExecuteScriptComplete   = "execute_script_complete"
	TypeInjectCSSComplete       = "inject_css_complete"
	TypeGetCookiesComplete      = "get_cookies_complete"
	TypeUploadFileToTabComplete = "upload_file_to_tab_complete"
	TypeTabHTMLChunk            = "tab_html_chunk"
	TypeTabHTMLComplete         = "tab_html_complete"
	TypePong                    = "pong"
)

// ExtensionMessage is any frame an extension peer can send.
type ExtensionMessage interface {
	extensionMessage()
}

// Completion is an extension reply to a forwarded action.
type Completion interface {
	ExtensionMessage
	// Verb is the action this completes, e.g. "open_url".
	Verb() string
	Request() string
	// Payload is the frame as stored for the callback: every field the extension
	// sent except the type tag, plus success=true unless the extension set it.
	Payload() map[string]any
}

// Completed holds what every completion frame shares.
type Completed struct {
	RequestID string  `json:"requestId"`
	TabID     tabs.ID `json:"tabId"`

	raw json.RawMessage
}

func (c *Completed) Request() string { return c.RequestID }

func (c *Completed) Payload() map[string]any {
	fields := map[string]any{}
	if len(c.raw) > 0 {
		_ = json.Unmarshal(c.raw, &fields)
	}
	delete(fields, "type")
	if _, ok := fields["success"]; !ok {
		fields["success"] = true
	}
	return fields
}

// ExtensionError reports a failed action, or an extension-side fault without a request.
type ExtensionError struct {
	RequestID string `json:"requestId,omitempty"`
	Message   string `json:"message"`
}

// Init is sent once the extension has started.
type Init struct{}

// TabsData is the extension's full tab snapshot.
type TabsData struct {
	Payload struct {
		Tabs        []tabs.Tab `json:"tabs"`
		ActiveTabID tabs.ID    `json:"active_tab_id"`
	} `json:"payload"`
}

type OpenURLComplete struct {
	Completed
	URL           string        `json:"url"`
	Cookies       []tabs.Cookie `json:"cookies,omitempty"`
	IsNewTab      *bool         `json:"isNewTab,omitempty"`
	OriginalTabID tabs.ID       `json:"originalTabId,omitempty"`
}

// NewTab decides between tab_opened and tab_url_changed. The explicit flag wins;
// without it, an open that named no prior tab created one.
func (m *OpenURLComplete) NewTab() bool {
	if m.IsNewTab != nil {
		return *m.IsNewTab
	}
	return m.OriginalTabID == ""
}

type CloseTabComplete struct {
	Completed
}

type ExecuteScriptComplete struct {
	Completed
	Result json.RawMessage `json:"result,omitempty"`
}

type InjectCSSComplete struct {
	Completed
}

type GetCookiesComplete struct {
	Completed
	URL     string        `json:"url"`
	Cookies []tabs.Cookie `json:"cookies"`
}

type UploadFileToTabComplete struct {
	Completed
	UploadedFiles  json.RawMessage `json:"uploadedFiles,omitempty"`
	TargetSelector string          `json:"targetSelector,omitempty"`
	Message        string          `json:"message,omitempty"`
}

type TabHTMLChunk struct {
	tabs.HTMLChunk
}

type TabHTMLComplete struct {
	tabs.HTMLComplete
}

type Pong struct{}

// Unknown is a well-formed frame with an unrecognized type.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (ExtensionError) extensionMessage()           {}
func (Init) extensionMessage()                     {}
func (TabsData) extensionMessage()                 {}
func (*OpenURLComplete) extensionMessage()         {}
func (*CloseTabComplete) extensionMessage()        {}
func (*ExecuteScriptComplete) extensionMessage()   {}
func (*InjectCSSComplete) extensionMessage()       {}
func (*GetCookiesComplete) extensionMessage()      {}
func (*UploadFileToTabComplete) extensionMessage() {}
func (TabHTMLChunk) extensionMessage()             {}
func (TabHTMLComplete) extensionMessage()          {}
func (Pong) extensionMessage()                     {}
func (Unknown) extensionMessage()                  {}

func (*OpenURLComplete) Verb() string         { return "open_url" }
func (*CloseTabComplete) Verb() string        { return "close_tab" }
func (*ExecuteScriptComplete) Verb() string   { return "execute_script" }
func (*InjectCSSComplete) Verb() string       { return "inject_css" }
func (*GetCookiesComplete) Verb() string      { return "get_cookies" }
func (*UploadFileToTabComplete) Verb() string { return "upload_file_to_tab" }

type envelope struct {
	Type string `json:"type"`
}

// DecodeExtension parses one extension frame.
func DecodeExtension(data []byte) (ExtensionMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	var (
		msg       ExtensionMessage
		completed *Completed
	)
	switch env.Type {
	case TypeError:
		msg = &ExtensionError{}
	case TypeInit:
		return Init{}, nil
	case TypePong:
		return Pong{}, nil
	case TypeData:
		msg = &TabsData{}
	case TypeOpenURLComplete:
		m := &OpenURLComplete{}
		msg, completed = m, &m.Completed
	case TypeCloseTabComplete:
		m := &CloseTabComplete{}
		msg, completed = m, &m.Completed
	case TypeExecuteScriptComplete:
		m := &ExecuteScriptComplete{}
		msg, completed = m, &m.Completed
	case TypeInjectCSSComplete:
		m := &InjectCSSComplete{}
		msg, completed = m, &m.Completed
	case TypeGetCookiesComplete:
		m := &GetCookiesComplete{}
		msg, completed = m, &m.Completed
	case TypeUploadFileToTabComplete:
		m := &UploadFileToTabComplete{}
		msg, completed = m, &m.Completed
	case TypeTabHTMLChunk:
		msg = &TabHTMLChunk{}
	case TypeTabHTMLComplete:
		msg = &TabHTMLComplete{}
	default:
		return Unknown{Type: env.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	if completed != nil {
		completed.raw = append(json.RawMessage(nil), data...)
	}

	// value variants for the plain structs keep type switches simple
	switch m := msg.(type) {
	case *ExtensionError:
		return *m, nil
	case *TabsData:
		return *m, nil
	case *TabHTMLChunk:
		return *m, nil
	case *TabHTMLComplete:
		return *m, nil
	}
	return msg, nil
}
