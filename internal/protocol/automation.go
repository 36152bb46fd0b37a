package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/neboloop/tabrelay/internal/tabs"
)

// Automation verbs.
const (
	VerbGetTabs           = "get_tabs"
	VerbOpenURL           = "open_url"
	VerbCloseTab          = "close_tab"
	VerbGetHTML           = "get_html"
	VerbExecuteScript     = "execute_script"
	VerbInjectCSS         = "inject_css"
	VerbGetCookies        = "get_cookies"
	VerbUploadFileToTab   = "upload_file_to_tab"
	VerbSubscribeEvents   = "subscribe_events"
	VerbUnsubscribeEvents = "unsubscribe_events"
	VerbGetResponse       = "get_response"
)

// ErrMissingParameter is matched by every validation failure.
var ErrMissingParameter = errors.New("missing required parameter")

func missing(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingParameter, name)
}

// AutomationMessage is any frame an automation peer can send.
type AutomationMessage interface {
	Verb() string
	Validate() error
	Base() *Action
}

// Action holds the fields every automation command may carry.
type Action struct {
	RequestID   string `json:"requestId,omitempty"`
	CallbackURL string `json:"callbackUrl,omitempty"`

	raw json.RawMessage
}

func (a *Action) Base() *Action { return a }

type GetTabs struct{ Action }

type OpenURL struct {
	Action
	URL      string  `json:"url"`
	TabID    tabs.ID `json:"tabId,omitempty"`
	WindowID tabs.ID `json:"windowId,omitempty"`
}

type CloseTab struct {
	Action
	TabID tabs.ID `json:"tabId"`
}

type GetHTML struct {
	Action
	TabID tabs.ID `json:"tabId"`
}

type ExecuteScript struct {
	Action
	TabID tabs.ID `json:"tabId"`
	Code  string  `json:"code"`
}

type InjectCSS struct {
	Action
	TabID tabs.ID `json:"tabId"`
	CSS   string  `json:"css"`
}

type GetCookies struct {
	Action
	TabID tabs.ID `json:"tabId"`
}

type UploadFileToTab struct {
	Action
	TabID          tabs.ID         `json:"tabId"`
	Files          json.RawMessage `json:"files,omitempty"`
	TargetSelector string          `json:"targetSelector,omitempty"`
}

type SubscribeEvents struct {
	Action
	Events []string `json:"events"`
}

type UnsubscribeEvents struct {
	Action
	Events []string `json:"events"`
}

// GetResponse pulls the stored response for RequestID.
type GetResponse struct{ Action }

// UnknownAutomation is a well-formed frame with an unrecognized type.
type UnknownAutomation struct {
	Action
	Type string
}

func (*GetTabs) Verb() string           { return VerbGetTabs }
func (*OpenURL) Verb() string           { return VerbOpenURL }
func (*CloseTab) Verb() string          { return VerbCloseTab }
func (*GetHTML) Verb() string           { return VerbGetHTML }
func (*ExecuteScript) Verb() string     { return VerbExecuteScript }
func (*InjectCSS) Verb() string         { return VerbInjectCSS }
func (*GetCookies) Verb() string        { return VerbGetCookies }
func (*UploadFileToTab) Verb() string   { return VerbUploadFileToTab }
func (*SubscribeEvents) Verb() string   { return VerbSubscribeEvents }
func (*UnsubscribeEvents) Verb() string { return VerbUnsubscribeEvents }
func (*GetResponse) Verb() string       { return VerbGetResponse }
func (m *UnknownAutomation) Verb() string {
	return m.Type
}

func (*GetTabs) Validate() error { return nil }

func (m *OpenURL) Validate() error {
	if strings.TrimSpace(m.URL) == "" {
		return missing("url")
	}
	return nil
}

func (m *CloseTab) Validate() error { return requireTab(m.TabID) }
func (m *GetHTML) Validate() error  { return requireTab(m.TabID) }

func (m *ExecuteScript) Validate() error {
	if err := requireTab(m.TabID); err != nil {
		return err
	}
	if m.Code == "" {
		return missing("code")
	}
	return nil
}

func (m *InjectCSS) Validate() error {
	if err := requireTab(m.TabID); err != nil {
		return err
	}
	if m.CSS == "" {
		return missing("css")
	}
	return nil
}

func (m *GetCookies) Validate() error { return requireTab(m.TabID) }

func (m *UploadFileToTab) Validate() error {
	if err := requireTab(m.TabID); err != nil {
		return err
	}
	if len(m.Files) == 0 || string(m.Files) == "null" {
		return missing("files")
	}
	return nil
}

func (m *SubscribeEvents) Validate() error {
	if len(m.Events) == 0 {
		return missing("events")
	}
	return nil
}

func (m *UnsubscribeEvents) Validate() error {
	if len(m.Events) == 0 {
		return missing("events")
	}
	return nil
}

func (m *GetResponse) Validate() error {
	if m.RequestID == "" {
		return missing("requestId")
	}
	return nil
}

func (m *UnknownAutomation) Validate() error {
	return fmt.Errorf("unknown message type %q", m.Type)
}

func requireTab(id tabs.ID) error {
	if id == "" {
		return missing("tabId")
	}
	return nil
}

// DecodeAutomation parses one automation frame.
func DecodeAutomation(data []byte) (AutomationMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	var msg AutomationMessage
	switch env.Type {
	case VerbGetTabs:
		msg = &GetTabs{}
	case VerbOpenURL:
		msg = &OpenURL{}
	case VerbCloseTab:
		msg = &CloseTab{}
	case VerbGetHTML:
		msg = &GetHTML{}
	case VerbExecuteScript:
		msg = &ExecuteScript{}
	case VerbInjectCSS:
		msg = &InjectCSS{}
	case VerbGetCookies:
		msg = &GetCookies{}
	case VerbUploadFileToTab:
		msg = &UploadFileToTab{}
	case VerbSubscribeEvents:
		msg = &SubscribeEvents{}
	case VerbUnsubscribeEvents:
		msg = &UnsubscribeEvents{}
	case VerbGetResponse:
		msg = &GetResponse{}
	default:
		msg = &UnknownAutomation{Type: env.Type}
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	msg.Base().raw = append(json.RawMessage(nil), data...)
	return msg, nil
}

// Forward renders m for extension peers: the frame as the caller sent it, with
// requestId set to the id the relay allocated.
func Forward(m AutomationMessage) ([]byte, error) {
	base := m.Base()
	fields := map[string]json.RawMessage{}
	src := base.raw
	if len(src) == 0 {
		var err error
		if src, err = json.Marshal(m); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal(src, &fields); err != nil {
		return nil, err
	}
	typ, _ := json.Marshal(m.Verb())
	fields["type"] = typ
	id, _ := json.Marshal(base.RequestID)
	fields["requestId"] = id
	return json.Marshal(fields)
}
