package events

// Name identifies a domain event published on the Bus.
type Name string

const (
	Error           Name = "error"
	Init            Name = "init"
	TabsUpdate      Name = "tabs_update"
	TabOpened       Name = "tab_opened"
	TabURLChanged   Name = "tab_url_changed"
	TabClosed       Name = "tab_closed"
	ScriptExecuted  Name = "script_executed"
	CSSInjected     Name = "css_injected"
	CookiesReceived Name = "cookies_received"
	FileUploaded    Name = "file_uploaded"
	TabHTMLReceived Name = "tab_html_received"

	ExtensionConnected    Name = "extension_connected"
	ExtensionDisconnected Name = "extension_disconnected"
)

// All is the closed set of names observers may subscribe to.
var All = []Name{
	Error, Init, TabsUpdate, TabOpened, TabURLChanged, TabClosed,
	ScriptExecuted, CSSInjected, CookiesReceived, FileUploaded, TabHTMLReceived,
	ExtensionConnected, ExtensionDisconnected,
}

// Wildcard subscribes to every published event.
const Wildcard Name = "*"

// Known reports whether s names a published event.
func Known(s string) bool {
	for _, n := range All {
		if string(n) == s {
			return true
		}
	}
	return false
}

const wildcardTopic = string(Wildcard)

func topic(n Name) string {
	return "event." + string(n)
}
