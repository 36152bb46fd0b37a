// Package tabs owns tab state, cookie persistence and chunked HTML reassembly.
package tabs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID identifies a tab or window. Extensions send numbers, automation callers often
// send strings; both decode to the same ID.
type ID string

// UnmarshalJSON accepts a JSON number, string or null.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*id = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("tab id: %w", err)
		}
		*id = ID(n.String())
	}
	return nil
}

// MarshalJSON writes canonical integral ids as numbers so extensions receive what
// they sent. Anything else ("01", "+5") stays a string.
func (id ID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(id) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id ID) String() string { return string(id) }

// Tab load states.
const (
	StatusLoading  = "loading"
	StatusComplete = "complete"
	StatusError    = "error"
)

// Tab is one browser tab as reported by the extension.
type Tab struct {
	ID         ID     `json:"id"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	Active     bool   `json:"active"`
	WindowID   ID     `json:"windowId"`
	Position   int    `json:"index"`
	FavIconURL string `json:"favIconUrl,omitempty"`
	Status     string `json:"status,omitempty"`
}

// Snapshot is the answer to get_tabs.
type Snapshot struct {
	Tabs        []Tab `json:"tabs"`
	ActiveTabID ID    `json:"activeTabId,omitempty"`
}

// Same-site policies as stored.
const (
	SameSiteNoRestriction = "no_restriction"
	SameSiteLax           = "lax"
	SameSiteStrict        = "strict"
	SameSiteUnspecified   = "unspecified"
)

// Cookie mirrors the chrome.cookies.Cookie shape.
type Cookie struct {
	Name           string          `json:"name"`
	Value          string          `json:"value"`
	Domain         string          `json:"domain"`
	Path           string          `json:"path,omitempty"`
	Secure         bool            `json:"secure"`
	HTTPOnly       bool            `json:"httpOnly"`
	SameSite       string          `json:"sameSite,omitempty"`
	ExpirationDate *float64        `json:"expirationDate,omitempty"`
	Session        bool            `json:"session"`
	StoreID        string          `json:"storeId,omitempty"`
	HostOnly       bool            `json:"hostOnly,omitempty"`
	PartitionKey   json.RawMessage `json:"partitionKey,omitempty"`
}

// CookieFilter narrows Cookies. Empty fields match everything.
type CookieFilter struct {
	Domain string
	Name   string
}
