package types

import (
	"encoding/json"
	"time"

	"github.com/neboloop/tabrelay/internal/crashlog"
	"github.com/neboloop/tabrelay/internal/tabs"
)

type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

type StatusResponse struct {
	Extensions          int  `json:"extensions"`
	Automations         int  `json:"automations"`
	MaxExtensionClients int  `json:"maxExtensionClients"`
	PendingRequests     int  `json:"pendingRequests"`
	AuthEnabled         bool `json:"authEnabled"`
}

type TabsResponse struct {
	Tabs        []tabs.Tab `json:"tabs"`
	ActiveTabID tabs.ID    `json:"activeTabId"`
}

type ConnectionItem struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Address     string    `json:"address"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type ListConnectionsResponse struct {
	Connections []ConnectionItem `json:"connections"`
}

// GetResponseResponse carries a stored callback payload verbatim.
type GetResponseResponse struct {
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data"`
}

type ListErrorsResponse struct {
	Errors []crashlog.Entry `json:"errors"`
}
