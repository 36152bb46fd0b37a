package protocol

import (
	"time"
)

// Outbound frame types.
const (
	TypeEvent                 = "event"
	TypeConnectionEstablished = "connection_established"
	ErrInvalidJSON            = "invalid_json"
	ErrUnknownType            = "unknown_type"
	ErrInternal               = "internal_error"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ResponseType is the frame type answering verb.
func ResponseType(verb string) string {
	return verb + "_response"
}

// Response answers one automation command.
type Response struct {
	Type               string   `json:"type"`
	RequestID          string   `json:"requestId,omitempty"`
	Status             string   `json:"status"`
	Data               any      `json:"data,omitempty"`
	Error              string   `json:"error,omitempty"`
	SubscribedEvents   []string `json:"subscribedEvents,omitempty"`
	UnsubscribedEvents []string `json:"unsubscribedEvents,omitempty"`
	InvalidEvents      []string `json:"invalidEvents,omitempty"`
}

func Success(verb, requestID string, data any) Response {
	return Response{Type: ResponseType(verb), RequestID: requestID, Status: StatusSuccess, Data: data}
}

func Failure(verb, requestID, message string) Response {
	return Response{Type: ResponseType(verb), RequestID: requestID, Status: StatusError, Error: message}
}

// Event relays one published domain event to a subscribed automation peer.
type Event struct {
	Type      string    `json:"type"`
	Event     string    `json:"event"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewEvent(name string, data any, at time.Time) Event {
	return Event{Type: TypeEvent, Event: name, Data: data, Timestamp: at}
}

// ConnectionEstablished greets a new automation peer.
type ConnectionEstablished struct {
	Type      string    `json:"type"`
	ClientID  string    `json:"clientId"`
	Timestamp time.Time `json:"timestamp"`
}

func NewConnectionEstablished(clientID string, at time.Time) ConnectionEstablished {
	return ConnectionEstablished{Type: TypeConnectionEstablished, ClientID: clientID, Timestamp: at}
}

// Error answers a frame that could not be handled at all.
type Error struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func NewError(code, message string) Error {
	return Error{Type: TypeError, Error: code, Message: message}
}
