package server

import (
	"encoding/json"
	"time"
)

const (
	EventError      = "error"
	EventTimerStart = "timer:start"
	EventTimerStop  = "timer:stop"
)

// ServerMessage is the envelope written to websocket clients.
type ServerMessage struct {
	Event     string    `json:"event"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is the envelope read from websocket clients. Data is decoded
// once the event name is known.
type ClientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type TimerStart struct {
	Duration int `json:"duration"`
}

type ErrorData struct {
	Message string `json:"message"`
}

func NewServerMessage(event string, data any) *ServerMessage {
	return &ServerMessage{
		Event:     event,
		Data:      data,
		Timestamp: Now(),
	}
}

func ErrInvalidMessage() *ServerMessage {
	return NewServerMessage(EventError, ErrorData{Message: "invalid message format"})
}

func ErrUnknownEvent(event string) *ServerMessage {
	return NewServerMessage(EventError, ErrorData{Message: "unknown event: " + event})
}

func ErrInvalidDuration() *ServerMessage {
	return NewServerMessage(EventError, ErrorData{Message: "duration must be between 0 and 600 seconds"})
}

func ErrRateLimited() *ServerMessage {
	return NewServerMessage(EventError, ErrorData{Message: "too many messages"})
}

func ErrNoViewers() *ServerMessage {
	return NewServerMessage(EventError, ErrorData{Message: "room has no viewers"})
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
