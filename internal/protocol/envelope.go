// Package protocol defines the JSON envelopes exchanged between the hub and
// the browser agent, the typed commands they carry, and the error taxonomy
// used on the wire.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Control and response message types.
const (
	TypePing            = "ping"
	TypePong            = "pong"
	TypeConnected       = "connected"
	TypeCommandResponse = "command_response"
	TypeEvent           = "event"
	TypeError           = "error"
)

// Header is the part of every envelope that routing depends on.
type Header struct {
	Type      string  `json:"type"`
	CommandID string  `json:"command_id,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// Stamp fills the timestamp when it is unset.
func (h *Header) Stamp() {
	if h.Timestamp == 0 {
		h.Timestamp = Now()
	}
}

// IsResponse reports whether the header belongs to a command response. A
// message without a type that still carries a command id is treated as a
// response, matching what older agents send.
func (h Header) IsResponse() bool {
	return h.Type == TypeCommandResponse || (h.Type == "" && h.CommandID != "")
}

// DecodeHeader extracts the routing header from a raw envelope.
func DecodeHeader(data []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return Header{}, fmt.Errorf("decode envelope: %w", err)
	}
	return h, nil
}

// Response is the tagged success/failure envelope returned for every command.
type Response struct {
	Type      string          `json:"type"`
	CommandID string          `json:"command_id,omitempty"`
	Success   bool            `json:"success"`
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp float64         `json:"timestamp"`
}

// Err converts a failed response back into a CodedError. It returns nil for
// successful responses.
func (r Response) Err() error {
	if r.Success {
		return nil
	}
	code := r.ErrorCode
	if code == "" {
		code = CodeInternal
	}
	msg := r.Error
	if msg == "" {
		msg = "command failed"
	}
	return &CodedError{Code: code, Message: msg}
}

// DecodeData unmarshals the response payload into out.
func (r Response) DecodeData(out any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("response %s carries no data", r.CommandID)
	}
	return json.Unmarshal(r.Data, out)
}

// OK builds a successful response. data may be nil.
func OK(commandID, message string, data any) Response {
	resp := Response{
		Type:      TypeCommandResponse,
		CommandID: commandID,
		Success:   true,
		Message:   message,
		Timestamp: Now(),
	}
	if data == nil {
		return resp
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Fail(commandID, NewError(CodeInternal, "encode response data", err))
	}
	resp.Data = raw
	return resp
}

// Fail builds a failed response from err.
func Fail(commandID string, err error) Response {
	return Response{
		Type:      TypeCommandResponse,
		CommandID: commandID,
		Success:   false,
		Error:     err.Error(),
		ErrorCode: CodeOf(err),
		Timestamp: Now(),
	}
}

// Event is an unsolicited notification from the agent, e.g. a status change.
type Event struct {
	Type      string          `json:"type"`
	EventType string          `json:"event_type"`
	Timestamp float64         `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event envelope with a JSON-encoded payload.
func NewEvent(eventType string, data any) (Event, error) {
	evt := Event{Type: TypeEvent, EventType: eventType, Timestamp: Now()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, fmt.Errorf("encode event %s: %w", eventType, err)
		}
		evt.Data = raw
	}
	return evt, nil
}

// Control is a payload-less envelope such as ping, pong or connected.
type Control struct {
	Type      string  `json:"type"`
	Message   string  `json:"message,omitempty"`
	Error     string  `json:"error,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

func NewControl(typ string) Control {
	return Control{Type: typ, Timestamp: Now()}
}

// Now returns the current time as fractional epoch seconds.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
