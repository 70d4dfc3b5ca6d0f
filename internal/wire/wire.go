// Package wire defines the JSON frame protocol spoken between the hub,
// the Automator extension and Requester clients: one JSON object per
// websocket text frame, discriminated by a string "type" field.
//
// Frames are map-backed rather than typed structs because the hub must
// preserve fields it does not understand when forwarding (new tools may
// add fields without a hub upgrade).
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame types originated by clients.
const (
	TypeRegisterAutomator = "register_automator"
	TypeRegisterRequester = "register_requester"
	TypeKeepalive         = "keepalive"
	TypeRequest           = "request"
	TypeResponse          = "response"
	TypeError             = "error"
	TypeProgress          = "progress"
	TypeAwaitOperation    = "await_operation"
	TypeGetOperation      = "get_operation"
)

// Frame types originated by the hub.
const (
	TypeKeepaliveResponse     = "keepalive_response"
	TypeWelcome               = "welcome"
	TypeRegistrationConfirmed = "registration_confirmed"
	TypeClientListUpdate      = "client_list_update"
	TypeHubShutdown           = "hub_shutdown"
)

// Frame is a single protocol message. All fields beyond "type" and
// "timestamp" are type-specific; unknown fields survive a
// Decode/Encode round trip untouched.
type Frame map[string]any

// New creates a frame of the given type stamped with the current wall time.
func New(typ string) Frame {
	return Frame{
		"type":      typ,
		"timestamp": time.Now().UnixMilli(),
	}
}

// Decode parses data into a Frame. The payload must be a JSON object
// with a string "type" field; anything else is a protocol violation.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("frame is not a JSON object: %w", err)
	}
	if f == nil {
		return nil, fmt.Errorf("frame is null")
	}
	if _, ok := f["type"].(string); !ok {
		return nil, fmt.Errorf("frame has no string \"type\" field")
	}
	return f, nil
}

// Encode serializes the frame to JSON.
func (f Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Type returns the frame's type discriminator.
func (f Frame) Type() string {
	t, _ := f["type"].(string)
	return t
}

// Timestamp returns the frame's timestamp in ms since epoch, or 0.
func (f Frame) Timestamp() int64 {
	switch v := f["timestamp"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

// String returns the named field as a string. Numeric values are
// stringified so that clients sending numeric request ids still correlate.
func (f Frame) String(key string) string {
	switch v := f[key].(type) {
	case string:
		return v
	case float64:
		// JSON numbers decode as float64; render integers without a dot.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	case json.Number:
		return v.String()
	}
	return ""
}

// RequestID returns the frame's request correlation token.
func (f Frame) RequestID() string { return f.String("requestId") }

// OperationID returns the frame's operation id.
func (f Frame) OperationID() string { return f.String("operationId") }

// Object returns the named field as a JSON object, or nil.
func (f Frame) Object(key string) map[string]any {
	m, _ := f[key].(map[string]any)
	return m
}

// Set stores a field on the frame and returns the frame for chaining.
func (f Frame) Set(key string, v any) Frame {
	f[key] = v
	return f
}

// ClientInfo is the identity a Requester presents at registration.
type ClientInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities,omitempty"`
	Version      string   `json:"version,omitempty"`
}

// ClientInfoFrom extracts a ClientInfo from a frame's clientInfo object.
func ClientInfoFrom(f Frame) ClientInfo {
	ci := ClientInfo{}
	obj := f.Object("clientInfo")
	if obj == nil {
		return ci
	}
	if s, ok := obj["id"].(string); ok {
		ci.ID = s
	}
	if s, ok := obj["name"].(string); ok {
		ci.Name = s
	}
	if s, ok := obj["type"].(string); ok {
		ci.Type = s
	}
	if s, ok := obj["version"].(string); ok {
		ci.Version = s
	}
	if caps, ok := obj["capabilities"].([]any); ok {
		for _, c := range caps {
			if s, ok := c.(string); ok {
				ci.Capabilities = append(ci.Capabilities, s)
			}
		}
	}
	return ci
}

// ClientSummary is one entry of a client_list_update frame.
type ClientSummary struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities,omitempty"`
	RegisteredAt int64    `json:"registeredAt"`
	RequestCount int64    `json:"requestCount"`
	LastActivity int64    `json:"lastActivity"`
}

// HubInfo describes the hub to clients in welcome and
// registration_confirmed frames.
type HubInfo struct {
	Version string `json:"version"`
	Port    int    `json:"port"`
}
