// Package protocol defines the wire formats spoken by neighbot: robot frame
// datagrams, detection-service frames, console frames, operator commands and
// the dashboard WebSocket envelope.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of dashboard WebSocket message
type MessageType string

const (
	TypeStatus   MessageType = "status"   // Robot status snapshot
	TypeFrame    MessageType = "frame"    // Merged console frame
	TypeIncident MessageType = "incident" // Incident opened or closed
	TypeCommand  MessageType = "command"  // Operator command issued
	TypeStats    MessageType = "stats"    // Pipeline counters
)

// Message is the base wrapper for all dashboard WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data any) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v any) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}

// FeedFrame is a merged frame pushed to dashboard viewers.
type FeedFrame struct {
	FrameID    uint64      `json:"frame_id"`
	Timestamp  string      `json:"timestamp"`
	Detections []Detection `json:"detections"`
	State      string      `json:"robot_status"`
	Location   string      `json:"location"`
	JPEG       []byte      `json:"jpeg"` // base64 in JSON
}

// IncidentEvent announces an incident recording being opened or closed.
type IncidentEvent struct {
	ID        string `json:"id"`
	Label     string `json:"label,omitempty"`
	Event     string `json:"event"` // "opened", "closed"
	VideoPath string `json:"video_path,omitempty"`
	ImagePath string `json:"image_path,omitempty"`
}

// CommandEvent records an operator command accepted by the server.
type CommandEvent struct {
	Name   string `json:"name"`
	Source string `json:"source"` // "console", "dashboard"
}
