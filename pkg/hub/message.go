// Package hub fans dashboard updates out to websocket viewers. Each viewer
// has a bounded send buffer. A viewer that falls behind on status messages
// is disconnected; one that falls behind on the live feed just skips frames.
package hub

import "github.com/gofiber/websocket/v2"

// Message is one pre-encoded broadcast.
type Message struct {
	Data   []byte
	Binary bool // Sent as a websocket binary frame
	Lossy  bool // May be skipped for a backed-up viewer
}

// Text creates a message that every viewer must receive.
func Text(data []byte) Message {
	return Message{Data: data}
}

// Frame creates a lossy message for the live feed.
func Frame(data []byte) Message {
	return Message{Data: data, Lossy: true}
}

// Binary creates a lossy binary message, e.g. a raw JPEG.
func Binary(data []byte) Message {
	return Message{Data: data, Binary: true, Lossy: true}
}

func (m Message) wsType() int {
	if m.Binary {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}
