package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/go-neighbot/pkg/protocol"
)

// Hub maintains the set of active clients and broadcasts messages to them
type Hub struct {
	name string
	log  *slog.Logger

	// Registered clients, owned by Run
	clients map[*Client]struct{}

	broadcast  chan Message
	register   chan *Client
	unregister chan *Client

	count   atomic.Int32
	dropped atomic.Uint64
	skipped atomic.Uint64
	running atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// New creates a new Hub
func New(name string, log *slog.Logger) *Hub {
	return &Hub{
		name:       name,
		log:        log.With("hub", name),
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run fans messages out to clients until ctx is done. A client whose send
// buffer is full misses lossy messages and is dropped on any other.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer func() {
		h.running.Store(false)
		for c := range h.clients {
			close(c.send)
			delete(h.clients, c)
		}
		h.count.Store(0)
		h.once.Do(func() { close(h.done) })
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int32(len(h.clients)))
			h.log.Info("client connected", "clients", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.count.Store(int32(len(h.clients)))
			h.log.Info("client disconnected", "clients", len(h.clients))

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					if msg.Lossy {
						h.skipped.Add(1)
						continue
					}
					close(c.send)
					delete(h.clients, c)
					h.log.Warn("dropped slow client")
				}
			}
			h.count.Store(int32(len(h.clients)))
		}
	}
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.dropped.Add(1)
	}
}

// BroadcastJSON encodes and broadcasts a JSON message
func (h *Hub) BroadcastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(Text(data))
	return nil
}

// BroadcastBinary sends raw bytes as a lossy binary message.
func (h *Hub) BroadcastBinary(data []byte) {
	h.Broadcast(Binary(data))
}

// Publish wraps data in a typed envelope and broadcasts it to every viewer.
// Nothing is encoded when nobody is listening.
func (h *Hub) Publish(t protocol.MessageType, data any) error {
	return h.publish(t, data, Text)
}

// PublishLatest is Publish for high-rate data where a slow viewer should
// skip updates rather than be disconnected.
func (h *Hub) PublishLatest(t protocol.MessageType, data any) error {
	return h.publish(t, data, Frame)
}

func (h *Hub) publish(t protocol.MessageType, data any, wrap func([]byte) Message) error {
	if h.ClientCount() == 0 {
		return nil
	}
	msg, err := protocol.NewMessage(t, data)
	if err != nil {
		return err
	}
	b, err := msg.Bytes()
	if err != nil {
		return err
	}
	h.Broadcast(wrap(b))
	return nil
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// Dropped returns how many broadcasts were discarded because the hub was backed up.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Skipped returns how many lossy messages backed-up clients missed.
func (h *Hub) Skipped() uint64 {
	return h.skipped.Load()
}

// IsRunning returns whether the hub is running
func (h *Hub) IsRunning() bool {
	return h.running.Load()
}
