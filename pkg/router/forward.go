package router

import (
	"fmt"
	"net"
	"sync"
)

// UDPForwarder re-sends robot datagrams verbatim to the detection service.
type UDPForwarder struct {
	mu   sync.Mutex
	addr string
	conn net.Conn
}

// NewUDPForwarder creates a forwarder for addr. The socket is opened lazily.
func NewUDPForwarder(addr string) *UDPForwarder {
	return &UDPForwarder{addr: addr}
}

// Forward sends pkt. UDP is fire-and-forget; only local errors surface.
func (f *UDPForwarder) Forward(pkt []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		c, err := net.Dial("udp", f.addr)
		if err != nil {
			return fmt.Errorf("dial detector %s: %w", f.addr, err)
		}
		f.conn = c
	}
	if _, err := f.conn.Write(pkt); err != nil {
		f.conn.Close()
		f.conn = nil
		return err
	}
	return nil
}

// Close releases the socket.
func (f *UDPForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return nil
	}
	err := f.conn.Close()
	f.conn = nil
	return err
}
