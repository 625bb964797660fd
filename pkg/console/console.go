// Package console streams merged frames to the operator console over TCP.
// One console is served at a time; a new connection replaces the old one.
package console

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-neighbot/pkg/merge"
	"github.com/teslashibe/go-neighbot/pkg/protocol"
)

// Stats are cumulative console counters.
type Stats struct {
	Sent      uint64 `json:"sent"`
	NoClient  uint64 `json:"no_client"`
	Failed    uint64 `json:"failed"`
	Connected bool   `json:"connected"`
}

// Server sends frames from a queue to the connected console.
type Server struct {
	queue        <-chan merge.Output
	log          *slog.Logger
	writeTimeout time.Duration

	mu     sync.Mutex
	client net.Conn

	sent, noClient, failed atomic.Uint64
}

// NewServer creates a console server draining queue.
func NewServer(queue <-chan merge.Output, log *slog.Logger) *Server {
	return &Server{queue: queue, log: log, writeTimeout: 2 * time.Second}
}

// Serve accepts consoles on ln and sends queued frames until ctx is done.
// Frames that arrive while no console is connected are discarded.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		s.setClient(nil)
	})
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sendLoop(ctx)
	}()
	defer wg.Wait()

	s.log.Info("waiting for console", "addr", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.log.Info("console connected", "remote", conn.RemoteAddr().String())
		s.setClient(conn)
	}
}

func (s *Server) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-s.queue:
			s.send(o)
		}
	}
}

func (s *Server) send(o merge.Output) {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c == nil {
		s.noClient.Add(1)
		return
	}

	frame, err := protocol.EncodeConsoleFrame(o.Header, o.JPEG)
	if err != nil {
		s.failed.Add(1)
		s.log.Warn("console frame encode failed", "frame_id", o.Header.FrameID, "error", err)
		return
	}

	c.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if _, err := c.Write(frame); err != nil {
		s.failed.Add(1)
		s.log.Warn("console disconnected", "error", err)
		s.dropClient(c)
		return
	}
	s.sent.Add(1)
	s.log.Debug("sent to console", "frame_id", o.Header.FrameID, "state", o.Header.RobotStatus, "bytes", len(frame))
}

func (s *Server) setClient(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close()
	}
	s.client = c
}

// dropClient clears c if it is still the current client.
func (s *Server) dropClient(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Close()
	if s.client == c {
		s.client = nil
	}
}

// Stats returns the counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	connected := s.client != nil
	s.mu.Unlock()
	return Stats{
		Sent:      s.sent.Load(),
		NoClient:  s.noClient.Load(),
		Failed:    s.failed.Load(),
		Connected: connected,
	}
}
