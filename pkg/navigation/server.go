package navigation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/teslashibe/go-neighbot/pkg/protocol"
)

// Server accepts operator command connections. Each connection gets its own
// goroutine; commands on one connection execute in order.
type Server struct {
	cmd *Commander
	log *slog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a command server for cmd.
func NewServer(cmd *Commander, log *slog.Logger) *Server {
	return &Server{cmd: cmd, log: log, conns: make(map[net.Conn]struct{})}
}

// Serve accepts on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		s.closeConns()
	})
	defer stop()

	s.log.Info("waiting for operator commands", "addr", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.closeConns()
			s.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.track(conn, true)
		s.wg.Add(1)
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.track(conn, false)
	defer conn.Close()

	log := s.log.With("remote", conn.RemoteAddr().String())
	log.Info("operator console connected")

	for {
		cmd, err := protocol.ReadCommand(conn)
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrBadCommand):
				log.Warn("invalid command, closing connection", "error", err)
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				log.Info("operator console disconnected")
			default:
				log.Warn("command link error", "error", err)
			}
			return
		}
		if err := s.cmd.Execute(ctx, cmd, "console"); err != nil {
			log.Warn("command failed", "command", cmd.Name(), "error", err)
		}
	}
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}
