package incident

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/teslashibe/go-neighbot/pkg/protocol"
)

// Server accepts connections from the detection service and feeds every
// decoded result to the Detector. Results on one connection are processed
// in arrival order.
type Server struct {
	det *Detector
	log *slog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a server for det.
func NewServer(det *Detector, log *slog.Logger) *Server {
	return &Server{det: det, log: log, conns: make(map[net.Conn]struct{})}
}

// Serve accepts on ln until ctx is done. It closes ln and every open
// connection before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		s.closeConns()
	})
	defer stop()

	s.log.Info("waiting for detection service", "addr", ln.Addr())
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
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer s.track(conn, false)
	defer conn.Close()

	log := s.log.With("remote", conn.RemoteAddr().String())
	log.Info("detection service connected")

	r := protocol.NewDetectionReader(conn)
	for {
		res, err := r.Read()
		if err != nil {
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				log.Warn("dropping undecodable detection frame", "error", err)
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.Info("detection service disconnected")
			} else {
				log.Warn("detection link error", "error", err)
			}
			return
		}
		log.Debug("detection result", "frame_id", res.FrameID, "detections", len(res.Detections))
		s.det.Process(res)
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
