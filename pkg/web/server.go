// Package web serves the operator dashboard: robot status, operator
// commands over HTTP, the incident close endpoint used by the persistence
// layer, and live websocket feeds.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-neighbot/internal/archive"
	"github.com/teslashibe/go-neighbot/pkg/hub"
	"github.com/teslashibe/go-neighbot/pkg/merge"
	"github.com/teslashibe/go-neighbot/pkg/protocol"
	"github.com/teslashibe/go-neighbot/pkg/robot"
)

// CommandExecutor runs operator commands.
type CommandExecutor interface {
	Execute(ctx context.Context, cmd protocol.Command, source string) error
}

// IncidentLister lists archived incidents, newest first.
type IncidentLister interface {
	List(ctx context.Context, limit int) ([]archive.Incident, error)
}

// Options wires a Server.
type Options struct {
	Status    *robot.Status
	Commands  CommandExecutor
	Incidents IncidentLister // nil when the archive is disabled
	Report    func() any     // Full status document for GET /api/status
	StaticDir string         // Optional dashboard assets
	Log       *slog.Logger
}

// Server is the web dashboard server
type Server struct {
	app  *fiber.App
	opts Options
	log  *slog.Logger

	statusHub *hub.Hub
	feedHub   *hub.Hub

	mu  sync.Mutex
	ctx context.Context
	wg  sync.WaitGroup
}

// NewServer creates a new web dashboard server
func NewServer(opts Options) *Server {
	s := &Server{
		opts:      opts,
		log:       opts.Log,
		statusHub: hub.New("status", opts.Log),
		feedHub:   hub.New("feed", opts.Log),
		ctx:       context.Background(),
	}

	app := fiber.New(fiber.Config{
		AppName:               "neighbot dashboard",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	if opts.StaticDir != "" {
		app.Static("/", opts.StaticDir)
	}

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/commands", s.handleListCommands)
	api.Post("/commands/:name", s.handleCommand)
	api.Post("/halt", s.handleHalt)
	api.Get("/incidents", s.handleListIncidents)
	api.Post("/incidents/close", s.handleCloseIncident)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/status", websocket.New(s.handleStatusWS))
	app.Get("/ws/feed", websocket.New(s.handleFeedWS))

	s.app = app
	return s
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Serve runs the hubs and serves HTTP on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.StartHubs(ctx)

	errc := make(chan error, 1)
	go func() { errc <- s.app.Listener(ln) }()
	s.log.Info("dashboard listening", "addr", ln.Addr())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	err := s.app.Shutdown()
	s.wg.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// StartHubs starts the broadcast hubs. Serve calls it; tests that only use
// App call it directly.
func (s *Server) StartHubs(ctx context.Context) {
	go s.statusHub.Run(ctx)
	go s.feedHub.Run(ctx)
}

func (s *Server) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// PublishStatus pushes the robot status to status viewers.
func (s *Server) PublishStatus(snap robot.Snapshot) {
	if err := s.statusHub.Publish(protocol.TypeStatus, snap); err != nil {
		s.log.Warn("publish status", "error", err)
	}
}

// PublishStats pushes pipeline counters to status viewers. Slow viewers
// skip a round rather than being dropped.
func (s *Server) PublishStats(v any) {
	if err := s.statusHub.PublishLatest(protocol.TypeStats, v); err != nil {
		s.log.Warn("publish stats", "error", err)
	}
}

// PublishFrame pushes a merged frame to feed viewers.
func (s *Server) PublishFrame(o merge.Output) {
	if s.feedHub.ClientCount() == 0 {
		return
	}
	frame := protocol.FeedFrame{
		FrameID:    o.Header.FrameID,
		Timestamp:  o.Header.Timestamp,
		Detections: o.Header.Detections,
		State:      o.Header.RobotStatus,
		Location:   o.Header.Location,
		JPEG:       o.JPEG,
	}
	if err := s.feedHub.PublishLatest(protocol.TypeFrame, frame); err != nil {
		s.log.Warn("publish frame", "error", err)
	}
}

// PublishIncident announces an incident event to status viewers.
func (s *Server) PublishIncident(ev protocol.IncidentEvent) {
	if err := s.statusHub.Publish(protocol.TypeIncident, ev); err != nil {
		s.log.Warn("publish incident", "error", err)
	}
}

// PublishCommand announces an accepted operator command to status viewers.
func (s *Server) PublishCommand(ev protocol.CommandEvent) {
	if err := s.statusHub.Publish(protocol.TypeCommand, ev); err != nil {
		s.log.Warn("publish command", "error", err)
	}
}

// Viewers returns the number of connected status and feed viewers.
func (s *Server) Viewers() (status, feed int) {
	return s.statusHub.ClientCount(), s.feedHub.ClientCount()
}
