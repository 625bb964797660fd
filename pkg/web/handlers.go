package web

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-neighbot/pkg/hub"
	"github.com/teslashibe/go-neighbot/pkg/navigation"
	"github.com/teslashibe/go-neighbot/pkg/protocol"
	"github.com/teslashibe/go-neighbot/pkg/robot"
)

// handleStatus returns the full status document
func (s *Server) handleStatus(c *fiber.Ctx) error {
	if s.opts.Report != nil {
		return c.JSON(s.opts.Report())
	}
	return c.JSON(s.opts.Status.Snapshot())
}

// handleListCommands returns the operator command names
func (s *Server) handleListCommands(c *fiber.Ctx) error {
	return c.JSON(protocol.Names())
}

// handleCommand runs an operator command. Moves run in the background
// and answer 202 immediately.
func (s *Server) handleCommand(c *fiber.Ctx) error {
	cmd, err := protocol.ParseCommandName(c.Params("name"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	if cmd.Kind() == protocol.KindMoveTo {
		ctx := s.baseContext()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			err := s.opts.Commands.Execute(ctx, cmd, "dashboard")
			if err != nil && !errors.Is(err, navigation.ErrSuperseded) {
				s.log.Warn("dashboard move failed", "command", cmd.Name(), "error", err)
			}
		}()
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"command": cmd.Name(), "status": "moving"})
	}

	if err := s.opts.Commands.Execute(c.UserContext(), cmd, "dashboard"); err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{
		"command": cmd.Name(),
		"state":   s.opts.Status.State(),
	})
}

// handleHalt forces the robot to idle, abandoning any move
func (s *Server) handleHalt(c *fiber.Ctx) error {
	prev := s.opts.Status.Halt()
	s.log.Warn("halt requested from dashboard", "from", prev)
	s.PublishStatus(s.opts.Status.Snapshot())
	return c.JSON(fiber.Map{"previous": prev, "state": robot.Idle})
}

// handleCloseIncident is the persistence write point: it sets the final
// artifact paths for the open incident recording.
func (s *Server) handleCloseIncident(c *fiber.Ctx) error {
	var sig robot.StopSignal
	if err := c.BodyParser(&sig); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body: " + err.Error()})
	}
	if sig.FinalImagePath == "" || sig.FinalVideoPath == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "final_image_path and final_video_path are required",
		})
	}
	s.opts.Status.SetRecordingStop(sig)
	s.log.Info("incident close requested", "video", sig.FinalVideoPath, "image", sig.FinalImagePath)
	return c.Status(fiber.StatusAccepted).JSON(sig)
}

// handleListIncidents returns archived incidents, newest first
func (s *Server) handleListIncidents(c *fiber.Ctx) error {
	if s.opts.Incidents == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "incident archive disabled"})
	}
	limit, err := strconv.Atoi(c.Query("limit", "50"))
	if err != nil || limit <= 0 || limit > 1000 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "limit must be between 1 and 1000"})
	}
	incidents, err := s.opts.Incidents.List(c.UserContext(), limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(incidents)
}

// handleStatusWS streams status, incident and command events
func (s *Server) handleStatusWS(c *websocket.Conn) {
	if msg, err := protocol.NewMessage(protocol.TypeStatus, s.opts.Status.Snapshot()); err == nil {
		if b, err := msg.Bytes(); err == nil {
			c.WriteMessage(websocket.TextMessage, b)
		}
	}
	if client := hub.NewClient(s.statusHub, c); client != nil {
		client.Run()
	}
}

// handleFeedWS streams merged frames
func (s *Server) handleFeedWS(c *websocket.Conn) {
	if client := hub.NewClient(s.feedHub, c); client != nil {
		client.Run()
	}
}
