package robot

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/teslashibe/go-neighbot/pkg/link"
)

// ErrLinkClosed is returned when sending on a closed command link.
var ErrLinkClosed = errors.New("robot command link closed")

// CommandSender delivers opaque command bytes to the robot.
type CommandSender interface {
	Send(ctx context.Context, payload []byte) error
}

// CommandLink forwards operator commands to the robot controller over a
// persistent TCP connection that is re-established with backoff.
type CommandLink struct {
	link    *link.Link
	timeout time.Duration
}

// NewCommandLink creates a link to the robot controller at addr. No
// connection is made until the first Send.
func NewCommandLink(addr string, log *slog.Logger) *CommandLink {
	return &CommandLink{
		link:    link.New("robot-command", link.TCP(addr, 3*time.Second), link.DefaultBackoff(), log),
		timeout: 5 * time.Second,
	}
}

// Send writes payload to the robot, reconnecting once on a broken connection.
// The whole attempt is bounded by the link timeout.
func (c *CommandLink) Send(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	err := c.link.Write(ctx, payload, 2)
	if errors.Is(err, link.ErrClosed) {
		return ErrLinkClosed
	}
	return err
}

// State returns the connection state for status reporting.
func (c *CommandLink) State() link.State {
	return c.link.State()
}

// Close closes the connection.
func (c *CommandLink) Close() error {
	return c.link.Close()
}
