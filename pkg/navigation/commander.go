// Package navigation executes operator commands: it resolves alerts,
// drives the robot to marker-tagged locations and forwards everything else
// to the robot unchanged.
package navigation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/teslashibe/go-neighbot/pkg/protocol"
	"github.com/teslashibe/go-neighbot/pkg/robot"
	"github.com/teslashibe/go-neighbot/pkg/tracking"
)

var (
	// ErrNotArrived is returned when a move ends without reaching its marker.
	ErrNotArrived = errors.New("navigation: target not reached")
	// ErrSuperseded is returned when a newer move replaced this one.
	ErrSuperseded = errors.New("navigation: move superseded")
)

// Config holds marker bindings and arrival settings.
type Config struct {
	Markers          map[protocol.Target]int
	ArrivalThreshold float64       // Meters
	ArrivalPoll      time.Duration // State re-check period while waiting
	ArrivalTimeout   time.Duration // Zero waits until shutdown
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		Markers: map[protocol.Target]int{
			protocol.TargetA:    10,
			protocol.TargetB:    20,
			protocol.TargetBase: 30,
		},
		ArrivalThreshold: 0.1,
		ArrivalPoll:      time.Second,
	}
}

// Commander executes operator commands against the shared status.
type Commander struct {
	cfg      Config
	status   *robot.Status
	robot    robot.CommandSender
	arrivals chan tracking.Reading
	log      *slog.Logger

	// OnCommand, if set, observes every command before it executes.
	OnCommand func(cmd protocol.Command, source string)
}

// NewCommander creates a commander.
func NewCommander(cfg Config, status *robot.Status, sender robot.CommandSender, arrivals chan tracking.Reading, log *slog.Logger) *Commander {
	return &Commander{cfg: cfg, status: status, robot: sender, arrivals: arrivals, log: log}
}

// Execute runs cmd. A move blocks until arrival, failure, supersession or
// ctx cancellation.
func (c *Commander) Execute(ctx context.Context, cmd protocol.Command, source string) error {
	if c.OnCommand != nil {
		c.OnCommand(cmd, source)
	}
	c.log.Info("operator command", "command", cmd.Name(), "source", source)

	switch cmd.Kind() {
	case protocol.KindIgnore, protocol.KindCaseClosed:
		if c.status.Resolve() {
			c.log.Info("state change", "from", robot.Alert, "to", robot.Patrolling, "command", cmd.Name())
		} else {
			c.log.Debug("no alert to resolve", "command", cmd.Name(), "state", c.status.State())
		}
		return nil
	case protocol.KindMoveTo:
		target, _ := cmd.Target()
		return c.MoveTo(ctx, target)
	default:
		if err := c.robot.Send(ctx, cmd.Bytes()); err != nil {
			c.log.Warn("forward to robot failed", "command", cmd.Name(), "error", err)
			return fmt.Errorf("forward %s: %w", cmd.Name(), err)
		}
		return nil
	}
}

// MoveTo drives the robot toward target and waits for the bound marker to
// come within the arrival threshold.
func (c *Commander) MoveTo(ctx context.Context, target protocol.Target) error {
	markerID, ok := c.cfg.Markers[target]
	if !ok {
		return fmt.Errorf("navigation: no marker bound to %q", target)
	}

	c.drainArrivals()
	gen, prev := c.status.BeginMove(markerID, fmt.Sprintf("moving to %s", target))
	c.log.Info("state change", "from", prev, "to", robot.Moving, "target", target, "marker_id", markerID)

	err := c.waitForArrival(ctx, gen, markerID)
	switch {
	case err == nil:
		final := robot.Patrolling
		if target == protocol.TargetBase {
			final = robot.Idle
		}
		if c.status.FinishMove(gen, string(target), final) {
			c.log.Info("arrived", "target", target, "state", final)
			return nil
		}
		return ErrSuperseded
	case errors.Is(err, ErrSuperseded):
		c.log.Info("move superseded", "target", target)
		return err
	default:
		if c.status.FinishMove(gen, robot.LocationBase, robot.Idle) {
			c.log.Warn("move failed, returning to idle", "target", target, "error", err)
		}
		return err
	}
}

func (c *Commander) waitForArrival(ctx context.Context, gen uint64, markerID int) error {
	poll := time.NewTicker(c.cfg.ArrivalPoll)
	defer poll.Stop()

	var deadline <-chan time.Time
	if c.cfg.ArrivalTimeout > 0 {
		t := time.NewTimer(c.cfg.ArrivalTimeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		if err := c.stillMoving(gen); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrNotArrived, ctx.Err())
		case <-deadline:
			return fmt.Errorf("%w: timed out after %s", ErrNotArrived, c.cfg.ArrivalTimeout)
		case r, ok := <-c.arrivals:
			if !ok {
				return fmt.Errorf("%w: arrival queue closed", ErrNotArrived)
			}
			if err := c.stillMoving(gen); err != nil {
				c.requeue(r)
				return err
			}
			c.log.Debug("arrival reading", "marker_id", r.MarkerID, "distance", r.Distance)
			if r.MarkerID == markerID && r.Distance <= c.cfg.ArrivalThreshold {
				return nil
			}
		case <-poll.C:
		}
	}
}

func (c *Commander) stillMoving(gen uint64) error {
	if c.status.MoveCurrent(gen) {
		return nil
	}
	if c.status.State() == robot.Moving {
		return ErrSuperseded
	}
	return fmt.Errorf("%w: state forced to %s", ErrNotArrived, c.status.State())
}

// requeue hands a reading taken by a superseded waiter back to the active
// move. The reading is dropped if the queue is full.
func (c *Commander) requeue(r tracking.Reading) {
	select {
	case c.arrivals <- r:
	default:
	}
}

// drainArrivals discards readings left over from an earlier move.
func (c *Commander) drainArrivals() {
	for {
		select {
		case _, ok := <-c.arrivals:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
