// Package router receives robot frames and routes each one according to the
// robot's state: straight to the merge engine while idle, through marker
// detection while moving, and additionally to the detection service while
// patrolling or on alert.
package router

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-neighbot/pkg/protocol"
	"github.com/teslashibe/go-neighbot/pkg/robot"
	"github.com/teslashibe/go-neighbot/pkg/tracking"
	"github.com/teslashibe/go-neighbot/pkg/vision"
)

// maxDatagram is the largest UDP payload accepted from the robot.
const maxDatagram = 65507

// Forwarder sends a raw robot datagram to the detection service.
type Forwarder interface {
	Forward(pkt []byte) error
}

// Config wires a Router.
type Config struct {
	Status   *robot.Status
	Decoder  vision.Decoder
	Markers  vision.MarkerDetector
	Filters  *tracking.MarkerFilters
	Detector Forwarder

	Arrivals chan<- tracking.Reading
	Merge    chan<- protocol.Frame

	// Backlog bounds frames waiting between the receive loop and routing.
	Backlog int
	Log     *slog.Logger
}

// Stats are cumulative router counters.
type Stats struct {
	Received        uint64 `json:"received"`
	Malformed       uint64 `json:"malformed"`
	Backlogged      uint64 `json:"backlog_dropped"`
	ToMerge         uint64 `json:"to_merge"`
	MergeDropped    uint64 `json:"merge_dropped"`
	ToDetector      uint64 `json:"to_detector"`
	DetectorErrors  uint64 `json:"detector_errors"`
	MarkerFrames    uint64 `json:"marker_frames"`
	MarkerErrors    uint64 `json:"marker_errors"`
	ArrivalsDropped uint64 `json:"arrivals_dropped"`
}

type packet struct {
	raw   []byte
	frame protocol.Frame
}

// Router is the frame router.
type Router struct {
	cfg Config
	log *slog.Logger

	received, malformed, backlogged        atomic.Uint64
	toMerge, mergeDropped                  atomic.Uint64
	toDetector, detectorErrors             atomic.Uint64
	markerFrames, markerErrors, arrDropped atomic.Uint64
}

// New creates a Router.
func New(cfg Config) *Router {
	if cfg.Backlog <= 0 {
		cfg.Backlog = 8
	}
	return &Router{cfg: cfg, log: cfg.Log}
}

// Serve reads datagrams from pc until ctx is done. Parsing happens on the
// receive goroutine; routing runs on a second goroutine behind a small
// backlog so slow marker detection never stalls receipt.
func (r *Router) Serve(ctx context.Context, pc net.PacketConn) error {
	stop := context.AfterFunc(ctx, func() { pc.Close() })
	defer stop()

	work := make(chan packet, r.cfg.Backlog)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for p := range work {
			r.route(p.frame, p.raw)
		}
	}()
	defer func() {
		close(work)
		wg.Wait()
	}()

	r.log.Info("receiving robot frames", "addr", pc.LocalAddr())
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			r.log.Warn("robot frame receive error", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		r.received.Add(1)

		raw := append([]byte(nil), buf[:n]...)
		f, err := protocol.ParseRobotPacket(raw)
		if err != nil {
			r.malformed.Add(1)
			r.log.Warn("dropping malformed robot frame", "error", err, "bytes", n)
			continue
		}

		select {
		case work <- packet{raw: raw, frame: f}:
		default:
			r.backlogged.Add(1)
			r.log.Warn("router backlog full, dropping frame", "frame_id", f.ID)
		}
	}
}

// Handle parses and routes one datagram synchronously.
func (r *Router) Handle(pkt []byte) error {
	r.received.Add(1)
	f, err := protocol.ParseRobotPacket(pkt)
	if err != nil {
		r.malformed.Add(1)
		return err
	}
	r.route(f, pkt)
	return nil
}

func (r *Router) route(f protocol.Frame, raw []byte) {
	switch state := r.cfg.Status.State(); state {
	case robot.Idle:
		r.toMergeQueue(f)
	case robot.Moving:
		annotated, ok := r.navigate(f)
		if !ok {
			return
		}
		r.toMergeQueue(annotated)
	case robot.Patrolling, robot.Alert:
		if err := r.cfg.Detector.Forward(raw); err != nil {
			r.detectorErrors.Add(1)
			r.log.Warn("forward to detection service failed", "frame_id", f.ID, "error", err)
		} else {
			r.toDetector.Add(1)
		}
		r.toMergeQueue(f)
	}
}

// navigate runs marker detection, smooths each distance, publishes the
// readings and returns the frame with marker overlays drawn.
func (r *Router) navigate(f protocol.Frame) (protocol.Frame, bool) {
	canvas, err := r.cfg.Decoder.Decode(f.Image)
	if err != nil {
		r.markerErrors.Add(1)
		r.log.Warn("dropping undecodable frame", "frame_id", f.ID, "error", err)
		return f, false
	}
	defer canvas.Close()

	markers, err := r.cfg.Markers.DetectMarkers(canvas)
	if err != nil {
		r.markerErrors.Add(1)
		r.log.Warn("marker detection failed", "frame_id", f.ID, "error", err)
		return f, false
	}
	r.markerFrames.Add(1)

	readings := make([]vision.MarkerReading, 0, len(markers))
	for _, m := range markers {
		d := r.cfg.Filters.Observe(m.ID, m.Distance)
		readings = append(readings, vision.MarkerReading{Marker: m, Filtered: d})

		select {
		case r.cfg.Arrivals <- tracking.Reading{MarkerID: m.ID, Distance: d}:
		default:
			r.arrDropped.Add(1)
			r.log.Error("arrival queue full, reading lost", "marker_id", m.ID, "distance", d)
		}
		r.log.Debug("marker", "id", m.ID, "raw", m.Distance, "filtered", d)
	}

	canvas.DrawMarkers(readings)
	img, err := canvas.EncodeJPEG()
	if err != nil {
		r.markerErrors.Add(1)
		r.log.Warn("re-encode failed", "frame_id", f.ID, "error", err)
		return f, false
	}
	f.Image = img
	return f, true
}

func (r *Router) toMergeQueue(f protocol.Frame) {
	select {
	case r.cfg.Merge <- f:
		r.toMerge.Add(1)
	default:
		r.mergeDropped.Add(1)
		r.log.Warn("merge frame queue full, dropping frame", "frame_id", f.ID)
	}
}

// Stats returns the counters.
func (r *Router) Stats() Stats {
	return Stats{
		Received:        r.received.Load(),
		Malformed:       r.malformed.Load(),
		Backlogged:      r.backlogged.Load(),
		ToMerge:         r.toMerge.Load(),
		MergeDropped:    r.mergeDropped.Load(),
		ToDetector:      r.toDetector.Load(),
		DetectorErrors:  r.detectorErrors.Load(),
		MarkerFrames:    r.markerFrames.Load(),
		MarkerErrors:    r.markerErrors.Load(),
		ArrivalsDropped: r.arrDropped.Load(),
	}
}
