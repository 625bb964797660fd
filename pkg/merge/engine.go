// Package merge joins robot frames with detection results by frame id,
// draws overlays, records incident video and queues merged frames for the
// operator console.
package merge

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-neighbot/pkg/protocol"
	"github.com/teslashibe/go-neighbot/pkg/robot"
	"github.com/teslashibe/go-neighbot/pkg/vision"
)

// Config holds merge timing and recording settings.
type Config struct {
	PollInterval     time.Duration // Cycle period
	ShortEviction    time.Duration // Unjoined frame age limit while idle or moving
	LongEviction     time.Duration // Unjoined frame age limit while patrolling or on alert
	DetectionCleanup time.Duration // Unjoined result age limit
	RecordingDir     string
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:     30 * time.Millisecond,
		ShortEviction:    100 * time.Millisecond,
		LongEviction:     time.Second,
		DetectionCleanup: 2 * time.Second,
		RecordingDir:     "recordings",
	}
}

// Output is one frame ready for the console.
type Output struct {
	Header protocol.ConsoleHeader
	JPEG   []byte
}

// Stats are cumulative engine counters.
type Stats struct {
	Merged           uint64 `json:"merged"`
	ImageOnly        uint64 `json:"image_only"`
	ExpiredResults   uint64 `json:"expired_results"`
	ConsoleDropped   uint64 `json:"console_dropped"`
	DuplicateFrames  uint64 `json:"duplicate_frames"`
	DuplicateResults uint64 `json:"duplicate_results"`
	RenderErrors     uint64 `json:"render_errors"`
	SessionsOpened   uint64 `json:"sessions_opened"`
	SessionsClosed   uint64 `json:"sessions_closed"`
	RecordingErrors  uint64 `json:"recording_errors"`
}

// Engine is the merge engine. Run owns the recording session; everything
// else is safe for concurrent use.
type Engine struct {
	cfg     Config
	status  *robot.Status
	decoder vision.Decoder
	videos  vision.VideoWriterFactory
	frames  <-chan protocol.Frame
	results <-chan protocol.DetectionResult
	out     chan<- Output
	log     *slog.Logger
	now     func() time.Time

	// OnOutput, if set, receives every frame queued for the console.
	OnOutput func(Output)
	// OnSessionOpen and OnSessionClose observe the recording lifecycle.
	OnSessionOpen  func(Session)
	OnSessionClose func(Session)

	buf *Buffer

	mu      sync.Mutex
	session *Session

	merged, imageOnly, expired, consoleDropped atomic.Uint64
	dupFrames, dupResults, renderErrors        atomic.Uint64
	opened, closed, recordingErrors            atomic.Uint64
}

// NewEngine creates an engine reading from frames and results and writing to out.
func NewEngine(cfg Config, status *robot.Status, decoder vision.Decoder, videos vision.VideoWriterFactory,
	frames <-chan protocol.Frame, results <-chan protocol.DetectionResult, out chan<- Output, log *slog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		status:  status,
		decoder: decoder,
		videos:  videos,
		frames:  frames,
		results: results,
		out:     out,
		log:     log,
		now:     time.Now,
		buf:     NewBuffer(),
	}
}

// SetClock replaces the time source. Tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Run buffers inputs and runs a cycle every PollInterval until ctx is done.
// An open recording is closed, but not renamed, on exit.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	defer e.abandonSession()

	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-e.frames:
			e.AddFrame(f)
		case r := <-e.results:
			e.AddResult(r)
		case <-ticker.C:
			e.Cycle()
		}
	}
}

// AddFrame buffers a frame for joining.
func (e *Engine) AddFrame(f protocol.Frame) {
	if e.buf.AddFrame(f, e.now()) {
		e.dupFrames.Add(1)
		e.log.Debug("duplicate frame id, replacing pending frame", "frame_id", f.ID)
	}
}

// AddResult buffers a detection result for joining.
func (e *Engine) AddResult(r protocol.DetectionResult) {
	if e.buf.AddResult(r, e.now()) {
		e.dupResults.Add(1)
		e.log.Debug("duplicate result id, replacing pending result", "frame_id", r.FrameID)
	}
}

// Cycle runs one merge pass.
func (e *Engine) Cycle() {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	e.handleStopLocked(now)

	snap := e.status.Snapshot()
	age := e.cfg.ShortEviction
	if snap.State.Scanning() {
		age = e.cfg.LongEviction
	}

	pairs, stale, expired := e.buf.Take(now, age, e.cfg.DetectionCleanup)
	if expired > 0 {
		e.expired.Add(uint64(expired))
		e.log.Debug("expired unjoined detection results", "count", expired)
	}

	for _, p := range pairs {
		e.mergeLocked(p, snap, now)
	}
	for _, f := range stale {
		e.imageOnlyLocked(f, snap, now)
	}
}

func (e *Engine) handleStopLocked(now time.Time) {
	if e.session == nil {
		if sig, ok := e.status.TakeRecordingStop(); ok {
			e.log.Warn("recording stop signal with no open session, discarded",
				"final_video", sig.FinalVideoPath)
		}
		return
	}

	sig, ok := e.status.TakeRecordingStop()
	if !ok {
		return
	}
	s := e.session
	e.session = nil
	e.closed.Add(1)

	if err := s.finish(sig.FinalImagePath, sig.FinalVideoPath, now); err != nil {
		e.recordingErrors.Add(1)
		e.log.Error("incident close failed", "session", s.ID, "error", err)
	} else {
		e.log.Info("incident recording closed",
			"session", s.ID,
			"frames", s.Frames,
			"video", sig.FinalVideoPath,
			"image", sig.FinalImagePath)
	}
	if e.OnSessionClose != nil {
		e.OnSessionClose(*s)
	}
}

func (e *Engine) mergeLocked(p Pair, snap robot.Snapshot, now time.Time) {
	dets := p.Result.Detections
	img := p.Frame.Image

	canvas, err := e.decoder.Decode(img)
	if err != nil {
		e.renderErrors.Add(1)
		e.log.Warn("cannot decode frame for overlay, sending raw", "frame_id", p.Frame.ID, "error", err)
	} else {
		canvas.DrawDetections(dets)
		if enc, err := canvas.EncodeJPEG(); err != nil {
			e.renderErrors.Add(1)
			e.log.Warn("re-encode failed, sending raw", "frame_id", p.Frame.ID, "error", err)
		} else {
			img = enc
		}
		e.recordLocked(canvas, img, snap, now)
		canvas.Close()
	}

	e.merged.Add(1)
	e.emit(p.Frame, dets, img, snap)
}

func (e *Engine) imageOnlyLocked(f protocol.Frame, snap robot.Snapshot, now time.Time) {
	if e.session != nil || snap.State == robot.Alert {
		if canvas, err := e.decoder.Decode(f.Image); err != nil {
			e.renderErrors.Add(1)
			e.log.Warn("cannot decode frame for recording", "frame_id", f.ID, "error", err)
		} else {
			e.recordLocked(canvas, f.Image, snap, now)
			canvas.Close()
		}
	}

	e.imageOnly.Add(1)
	e.emit(f, nil, f.Image, snap)
}

// recordLocked writes c to the open session, opening one first if the
// robot is on alert.
func (e *Engine) recordLocked(c vision.Canvas, jpeg []byte, snap robot.Snapshot, now time.Time) {
	if e.session == nil {
		if snap.State != robot.Alert {
			return
		}
		s, err := openSession(e.cfg.RecordingDir, snap.IncidentLabel, c, jpeg, e.videos, now)
		if err != nil {
			e.recordingErrors.Add(1)
			e.log.Error("cannot open incident recording", "error", err)
			return
		}
		e.session = s
		e.opened.Add(1)
		e.log.Info("incident recording opened", "session", s.ID, "label", s.Label, "video", s.TempVideo)
		if e.OnSessionOpen != nil {
			e.OnSessionOpen(*s)
		}
	}

	if err := e.session.write(c); err != nil {
		e.recordingErrors.Add(1)
		e.log.Warn("video write failed", "session", e.session.ID, "error", err)
	}
}

func (e *Engine) emit(f protocol.Frame, dets []protocol.Detection, img []byte, snap robot.Snapshot) {
	if dets == nil {
		dets = []protocol.Detection{}
	}
	o := Output{
		Header: protocol.ConsoleHeader{
			FrameID:     f.ID,
			Timestamp:   f.Timestamp,
			Detections:  dets,
			RobotStatus: snap.State.String(),
			Location:    snap.Location,
		},
		JPEG: img,
	}
	if e.OnOutput != nil {
		e.OnOutput(o)
	}
	select {
	case e.out <- o:
	default:
		e.consoleDropped.Add(1)
	}
}

func (e *Engine) abandonSession() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return
	}
	if err := e.session.writer.Close(); err != nil {
		e.log.Warn("closing abandoned recording", "error", err)
	}
	e.log.Warn("shutdown with open incident recording, temp files kept",
		"session", e.session.ID,
		"video", e.session.TempVideo,
		"image", e.session.TempImage)
	e.session = nil
}

// Session returns a copy of the open recording session, if any.
func (e *Engine) Session() (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return Session{}, false
	}
	return *e.session, true
}

// Pending returns the number of buffered frames and results.
func (e *Engine) Pending() (frames, results int) {
	return e.buf.Len()
}

// Stats returns the counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Merged:           e.merged.Load(),
		ImageOnly:        e.imageOnly.Load(),
		ExpiredResults:   e.expired.Load(),
		ConsoleDropped:   e.consoleDropped.Load(),
		DuplicateFrames:  e.dupFrames.Load(),
		DuplicateResults: e.dupResults.Load(),
		RenderErrors:     e.renderErrors.Load(),
		SessionsOpened:   e.opened.Load(),
		SessionsClosed:   e.closed.Load(),
		RecordingErrors:  e.recordingErrors.Load(),
	}
}
