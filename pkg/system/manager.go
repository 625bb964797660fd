// Package system wires the patrol server together. The Manager owns the
// shared robot status and the queues between workers, binds every
// listening socket, and runs each worker until shutdown.
package system

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/teslashibe/go-neighbot/internal/archive"
	"github.com/teslashibe/go-neighbot/internal/config"
	"github.com/teslashibe/go-neighbot/pkg/console"
	"github.com/teslashibe/go-neighbot/pkg/incident"
	"github.com/teslashibe/go-neighbot/pkg/merge"
	"github.com/teslashibe/go-neighbot/pkg/navigation"
	"github.com/teslashibe/go-neighbot/pkg/protocol"
	"github.com/teslashibe/go-neighbot/pkg/robot"
	"github.com/teslashibe/go-neighbot/pkg/router"
	"github.com/teslashibe/go-neighbot/pkg/tracking"
	"github.com/teslashibe/go-neighbot/pkg/vision"
	"github.com/teslashibe/go-neighbot/pkg/web"
)

// Queue depths between workers.
const (
	arrivalQueueDepth = 32
	frameQueueDepth   = 64
	resultQueueDepth  = 64
	archiveQueueDepth = 32
	statusInterval    = time.Second
)

// Vision bundles the image backends. cmd/neighbot passes the OpenCV
// implementations; tests pass fakes.
type Vision struct {
	Decoder vision.Decoder
	Markers vision.MarkerDetector
	Videos  vision.VideoWriterFactory
}

// Addrs are the bound listener addresses, useful when configured with port 0.
type Addrs struct {
	RobotFrames net.Addr
	Detections  net.Addr
	Console     net.Addr
	Commands    net.Addr
	Dashboard   net.Addr // nil when the dashboard is disabled
}

// Report is the full status document served on /api/status.
type Report struct {
	Robot     robot.Snapshot  `json:"robot"`
	Session   *merge.Session  `json:"session,omitempty"`
	Router    router.Stats    `json:"router"`
	Incidents incident.Stats  `json:"incidents"`
	Merge     merge.Stats     `json:"merge"`
	Pending   PendingCounts   `json:"pending"`
	Console   console.Stats   `json:"console"`
	Viewers   ViewerCounts    `json:"viewers"`
	Markers   map[int]float64 `json:"markers"`
	RobotLink string          `json:"robot_link"`
}

// PendingCounts are unjoined entries in the merge buffer.
type PendingCounts struct {
	Frames  int `json:"frames"`
	Results int `json:"results"`
}

// ViewerCounts are connected dashboard websocket clients.
type ViewerCounts struct {
	Status int `json:"status"`
	Feed   int `json:"feed"`
}

// Manager is the patrol server orchestrator.
// It owns all workers and their lifecycle.
type Manager struct {
	cfg    config.Config
	vision Vision
	log    *slog.Logger

	// Shared state
	status   *robot.Status
	arrivals chan tracking.Reading
	frames   chan protocol.Frame
	results  chan protocol.DetectionResult
	console  chan merge.Output

	// Workers
	filters   *tracking.MarkerFilters
	forwarder *router.UDPForwarder
	router    *router.Router
	detector  *incident.Detector
	detServer *incident.Server
	engine    *merge.Engine
	robotLink *robot.CommandLink
	commander *navigation.Commander
	cmdServer *navigation.Server
	consoleS  *console.Server
	webServer *web.Server

	// Persistence; nil when disabled or unavailable
	archive     *archive.Archive
	archiveJobs chan func(context.Context)

	// Listeners, bound by Start
	framesConn net.PacketConn
	detLn      net.Listener
	consoleLn  net.Listener
	cmdLn      net.Listener
	webLn      net.Listener

	mu      sync.Mutex
	started bool
}

// New creates a manager from cfg. Nothing is bound until Start.
func New(cfg config.Config, v Vision, log *slog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if v.Decoder == nil || v.Markers == nil || v.Videos == nil {
		return nil, errors.New("system: vision backends are required")
	}

	m := &Manager{
		cfg:      cfg,
		vision:   v,
		log:      log,
		status:   robot.NewStatus(),
		arrivals: make(chan tracking.Reading, arrivalQueueDepth),
		frames:   make(chan protocol.Frame, frameQueueDepth),
		results:  make(chan protocol.DetectionResult, resultQueueDepth),
		console:  make(chan merge.Output, max(cfg.Merge.ConsoleQueueDepth, 1)),
	}

	m.initArchive()
	m.initWorkers()
	m.initDashboard()
	m.initHooks()
	return m, nil
}

// initArchive opens the incident archive. Failure disables it.
func (m *Manager) initArchive() {
	if m.cfg.ArchivePath == "" {
		m.log.Info("incident archive disabled")
		return
	}
	a, err := archive.Open(m.cfg.ArchivePath, m.log.With("component", "archive"))
	if err != nil {
		m.log.Warn("incident archive unavailable, continuing without it", "path", m.cfg.ArchivePath, "error", err)
		return
	}
	m.archive = a
	m.archiveJobs = make(chan func(context.Context), archiveQueueDepth)
}

func (m *Manager) initWorkers() {
	c := m.cfg

	m.filters = tracking.NewMarkerFilters(c.Markers.MeasurementNoise, c.Markers.ProcessNoise)
	m.forwarder = router.NewUDPForwarder(c.Network.DetectorAddr)
	m.router = router.New(router.Config{
		Status:   m.status,
		Decoder:  m.vision.Decoder,
		Markers:  m.vision.Markers,
		Filters:  m.filters,
		Detector: m.forwarder,
		Arrivals: m.arrivals,
		Merge:    m.frames,
		Log:      m.log.With("component", "router"),
	})

	m.detector = incident.NewDetector(incident.Config{
		Window:     c.Stability.Window,
		WarmUp:     c.Stability.WarmUp,
		MinSamples: c.Stability.MinSamples,
		Threshold:  c.Stability.Threshold,
	}, m.status, m.results, m.log.With("component", "incident"))
	m.detServer = incident.NewServer(m.detector, m.log.With("component", "detections"))

	m.engine = merge.NewEngine(merge.Config{
		PollInterval:     c.Merge.PollInterval,
		ShortEviction:    c.Merge.ShortEviction,
		LongEviction:     c.Merge.LongEviction,
		DetectionCleanup: c.Merge.DetectionCleanup,
		RecordingDir:     c.Recording.Dir,
	}, m.status, m.vision.Decoder, m.vision.Videos, m.frames, m.results, m.console, m.log.With("component", "merge"))

	m.robotLink = robot.NewCommandLink(c.Network.RobotCommandAddr, m.log.With("component", "robot"))
	m.commander = navigation.NewCommander(navigation.Config{
		Markers: map[protocol.Target]int{
			protocol.TargetA:    c.Navigation.MarkerA,
			protocol.TargetB:    c.Navigation.MarkerB,
			protocol.TargetBase: c.Navigation.MarkerBase,
		},
		ArrivalThreshold: c.Navigation.ArrivalThreshold,
		ArrivalPoll:      c.Navigation.ArrivalPoll,
		ArrivalTimeout:   c.Navigation.ArrivalTimeout,
	}, m.status, m.robotLink, m.arrivals, m.log.With("component", "navigation"))
	m.cmdServer = navigation.NewServer(m.commander, m.log.With("component", "commands"))

	m.consoleS = console.NewServer(m.console, m.log.With("component", "console"))
}

func (m *Manager) initDashboard() {
	if m.cfg.Network.DashboardAddr == "" {
		return
	}
	opts := web.Options{
		Status:   m.status,
		Commands: m.commander,
		Report:   func() any { return m.Report() },
		Log:      m.log.With("component", "web"),
	}
	if m.archive != nil {
		opts.Incidents = m.archive
	}
	m.webServer = web.NewServer(opts)
}

// initHooks connects worker events to the dashboard and the archive.
// Hooks run on worker goroutines, some under worker locks, so nothing
// here may block.
func (m *Manager) initHooks() {
	m.detector.OnPromote = func(label string, ratio float64) {
		m.log.Warn("incident detected", "label", label, "case", incident.CaseFor(label), "ratio", ratio)
		if m.webServer != nil {
			m.webServer.PublishStatus(m.status.Snapshot())
		}
	}

	m.engine.OnOutput = func(o merge.Output) {
		if m.webServer != nil {
			m.webServer.PublishFrame(o)
		}
	}

	m.engine.OnSessionOpen = func(s merge.Session) {
		if m.webServer != nil {
			m.webServer.PublishIncident(protocol.IncidentEvent{
				ID:        s.ID,
				Label:     s.Label,
				Event:     "opened",
				VideoPath: s.TempVideo,
				ImagePath: s.TempImage,
			})
		}
		m.archiveDo("begin", func(ctx context.Context) error {
			return m.archive.Begin(ctx, archive.Incident{
				ID:        s.ID,
				Label:     s.Label,
				Started:   s.Started,
				TempVideo: s.TempVideo,
				TempImage: s.TempImage,
			})
		})
	}

	m.engine.OnSessionClose = func(s merge.Session) {
		if m.webServer != nil {
			m.webServer.PublishIncident(protocol.IncidentEvent{
				ID:        s.ID,
				Label:     s.Label,
				Event:     "closed",
				VideoPath: s.FinalVideo,
				ImagePath: s.FinalImage,
			})
		}
		m.archiveDo("finish", func(ctx context.Context) error {
			return m.archive.Finish(ctx, s.ID, s.FinalImage, s.FinalVideo, s.Closed, s.Frames)
		})
	}

	m.commander.OnCommand = func(cmd protocol.Command, source string) {
		m.log.Info("operator command", "command", cmd.Name(), "source", source)
		if m.webServer != nil {
			m.webServer.PublishCommand(protocol.CommandEvent{Name: cmd.Name(), Source: source})
		}
		if m.status.State() == robot.Alert && cmd.Known() && cmd.Kind() != protocol.KindMoveTo {
			m.archiveDo("decide", func(ctx context.Context) error {
				err := m.archive.Decide(ctx, cmd.Name())
				if errors.Is(err, archive.ErrNotFound) {
					return nil
				}
				return err
			})
		}
	}
}

// archiveDo queues an archive write. Writes are dropped when the archive is
// disabled or its queue is full.
func (m *Manager) archiveDo(op string, fn func(context.Context) error) {
	if m.archive == nil {
		return
	}
	job := func(ctx context.Context) {
		if err := fn(ctx); err != nil {
			m.log.Warn("archive write failed", "op", op, "error", err)
		}
	}
	select {
	case m.archiveJobs <- job:
	default:
		m.log.Warn("archive queue full, write dropped", "op", op)
	}
}

// Start binds every listening socket. Any failure is fatal: already bound
// sockets are released and the error returned.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("system: already started")
	}

	n := m.cfg.Network
	var err error
	if m.framesConn, err = net.ListenPacket("udp", n.RobotFramesAddr); err != nil {
		return m.bindFailed("robot frames", n.RobotFramesAddr, err)
	}
	if m.detLn, err = net.Listen("tcp", n.DetectionsAddr); err != nil {
		return m.bindFailed("detections", n.DetectionsAddr, err)
	}
	if m.consoleLn, err = net.Listen("tcp", n.ConsoleAddr); err != nil {
		return m.bindFailed("console", n.ConsoleAddr, err)
	}
	if m.cmdLn, err = net.Listen("tcp", n.CommandsAddr); err != nil {
		return m.bindFailed("commands", n.CommandsAddr, err)
	}
	if m.webServer != nil {
		if m.webLn, err = net.Listen("tcp", n.DashboardAddr); err != nil {
			return m.bindFailed("dashboard", n.DashboardAddr, err)
		}
	}

	m.started = true
	m.log.Info("listeners bound",
		"robot_frames", m.framesConn.LocalAddr(),
		"detections", m.detLn.Addr(),
		"console", m.consoleLn.Addr(),
		"commands", m.cmdLn.Addr())
	return nil
}

func (m *Manager) bindFailed(name, addr string, err error) error {
	m.closeListeners()
	return fmt.Errorf("bind %s listener %s: %w", name, addr, err)
}

func (m *Manager) closeListeners() {
	if m.framesConn != nil {
		m.framesConn.Close()
	}
	for _, ln := range []net.Listener{m.detLn, m.consoleLn, m.cmdLn, m.webLn} {
		if ln != nil {
			ln.Close()
		}
	}
}

// Addrs returns the bound addresses. Only valid after Start.
func (m *Manager) Addrs() Addrs {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := Addrs{}
	if !m.started {
		return a
	}
	a.RobotFrames = m.framesConn.LocalAddr()
	a.Detections = m.detLn.Addr()
	a.Console = m.consoleLn.Addr()
	a.Commands = m.cmdLn.Addr()
	if m.webLn != nil {
		a.Dashboard = m.webLn.Addr()
	}
	return a
}

// Run starts every worker and blocks until ctx is done and all workers
// have stopped. Start must have succeeded first.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return errors.New("system: Run before Start")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				m.log.Error("worker stopped with error", "worker", name, "error", err)
				emu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				emu.Unlock()
				cancel()
			}
		}()
	}

	spawn("router", func(ctx context.Context) error { return m.router.Serve(ctx, m.framesConn) })
	spawn("detections", func(ctx context.Context) error { return m.detServer.Serve(ctx, m.detLn) })
	spawn("merge", m.engine.Run)
	spawn("console", func(ctx context.Context) error { return m.consoleS.Serve(ctx, m.consoleLn) })
	spawn("commands", func(ctx context.Context) error { return m.cmdServer.Serve(ctx, m.cmdLn) })
	if m.webServer != nil {
		spawn("dashboard", func(ctx context.Context) error { return m.webServer.Serve(ctx, m.webLn) })
		spawn("status", m.publishStatus)
	}
	if m.archive != nil {
		spawn("archive", m.runArchive)
	}

	m.log.Info("patrol server running", "state", m.status.State(), "location", m.status.Location())
	<-ctx.Done()
	wg.Wait()
	m.log.Info("patrol server stopped")
	return errors.Join(errs...)
}

// publishStatus pushes the status record to dashboard viewers whenever it
// changes and at least once per statusInterval, along with the pipeline
// counters.
func (m *Manager) publishStatus(ctx context.Context) error {
	ticker := time.NewTicker(statusInterval / 4)
	defer ticker.Stop()

	var last robot.Snapshot
	var lastSent, lastStats time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if now.Sub(lastStats) >= statusInterval {
				m.webServer.PublishStats(m.Report())
				lastStats = now
			}
			snap := m.status.Snapshot()
			if snap.State == last.State && snap.Location == last.Location && now.Sub(lastSent) < statusInterval {
				continue
			}
			if snap.State != last.State {
				m.log.Debug("status changed", "from", last.State, "to", snap.State, "location", snap.Location)
			}
			m.webServer.PublishStatus(snap)
			last, lastSent = snap, now
		}
	}
}

// runArchive executes queued archive writes. Pending writes are flushed on
// shutdown with a short deadline.
func (m *Manager) runArchive(ctx context.Context) error {
	for {
		select {
		case job := <-m.archiveJobs:
			job(ctx)
		case <-ctx.Done():
			flush, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			for {
				select {
				case job := <-m.archiveJobs:
					job(flush)
				default:
					return nil
				}
			}
		}
	}
}

// Shutdown releases resources not owned by a running worker. Call after Run returns.
func (m *Manager) Shutdown() {
	m.closeListeners()
	if err := m.forwarder.Close(); err != nil {
		m.log.Warn("closing detector forwarder", "error", err)
	}
	if err := m.robotLink.Close(); err != nil && !errors.Is(err, robot.ErrLinkClosed) {
		m.log.Warn("closing robot link", "error", err)
	}
	if m.archive != nil {
		if err := m.archive.Close(); err != nil {
			m.log.Warn("closing archive", "error", err)
		}
	}
}

// Status returns the shared robot status record.
func (m *Manager) Status() *robot.Status {
	return m.status
}

// Commander returns the operator command executor.
func (m *Manager) Commander() *navigation.Commander {
	return m.commander
}

// Archive returns the incident archive, or nil when disabled.
func (m *Manager) Archive() *archive.Archive {
	return m.archive
}

// Report collects the status document from every worker.
func (m *Manager) Report() Report {
	r := Report{
		Robot:     m.status.Snapshot(),
		Router:    m.router.Stats(),
		Incidents: m.detector.Stats(),
		Merge:     m.engine.Stats(),
		Console:   m.consoleS.Stats(),
		Markers:   map[int]float64{},
		RobotLink: m.robotLink.State().String(),
	}
	if s, ok := m.engine.Session(); ok {
		r.Session = &s
	}
	r.Pending.Frames, r.Pending.Results = m.engine.Pending()
	if m.webServer != nil {
		r.Viewers.Status, r.Viewers.Feed = m.webServer.Viewers()
	}
	for _, id := range []int{m.cfg.Navigation.MarkerA, m.cfg.Navigation.MarkerB, m.cfg.Navigation.MarkerBase} {
		if d, ok := m.filters.Estimate(id); ok {
			r.Markers[id] = d
		}
	}
	return r
}
