// Package incident turns the detection service's per-frame results into a
// reliable incident trigger.
//
// A trailing time window of results is kept. Once the robot has been
// patrolling for the warm-up period and the window holds enough frames, a
// label seen in at least Threshold of the frames promotes the robot to Alert.
// Promotion is one-way; only an operator decision returns to Patrolling.
package incident

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-neighbot/pkg/protocol"
	"github.com/teslashibe/go-neighbot/pkg/robot"
)

// Config holds stability parameters.
type Config struct {
	Window     time.Duration // Trailing window length
	WarmUp     time.Duration // Grace period after entering Patrolling
	MinSamples int           // Frames required before evaluating
	Threshold  float64       // Occurrences / frames needed to promote
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		Window:     2 * time.Second,
		WarmUp:     time.Second,
		MinSamples: 40,
		Threshold:  0.40,
	}
}

type sample struct {
	at     time.Time
	labels []string
}

// Stats are cumulative detector counters.
type Stats struct {
	Received   uint64 `json:"received"`
	Ignored    uint64 `json:"ignored"`
	Forwarded  uint64 `json:"forwarded"`
	Dropped    uint64 `json:"dropped"`
	Promotions uint64 `json:"promotions"`
}

// Detector is the stability detector.
type Detector struct {
	cfg    Config
	status *robot.Status
	out    chan<- protocol.DetectionResult
	log    *slog.Logger
	now    func() time.Time

	// OnPromote, if set, runs after a successful promotion to Alert.
	OnPromote func(label string, ratio float64)

	mu          sync.Mutex
	window      []sample
	patrolEntry uint64 // last Patrolling entry the window was reset for
	patrolSince time.Time

	received, ignored, forwarded, dropped, promotions atomic.Uint64
}

// NewDetector creates a detector that forwards every evaluated result to out.
func NewDetector(cfg Config, status *robot.Status, out chan<- protocol.DetectionResult, log *slog.Logger) *Detector {
	return &Detector{
		cfg:    cfg,
		status: status,
		out:    out,
		log:    log,
		now:    time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (d *Detector) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// Process evaluates one result. It never blocks: if the merge queue is full
// the result is dropped.
func (d *Detector) Process(res protocol.DetectionResult) {
	d.received.Add(1)

	d.mu.Lock()
	now := d.now()
	state, entry := d.status.PatrolEntry()

	if !state.Scanning() {
		d.window = d.window[:0]
		d.mu.Unlock()
		d.ignored.Add(1)
		return
	}

	// The robot may have left and re-entered Patrolling without any result
	// arriving in between, so compare entries rather than observed states.
	if state == robot.Patrolling && entry != d.patrolEntry {
		d.patrolEntry = entry
		d.patrolSince = now
		d.window = d.window[:0]
		d.log.Info("stability window reset", "patrol_entry", entry, "warm_up", d.cfg.WarmUp)
	}

	var labels []string
	for i := range res.Detections {
		c := CaseFor(res.Detections[i].Label)
		res.Detections[i].Case = string(c)
		if c != CaseNone {
			labels = append(labels, res.Detections[i].Label)
		}
	}
	d.window = append(d.window, sample{at: now, labels: labels})
	d.evictLocked(now)

	var promoted string
	var ratio float64
	if state == robot.Patrolling && now.Sub(d.patrolSince) >= d.cfg.WarmUp && len(d.window) >= d.cfg.MinSamples {
		if label, r, ok := d.evaluateLocked(); ok && d.status.Promote(label) {
			promoted, ratio = label, r
			d.log.Warn("stable detection, entering alert",
				"label", label,
				"ratio", r,
				"frames", len(d.window),
				"case", CaseFor(label))
		}
	}
	d.mu.Unlock()

	if promoted != "" {
		d.promotions.Add(1)
		if d.OnPromote != nil {
			d.OnPromote(promoted, ratio)
		}
	}

	select {
	case d.out <- res:
		d.forwarded.Add(1)
	default:
		d.dropped.Add(1)
		d.log.Warn("merge queue full, dropping detection result", "frame_id", res.FrameID)
	}
}

func (d *Detector) evictLocked(now time.Time) {
	i := 0
	for i < len(d.window) && now.Sub(d.window[i].at) > d.cfg.Window {
		i++
	}
	if i > 0 {
		d.window = append(d.window[:0], d.window[i:]...)
	}
}

// evaluateLocked returns the most frequent case label and its ratio if the
// ratio reaches the threshold. Ties go to the lexically smaller label.
func (d *Detector) evaluateLocked() (string, float64, bool) {
	total := len(d.window)
	if total == 0 {
		return "", 0, false
	}
	counts := make(map[string]int)
	for _, s := range d.window {
		for _, l := range s.labels {
			counts[l]++
		}
	}
	if len(counts) == 0 {
		return "", 0, false
	}

	labels := make([]string, 0, len(counts))
	for l := range counts {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool {
		if counts[labels[i]] != counts[labels[j]] {
			return counts[labels[i]] > counts[labels[j]]
		}
		return labels[i] < labels[j]
	})

	best := labels[0]
	ratio := float64(counts[best]) / float64(total)
	return best, ratio, ratio >= d.cfg.Threshold
}

// Ratios returns the current per-label ratio over the window.
func (d *Detector) Ratios() map[string]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evictLocked(d.now())
	out := make(map[string]float64)
	total := len(d.window)
	if total == 0 {
		return out
	}
	for _, s := range d.window {
		for _, l := range s.labels {
			out[l]++
		}
	}
	for l, c := range out {
		out[l] = c / float64(total)
	}
	return out
}

// WindowLen returns how many frames are in the window.
func (d *Detector) WindowLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.window)
}

// Stats returns the counters.
func (d *Detector) Stats() Stats {
	return Stats{
		Received:   d.received.Load(),
		Ignored:    d.ignored.Load(),
		Forwarded:  d.forwarded.Load(),
		Dropped:    d.dropped.Load(),
		Promotions: d.promotions.Load(),
	}
}
