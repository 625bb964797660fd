package incident

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-neighbot/internal/log"
	"github.com/teslashibe/go-neighbot/pkg/protocol"
	"github.com/teslashibe/go-neighbot/pkg/robot"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func patrolling(t *testing.T) *robot.Status {
	t.Helper()
	s := robot.NewStatus()
	gen, _ := s.BeginMove(10, "moving to A")
	require.True(t, s.FinishMove(gen, robot.LocationA, robot.Patrolling))
	return s
}

func newTestDetector(status *robot.Status, queue int) (*Detector, *fakeClock, chan protocol.DetectionResult) {
	out := make(chan protocol.DetectionResult, queue)
	d := NewDetector(DefaultConfig(), status, out, log.Discard())
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	d.SetClock(clk.now)
	return d, clk, out
}

func result(id uint64, labels ...string) protocol.DetectionResult {
	res := protocol.DetectionResult{FrameID: id, Timestamp: "t"}
	for _, l := range labels {
		res.Detections = append(res.Detections, protocol.Detection{Label: l, Confidence: 0.9, Box: protocol.Box{1, 2, 3, 4}})
	}
	return res
}

// feed injects n results spaced by step, starting at the current clock.
func feed(d *Detector, clk *fakeClock, n int, step time.Duration, labels ...string) {
	for i := 0; i < n; i++ {
		d.Process(result(uint64(i), labels...))
		clk.advance(step)
	}
}

func TestCaseFor(t *testing.T) {
	assert.Equal(t, CaseDanger, CaseFor("gun"))
	assert.Equal(t, CaseDanger, CaseFor("knife"))
	assert.Equal(t, CaseEmergency, CaseFor("fall_down"))
	assert.Equal(t, CaseIllegal, CaseFor("cigarette"))
	assert.Equal(t, CaseNone, CaseFor("person"))
	assert.Contains(t, Labels(), "smoking")
}

func TestDetector_BelowMinSamplesNeverPromotes(t *testing.T) {
	status := patrolling(t)
	d, clk, _ := newTestDetector(status, 100)

	d.Process(result(0, "gun"))
	clk.advance(1500 * time.Millisecond)
	feed(d, clk, 38, 10*time.Millisecond, "gun")

	assert.Equal(t, 39, d.WindowLen())
	assert.Equal(t, robot.Patrolling, status.State())
}

func TestDetector_PromotesOnlyAfterWarmUp(t *testing.T) {
	status := patrolling(t)
	d, clk, _ := newTestDetector(status, 200)

	// 50 frames inside the first 500ms of patrol: enough samples, still warming up.
	feed(d, clk, 50, 10*time.Millisecond, "gun")
	require.Equal(t, robot.Patrolling, status.State())

	clk.advance(500 * time.Millisecond)
	d.Process(result(99, "gun"))

	assert.Equal(t, robot.Alert, status.State())
	assert.Equal(t, "gun", status.Snapshot().IncidentLabel)
	assert.EqualValues(t, 1, d.Stats().Promotions)
}

func TestDetector_ThresholdRespected(t *testing.T) {
	status := patrolling(t)
	d, clk, _ := newTestDetector(status, 200)

	d.Process(result(0))
	clk.advance(time.Second)

	// 15 of 50 frames = 0.30 < 0.40
	feed(d, clk, 15, 10*time.Millisecond, "knife")
	feed(d, clk, 34, 10*time.Millisecond, "person")
	assert.Equal(t, robot.Patrolling, status.State())

	// Push knife to 40%.
	feed(d, clk, 10, 10*time.Millisecond, "knife")
	assert.Equal(t, robot.Alert, status.State())
	assert.Equal(t, "knife", status.Snapshot().IncidentLabel)
}

func TestDetector_UnmappedLabelsIgnored(t *testing.T) {
	status := patrolling(t)
	d, clk, out := newTestDetector(status, 200)

	d.Process(result(0, "person"))
	clk.advance(time.Second)
	feed(d, clk, 60, 10*time.Millisecond, "person", "dog")

	assert.Equal(t, robot.Patrolling, status.State())
	assert.Empty(t, d.Ratios())

	got := <-out
	assert.Empty(t, got.Detections[0].Case)
}

func TestDetector_TieBreakIsLexical(t *testing.T) {
	status := patrolling(t)
	d, clk, _ := newTestDetector(status, 200)

	d.Process(result(0))
	clk.advance(time.Second)
	feed(d, clk, 40, 10*time.Millisecond, "knife", "gun")

	assert.Equal(t, robot.Alert, status.State())
	assert.Equal(t, "gun", status.Snapshot().IncidentLabel)
}

func TestDetector_AlertIsNotReEvaluated(t *testing.T) {
	status := patrolling(t)
	d, clk, _ := newTestDetector(status, 500)

	d.Process(result(0))
	clk.advance(time.Second)
	feed(d, clk, 40, 10*time.Millisecond, "gun")
	require.Equal(t, robot.Alert, status.State())

	feed(d, clk, 150, 10*time.Millisecond, "smoking")
	assert.Equal(t, robot.Alert, status.State())
	assert.Equal(t, "gun", status.Snapshot().IncidentLabel)
	assert.EqualValues(t, 1, d.Stats().Promotions)
}

func TestDetector_ResolveRestartsWarmUp(t *testing.T) {
	status := patrolling(t)
	d, clk, _ := newTestDetector(status, 500)

	d.Process(result(0))
	clk.advance(time.Second)
	feed(d, clk, 40, 10*time.Millisecond, "gun")
	require.Equal(t, robot.Alert, status.State())

	require.True(t, status.Resolve())

	// First result after the operator decision resets the window.
	d.Process(result(100, "gun"))
	assert.Equal(t, 1, d.WindowLen())

	feed(d, clk, 45, 10*time.Millisecond, "gun")
	assert.Equal(t, robot.Patrolling, status.State(), "still warming up")

	clk.advance(time.Second)
	d.Process(result(200, "gun"))
	assert.Equal(t, robot.Alert, status.State())
}

func TestDetector_MoveWithoutResultsRestartsWarmUp(t *testing.T) {
	status := patrolling(t)
	d, clk, _ := newTestDetector(status, 500)

	d.Process(result(0))
	clk.advance(1500 * time.Millisecond)
	feed(d, clk, 30, 10*time.Millisecond, "gun")
	require.Equal(t, 31, d.WindowLen())
	require.Equal(t, robot.Patrolling, status.State())

	// No results reach the detector while the robot is moving.
	gen, _ := status.BeginMove(20, "moving to B")
	require.True(t, status.FinishMove(gen, robot.LocationB, robot.Patrolling))

	feed(d, clk, 10, 10*time.Millisecond)
	assert.Equal(t, 10, d.WindowLen(), "pre-move results are discarded")
	assert.Equal(t, robot.Patrolling, status.State())

	feed(d, clk, 40, 10*time.Millisecond, "gun")
	assert.Equal(t, robot.Patrolling, status.State(), "still warming up after re-entry")
}

func TestDetector_IdleAndMovingDropAndClear(t *testing.T) {
	status := patrolling(t)
	d, clk, out := newTestDetector(status, 100)

	feed(d, clk, 5, 10*time.Millisecond, "gun")
	require.Equal(t, 5, d.WindowLen())
	require.Len(t, out, 5)

	status.BeginMove(20, "moving to B")
	d.Process(result(10, "gun"))

	assert.Equal(t, 0, d.WindowLen())
	assert.Len(t, out, 5, "results are not forwarded while moving")
	assert.EqualValues(t, 1, d.Stats().Ignored)

	status.Halt()
	d.Process(result(11, "gun"))
	assert.Len(t, out, 5)
}

func TestDetector_ForwardsWithCases(t *testing.T) {
	status := patrolling(t)
	d, _, out := newTestDetector(status, 10)

	d.Process(result(7, "gun", "person"))

	got := <-out
	require.Len(t, got.Detections, 2)
	assert.Equal(t, uint64(7), got.FrameID)
	assert.Equal(t, "danger", got.Detections[0].Case)
	assert.Equal(t, "", got.Detections[1].Case)
}

func TestDetector_FullQueueDrops(t *testing.T) {
	status := patrolling(t)
	d, _, out := newTestDetector(status, 1)

	d.Process(result(1, "gun"))
	d.Process(result(2, "gun"))

	assert.Len(t, out, 1)
	st := d.Stats()
	assert.EqualValues(t, 1, st.Forwarded)
	assert.EqualValues(t, 1, st.Dropped)
	assert.Equal(t, uint64(1), (<-out).FrameID)
}

// Entries older than the window no longer count toward the ratio.
func TestDetector_WindowAging(t *testing.T) {
	status := patrolling(t)
	d, clk, _ := newTestDetector(status, 500)
	d.cfg.MinSamples = 1000 // keep evaluation out of the way

	feed(d, clk, 30, 10*time.Millisecond, "cigarette")
	assert.InDelta(t, 1.0, d.Ratios()["cigarette"], 1e-9)

	clk.advance(DefaultConfig().Window + time.Millisecond)
	d.Process(result(99, "person"))

	assert.Equal(t, 1, d.WindowLen())
	assert.Zero(t, d.Ratios()["cigarette"])
}

func TestDetector_OnPromoteHook(t *testing.T) {
	status := patrolling(t)
	d, clk, _ := newTestDetector(status, 200)

	var gotLabel string
	var gotRatio float64
	d.OnPromote = func(label string, ratio float64) {
		gotLabel, gotRatio = label, ratio
	}

	d.Process(result(0))
	clk.advance(time.Second)
	feed(d, clk, 40, 10*time.Millisecond, "fall_down")

	assert.Equal(t, "fall_down", gotLabel)
	assert.GreaterOrEqual(t, gotRatio, 0.40)
}

func TestServer_ReadsFramesInOrder(t *testing.T) {
	status := patrolling(t)
	out := make(chan protocol.DetectionResult, 10)
	d := NewDetector(DefaultConfig(), status, out, log.Discard())
	srv := NewServer(d, log.Discard())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, protocol.WriteDetectionFrame(conn, result(1, "gun")))

	bad := []byte("{oops")
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(bad)))
	_, err = conn.Write(append(hdr[:], bad...))
	require.NoError(t, err)

	require.NoError(t, protocol.WriteDetectionFrame(conn, result(2)))

	for _, want := range []uint64{1, 2} {
		select {
		case got := <-out:
			assert.Equal(t, want, got.FrameID)
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d not forwarded", want)
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
