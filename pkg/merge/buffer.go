package merge

import (
	"sort"
	"sync"
	"time"

	"github.com/teslashibe/go-neighbot/pkg/protocol"
)

type pendingFrame struct {
	frame   protocol.Frame
	arrived time.Time
}

type pendingResult struct {
	result  protocol.DetectionResult
	arrived time.Time
}

// Pair is a frame joined with its detection result.
type Pair struct {
	Frame  protocol.Frame
	Result protocol.DetectionResult
}

// Buffer holds frames and detection results waiting to be joined by frame
// id. Both maps are guarded by one mutex. A repeated id replaces the
// pending entry (last write wins).
type Buffer struct {
	mu      sync.Mutex
	frames  map[uint64]pendingFrame
	results map[uint64]pendingResult
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{
		frames:  make(map[uint64]pendingFrame),
		results: make(map[uint64]pendingResult),
	}
}

// AddFrame buffers f and reports whether it displaced a pending frame.
func (b *Buffer) AddFrame(f protocol.Frame, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, dup := b.frames[f.ID]
	b.frames[f.ID] = pendingFrame{frame: f, arrived: now}
	return dup
}

// AddResult buffers r and reports whether it displaced a pending result.
func (b *Buffer) AddResult(r protocol.DetectionResult, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, dup := b.results[r.FrameID]
	b.results[r.FrameID] = pendingResult{result: r, arrived: now}
	return dup
}

// Take removes and returns, in one critical section:
//   - every id present in both maps, as pairs;
//   - unjoined frames older than frameAge;
//   - the number of unjoined results older than resultAge, which are discarded.
//
// Pairs and stale frames are ordered by frame arrival.
func (b *Buffer) Take(now time.Time, frameAge, resultAge time.Duration) (pairs []Pair, stale []protocol.Frame, expired int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	type item struct {
		pf  pendingFrame
		res *protocol.DetectionResult
	}
	var joined, old []item

	for id, pf := range b.frames {
		if pr, ok := b.results[id]; ok {
			r := pr.result
			joined = append(joined, item{pf: pf, res: &r})
			delete(b.frames, id)
			delete(b.results, id)
			continue
		}
		if now.Sub(pf.arrived) > frameAge {
			old = append(old, item{pf: pf})
			delete(b.frames, id)
		}
	}

	for id, pr := range b.results {
		if now.Sub(pr.arrived) > resultAge {
			delete(b.results, id)
			expired++
		}
	}

	byArrival := func(s []item) {
		sort.Slice(s, func(i, j int) bool {
			if s[i].pf.arrived.Equal(s[j].pf.arrived) {
				return s[i].pf.frame.ID < s[j].pf.frame.ID
			}
			return s[i].pf.arrived.Before(s[j].pf.arrived)
		})
	}
	byArrival(joined)
	byArrival(old)

	for _, it := range joined {
		pairs = append(pairs, Pair{Frame: it.pf.frame, Result: *it.res})
	}
	for _, it := range old {
		stale = append(stale, it.pf.frame)
	}
	return pairs, stale, expired
}

// Len returns the number of pending frames and results.
func (b *Buffer) Len() (frames, results int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames), len(b.results)
}
