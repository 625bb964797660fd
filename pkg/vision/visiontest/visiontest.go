// Package visiontest provides in-memory vision implementations for tests.
package visiontest

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/teslashibe/go-neighbot/pkg/protocol"
	"github.com/teslashibe/go-neighbot/pkg/vision"
)

// BadImage fails to decode.
var BadImage = []byte("not-a-jpeg")

// ErrDecode is returned by Decoder for BadImage or empty input.
var ErrDecode = errors.New("visiontest: cannot decode")

// Canvas records what was drawn on it.
type Canvas struct {
	Src        []byte
	W, H       int
	Detections []protocol.Detection
	Readings   []vision.MarkerReading
	Closed     bool
}

func (c *Canvas) Size() (int, int) { return c.W, c.H }

func (c *Canvas) DrawDetections(dets []protocol.Detection) {
	c.Detections = append(c.Detections, dets...)
}

func (c *Canvas) DrawMarkers(r []vision.MarkerReading) {
	c.Readings = append(c.Readings, r...)
}

// EncodeJPEG returns the source bytes with a suffix per overlay kind, so
// tests can tell annotated frames from raw ones.
func (c *Canvas) EncodeJPEG() ([]byte, error) {
	out := append([]byte(nil), c.Src...)
	if len(c.Detections) > 0 {
		out = append(out, fmt.Sprintf("+det%d", len(c.Detections))...)
	}
	if len(c.Readings) > 0 {
		out = append(out, fmt.Sprintf("+mk%d", len(c.Readings))...)
	}
	return out, nil
}

func (c *Canvas) Close() error {
	c.Closed = true
	return nil
}

// Decoder decodes any non-empty input except BadImage into a 640x480 Canvas.
type Decoder struct{}

func (Decoder) Decode(jpeg []byte) (vision.Canvas, error) {
	if len(jpeg) == 0 || bytes.Equal(jpeg, BadImage) {
		return nil, ErrDecode
	}
	return &Canvas{Src: jpeg, W: 640, H: 480}, nil
}

// MarkerDetector returns scripted markers in call order, then none.
type MarkerDetector struct {
	mu     sync.Mutex
	Script [][]vision.Marker
	Err    error
	calls  int
}

func (d *MarkerDetector) DetectMarkers(vision.Canvas) ([]vision.Marker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	if d.calls >= len(d.Script) {
		d.calls++
		return nil, nil
	}
	m := d.Script[d.calls]
	d.calls++
	return m, nil
}

// Calls returns how many times DetectMarkers ran.
func (d *MarkerDetector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// VideoFactory writes one line per frame to a real file so tests can check
// file lifecycle on disk.
type VideoFactory struct {
	mu      sync.Mutex
	Created []string
}

func (f *VideoFactory) Create(path string, width, height int) (vision.VideoWriter, error) {
	fh, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.Created = append(f.Created, path)
	f.mu.Unlock()
	return &videoWriter{f: fh}, nil
}

// CreatedPaths returns the paths opened so far.
func (f *VideoFactory) CreatedPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Created...)
}

type videoWriter struct {
	f *os.File
}

func (w *videoWriter) Write(c vision.Canvas) error {
	fc, ok := c.(*Canvas)
	if !ok {
		return fmt.Errorf("visiontest: unexpected canvas %T", c)
	}
	_, err := fmt.Fprintf(w.f, "%s\n", fc.Src)
	return err
}

func (w *videoWriter) Close() error {
	return w.f.Close()
}
