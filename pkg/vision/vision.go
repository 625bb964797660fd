// Package vision declares the image operations the pipeline needs: decoding
// frames, finding fiducial markers, drawing overlays and writing incident
// video. The OpenCV implementation lives in pkg/vision/cv; pipeline packages
// depend only on these interfaces.
package vision

import (
	"github.com/teslashibe/go-neighbot/pkg/protocol"
)

// Point is an image coordinate in pixels.
type Point struct {
	X, Y float64
}

// Marker is one fiducial marker found in a frame.
type Marker struct {
	ID       int
	Distance float64  // Raw pinhole estimate, meters
	Corners  [4]Point // Clockwise from top-left
}

// MarkerReading pairs a marker with its smoothed distance for display.
type MarkerReading struct {
	Marker
	Filtered float64
}

// Canvas is a decoded frame that overlays can be drawn onto.
// Callers must Close it.
type Canvas interface {
	Size() (width, height int)
	DrawDetections(dets []protocol.Detection)
	DrawMarkers(readings []MarkerReading)
	EncodeJPEG() ([]byte, error)
	Close() error
}

// Decoder turns JPEG bytes into a Canvas.
type Decoder interface {
	Decode(jpeg []byte) (Canvas, error)
}

// MarkerDetector finds markers on a decoded frame.
type MarkerDetector interface {
	DetectMarkers(c Canvas) ([]Marker, error)
}

// VideoWriter appends frames to a video file.
type VideoWriter interface {
	Write(c Canvas) error
	Close() error
}

// VideoWriterFactory opens a new video file sized to the first frame.
type VideoWriterFactory interface {
	Create(path string, width, height int) (VideoWriter, error)
}
