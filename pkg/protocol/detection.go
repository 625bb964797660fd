package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrFrameTooLarge is returned when a length prefix exceeds the reader's limit.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// MaxDetectionFrame bounds a single detection-service frame.
const MaxDetectionFrame = 1 << 20

// Box is an axis-aligned bounding box [x1, y1, x2, y2] in pixels.
type Box [4]float64

// Detection is one object reported by the detection service.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
	Case       string  `json:"case,omitempty"`
}

// DetectionResult is the detection service's answer for one frame.
type DetectionResult struct {
	FrameID    uint64      `json:"frame_id"`
	Timestamp  string      `json:"timestamp"`
	Detections []Detection `json:"detections"`
}

// Validate checks the fields the pipeline relies on.
func (r *DetectionResult) Validate() error {
	for i, d := range r.Detections {
		if d.Label == "" {
			return fmt.Errorf("detection %d: empty label", i)
		}
		if d.Confidence < 0 || d.Confidence > 1 {
			return fmt.Errorf("detection %d: confidence %.3f out of range", i, d.Confidence)
		}
	}
	return nil
}

// Labels returns the label of every detection, in order.
func (r *DetectionResult) Labels() []string {
	out := make([]string, len(r.Detections))
	for i, d := range r.Detections {
		out[i] = d.Label
	}
	return out
}

// DetectionReader reads length-prefixed detection frames from a stream.
type DetectionReader struct {
	r   *bufio.Reader
	max int
}

// NewDetectionReader wraps r. Frames larger than MaxDetectionFrame are rejected.
func NewDetectionReader(r io.Reader) *DetectionReader {
	return &DetectionReader{r: bufio.NewReader(r), max: MaxDetectionFrame}
}

// Read returns the next frame. A stray '\n' left by the sender after the
// previous payload is skipped; no valid length prefix starts with 0x0A
// because that would exceed the size limit.
func (d *DetectionReader) Read() (DetectionResult, error) {
	for {
		b, err := d.r.Peek(1)
		if err != nil {
			return DetectionResult{}, err
		}
		if b[0] != '\n' {
			break
		}
		d.r.Discard(1)
	}

	var hdr [4]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return DetectionResult{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if int(n) > d.max {
		return DetectionResult{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return DetectionResult{}, err
	}

	var res DetectionResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return DetectionResult{}, &DecodeError{Err: err}
	}
	if err := res.Validate(); err != nil {
		return DetectionResult{}, &DecodeError{Err: err}
	}
	return res, nil
}

// DecodeError reports a frame that was read fully but could not be decoded.
// The stream is still aligned and the caller may keep reading.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "detection frame: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// WriteDetectionFrame writes res as length, JSON, '\n'.
func WriteDetectionFrame(w io.Writer, res DetectionResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}
	buf := make([]byte, 4, 4+len(payload)+1)
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	_, err = w.Write(buf)
	return err
}
