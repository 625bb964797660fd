package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxConsoleFrame bounds a console frame when reading.
const MaxConsoleFrame = 16 << 20

// ConsoleHeader is the JSON part of a console frame.
type ConsoleHeader struct {
	FrameID     uint64      `json:"frame_id"`
	Timestamp   string      `json:"timestamp"`
	Detections  []Detection `json:"detections"`
	RobotStatus string      `json:"robot_status"`
	Location    string      `json:"location"`
}

// EncodeConsoleFrame builds a length-prefixed `json '|' jpeg` frame.
func EncodeConsoleFrame(h ConsoleHeader, jpeg []byte) ([]byte, error) {
	if h.Detections == nil {
		h.Detections = []Detection{}
	}
	js, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	n := len(js) + 1 + len(jpeg)
	buf := make([]byte, 4, 4+n)
	binary.BigEndian.PutUint32(buf, uint32(n))
	buf = append(buf, js...)
	buf = append(buf, headerDelim)
	buf = append(buf, jpeg...)
	return buf, nil
}

// ReadConsoleFrame reads one console frame from r.
func ReadConsoleFrame(r io.Reader) (ConsoleHeader, []byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return ConsoleHeader{}, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxConsoleFrame {
		return ConsoleHeader{}, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return ConsoleHeader{}, nil, err
	}

	// Labels may contain '|'; split where the JSON value ends.
	dec := json.NewDecoder(bytes.NewReader(body))
	var h ConsoleHeader
	if err := dec.Decode(&h); err != nil {
		return ConsoleHeader{}, nil, fmt.Errorf("console header: %w", err)
	}
	off := int(dec.InputOffset())
	if off >= len(body) || body[off] != headerDelim {
		return ConsoleHeader{}, nil, ErrNoDelimiter
	}
	return h, body[off+1:], nil
}
