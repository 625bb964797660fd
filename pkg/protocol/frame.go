package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoDelimiter is returned when a robot datagram has no '|' between header and image.
var ErrNoDelimiter = errors.New("robot packet: missing header delimiter")

// headerDelim separates the JSON header from the JPEG payload.
const headerDelim = '|'

// FrameHeader is the JSON header the robot prepends to every frame.
type FrameHeader struct {
	FrameID   uint64 `json:"frame_id"`
	Timestamp string `json:"timestamp"`
}

// Frame is one robot camera frame.
type Frame struct {
	ID        uint64
	Timestamp string
	Image     []byte
}

// ParseRobotPacket decodes a datagram of the form JSON '|' JPEG, with an
// optional trailing newline. The returned image aliases pkt.
func ParseRobotPacket(pkt []byte) (Frame, error) {
	i := bytes.IndexByte(pkt, headerDelim)
	if i < 0 {
		return Frame{}, ErrNoDelimiter
	}

	var h FrameHeader
	if err := json.Unmarshal(pkt[:i], &h); err != nil {
		return Frame{}, fmt.Errorf("robot packet header: %w", err)
	}

	img := bytes.TrimSuffix(pkt[i+1:], []byte{'\n'})
	if len(img) == 0 {
		return Frame{}, errors.New("robot packet: empty image")
	}
	return Frame{ID: h.FrameID, Timestamp: h.Timestamp, Image: img}, nil
}

// EncodeRobotPacket builds the datagram the robot sends for f.
func EncodeRobotPacket(f Frame) ([]byte, error) {
	hdr, err := json.Marshal(FrameHeader{FrameID: f.ID, Timestamp: f.Timestamp})
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(hdr)+1+len(f.Image)+1)
	buf = append(buf, hdr...)
	buf = append(buf, headerDelim)
	buf = append(buf, f.Image...)
	buf = append(buf, '\n')
	return buf, nil
}
