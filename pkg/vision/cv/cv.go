// Package cv implements pkg/vision on top of OpenCV via gocv.
package cv

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"
	"sync"

	"github.com/teslashibe/go-neighbot/pkg/protocol"
	"github.com/teslashibe/go-neighbot/pkg/vision"
	"gocv.io/x/gocv"
)

var (
	caseColor   = color.RGBA{255, 0, 0, 0}
	plainColor  = color.RGBA{0, 255, 0, 0}
	markerColor = color.RGBA{255, 255, 0, 0}
)

// errForeignCanvas is returned when a Canvas from another implementation is passed in.
var errForeignCanvas = errors.New("cv: canvas was not produced by cv.Decoder")

// Canvas wraps a BGR Mat.
type Canvas struct {
	mat gocv.Mat
}

// Size returns the frame dimensions.
func (c *Canvas) Size() (int, int) {
	return c.mat.Cols(), c.mat.Rows()
}

// DrawDetections draws a box and "label confidence" per detection. Boxes
// whose label maps to an incident case are drawn in red.
func (c *Canvas) DrawDetections(dets []protocol.Detection) {
	for _, d := range dets {
		col := plainColor
		if d.Case != "" {
			col = caseColor
		}
		rect := image.Rect(int(d.Box[0]), int(d.Box[1]), int(d.Box[2]), int(d.Box[3]))
		gocv.Rectangle(&c.mat, rect, col, 2)

		label := fmt.Sprintf("%s %.2f", d.Label, d.Confidence)
		pos := image.Pt(rect.Min.X, max(rect.Min.Y-10, 12))
		gocv.PutText(&c.mat, label, pos, gocv.FontHersheySimplex, 0.6, col, 2)
	}
}

// DrawMarkers outlines each marker and prints its filtered distance.
func (c *Canvas) DrawMarkers(readings []vision.MarkerReading) {
	if len(readings) == 0 {
		return
	}
	corners := make([][]gocv.Point2f, len(readings))
	ids := make([]int, len(readings))
	for i, r := range readings {
		pts := make([]gocv.Point2f, 4)
		for j, p := range r.Corners {
			pts[j] = gocv.Point2f{X: float32(p.X), Y: float32(p.Y)}
		}
		corners[i] = pts
		ids[i] = r.ID
	}
	gocv.ArucoDrawDetectedMarkers(c.mat, corners, ids, gocv.NewScalar(0, 255, 255, 0))

	for _, r := range readings {
		text := fmt.Sprintf("id=%d %.2fm", r.ID, r.Filtered)
		pos := image.Pt(int(r.Corners[0].X), max(int(r.Corners[0].Y)-10, 12))
		gocv.PutText(&c.mat, text, pos, gocv.FontHersheySimplex, 0.6, markerColor, 2)
	}
}

// EncodeJPEG re-encodes the frame.
func (c *Canvas) EncodeJPEG() ([]byte, error) {
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, c.mat, []int{gocv.IMWriteJpegQuality, 90})
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

// Close releases the Mat.
func (c *Canvas) Close() error {
	return c.mat.Close()
}

// Decoder decodes JPEG frames with IMDecode.
type Decoder struct{}

// Decode returns a Canvas for jpeg.
func (Decoder) Decode(jpeg []byte) (vision.Canvas, error) {
	mat, err := gocv.IMDecode(jpeg, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if mat.Empty() {
		mat.Close()
		return nil, errors.New("decode image: empty")
	}
	return &Canvas{mat: mat}, nil
}

func matOf(c vision.Canvas) (gocv.Mat, error) {
	cc, ok := c.(*Canvas)
	if !ok {
		return gocv.Mat{}, errForeignCanvas
	}
	return cc.mat, nil
}

// MarkerConfig holds ArUco detection settings.
type MarkerConfig struct {
	Dictionary    string  // e.g. "4x4_250"
	SideMeters    float64 // Printed marker side length
	FocalLengthPx float64 // Camera focal length in pixels
}

var dictionaries = map[string]gocv.ArucoDictionaryCode{
	"4x4_50":   gocv.ArucoDict4x4_50,
	"4x4_100":  gocv.ArucoDict4x4_100,
	"4x4_250":  gocv.ArucoDict4x4_250,
	"4x4_1000": gocv.ArucoDict4x4_1000,
	"5x5_250":  gocv.ArucoDict5x5_250,
	"6x6_250":  gocv.ArucoDict6x6_250,
}

// MarkerDetector finds ArUco markers and estimates their distance with the
// pinhole model: side_m * focal_px / side_px.
type MarkerDetector struct {
	mu       sync.Mutex
	detector gocv.ArucoDetector
	cfg      MarkerConfig
}

// NewMarkerDetector creates an ArUco detector for cfg.Dictionary.
func NewMarkerDetector(cfg MarkerConfig) (*MarkerDetector, error) {
	code, ok := dictionaries[strings.ToLower(cfg.Dictionary)]
	if !ok {
		return nil, fmt.Errorf("unknown aruco dictionary %q", cfg.Dictionary)
	}
	if cfg.SideMeters <= 0 || cfg.FocalLengthPx <= 0 {
		return nil, errors.New("marker side and focal length must be positive")
	}
	dict := gocv.GetPredefinedDictionary(code)
	params := gocv.NewArucoDetectorParameters()
	return &MarkerDetector{
		detector: gocv.NewArucoDetectorWithParams(dict, params),
		cfg:      cfg,
	}, nil
}

// DetectMarkers returns every marker found on c.
func (d *MarkerDetector) DetectMarkers(c vision.Canvas) ([]vision.Marker, error) {
	mat, err := matOf(c)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	corners, ids, _ := d.detector.DetectMarkers(mat)
	d.mu.Unlock()

	markers := make([]vision.Marker, 0, len(ids))
	for i, id := range ids {
		if len(corners[i]) != 4 {
			continue
		}
		var m vision.Marker
		m.ID = id
		for j, p := range corners[i] {
			m.Corners[j] = vision.Point{X: float64(p.X), Y: float64(p.Y)}
		}
		side := meanSide(m.Corners)
		if side <= 0 {
			continue
		}
		m.Distance = d.cfg.SideMeters * d.cfg.FocalLengthPx / side
		markers = append(markers, m)
	}
	return markers, nil
}

// Close releases the detector.
func (d *MarkerDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detector.Close()
	return nil
}

func meanSide(c [4]vision.Point) float64 {
	var sum float64
	for i := range c {
		a, b := c[i], c[(i+1)%4]
		sum += math.Hypot(b.X-a.X, b.Y-a.Y)
	}
	return sum / 4
}

// VideoFactory opens OpenCV video files.
type VideoFactory struct {
	Codec string // FourCC, e.g. "MJPG"
	FPS   float64
}

// Create opens path for color frames of the given size.
func (f VideoFactory) Create(path string, width, height int) (vision.VideoWriter, error) {
	w, err := gocv.VideoWriterFile(path, f.Codec, f.FPS, width, height, true)
	if err != nil {
		return nil, fmt.Errorf("open video %s: %w", path, err)
	}
	if !w.IsOpened() {
		w.Close()
		return nil, fmt.Errorf("open video %s: writer not opened", path)
	}
	return &videoWriter{w: w}, nil
}

type videoWriter struct {
	w *gocv.VideoWriter
}

func (v *videoWriter) Write(c vision.Canvas) error {
	mat, err := matOf(c)
	if err != nil {
		return err
	}
	return v.w.Write(mat)
}

func (v *videoWriter) Close() error {
	return v.w.Close()
}
