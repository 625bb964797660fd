package merge

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-neighbot/pkg/vision"
)

// Session is one incident recording. Files are written under provisional
// names until the persistence layer supplies final paths.
type Session struct {
	ID         string    `json:"id"`
	Label      string    `json:"label"`
	Started    time.Time `json:"started"`
	TempVideo  string    `json:"temp_video"`
	TempImage  string    `json:"temp_image"`
	FinalVideo string    `json:"final_video,omitempty"`
	FinalImage string    `json:"final_image,omitempty"`
	Closed     time.Time `json:"closed,omitempty"`
	Frames     int       `json:"frames"`

	writer vision.VideoWriter
}

func openSession(dir, label string, first vision.Canvas, snapshot []byte, videos vision.VideoWriterFactory, now time.Time) (*Session, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}

	id := uuid.New().String()
	s := &Session{
		ID:        id,
		Label:     label,
		Started:   now,
		TempVideo: filepath.Join(dir, "incident-"+id+".tmp.avi"),
		TempImage: filepath.Join(dir, "incident-"+id+".tmp.jpg"),
	}

	if err := os.WriteFile(s.TempImage, snapshot, 0o644); err != nil {
		return nil, fmt.Errorf("write snapshot: %w", err)
	}

	w, h := first.Size()
	vw, err := videos.Create(s.TempVideo, w, h)
	if err != nil {
		os.Remove(s.TempImage)
		return nil, err
	}
	s.writer = vw
	return s, nil
}

func (s *Session) write(c vision.Canvas) error {
	if err := s.writer.Write(c); err != nil {
		return err
	}
	s.Frames++
	return nil
}

// finish closes the writer and moves both files to their final names. Every
// step is attempted; the first error is returned.
func (s *Session) finish(finalImage, finalVideo string, now time.Time) error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	keep(s.writer.Close())
	s.FinalImage, s.FinalVideo, s.Closed = finalImage, finalVideo, now

	keep(moveFile(s.TempVideo, finalVideo))
	keep(moveFile(s.TempImage, finalImage))
	return first
}

func moveFile(from, to string) error {
	if to == "" {
		return fmt.Errorf("rename %s: empty destination", from)
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}
	return os.Rename(from, to)
}
