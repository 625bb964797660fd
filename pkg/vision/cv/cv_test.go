package cv

import (
	"testing"

	"github.com/teslashibe/go-neighbot/pkg/vision"
)

func TestMeanSide(t *testing.T) {
	square := [4]vision.Point{{0, 0}, {100, 0}, {100, 100}, {0, 100}}
	if got := meanSide(square); got != 100 {
		t.Errorf("meanSide: got %.2f, want 100", got)
	}
}

func TestNewMarkerDetector_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  MarkerConfig
	}{
		{"unknown dictionary", MarkerConfig{Dictionary: "7x7_9", SideMeters: 0.05, FocalLengthPx: 600}},
		{"zero side", MarkerConfig{Dictionary: "4x4_250", SideMeters: 0, FocalLengthPx: 600}},
		{"zero focal", MarkerConfig{Dictionary: "4x4_250", SideMeters: 0.05, FocalLengthPx: 0}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewMarkerDetector(tc.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDecoder_RejectsGarbage(t *testing.T) {
	if _, err := (Decoder{}).Decode([]byte("not a jpeg")); err == nil {
		t.Error("expected decode error")
	}
}
