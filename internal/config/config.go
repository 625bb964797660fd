// Package config provides configuration for the go-neighbot server.
//
// Values come from three layers applied in order: built-in defaults, an
// optional YAML file, then environment overrides. Flag parsing is done in
// cmd/neighbot; this package is data only.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default network addresses used by the original deployment.
const (
	DefaultRobotFramesAddr  = ":9001"
	DefaultDetectorAddr     = "127.0.0.1:9002"
	DefaultDetectionsAddr   = ":9003"
	DefaultConsoleAddr      = ":9004"
	DefaultCommandsAddr     = ":9006"
	DefaultRobotCommandAddr = "127.0.0.1:9008"
	DefaultDashboardAddr    = ":8181"
)

// Network holds listen and dial addresses for every link.
type Network struct {
	RobotFramesAddr  string `yaml:"robot_frames_addr"`  // UDP, frames from the robot
	DetectorAddr     string `yaml:"detector_addr"`      // UDP, frames to the detection service
	DetectionsAddr   string `yaml:"detections_addr"`    // TCP, results from the detection service
	ConsoleAddr      string `yaml:"console_addr"`       // TCP, merged output to the console
	CommandsAddr     string `yaml:"commands_addr"`      // TCP, operator commands
	RobotCommandAddr string `yaml:"robot_command_addr"` // TCP, pass-through commands to the robot
	DashboardAddr    string `yaml:"dashboard_addr"`     // HTTP dashboard, empty disables it
}

// Stability tunes incident promotion.
type Stability struct {
	Window     time.Duration `yaml:"window"`
	WarmUp     time.Duration `yaml:"warm_up"`
	MinSamples int           `yaml:"min_samples"`
	Threshold  float64       `yaml:"threshold"`
}

// Merge tunes the frame/result join.
type Merge struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	ShortEviction     time.Duration `yaml:"short_eviction"`
	LongEviction      time.Duration `yaml:"long_eviction"`
	DetectionCleanup  time.Duration `yaml:"detection_cleanup"`
	ConsoleQueueDepth int           `yaml:"console_queue_depth"`
}

// Navigation configures marker-based arrival.
type Navigation struct {
	MarkerA          int           `yaml:"marker_a"`
	MarkerB          int           `yaml:"marker_b"`
	MarkerBase       int           `yaml:"marker_base"`
	ArrivalThreshold float64       `yaml:"arrival_threshold"` // meters
	ArrivalPoll      time.Duration `yaml:"arrival_poll"`
	ArrivalTimeout   time.Duration `yaml:"arrival_timeout"` // 0 waits until shutdown
}

// Markers configures ArUco detection and smoothing.
type Markers struct {
	Dictionary       string  `yaml:"dictionary"`
	SideMeters       float64 `yaml:"side_meters"`
	FocalLengthPx    float64 `yaml:"focal_length_px"`
	MeasurementNoise float64 `yaml:"measurement_noise"` // Kalman R
	ProcessNoise     float64 `yaml:"process_noise"`     // Kalman Q
}

// Recording configures incident video capture.
type Recording struct {
	Dir   string  `yaml:"dir"`
	FPS   float64 `yaml:"fps"`
	Codec string  `yaml:"codec"`
}

// Config holds all configuration for the server.
type Config struct {
	LogLevel    string     `yaml:"log_level"`
	ArchivePath string     `yaml:"archive_path"` // sqlite file, empty disables the archive
	Network     Network    `yaml:"network"`
	Stability   Stability  `yaml:"stability"`
	Merge       Merge      `yaml:"merge"`
	Navigation  Navigation `yaml:"navigation"`
	Markers     Markers    `yaml:"markers"`
	Recording   Recording  `yaml:"recording"`
}

// Default returns the configuration of the original deployment.
func Default() Config {
	return Config{
		LogLevel:    "info",
		ArchivePath: "neighbot.db",
		Network: Network{
			RobotFramesAddr:  DefaultRobotFramesAddr,
			DetectorAddr:     DefaultDetectorAddr,
			DetectionsAddr:   DefaultDetectionsAddr,
			ConsoleAddr:      DefaultConsoleAddr,
			CommandsAddr:     DefaultCommandsAddr,
			RobotCommandAddr: DefaultRobotCommandAddr,
			DashboardAddr:    DefaultDashboardAddr,
		},
		Stability: Stability{
			Window:     2 * time.Second,
			WarmUp:     1 * time.Second,
			MinSamples: 40,
			Threshold:  0.40,
		},
		Merge: Merge{
			PollInterval:      30 * time.Millisecond,
			ShortEviction:     100 * time.Millisecond,
			LongEviction:      1 * time.Second,
			DetectionCleanup:  2 * time.Second,
			ConsoleQueueDepth: 100,
		},
		Navigation: Navigation{
			MarkerA:          10,
			MarkerB:          20,
			MarkerBase:       30,
			ArrivalThreshold: 0.1,
			ArrivalPoll:      1 * time.Second,
		},
		Markers: Markers{
			Dictionary:       "4x4_250",
			SideMeters:       0.05,
			FocalLengthPx:    615,
			MeasurementNoise: 0.1,
			ProcessNoise:     1e-5,
		},
		Recording: Recording{
			Dir:   "recordings",
			FPS:   15,
			Codec: "MJPG",
		},
	}
}

// Load reads a YAML file over the defaults. Keys missing from the file keep
// their default value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv applies environment overrides.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("ROBOT_COMMAND_ADDR"); v != "" {
		c.Network.RobotCommandAddr = v
	}
	if v := os.Getenv("DETECTOR_ADDR"); v != "" {
		c.Network.DetectorAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	n := c.Network
	required := []struct{ field, value string }{
		{"network.robot_frames_addr", n.RobotFramesAddr},
		{"network.detector_addr", n.DetectorAddr},
		{"network.detections_addr", n.DetectionsAddr},
		{"network.console_addr", n.ConsoleAddr},
		{"network.commands_addr", n.CommandsAddr},
		{"network.robot_command_addr", n.RobotCommandAddr},
	}
	for _, r := range required {
		if r.value == "" {
			return &Error{Field: r.field, Message: r.field + " is required"}
		}
	}

	s := c.Stability
	if s.Window <= 0 {
		return &Error{Field: "stability.window", Message: "stability window must be positive"}
	}
	if s.Threshold <= 0 || s.Threshold > 1 {
		return &Error{Field: "stability.threshold", Message: fmt.Sprintf("stability threshold %v out of range (0, 1]", s.Threshold)}
	}
	if s.MinSamples < 1 {
		return &Error{Field: "stability.min_samples", Message: "min samples must be at least 1"}
	}
	if c.Merge.PollInterval <= 0 {
		return &Error{Field: "merge.poll_interval", Message: "merge poll interval must be positive"}
	}
	if c.Merge.ShortEviction > c.Merge.LongEviction {
		return &Error{Field: "merge.short_eviction", Message: "short eviction exceeds long eviction"}
	}
	if c.Navigation.ArrivalThreshold <= 0 {
		return &Error{Field: "navigation.arrival_threshold", Message: "arrival threshold must be positive"}
	}
	if c.Navigation.ArrivalPoll <= 0 {
		return &Error{Field: "navigation.arrival_poll", Message: "arrival poll must be positive"}
	}
	if c.Navigation.ArrivalTimeout < 0 {
		return &Error{Field: "navigation.arrival_timeout", Message: "arrival timeout cannot be negative"}
	}
	if c.Markers.MeasurementNoise <= 0 {
		return &Error{Field: "markers.measurement_noise", Message: "measurement noise must be positive"}
	}
	if c.Recording.FPS <= 0 {
		return &Error{Field: "recording.fps", Message: "recording fps must be positive"}
	}
	if len(c.Recording.Codec) != 4 {
		return &Error{Field: "recording.codec", Message: "recording codec must be a FOURCC"}
	}
	return nil
}

// Error represents a configuration validation error.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
