// neighbot - patrol robot server
// Routes robot frames, detects sustained incidents, drives navigation and
// records incident video for the operator console.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-neighbot/internal/config"
	"github.com/teslashibe/go-neighbot/internal/log"
	"github.com/teslashibe/go-neighbot/pkg/system"
	"github.com/teslashibe/go-neighbot/pkg/vision/cv"
)

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	log.Init(cfg.LogLevel)

	markers, err := cv.NewMarkerDetector(cv.MarkerConfig{
		Dictionary:    cfg.Markers.Dictionary,
		SideMeters:    cfg.Markers.SideMeters,
		FocalLengthPx: cfg.Markers.FocalLengthPx,
	})
	if err != nil {
		log.Error("marker detector", "error", err)
		os.Exit(1)
	}
	defer markers.Close()

	mgr, err := system.New(cfg, system.Vision{
		Decoder: cv.Decoder{},
		Markers: markers,
		Videos:  cv.VideoFactory{Codec: cfg.Recording.Codec, FPS: cfg.Recording.FPS},
	}, log.L())
	if err != nil {
		log.Error("configuration error", "error", err)
		os.Exit(1)
	}

	// Failing to bind any port is fatal.
	if err := mgr.Start(); err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer mgr.Shutdown()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := mgr.Run(ctx); err != nil {
		log.Error("runtime error", "error", err)
		mgr.Shutdown()
		os.Exit(1)
	}
}

// parseFlags builds the configuration from defaults, the optional config
// file, environment overrides and flags, in that order.
func parseFlags() (config.Config, error) {
	path := flag.String("config", os.Getenv("NEIGHBOT_CONFIG"), "YAML config file (overrides NEIGHBOT_CONFIG env var)")
	debug := flag.Bool("debug", false, "Enable verbose debug logging")
	robotAddr := flag.String("robot-addr", "", "Robot command address host:port (overrides ROBOT_COMMAND_ADDR)")
	dashboard := flag.String("dashboard", "", "Dashboard listen address, \"off\" disables it")
	archivePath := flag.String("archive", "", "Incident archive sqlite path, \"off\" disables it")
	flag.Parse()

	cfg := config.Default()
	if *path != "" {
		var err error
		if cfg, err = config.Load(*path); err != nil {
			return cfg, err
		}
	}
	cfg.ApplyEnv()

	if *debug {
		cfg.LogLevel = "debug"
	}
	if *robotAddr != "" {
		cfg.Network.RobotCommandAddr = *robotAddr
	}
	switch *dashboard {
	case "":
	case "off":
		cfg.Network.DashboardAddr = ""
	default:
		cfg.Network.DashboardAddr = *dashboard
	}
	switch *archivePath {
	case "":
	case "off":
		cfg.ArchivePath = ""
	default:
		cfg.ArchivePath = *archivePath
	}
	return cfg, cfg.Validate()
}
