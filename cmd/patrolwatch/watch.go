package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-neighbot/pkg/link"
	"github.com/teslashibe/go-neighbot/pkg/protocol"
	"github.com/teslashibe/go-neighbot/pkg/robot"
)

// watcher prints dashboard events, reconnecting with backoff whenever the
// server goes away.
type watcher struct {
	url     string
	out     io.Writer
	log     *slog.Logger
	backoff link.BackoffPolicy
	dialer  *websocket.Dialer

	last robot.Snapshot
}

func newWatcher(url string, out io.Writer, log *slog.Logger) *watcher {
	return &watcher{
		url:     url,
		out:     out,
		log:     log,
		backoff: link.DefaultBackoff(),
		dialer:  &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
	}
}

// Run follows the stream until ctx is done.
func (w *watcher) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := w.follow(ctx)
		if ctx.Err() != nil {
			return nil
		}
		attempt++
		delay := w.backoff.Delay(attempt)
		w.log.Warn("stream lost, reconnecting", "error", err, "in", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		if err == nil {
			attempt = 0
		}
	}
}

// follow reads one connection until it fails. It returns nil when the
// stream ended after delivering at least one message.
func (w *watcher) follow(ctx context.Context) error {
	conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.url, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	w.log.Info("connected", "url", w.url)
	got := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if got {
				return nil
			}
			return err
		}
		got = true
		msg, err := protocol.ParseMessage(data)
		if err != nil {
			w.log.Debug("skipping bad message", "error", err)
			continue
		}
		if line := w.render(msg); line != "" {
			fmt.Fprintln(w.out, line)
		}
	}
}

// render formats one message, or returns "" when there is nothing new to show.
func (w *watcher) render(msg *protocol.Message) string {
	ts := time.UnixMilli(msg.Timestamp).Format("15:04:05")

	switch msg.Type {
	case protocol.TypeStatus:
		var s robot.Snapshot
		if err := msg.ParseData(&s); err != nil {
			return ""
		}
		if s.State == w.last.State && s.Location == w.last.Location && s.IncidentLabel == w.last.IncidentLabel {
			return ""
		}
		w.last = s
		line := fmt.Sprintf("%s  %-10s @ %s", ts, strings.ToUpper(s.State.String()), s.Location)
		if s.IncidentLabel != "" {
			line += "  [" + s.IncidentLabel + "]"
		}
		return line

	case protocol.TypeIncident:
		var ev protocol.IncidentEvent
		if err := msg.ParseData(&ev); err != nil {
			return ""
		}
		return fmt.Sprintf("%s  incident %s %s %s", ts, ev.Event, ev.Label, ev.VideoPath)

	case protocol.TypeCommand:
		var ev protocol.CommandEvent
		if err := msg.ParseData(&ev); err != nil {
			return ""
		}
		return fmt.Sprintf("%s  command %s from %s", ts, ev.Name, ev.Source)
	}
	return ""
}
