// patrolwatch - terminal watcher for a running neighbot server
// Follows the dashboard status websocket and prints state changes,
// incidents and operator commands as they happen. It can also list
// archived incidents or send a single operator command.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/teslashibe/go-neighbot/internal/httpc"
	"github.com/teslashibe/go-neighbot/internal/log"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8181", "neighbot dashboard address host:port")
	cmd := flag.String("cmd", "", "Send one operator command (e.g. MOVE_TO_A) and exit")
	incidents := flag.Int("incidents", 0, "List the N most recent incidents and exit")
	debug := flag.Bool("debug", false, "Enable verbose debug logging")
	flag.Parse()

	level := "warn"
	if *debug {
		level = "debug"
	}
	log.Init(level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	api := httpc.New("http://"+*addr, httpc.DefaultTimeout)
	switch {
	case *cmd != "":
		if err := api.Command(ctx, *cmd); err != nil {
			fail(err)
		}
		fmt.Printf("sent %s\n", *cmd)
		return
	case *incidents > 0:
		list, err := api.Incidents(ctx, *incidents)
		if err != nil {
			fail(err)
		}
		for _, inc := range list {
			closed := "open"
			if inc.Closed != nil {
				closed = inc.Closed.Local().Format(time.DateTime)
			}
			fmt.Printf("%s  %-10s %-12s %s  %s\n", inc.Started.Local().Format(time.DateTime), inc.Label, inc.Decision, closed, inc.FinalVideo)
		}
		return
	}

	w := newWatcher("ws://"+*addr+"/ws/status", os.Stdout, log.Component("patrolwatch"))
	if err := w.Run(ctx); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "patrolwatch: %v\n", err)
	os.Exit(1)
}
