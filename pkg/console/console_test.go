package console

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-neighbot/internal/log"
	"github.com/teslashibe/go-neighbot/pkg/merge"
	"github.com/teslashibe/go-neighbot/pkg/protocol"
)

func output(id uint64) merge.Output {
	return merge.Output{
		Header: protocol.ConsoleHeader{FrameID: id, Timestamp: "ts", RobotStatus: "idle", Location: "BASE"},
		JPEG:   []byte{0xff, 0xd8, byte(id)},
	}
}

func start(t *testing.T, queue chan merge.Output) (*Server, string, context.CancelFunc) {
	t.Helper()
	srv := NewServer(queue, log.Discard())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv, ln.Addr().String(), cancel
}

func TestServer_SendsFramesToConsole(t *testing.T) {
	queue := make(chan merge.Output, 4)
	srv, addr, _ := start(t, queue)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return srv.Stats().Connected }, 2*time.Second, time.Millisecond)

	queue <- output(1)
	queue <- output(2)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []uint64{1, 2} {
		h, img, err := protocol.ReadConsoleFrame(conn)
		require.NoError(t, err)
		assert.Equal(t, want, h.FrameID)
		assert.Equal(t, "BASE", h.Location)
		assert.Equal(t, []byte{0xff, 0xd8, byte(want)}, img)
	}
}

func TestServer_DiscardsWithoutClient(t *testing.T) {
	queue := make(chan merge.Output, 4)
	srv, _, _ := start(t, queue)

	queue <- output(1)
	require.Eventually(t, func() bool { return srv.Stats().NoClient == 1 }, 2*time.Second, time.Millisecond)
}

func TestServer_NewConnectionReplacesOld(t *testing.T) {
	queue := make(chan merge.Output, 4)
	srv, addr, _ := start(t, queue)

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return srv.Stats().Connected }, 2*time.Second, time.Millisecond)

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()

	// The first connection is closed by the server once replaced.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = first.Read(buf)
	require.Error(t, err)

	queue <- output(7)
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	h, _, err := protocol.ReadConsoleFrame(second)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), h.FrameID)
}
