package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-neighbot/internal/log"
	"github.com/teslashibe/go-neighbot/pkg/protocol"
)

// fakeConn blocks reads until closed and records writes.
type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte
	types  []int
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn { return &fakeConn{closed: make(chan struct{})} }

func (f *fakeConn) SetReadLimit(int64)                {}
func (f *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}
func (f *fakeConn) ReadMessage() (int, []byte, error) {
	<-f.closed
	return 0, nil, errors.New("closed")
}
func (f *fakeConn) Close() error { f.once.Do(func() { close(f.closed) }); return nil }
func (f *fakeConn) WriteMessage(t int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, t)
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) written() ([]int, [][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.types...), append([][]byte(nil), f.writes...)
}

func runHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := New("test", log.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	require.Eventually(t, h.IsRunning, time.Second, time.Millisecond)
	t.Cleanup(cancel)
	return h, cancel
}

func TestHub_BroadcastReachesClients(t *testing.T) {
	h, _ := runHub(t)

	conn := newFakeConn()
	c := NewClient(h, conn)
	require.NotNil(t, c)
	go c.Run()
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.Publish(protocol.TypeStatus, map[string]string{"state": "idle"}))
	h.BroadcastBinary([]byte{0xff, 0xd8})

	require.Eventually(t, func() bool {
		types, _ := conn.written()
		return len(types) == 2
	}, time.Second, time.Millisecond)

	types, data := conn.written()
	assert.Equal(t, websocket.TextMessage, types[0])
	msg, err := protocol.ParseMessage(data[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeStatus, msg.Type)
	assert.Equal(t, websocket.BinaryMessage, types[1])
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	h, _ := runHub(t)

	conn := newFakeConn()
	c := NewClient(h, conn)
	done := make(chan struct{})
	go func() {
		c.Run()
		close(done)
	}()
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, time.Millisecond)

	conn.Close()
	<-done
	assert.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, time.Millisecond)
}

func TestHub_PublishWithoutClientsIsNoop(t *testing.T) {
	h, _ := runHub(t)
	assert.NoError(t, h.Publish(protocol.TypeStats, struct{}{}))
	assert.Zero(t, h.Dropped())
}

func TestHub_StoppedHubRejectsClients(t *testing.T) {
	h, cancel := runHub(t)
	cancel()
	require.Eventually(t, func() bool { return !h.IsRunning() }, time.Second, time.Millisecond)

	assert.Nil(t, NewClient(h, newFakeConn()))
}

func TestHub_BackedUpClient(t *testing.T) {
	h, _ := runHub(t)

	// No pumps run, so the send buffer only fills.
	c := NewClient(h, newFakeConn())
	require.NotNil(t, c)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, time.Millisecond)

	for i := 0; i < cap(c.send)+5; i++ {
		require.NoError(t, h.PublishLatest(protocol.TypeFrame, i))
	}
	require.Eventually(t, func() bool { return h.Skipped() == 5 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.ClientCount(), "lossy messages never disconnect")

	require.NoError(t, h.Publish(protocol.TypeStatus, "alert"))
	assert.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, time.Millisecond)
}

func TestMessage_Kinds(t *testing.T) {
	assert.Equal(t, websocket.TextMessage, Text(nil).wsType())
	assert.False(t, Text(nil).Lossy)
	assert.True(t, Frame(nil).Lossy)
	assert.Equal(t, websocket.BinaryMessage, Binary(nil).wsType())
}
