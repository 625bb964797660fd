// Package link keeps a persistent outbound connection alive.
//
// Reconnection is an explicit state machine (Disconnected → Connecting →
// Connected, with Backoff between failed attempts) kept separate from the
// code that writes messages.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// State is the connection state of a Link.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Backoff
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Backoff:
		return "backoff"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("link closed")

// DialFunc opens a new connection.
type DialFunc func(ctx context.Context) (net.Conn, error)

// BackoffPolicy computes the wait before reconnect attempt n (1-based).
type BackoffPolicy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// DefaultBackoff doubles from 200ms up to 5s.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Initial: 200 * time.Millisecond, Max: 5 * time.Second, Factor: 2}
}

// Delay returns the wait before the given attempt.
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return b.Initial
	}
	d := float64(b.Initial)
	for i := 1; i < attempt; i++ {
		d *= b.Factor
		if time.Duration(d) >= b.Max {
			return b.Max
		}
	}
	return time.Duration(d)
}

// Link owns at most one live connection and re-dials it on demand.
type Link struct {
	name    string
	dial    DialFunc
	backoff BackoffPolicy
	log     *slog.Logger

	mu       sync.Mutex
	state    State
	conn     net.Conn
	attempts int
	closed   chan struct{}
}

// New creates a Link. Nothing is dialed until Conn is called.
func New(name string, dial DialFunc, backoff BackoffPolicy, log *slog.Logger) *Link {
	return &Link{
		name:    name,
		dial:    dial,
		backoff: backoff,
		log:     log.With("link", name),
		closed:  make(chan struct{}),
	}
}

// TCP returns a DialFunc for a TCP address.
func TCP(addr string, timeout time.Duration) DialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: timeout}
		return d.DialContext(ctx, "tcp", addr)
	}
}

// State returns the current connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Conn returns the live connection, dialing with backoff until one is
// established, ctx is done or the link is closed.
func (l *Link) Conn(ctx context.Context) (net.Conn, error) {
	for {
		l.mu.Lock()
		switch {
		case l.state == Closed:
			l.mu.Unlock()
			return nil, ErrClosed
		case l.conn != nil:
			c := l.conn
			l.mu.Unlock()
			return c, nil
		}
		l.state = Connecting
		l.mu.Unlock()

		c, err := l.dial(ctx)

		l.mu.Lock()
		if l.state == Closed {
			l.mu.Unlock()
			if c != nil {
				c.Close()
			}
			return nil, ErrClosed
		}
		if err == nil {
			l.conn = c
			l.state = Connected
			l.attempts = 0
			l.mu.Unlock()
			l.log.Info("connected", "remote", c.RemoteAddr().String())
			return c, nil
		}
		l.attempts++
		l.state = Backoff
		wait := l.backoff.Delay(l.attempts)
		l.mu.Unlock()

		l.log.Warn("dial failed", "error", err, "attempt", l.attempts, "retry_in", wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			l.setState(Disconnected)
			return nil, ctx.Err()
		case <-l.closed:
			t.Stop()
			return nil, ErrClosed
		case <-t.C:
		}
	}
}

// Invalidate drops c if it is still the current connection. The next Conn
// call re-dials.
func (l *Link) Invalidate(c net.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil || l.conn != c {
		return
	}
	l.conn.Close()
	l.conn = nil
	if l.state != Closed {
		l.state = Disconnected
	}
}

// Write sends p on the live connection. A failed write invalidates the
// connection and is retried on a fresh one up to attempts times.
func (l *Link) Write(ctx context.Context, p []byte, attempts int) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		c, err := l.Conn(ctx)
		if err != nil {
			return err
		}
		if dl, ok := ctx.Deadline(); ok {
			c.SetWriteDeadline(dl)
		} else {
			c.SetWriteDeadline(time.Time{})
		}
		if _, err := c.Write(p); err != nil {
			lastErr = err
			l.log.Warn("write failed", "error", err)
			l.Invalidate(c)
			continue
		}
		return nil
	}
	return fmt.Errorf("%s: write failed after %d attempts: %w", l.name, attempts, lastErr)
}

// Close closes the current connection and stops further dialing.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Closed {
		return nil
	}
	l.state = Closed
	close(l.closed)
	if l.conn != nil {
		err := l.conn.Close()
		l.conn = nil
		return err
	}
	return nil
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	if l.state != Closed {
		l.state = s
	}
	l.mu.Unlock()
}
