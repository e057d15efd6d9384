// Package testconn provides a net.Conn for testing.
//
// A Conn plays the peer's side of a conversation from a fixed script:
// reads are served from the script until it is exhausted, then block
// until the read deadline passes or the Conn is closed. Writes always
// succeed and are retained for inspection.
package testconn

import (
	"net"
	"sync"
	"time"
)

// New returns a Conn that serves script to readers.
func New(script []byte) *Conn {
	return &Conn{
		script:  script,
		updated: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Conn is a net.Conn backed by a static script instead of a network.
type Conn struct {
	mu       sync.Mutex
	script   []byte
	deadline time.Time
	updated  chan struct{} // replaced on SetReadDeadline to wake blocked readers
	writes   [][]byte

	closeOnce sync.Once
	done      chan struct{}
}

func (c *Conn) Read(b []byte) (int, error) {
	for {
		c.mu.Lock()
		if len(c.script) > 0 {
			n := copy(b, c.script)
			c.script = c.script[n:]
			c.mu.Unlock()
			return n, nil
		}
		deadline := c.deadline
		updated := c.updated
		c.mu.Unlock()

		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return 0, timeoutError{}
		}

		var timeout <-chan time.Time
		var timer *time.Timer
		if !deadline.IsZero() {
			timer = time.NewTimer(time.Until(deadline))
			timeout = timer.C
		}

		select {
		case <-c.done:
			if timer != nil {
				timer.Stop()
			}
			return 0, net.ErrClosed
		case <-timeout:
			return 0, timeoutError{}
		case <-updated:
			// deadline changed, reevaluate
			if timer != nil {
				timer.Stop()
			}
		}
	}
}

func (c *Conn) Write(b []byte) (int, error) {
	select {
	case <-c.done:
		return 0, net.ErrClosed
	default:
	}

	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), b...))
	c.mu.Unlock()
	return len(b), nil
}

// Writes returns everything written to the Conn, one element per Write call.
func (c *Conn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *Conn) LocalAddr() net.Addr  { return addr{} }
func (c *Conn) RemoteAddr() net.Addr { return addr{} }

func (c *Conn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	close(c.updated)
	c.updated = make(chan struct{})
	c.mu.Unlock()
	return nil
}

// SetWriteDeadline is a no-op, writes never block.
func (c *Conn) SetWriteDeadline(t time.Time) error { return nil }

type timeoutError struct{}

func (timeoutError) Error() string   { return "testconn: deadline exceeded" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type addr struct{}

func (addr) Network() string { return "testconn" }
func (addr) String() string  { return "testconn" }
