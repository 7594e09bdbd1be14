// Package testutils provides in-memory stand-ins for the Bluetooth stack and the
// host byte streams.
package testutils

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
)

type readResult struct {
	data []byte
	err  error
}

// Conn is the bridge side of a simulated RFCOMM connection. Every Feed call is
// returned by exactly one Read, so tests control frame boundaries.
type Conn struct {
	reads chan readResult

	closed     chan struct{}
	closeOnce  sync.Once
	closeCalls atomic.Int32

	mu       sync.Mutex
	written  [][]byte
	writeErr error
}

// NewConn creates an open connection.
func NewConn() *Conn {
	return &Conn{
		reads:  make(chan readResult, 64),
		closed: make(chan struct{}),
	}
}

// Feed queues bytes sent by the device.
func (c *Conn) Feed(b []byte) {
	c.reads <- readResult{data: append([]byte(nil), b...)}
}

// FeedIdle queues a zero-byte read with no error.
func (c *Conn) FeedIdle() {
	c.reads <- readResult{}
}

// Hangup queues an end-of-stream, as when the device drops the link.
func (c *Conn) Hangup() {
	c.reads <- readResult{err: io.EOF}
}

// FailWrites makes subsequent writes fail with err (nil restores).
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *Conn) Read(p []byte) (int, error) {
	select {
	case r := <-c.reads:
		if r.err != nil {
			return 0, r.err
		}
		return copy(p, r.data), nil
	case <-c.closed:
		return 0, os.ErrClosed
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, os.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), p...))
	return len(p), nil
}

// Close is idempotent; repeated calls return an error like a real socket.
func (c *Conn) Close() error {
	c.closeCalls.Add(1)
	err := os.ErrClosed
	c.closeOnce.Do(func() {
		close(c.closed)
		err = nil
	})
	return err
}

// Written returns a copy of every Write, in order.
func (c *Conn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// IsClosed reports whether Close was called.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// CloseCalls counts Close invocations.
func (c *Conn) CloseCalls() int {
	return int(c.closeCalls.Load())
}
