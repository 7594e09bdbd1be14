// Package listener runs the connection lifecycle: advertise, accept one peer, serve it
// until it goes away, tear down, and start over.
//
// The lifecycle is strictly serial. While a peer is connected no Accept is
// outstanding, so a second peer is never taken until the first link has fully
// terminated.
package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"t95-bridge/internal/connmgr"
	"t95-bridge/internal/frame"
	"t95-bridge/internal/link"
	"t95-bridge/internal/logging"
)

// DefaultBackoff is the fixed delay before retrying a failed listen cycle.
const DefaultBackoff = time.Second

var errClosed = errors.New("listener: closed")

// State is the lifecycle state.
type State int32

const (
	Idle State = iota
	Listening
	Connected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options configures a Listener.
type Options struct {
	Server  connmgr.ServerOptions
	Link    link.Options
	Backoff time.Duration // 0 = DefaultBackoff
}

// Listener owns the rendezvous point and the lifetime of each Link. It is the only
// writer of the link Cell.
type Listener struct {
	factory connmgr.Factory
	out     *frame.Writer
	cell    *link.Cell
	opts    Options
	logger  *logrus.Logger
	log     *logrus.Entry

	state atomic.Int32

	mu     sync.Mutex
	rv     connmgr.Rendezvous
	closed bool
}

// New creates a Listener. Links it accepts write envelopes to out and are
// published in cell while active.
func New(factory connmgr.Factory, out *frame.Writer, cell *link.Cell, opts Options, logger *logrus.Logger) *Listener {
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	return &Listener{
		factory: factory,
		out:     out,
		cell:    cell,
		opts:    opts,
		logger:  logger,
		log:     logging.Component(logger, "listener"),
	}
}

// State returns the current lifecycle state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

func (l *Listener) setState(s State) {
	if old := State(l.state.Swap(int32(s))); old != s {
		l.log.WithField("state", s).Debugf("State %s -> %s", old, s)
	}
}

// Run loops until ctx is canceled or a link reports a fatal encoding error.
// Transport failures are logged and retried after the fixed backoff.
func (l *Listener) Run(ctx context.Context) error {
	defer l.Close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := l.serveOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if l.isClosed() {
			return nil
		}
		if err == nil {
			continue
		}
		if errors.Is(err, frame.ErrEnvelopeTooLarge) {
			return err
		}
		l.log.WithError(err).Error("Error in listener loop")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.opts.Backoff):
		}
	}
}

// serveOnce runs one Idle → Listening → Connected → Idle cycle.
func (l *Listener) serveOnce(ctx context.Context) error {
	defer l.setState(Idle)

	rv, err := l.factory()
	if err != nil {
		return fmt.Errorf("create rendezvous: %w", err)
	}
	if !l.setRendezvous(rv) {
		_ = rv.Close()
		return errClosed
	}
	defer l.closeRendezvous(rv)

	channel, err := rv.StartServer(ctx, l.opts.Server)
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	l.setState(Listening)
	if channel == connmgr.AnyChannel {
		l.log.Info("Waiting for connection on RFCOMM channel assigned by BlueZ")
	} else {
		l.log.Infof("Waiting for connection on RFCOMM channel %d", channel)
	}

	conn, remote, err := rv.Accept(ctx)
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	addr, err := frame.ParsePeerAddress(remote.MAC, remote.Channel)
	if err != nil {
		l.log.WithError(err).Warn("Unparseable peer address, using zero address")
		addr = frame.PeerAddress{Channel: remote.Channel}
	}
	l.log.Infof("Connected to %s", addr)

	lk := link.New(conn, addr, l.out, l.opts.Link, l.logger)
	if !l.publish(lk) {
		_ = lk.Close()
		return errClosed
	}
	l.setState(Connected)

	done := make(chan error, 1)
	go func() { done <- lk.Run(ctx) }()
	runErr := <-done

	l.cell.Clear(lk)
	_ = lk.Close()
	l.log.Info("Receive loop ended. Restarting listener...")
	return runErr
}

func (l *Listener) setRendezvous(rv connmgr.Rendezvous) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.rv = rv
	return true
}

// publish stores lk in the cell unless the listener is already closed.
func (l *Listener) publish(lk *link.Link) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.cell.Store(lk)
	return true
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Listener) closeRendezvous(rv connmgr.Rendezvous) {
	l.mu.Lock()
	if l.rv == rv {
		l.rv = nil
	}
	l.mu.Unlock()
	_ = rv.Close()
}

// Close tears down the active link and rendezvous point. It is idempotent and
// may be called from any goroutine; a running Run returns soon after.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	rv := l.rv
	l.rv = nil
	l.mu.Unlock()

	if lk := l.cell.Swap(nil); lk != nil {
		_ = lk.Close()
	}
	if rv != nil {
		_ = rv.Close()
	}
	l.log.Info("Bluetooth server socket closed.")
	return nil
}
