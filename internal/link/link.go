// Package link owns one accepted RFCOMM connection for its whole lifetime: it relays
// device reads to the host as envelopes and writes host commands to the device.
package link

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"t95-bridge/internal/frame"
	"t95-bridge/internal/logging"
)

// DefaultReadChunk is the per-read buffer size used when Options.ReadChunk is zero.
const DefaultReadChunk = 1024

var (
	// ErrClosed is returned by Send after the link was closed.
	ErrClosed = errors.New("link: closed")

	// ErrNoLink is returned by Cell.Send when no device is connected.
	ErrNoLink = errors.New("link: no device connected")
)

// Options tunes a Link.
type Options struct {
	ReadChunk int
}

// Link is the live connection to a single peer.
type Link struct {
	conn  io.ReadWriteCloser
	peer  frame.PeerAddress
	out   *frame.Writer
	chunk int
	log   *logrus.Entry

	closed     atomic.Bool
	closeOnce  sync.Once
	disconnect sync.Once
}

// New wraps an accepted connection. Nothing is emitted until Run.
func New(conn io.ReadWriteCloser, peer frame.PeerAddress, out *frame.Writer, opts Options, logger *logrus.Logger) *Link {
	chunk := opts.ReadChunk
	if chunk <= 0 {
		chunk = DefaultReadChunk
	}
	return &Link{
		conn:  conn,
		peer:  peer,
		out:   out,
		chunk: chunk,
		log:   logging.Component(logger, "link").WithField("peer", peer.String()),
	}
}

// Peer returns the remote address.
func (l *Link) Peer() frame.PeerAddress {
	return l.peer
}

// Run emits CONNECTED and then relays device reads until the connection fails,
// is closed, or ctx is canceled. A DISCONNECTED envelope is emitted on the way
// out, at most once. Only fatal encoding errors are returned.
func (l *Link) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	if err := l.emit(frame.Connected, nil); err != nil {
		return err
	}

	buf := make([]byte, l.chunk)
	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			if emitErr := l.handle(buf[:n]); emitErr != nil {
				l.notifyDisconnected()
				return emitErr
			}
		}
		if err != nil {
			if !l.closed.Load() {
				l.log.WithError(err).Error("Error receiving data")
			}
			l.notifyDisconnected()
			return nil
		}
		// n == 0 && err == nil is an idle tick.
	}
}

func (l *Link) handle(b []byte) error {
	if frame.Classify(b) == frame.KindHeartbeat {
		l.log.Debug("Received heartbeat frame.")
		return l.emit(frame.Ack, b)
	}
	return l.emit(frame.Data, b)
}

// emit writes one envelope. Output failures are logged and swallowed; only a
// payload too large for the envelope format is returned.
func (l *Link) emit(t frame.PacketType, payload []byte) error {
	if l.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		l.log.WithField("type", t).Debugf("Received data & mac: %s", hex.EncodeToString(payload))
	}
	err := l.out.WriteEnvelope(t, l.peer, payload)
	if err == nil {
		return nil
	}
	if errors.Is(err, frame.ErrEnvelopeTooLarge) {
		return err
	}
	l.log.WithError(err).Error("Error writing to host output")
	return nil
}

func (l *Link) notifyDisconnected() {
	l.disconnect.Do(func() {
		_ = l.emit(frame.Disconnected, nil)
	})
}

// Send writes raw bytes to the device. Failures are logged and returned; they do
// not tear the link down.
func (l *Link) Send(b []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if _, err := l.conn.Write(b); err != nil {
		if l.closed.Load() {
			return ErrClosed
		}
		l.log.WithError(err).Error("Error sending data")
		return fmt.Errorf("link: send: %w", err)
	}
	if l.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		l.log.Debugf("Sent data: %s", hex.EncodeToString(b))
	}
	return nil
}

// Close closes the socket. It is idempotent, never emits an envelope, and
// swallows close-time errors.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		_ = l.conn.Close()
		l.log.Info("Client connection cleaned up.")
	})
	return nil
}
