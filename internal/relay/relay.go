// Package relay forwards host commands to the connected device.
//
// The host input is a sequence of frames with a 16-byte header carrying the total
// length at bytes [8:16]. Malformed frames are logged and dropped; the relay then
// simply reads the next 16 bytes. It does not scan for a sync marker, so a header
// with a wrong but plausible length leaves the stream misaligned until the host
// restarts it.
package relay

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"t95-bridge/internal/frame"
	"t95-bridge/internal/logging"
)

// DefaultRetryDelay is the pause after a read error or an exhausted input.
const DefaultRetryDelay = 100 * time.Millisecond

// Sender is the forwarding target, normally a *link.Cell.
type Sender interface {
	Send(b []byte) error
}

// Options configures a Relay.
type Options struct {
	RetryDelay time.Duration // 0 = DefaultRetryDelay
	// ExitOnEOF makes Run return nil once the input reports end of stream. By
	// default the relay keeps polling for the life of the process.
	ExitOnEOF bool
}

// Relay reads host frames and forwards them.
type Relay struct {
	in     io.Reader
	target Sender
	opts   Options
	log    *logrus.Entry
}

// New creates a Relay reading from in.
func New(in io.Reader, target Sender, opts Options, logger *logrus.Logger) *Relay {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return &Relay{
		in:     in,
		target: target,
		opts:   opts,
		log:    logging.Component(logger, "relay"),
	}
}

// Run forwards frames until ctx is canceled. If the input implements io.Closer it
// is closed on cancellation to unblock a pending read.
func (r *Relay) Run(ctx context.Context) error {
	if c, ok := r.in.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		data, err := frame.ReadHostFrame(r.in)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			r.forward(data)
			continue
		}

		switch {
		case errors.Is(err, frame.ErrInvalidLength):
			r.log.WithError(err).Warn("Invalid payload length.")
			continue
		case errors.Is(err, frame.ErrShortRead):
			if errors.Is(err, io.EOF) && r.opts.ExitOnEOF {
				r.log.Info("Host input closed.")
				return nil
			}
			r.log.WithError(err).Warn("Incomplete frame discarded")
		default:
			r.log.WithError(err).Error("Error reading host input")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.opts.RetryDelay):
		}
	}
}

func (r *Relay) forward(data []byte) {
	if r.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		r.log.Debugf("Received full frame: %s", hex.EncodeToString(data))
	}
	if err := r.target.Send(data); err != nil {
		r.log.WithError(err).Warn("Command dropped")
	}
}
