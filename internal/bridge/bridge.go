// Package bridge wires the connection lifecycle and the host command relay
// together and runs them for the life of the process.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"t95-bridge/internal/connmgr"
	"t95-bridge/internal/frame"
	"t95-bridge/internal/link"
	"t95-bridge/internal/listener"
	"t95-bridge/internal/logging"
	"t95-bridge/internal/relay"
)

// Options contains everything needed to run a bridge.
type Options struct {
	Rendezvous connmgr.Factory // creates one rendezvous point per listen cycle
	Listener   listener.Options
	Relay      relay.Options
	In         io.Reader // host commands (stdin)
	Out        io.Writer // host envelopes (stdout)
	Logger     *logrus.Logger
}

// Bridge is a configured, not yet running bridge.
type Bridge struct {
	listener *listener.Listener
	relay    *relay.Relay
	cell     *link.Cell
	log      *logrus.Entry
}

// New validates opts and assembles the components.
func New(opts Options) (*Bridge, error) {
	if opts.Rendezvous == nil {
		return nil, errors.New("bridge: rendezvous factory is required")
	}
	if opts.In == nil || opts.Out == nil {
		return nil, errors.New("bridge: host input and output are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	cell := &link.Cell{}
	out := frame.NewWriter(opts.Out)
	return &Bridge{
		listener: listener.New(opts.Rendezvous, out, cell, opts.Listener, logger),
		relay:    relay.New(opts.In, cell, opts.Relay, logger),
		cell:     cell,
		log:      logging.Component(logger, "bridge"),
	}, nil
}

// State reports the connection lifecycle state.
func (b *Bridge) State() listener.State {
	return b.listener.State()
}

// Run blocks until ctx is canceled, the relay reaches the end of host input, or
// a loop fails fatally. Cancellation is a clean shutdown and returns nil.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := b.listener.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		if err := b.relay.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("relay: %w", err)
		}
		return nil
	})
	b.log.Info("Bridge started")

	err := g.Wait()
	_ = b.Close()
	if err != nil {
		b.log.WithError(err).Error("Bridge stopped")
		return err
	}
	b.log.Info("Bridge stopped")
	return nil
}

// Close releases the active link and rendezvous point. Safe to call more than once.
func (b *Bridge) Close() error {
	return b.listener.Close()
}
