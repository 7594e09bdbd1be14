package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"t95-bridge/internal/bridge"
	"t95-bridge/internal/connmgr"
)

var errStdoutIsTerminal = errors.New("refusing to write binary envelopes to a terminal (use --force-tty or redirect stdout)")

func runBridge(cmd *cobra.Command, _ []string) error {
	force, _ := cmd.Flags().GetBool("force-tty")
	if !force && term.IsTerminal(int(os.Stdout.Fd())) {
		return errStdoutIsTerminal
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, closer, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer closer.Close()

	backend, err := connmgr.ParseBackend(cfg.Backend)
	if err != nil {
		return err
	}
	factory, err := connmgr.NewFactory(backend)
	if err != nil {
		return err
	}

	b, err := bridge.New(bridge.Options{
		Rendezvous: factory,
		Listener:   cfg.ListenerOptions(),
		Relay:      cfg.RelayOptions(),
		In:         hostInput(logger),
		Out:        os.Stdout,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithField("backend", backend).WithField("version", formatVersion(version)).Info("Starting Bluetooth server")
	return b.Run(ctx)
}
