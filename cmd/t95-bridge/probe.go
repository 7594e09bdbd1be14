package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"t95-bridge/internal/connmgr"
	"t95-bridge/internal/frame"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Advertise the service, accept one peer and print its address",
	Long: `Registers the RFCOMM service with the selected backend, waits for a single
incoming connection, prints the peer address and exits. Nothing is relayed.

Useful to check adapter setup and pairing before running the bridge:
  sudo t95-bridge probe --timeout 2m
  sdptool browse local        (profile backend: the service is listed)`,
	Args: cobra.NoArgs,
	RunE: runProbe,
}

var probeTimeout time.Duration

func init() {
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 2*time.Minute, "How long to wait for a peer (0 = forever)")
}

func runProbe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	backend, err := connmgr.ParseBackend(cfg.Backend)
	if err != nil {
		return err
	}
	factory, err := connmgr.NewFactory(backend)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if probeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, probeTimeout)
		defer cancel()
	}

	rv, err := factory()
	if err != nil {
		return err
	}
	defer rv.Close()

	channel, err := rv.StartServer(ctx, cfg.ServerOptions())
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	out := cmd.OutOrStdout()
	if channel == connmgr.AnyChannel {
		fmt.Fprintf(out, "Service %q registered (%s backend), channel assigned by BlueZ\n", cfg.ServiceName, backend)
	} else {
		fmt.Fprintf(out, "Service %q registered (%s backend) on channel %d\n", cfg.ServiceName, backend, channel)
	}
	fmt.Fprintf(out, "Waiting for incoming connection (timeout=%s)...\n", deadlineStr(ctx))

	conn, peer, err := rv.Accept(ctx)
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	defer conn.Close()

	addr, err := frame.ParsePeerAddress(peer.MAC, peer.Channel)
	if err != nil {
		return fmt.Errorf("peer address: %w", err)
	}
	fmt.Fprintf(out, "ACCEPTED: peer=%s channel=%d", addr, addr.Channel)
	if peer.Path != "" {
		fmt.Fprintf(out, " path=%s", peer.Path)
	}
	fmt.Fprintln(out)
	return nil
}

func deadlineStr(ctx context.Context) string {
	if d, ok := ctx.Deadline(); ok {
		return time.Until(d).Truncate(time.Second).String()
	}
	return "none"
}
