package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"t95-bridge/internal/frame"
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Decode an envelope stream from stdin",
	Long: `Reads the bridge's stdout format from stdin and prints one line per envelope:

  t95-bridge --force-tty 2>/dev/null | t95-bridge dump
  t95-bridge dump < capture.bin`,
	Args: cobra.NoArgs,
	RunE: runDump,
}

var (
	dumpMaxBytes int
	dumpNoColor  bool
)

func init() {
	dumpCmd.Flags().IntVar(&dumpMaxBytes, "max-bytes", 64, "Payload bytes to print per envelope (0 = all)")
	dumpCmd.Flags().BoolVar(&dumpNoColor, "no-color", false, "Disable colored output")
}

func runDump(cmd *cobra.Command, _ []string) error {
	if dumpNoColor {
		color.NoColor = true
	}
	return dumpEnvelopes(cmd.InOrStdin(), cmd.OutOrStdout(), dumpMaxBytes)
}

// dumpEnvelopes prints every envelope in r until a clean end of stream.
func dumpEnvelopes(r io.Reader, w io.Writer, maxBytes int) error {
	rd := frame.NewReader(r)
	for n := 0; ; n++ {
		env, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("envelope %d: %w", n, err)
		}
		fmt.Fprintln(w, formatEnvelope(env, maxBytes))
	}
}

var typeColors = map[frame.PacketType]*color.Color{
	frame.Connected:    color.New(color.FgGreen, color.Bold),
	frame.Disconnected: color.New(color.FgRed, color.Bold),
	frame.Data:         color.New(color.FgCyan),
	frame.Ack:          color.New(color.FgYellow),
}

func formatEnvelope(env frame.Envelope, maxBytes int) string {
	name := fmt.Sprintf("%-12s", env.Type)
	if c, ok := typeColors[env.Type]; ok {
		name = c.Sprint(name)
	}
	line := fmt.Sprintf("%s %s len=%d", name, env.Peer, len(env.Payload))
	if len(env.Payload) == 0 {
		return line
	}
	payload := env.Payload
	suffix := ""
	if maxBytes > 0 && len(payload) > maxBytes {
		payload = payload[:maxBytes]
		suffix = "..."
	}
	return line + " " + hex.EncodeToString(payload) + suffix
}

