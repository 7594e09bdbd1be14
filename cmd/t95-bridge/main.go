package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"t95-bridge/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// v holds the merged configuration: defaults, T95_* environment, config file, flags.
var v = config.NewViper()

var rootCmd = &cobra.Command{
	Use:   "t95-bridge",
	Short: "Bluetooth RFCOMM to stdio bridge for the T95 partial-discharge sensor",
	Long: `Advertises a Serial Port Profile service, accepts one T95 sensor at a time and
relays its traffic to a host process over stdin/stdout.

Device reads are written to stdout as envelopes:
  [u16 length][u8 type][17-byte MAC][payload]
with type 1=CONNECTED, 2=DISCONNECTED, 3=DATA, 4=ACK. Heartbeats are answered
with an ACK envelope instead of DATA.

Host commands are read from stdin as frames with a 16-byte header whose bytes
8..16 hold the big-endian total length, and written verbatim to the sensor.

Logs go to <log-dir>/<YYYY-MM-DD>.log, never to stdout.`,
	Version:      fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
	Args:         cobra.NoArgs,
	RunE:         runBridge,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge (same as invoking t95-bridge without a subcommand)",
	Args:  cobra.NoArgs,
	RunE:  runBridge,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(dumpCmd)

	d := config.DefaultConfig()
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (yaml, json or toml)")
	pf.String("backend", d.Backend, "RFCOMM backend: profile (BlueZ D-Bus) or socket (raw RFCOMM)")
	pf.String("service-name", d.ServiceName, "SPP service name advertised to peers")
	pf.String("service-uuid", d.ServiceUUID, "Service class UUID")
	pf.Uint8("channel", d.Channel, "RFCOMM channel (0 = let the stack choose)")
	pf.String("log-dir", d.LogDir, "Directory for daily log files (empty = stderr only)")
	pf.String("log-level", d.LogLevel, "Log level (debug, info, warn, error)")
	pf.Bool("log-stderr", d.LogStderr, "Also write log lines to stderr")

	pf.Int("read-chunk", d.ReadChunk, "Maximum bytes per device read")
	pf.Duration("accept-backoff", d.AcceptBackoff, "Delay before restarting a failed listen cycle")
	pf.Duration("relay-retry-delay", d.RelayRetryDelay, "Delay after a host input read error")
	pf.Bool("exit-on-host-eof", d.ExitOnHostEOF, "Stop when stdin reaches end of file")
	pf.Bool("force-tty", false, "Write envelopes to stdout even if it is a terminal")

	bindFlags(rootCmd, map[string]string{
		"backend":           "backend",
		"service-name":      "service_name",
		"service-uuid":      "service_uuid",
		"channel":           "channel",
		"log-dir":           "log_dir",
		"log-level":         "log_level",
		"log-stderr":        "log_stderr",
		"read-chunk":        "read_chunk",
		"accept-backoff":    "accept_backoff",
		"relay-retry-delay": "relay_retry_delay",
		"exit-on-host-eof":  "exit_on_host_eof",
	})
}

// bindFlags maps flag names to config keys.
func bindFlags(cmd *cobra.Command, keys map[string]string) {
	sets := []*pflag.FlagSet{cmd.Flags(), cmd.PersistentFlags()}
	for name, key := range keys {
		var fl *pflag.Flag
		for _, fs := range sets {
			if fl = fs.Lookup(name); fl != nil {
				break
			}
		}
		if fl == nil {
			panic("unknown flag " + name)
		}
		if err := v.BindPFlag(key, fl); err != nil {
			panic(err)
		}
	}
}

// loadConfig reads --config if given and returns the validated configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return loadConfigFrom(v, path)
}

func loadConfigFrom(vp *viper.Viper, path string) (*config.Config, error) {
	if path != "" {
		if err := config.ReadFile(vp, path); err != nil {
			return nil, err
		}
	}
	return config.Load(vp)
}
