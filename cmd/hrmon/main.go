package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/hrmon/internal/device"
	goble "github.com/srg/hrmon/internal/device/go-ble"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// TransportFactory opens the BLE transport used by every command (can be overridden in tests)
//
//nolint:revive // TransportFactory name is intentional for test mocking
var TransportFactory = func(logger *logrus.Logger) (device.Transport, error) {
	t, err := goble.NewTransport(logger)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "hrmon",
	Short: "Bluetooth LE heart-rate monitor",
	Long: `Bluetooth Low Energy heart-rate monitor that provides:

- Scan for nearby heart-rate sensors
- Connect to a sensor and stream decoded heart-rate samples
- List the GATT attributes hrmon knows by name

Samples are forwarded at a fixed cadence, as text or JSON lines.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("hrmon {{.Version}} (commit %s, built %s)\n", commit, date))

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(attrsCmd)

	addGlobalFlags(rootCmd)

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}

// addGlobalFlags registers the flags every subcommand understands.
func addGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	cmd.PersistentFlags().String("config", "", "Path to YAML config file (default ~/.config/hrmon/config.yaml)")
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
