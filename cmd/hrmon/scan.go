package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/hrmon/internal/bledb"
	"github.com/srg/hrmon/internal/device"
	"github.com/srg/hrmon/scanner"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE heart-rate sensors",
	Long: `Scan for Bluetooth Low Energy devices in the vicinity and list each one once.

By default only devices advertising the Heart Rate service are shown; pass
--services "" to list every device. Press Ctrl+C to end the scan early.`,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanServices  []string
	scanAllowList []string
	scanBlockList []string
)

func init() {
	initScanFlags()
}

func initScanFlags() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", scanner.DefaultScanDuration, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", []string{"180d"}, "Only show devices advertising one of these service UUIDs")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	cfg, fromFile, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	opts := &scanner.ScanOptions{
		Duration:  cfg.Scan.Timeout,
		AllowList: scanAllowList,
		BlockList: scanBlockList,
	}
	if cmd.Flags().Changed("duration") {
		opts.Duration = scanDuration
	}
	services := scanServices
	if !cmd.Flags().Changed("services") && len(cfg.Scan.Services) > 0 {
		services = cfg.Scan.Services
	}
	if opts.ServiceUUIDs, err = parseServiceFilter(services); err != nil {
		return err
	}

	logger, err := configureLogger(cmd, cfg, fromFile)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"duration": opts.Duration,
		"services": bledb.NormalizeUUIDs(nonEmpty(services)),
	}).Debug("Scan options resolved")

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	transport, err := TransportFactory(logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE transport: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := scanner.NewSession(transport, logger)
	found, err := session.Start(ctx, opts)
	if err != nil {
		return err
	}

	if isTerminal() && scanFormat == "table" {
		progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for BLE devices", "Scanning", session.Remaining)
		progress.Start()
		defer progress.Stop()
	}

	for range found {
	}
	logger.WithFields(logrus.Fields{
		"devices": session.Discovered().Len(),
		"elapsed": session.Elapsed(),
	}).Info("Scan finished")

	if ctx.Err() != nil && cmd.Context().Err() == nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "\nCtrl+C pressed, scan cancelled")
	}

	out := cmd.OutOrStdout()
	if scanFormat == "json" {
		return displayDevicesJSON(out, session.Discovered())
	}
	return displayDevicesTable(out, session.Discovered())
}

// parseServiceFilter parses UUID strings; empty entries are skipped so
// --services "" disables the filter.
func parseServiceFilter(values []string) ([]bledb.AttributeID, error) {
	var ids []bledb.AttributeID
	for _, v := range nonEmpty(values) {
		id, err := bledb.ParseAttributeID(v)
		if err != nil {
			return nil, fmt.Errorf("invalid service UUID: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

func displayDevicesTable(out io.Writer, found *orderedmap.OrderedMap[string, device.PeripheralRef]) error {
	if found.Len() == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS")
	fmt.Fprintln(w, "----\t-------")

	for pair := found.Oldest(); pair != nil; pair = pair.Next() {
		name := pair.Value.DisplayName()
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\n", name, pair.Value.ID)
	}
	return w.Flush()
}

func displayDevicesJSON(out io.Writer, found *orderedmap.OrderedMap[string, device.PeripheralRef]) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(found)
}

// scanFor scans until the first matching peripheral is found.
func scanFor(ctx context.Context, transport device.Transport, opts *scanner.ScanOptions, logger *logrus.Logger) (device.PeripheralRef, error) {
	session := scanner.NewSession(transport, logger)
	found, err := session.Start(ctx, opts)
	if err != nil {
		return device.PeripheralRef{}, err
	}
	defer session.Stop()

	ref, ok := <-found
	if ok {
		return ref, nil
	}
	if err := ctx.Err(); err != nil {
		return device.PeripheralRef{}, err
	}
	return device.PeripheralRef{}, &device.NotFoundError{Resource: "heart-rate sensor"}
}
