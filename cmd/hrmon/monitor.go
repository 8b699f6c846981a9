package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/hrmon/internal/bledb"
	"github.com/srg/hrmon/internal/device"
	"github.com/srg/hrmon/internal/groutine"
	"github.com/srg/hrmon/pkg/config"
	"github.com/srg/hrmon/pkg/connection"
	"github.com/srg/hrmon/pkg/forward"
	"github.com/srg/hrmon/pkg/sample"
	"github.com/srg/hrmon/scanner"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor [address]",
	Short: "Stream heart-rate samples from a sensor",
	Long: `Connect to a heart-rate sensor, subscribe to its Heart Rate Measurement
characteristic and print every decoded sample.

Connection state changes are printed as they happen. Samples are forwarded at a
fixed interval: "batched" prints every sample received since the previous tick,
"latest" prints only the newest one and repeats it while the sensor is silent.

Without an address, --scan connects to the first sensor advertising the
Heart Rate service. The command exits non-zero when the connection fails or
is lost; Ctrl+C disconnects and exits cleanly.`,
	Example: `  hrmon monitor AA:BB:CC:DD:EE:FF
  hrmon monitor --scan --format json
  hrmon monitor AA:BB:CC:DD:EE:FF --mode latest --interval 1s`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMonitor,
}

var (
	monitorFormat         string
	monitorScan           bool
	monitorService        string
	monitorCharacteristic string
	monitorEncoding       string
	monitorInterval       time.Duration
	monitorMode           string
	monitorConnectTimeout time.Duration
)

func init() {
	initMonitorFlags()
}

func initMonitorFlags() {
	defaults := config.Default()
	flags := monitorCmd.Flags()
	flags.StringVarP(&monitorFormat, "format", "f", defaults.OutputFormat, "Output format (text, json)")
	flags.BoolVar(&monitorScan, "scan", false, "Scan for the first heart-rate sensor instead of taking an address")
	flags.StringVar(&monitorService, "service", defaults.Connection.Service, "Service UUID to search (empty searches every service)")
	flags.StringVar(&monitorCharacteristic, "char", defaults.Connection.Characteristic, "Characteristic UUID to subscribe to")
	flags.StringVar(&monitorEncoding, "encoding", defaults.Connection.Encoding, "Value encoding (auto, hrm, uint8, uint16le)")
	flags.DurationVar(&monitorInterval, "interval", defaults.Forward.Interval, "Sample forwarding interval")
	flags.StringVar(&monitorMode, "mode", defaults.Forward.Mode, "Forwarding mode (batched, latest)")
	flags.DurationVar(&monitorConnectTimeout, "connect-timeout", defaults.Connection.ConnectTimeout, "Connection timeout")
}

// applyMonitorFlags copies explicitly set flags over cfg.
func applyMonitorFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("format") {
		cfg.OutputFormat = monitorFormat
	}
	if flags.Changed("service") {
		cfg.Connection.Service = monitorService
	}
	if flags.Changed("char") {
		cfg.Connection.Characteristic = monitorCharacteristic
	}
	if flags.Changed("encoding") {
		cfg.Connection.Encoding = monitorEncoding
	}
	if flags.Changed("interval") {
		cfg.Forward.Interval = monitorInterval
	}
	if flags.Changed("mode") {
		cfg.Forward.Mode = monitorMode
	}
	if flags.Changed("connect-timeout") {
		cfg.Connection.ConnectTimeout = monitorConnectTimeout
	}
}

// machineOptions builds connection options from a validated config.
func machineOptions(cfg *config.Config) (*connection.Options, error) {
	opts := connection.DefaultOptions()
	opts.ConnectTimeout = cfg.Connection.ConnectTimeout
	opts.DiscoveryTimeout = cfg.Connection.DiscoveryTimeout
	opts.SubscribeTimeout = cfg.Connection.SubscribeTimeout

	opts.Services = nil
	if cfg.Connection.Service != "" {
		id, err := bledb.ParseAttributeID(cfg.Connection.Service)
		if err != nil {
			return nil, fmt.Errorf("invalid service UUID: %w", err)
		}
		opts.Services = []bledb.AttributeID{id}
	}

	id, err := bledb.ParseAttributeID(cfg.Connection.Characteristic)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID: %w", err)
	}
	opts.Characteristic = id

	if opts.Encoding, err = sample.ParseEncoding(cfg.Connection.Encoding); err != nil {
		return nil, err
	}
	return opts, nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !monitorScan {
		return errors.New("device address is required (or use --scan)")
	}
	if len(args) == 1 && monitorScan {
		return errors.New("--scan cannot be combined with an address")
	}

	cfg, fromFile, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyMonitorFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	opts, err := machineOptions(cfg)
	if err != nil {
		return err
	}
	mode, err := forward.ParseMode(cfg.Forward.Mode)
	if err != nil {
		return err
	}

	logger, err := configureLogger(cmd, cfg, fromFile)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	transport, err := TransportFactory(logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE transport: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var target device.PeripheralRef
	if monitorScan {
		target, err = scanFor(ctx, transport, &scanner.ScanOptions{
			Duration:     cfg.Scan.Timeout,
			ServiceUUIDs: opts.Services,
		}, logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Found %s\n", target)
	} else {
		target = device.PeripheralRef{ID: args[0]}
	}

	fwd, err := forward.New(cfg.Forward.Interval, mode, logger)
	if err != nil {
		return err
	}

	m := connection.NewMachine(transport, opts, logger)
	defer m.Shutdown()

	printer := newMonitorPrinter(cmd.OutOrStdout(), cfg.OutputFormat)

	var progress *ProgressPrinter
	if isTerminal() && cfg.OutputFormat == "text" {
		progress = NewProgressPrinter(cmd.ErrOrStderr(), "Connecting to "+target.ID, connection.Connecting.String(),
			connection.Streaming.String(), connection.Disconnected.String())
		progress.Start()
		defer progress.Stop()
	}

	fctx, fcancel := context.WithCancel(context.Background())
	fdone := make(chan struct{})
	groutine.Go(fctx, "monitor-forwarder", func(ctx context.Context) {
		defer close(fdone)
		_ = fwd.Run(ctx, printer.tick)
	})
	defer func() {
		fcancel()
		<-fdone
	}()

	if err := m.Connect(target); err != nil {
		return err
	}
	return watchMachine(ctx, m, fwd, printer, progress)
}

// watchMachine relays machine events until the connection fails or ctx ends.
func watchMachine(ctx context.Context, m *connection.Machine, fwd *forward.Forwarder, printer *monitorPrinter, progress *ProgressPrinter) error {
	streamed := false
	for {
		select {
		case <-ctx.Done():
			m.Close()
			return nil

		case ev, ok := <-m.Events():
			if !ok {
				return nil
			}
			switch ev.Type {
			case connection.EventSample:
				fwd.Push(*ev.Sample)
			case connection.EventDecodeWarning:
				printer.warning(ev)
			default:
				if progress != nil {
					progress.SetPhase(ev.State.String())
				}
				printer.state(ev)

				if ev.State == connection.Streaming {
					streamed = true
				}
				if ev.State == connection.Disconnected && ev.Reason.IsFailure() {
					cause := ev.Err
					if cause == nil {
						cause = errors.New(ev.Reason.String())
					}
					if streamed {
						return fmt.Errorf("%w: %w", ErrConnectionLost, cause)
					}
					return cause
				}
			}
		}
	}
}

// monitorPrinter serializes output from the event loop and the forwarder.
type monitorPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	asJSON bool
}

func newMonitorPrinter(out io.Writer, format string) *monitorPrinter {
	return &monitorPrinter{out: out, asJSON: format == "json"}
}

type stateRecord struct {
	connection.Event
	Error string `json:"error,omitempty"`
}

type tickRecord struct {
	Type string `json:"type"`
	forward.Tick
}

func (p *monitorPrinter) state(ev connection.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.asJSON {
		rec := stateRecord{Event: ev}
		if ev.Err != nil {
			rec.Error = ev.Err.Error()
		}
		p.writeJSON(rec)
		return
	}

	line := fmt.Sprintf("[%s] %s", stateColor(ev).Sprint(ev.State), ev.Peripheral.ID)
	if ev.Reason != connection.ReasonNone {
		line += " (" + ev.Reason.String() + ")"
	}
	if ev.Err != nil {
		line += ": " + ev.Err.Error()
	}
	fmt.Fprintln(p.out, line)
}

func (p *monitorPrinter) warning(ev connection.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.asJSON {
		rec := stateRecord{Event: ev}
		if ev.Err != nil {
			rec.Error = ev.Err.Error()
		}
		p.writeJSON(rec)
		return
	}
	fmt.Fprintf(p.out, "%s %v\n", color.YellowString("warning:"), ev.Err)
}

func (p *monitorPrinter) tick(t forward.Tick) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.asJSON {
		p.writeJSON(tickRecord{Type: "tick", Tick: t})
		return
	}
	for _, s := range t.Samples {
		fmt.Fprintln(p.out, formatSample(t.Elapsed, s, t.Repeated))
	}
}

func (p *monitorPrinter) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(p.out, "{\"type\":\"error\",\"error\":%q}\n", err.Error())
		return
	}
	fmt.Fprintln(p.out, string(data))
}

// formatSample renders one sample line, e.g. "00:01.250  75 bpm  contact=detected  rr=812ms".
func formatSample(elapsed time.Duration, s sample.Sample, repeated bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %3d bpm", formatElapsed(elapsed), s.Value)
	if s.Contact != sample.ContactUnsupported {
		fmt.Fprintf(&b, "  contact=%s", s.Contact)
	}
	if s.EnergyExpended != nil {
		fmt.Fprintf(&b, "  energy=%dkJ", *s.EnergyExpended)
	}
	if len(s.RRIntervals) > 0 {
		rr := make([]string, len(s.RRIntervals))
		for i, d := range s.RRIntervals {
			rr[i] = d.Round(time.Millisecond).String()
		}
		fmt.Fprintf(&b, "  rr=%s", strings.Join(rr, ","))
	}
	if repeated {
		b.WriteString("  (repeated)")
	}
	return b.String()
}

func formatElapsed(d time.Duration) string {
	ms := d.Milliseconds()
	return fmt.Sprintf("%02d:%02d.%03d", ms/60000, (ms/1000)%60, ms%1000)
}

func stateColor(ev connection.Event) *color.Color {
	switch {
	case ev.State == connection.Streaming:
		return color.New(color.FgGreen)
	case ev.Reason.IsFailure():
		return color.New(color.FgRed)
	default:
		return color.New(color.FgYellow)
	}
}
