package main

import (
	"bytes"
	"context"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/hrmon/internal/device"
	"github.com/srg/hrmon/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// Test device addresses for consistent fake peripheral identification
const (
	TestDeviceAddress1 = "00:00:00:00:00:01"
	TestDeviceAddress2 = "00:00:00:00:00:02"
)

// syncBuffer is a bytes.Buffer safe for the concurrent writers a running command has.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandTestSuite swaps TransportFactory for a FakeTransport and resets command
// flags between tests. All cmd/hrmon suites embed it.
type CommandTestSuite struct {
	suite.Suite
	Transport *testutils.FakeTransport

	originalFactory func(*logrus.Logger) (device.Transport, error)
	originalNoColor bool
}

func (s *CommandTestSuite) SetupSuite() {
	s.originalFactory = TransportFactory
	s.originalNoColor = color.NoColor
	color.NoColor = true
}

func (s *CommandTestSuite) TearDownSuite() {
	TransportFactory = s.originalFactory
	color.NoColor = s.originalNoColor
}

func (s *CommandTestSuite) SetupTest() {
	// keep a developer's ~/.config/hrmon out of the tests
	s.T().Setenv("HOME", s.T().TempDir())

	s.Transport = testutils.NewAutoTransport(testutils.HeartRateProfile())
	TransportFactory = func(*logrus.Logger) (device.Transport, error) {
		return s.Transport, nil
	}

	scanCmd.ResetFlags()
	initScanFlags()
	monitorCmd.ResetFlags()
	initMonitorFlags()
	attrsCmd.ResetFlags()
	initAttrsFlags()
}

// newRoot builds a root command carrying the global flags and sub.
func newRoot(sub *cobra.Command) *cobra.Command {
	root := &cobra.Command{Use: "hrmon", SilenceErrors: true}
	addGlobalFlags(root)
	root.AddCommand(sub)
	return root
}

// ExecuteCommand runs sub with args and returns stdout, stderr and the error.
func (s *CommandTestSuite) ExecuteCommand(sub *cobra.Command, args ...string) (string, string, error) {
	return s.ExecuteCommandContext(context.Background(), sub, args...)
}

// ExecuteCommandContext is ExecuteCommand with a caller-controlled context.
func (s *CommandTestSuite) ExecuteCommandContext(ctx context.Context, sub *cobra.Command, args ...string) (string, string, error) {
	stdout, stderr := &syncBuffer{}, &syncBuffer{}
	err := s.executeInto(ctx, stdout, stderr, sub, args...)
	return stdout.String(), stderr.String(), err
}

func (s *CommandTestSuite) executeInto(ctx context.Context, stdout, stderr *syncBuffer, sub *cobra.Command, args ...string) error {
	root := newRoot(sub)
	// cobra only inherits the root context when the subcommand has none, and
	// the package-level commands keep the context of their previous run
	sub.SetContext(ctx)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(append([]string{sub.Name()}, args...))
	return root.ExecuteContext(ctx)
}
