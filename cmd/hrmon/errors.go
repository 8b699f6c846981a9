package main

import (
	"errors"
	"fmt"

	"github.com/srg/hrmon/internal/device"
	"github.com/srg/hrmon/pkg/sample"
	"github.com/srg/hrmon/scanner"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped after streaming had started.
	// A failure before the first sample is reported with its own cause instead.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError renders err as a single line for the terminal.
func FormatUserError(err error) string {
	var nf *device.NotFoundError

	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off; turn it on and try again"
	case errors.Is(err, device.ErrTransportUnavailable):
		return fmt.Sprintf("no usable Bluetooth adapter: %v", err)
	case errors.Is(err, device.ErrConnectTimeout):
		return fmt.Sprintf("device did not respond in time: %v", err)
	case errors.Is(err, device.ErrPeripheralUnreachable):
		return fmt.Sprintf("device is unreachable: %v", err)
	case errors.As(err, &nf):
		return fmt.Sprintf("device does not expose the expected %s: %v", nf.Resource, err)
	case errors.Is(err, ErrConnectionLost):
		return fmt.Sprintf("connection to the device was lost: %v", err)
	case errors.Is(err, scanner.ErrScanInProgress):
		return "another scan is already running"
	case errors.Is(err, sample.ErrTooShort):
		return fmt.Sprintf("device sent a malformed measurement: %v", err)
	default:
		return err.Error()
	}
}
