package device

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic", "descriptor"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [charUUID, descriptorUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	// For BLE hierarchy: characteristic is in service, descriptor is in characteristic
	parentResource := "service"
	if e.Resource == "descriptor" {
		parentResource = "characteristic"
	}
	return fmt.Sprintf("%s %q not found in %s %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], parentResource, e.UUIDs[0])
}

// Unwrap lets errors.Is match ErrNotFound for any resource.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ConnectErrorKind is the category of a failed connection attempt
type ConnectErrorKind string

const (
	TransportUnavailable  ConnectErrorKind = "transport_unavailable"
	PeripheralUnreachable ConnectErrorKind = "peripheral_unreachable"
	BluetoothOff          ConnectErrorKind = "bluetooth_off"
	ConnectTimeout        ConnectErrorKind = "connect_timeout"
)

// ConnectError is reported when a connection attempt does not reach Connected.
type ConnectError struct {
	Kind       ConnectErrorKind
	Peripheral string
	Err        error
}

// Error implements the error interface
func (e *ConnectError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Peripheral != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Peripheral)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Is allows errors.Is to compare ConnectError values by Kind
func (e *ConnectError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func (e *ConnectError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Predefined sentinel errors for connection failures
var (
	ErrTransportUnavailable  = &ConnectError{Kind: TransportUnavailable}
	ErrPeripheralUnreachable = &ConnectError{Kind: PeripheralUnreachable}
	ErrBluetoothOff          = &ConnectError{Kind: BluetoothOff, Err: errors.New("bluetooth is turned off")}
	ErrConnectTimeout        = &ConnectError{Kind: ConnectTimeout}
)

// DiscoveryError is reported when service discovery fails or times out.
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("service discovery failed: %v", e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// SubscriptionError is reported when notifications on a characteristic cannot be enabled.
type SubscriptionError struct {
	Characteristic string
	Err            error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe to characteristic %q failed: %v", e.Characteristic, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// Operation errors
var (
	ErrNotFound       = errors.New("not found")
	ErrNotConnected   = errors.New("not connected")
	ErrStaleHandle    = errors.New("stale handle")
	ErrScanActive     = errors.New("scan already active")
	ErrTimeout        = errors.New("timeout")
	ErrUnsupported    = errors.New("unsupported")
	ErrNotifyDisabled = errors.New("notifications not enabled for characteristic")
)

// AsConnectError wraps err into a ConnectError for peripheral, keeping an existing
// ConnectError kind when the chain already carries one.
func AsConnectError(peripheral string, err error) *ConnectError {
	if err == nil {
		return nil
	}
	var cerr *ConnectError
	if errors.As(err, &cerr) {
		return &ConnectError{Kind: cerr.Kind, Peripheral: peripheral, Err: err}
	}
	kind := PeripheralUnreachable
	if errors.Is(err, ErrTimeout) {
		kind = ConnectTimeout
	}
	return &ConnectError{Kind: kind, Peripheral: peripheral, Err: err}
}

// ContainsIgnoreCase checks substring case-insensitively
func ContainsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
