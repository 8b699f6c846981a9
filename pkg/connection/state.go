package connection

import (
	"github.com/srg/hrmon/internal/device"
	"github.com/srg/hrmon/pkg/sample"
)

// State is the lifecycle position of a Machine.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	DiscoveringServices
	Subscribing
	Streaming
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case DiscoveringServices:
		return "discovering-services"
	case Subscribing:
		return "subscribing"
	case Streaming:
		return "streaming"
	default:
		return "invalid"
	}
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Reason explains why a state change happened.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonRequested
	ReasonConnected
	ReasonConnectionFailed
	ReasonDiscoveryStarted
	ReasonServicesDiscovered
	ReasonDiscoveryFailed
	ReasonServiceNotFound
	ReasonSubscribed
	ReasonSubscriptionFailed
	ReasonDisconnected
	ReasonClosed
)

func (r Reason) String() string {
	switch r {
	case ReasonRequested:
		return "requested"
	case ReasonConnected:
		return "connected"
	case ReasonConnectionFailed:
		return "connection-failed"
	case ReasonDiscoveryStarted:
		return "discovery-started"
	case ReasonServicesDiscovered:
		return "services-discovered"
	case ReasonDiscoveryFailed:
		return "discovery-failed"
	case ReasonServiceNotFound:
		return "service-not-found"
	case ReasonSubscribed:
		return "subscribed"
	case ReasonSubscriptionFailed:
		return "subscription-failed"
	case ReasonDisconnected:
		return "disconnected"
	case ReasonClosed:
		return "closed"
	default:
		return ""
	}
}

// MarshalText renders the reason name.
func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// IsFailure reports whether the reason ends a connection attempt with an error.
func (r Reason) IsFailure() bool {
	switch r {
	case ReasonConnectionFailed, ReasonDiscoveryFailed, ReasonServiceNotFound, ReasonSubscriptionFailed, ReasonDisconnected:
		return true
	default:
		return false
	}
}

// EventType distinguishes the events a Machine emits.
type EventType int

const (
	EventStateChanged EventType = iota
	EventSample
	EventDecodeWarning
)

func (t EventType) String() string {
	switch t {
	case EventSample:
		return "sample"
	case EventDecodeWarning:
		return "decode-warning"
	default:
		return "state-changed"
	}
}

// MarshalText renders the event type name.
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Event is emitted on the Machine's event stream. Seq increases by one per event.
type Event struct {
	Seq        uint64               `json:"seq"`
	Type       EventType            `json:"type"`
	State      State                `json:"state"`
	Reason     Reason               `json:"reason,omitempty"`
	Peripheral device.PeripheralRef `json:"peripheral"`
	Sample     *sample.Sample       `json:"sample,omitempty"`
	Err        error                `json:"-"`
}
