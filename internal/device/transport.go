package device

// EventType enumerates transport completions and unsolicited transport events.
type EventType int

const (
	EventConnected EventType = iota + 1
	EventConnectFailed
	EventDisconnected
	EventServicesDiscovered
	EventDiscoveryFailed
	EventDescriptorWritten
	EventDescriptorWriteFailed
	EventNotification
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect-failed"
	case EventDisconnected:
		return "disconnected"
	case EventServicesDiscovered:
		return "services-discovered"
	case EventDiscoveryFailed:
		return "discovery-failed"
	case EventDescriptorWritten:
		return "descriptor-written"
	case EventDescriptorWriteFailed:
		return "descriptor-write-failed"
	case EventNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Event is delivered to the EventSink registered with Transport.Connect.
// Only the fields relevant to Type are set.
type Event struct {
	Type           EventType
	Handle         Handle
	Services       []Service         // EventServicesDiscovered
	Characteristic CharacteristicRef // EventNotification
	Descriptor     DescriptorRef     // EventDescriptorWritten, EventDescriptorWriteFailed
	Data           []byte            // EventNotification
	Err            error             // failure events, optional on EventDisconnected
}

// EventSink receives transport events for one connection. Implementations must not
// block: transports may call it from their own callback goroutines.
type EventSink func(Event)

// ScanHandler receives advertising reports while a scan is active.
type ScanHandler func(Advertisement)

// Scanner is the discovery half of a platform transport.
type Scanner interface {
	// StartScan begins delivering advertisements to handler until StopScan.
	StartScan(handler ScanHandler) error
	// StopScan ends the active scan. Stopping an idle scanner is a no-op.
	StopScan() error
}

// Transport is the platform BLE stack the connection state machine drives.
//
// Requests are fire-and-forget: a nil error only means the request was issued,
// its completion arrives later as an Event on the connection's sink. Handles and
// the characteristic/descriptor refs derived from them become stale once the
// connection is closed.
type Transport interface {
	Scanner

	Connect(peripheralID string, sink EventSink) (Handle, error)
	DiscoverServices(h Handle) error
	SetNotification(h Handle, c CharacteristicRef, enabled bool) error
	WriteDescriptor(h Handle, d DescriptorRef, value []byte) error
	// Disconnect requests link teardown. A later EventDisconnected may follow.
	Disconnect(h Handle) error
	// Close releases the handle. No further events are delivered for it.
	Close(h Handle) error
}

// CCCD values written to enable notifications or indications, little-endian.
var (
	EnableNotificationValue  = []byte{0x01, 0x00}
	EnableIndicationValue    = []byte{0x02, 0x00}
	DisableNotificationValue = []byte{0x00, 0x00}
)
