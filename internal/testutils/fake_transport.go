package testutils

import (
	"fmt"
	"sync"

	"github.com/srg/hrmon/internal/device"
)

// TransportCall records one request issued against a FakeTransport.
type TransportCall struct {
	Op             string
	Handle         device.Handle
	Peripheral     string
	Characteristic device.CharacteristicRef
	Descriptor     device.DescriptorRef
	Value          []byte
	Enabled        bool
}

type fakeLink struct {
	peripheral string
	sink       device.EventSink
	closed     bool
}

// FakeTransport is an in-memory device.Transport. By default it only records requests
// and the test drives completions with Fire; the Auto* switches make it answer on its
// own, synchronously from inside the request, the way a fast platform stack can.
type FakeTransport struct {
	// Scripted synchronous failures
	ConnectErr         error
	DiscoverErr        error
	SetNotificationErr error
	WriteDescriptorErr error
	StartScanErr       error

	// AutoConnect fires EventConnected from Connect.
	AutoConnect bool
	// Profile, when set, is reported by DiscoverServices.
	Profile *ProfileBuilder
	// AutoAckDescriptor fires EventDescriptorWritten from WriteDescriptor.
	AutoAckDescriptor bool

	mu       sync.Mutex
	next     device.Handle
	links    map[device.Handle]*fakeLink
	calls    []TransportCall
	handler  device.ScanHandler
	scanning bool
}

// NewFakeTransport creates a transport that never answers on its own.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{links: make(map[device.Handle]*fakeLink)}
}

// NewAutoTransport creates a transport that connects, discovers profile and
// acknowledges descriptor writes without test involvement.
func NewAutoTransport(profile *ProfileBuilder) *FakeTransport {
	ft := NewFakeTransport()
	ft.AutoConnect = true
	ft.Profile = profile
	ft.AutoAckDescriptor = true
	return ft
}

func (ft *FakeTransport) record(c TransportCall) {
	ft.calls = append(ft.calls, c)
}

// StartScan implements device.Scanner.
func (ft *FakeTransport) StartScan(handler device.ScanHandler) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.record(TransportCall{Op: "StartScan"})
	if ft.StartScanErr != nil {
		return ft.StartScanErr
	}
	ft.handler = handler
	ft.scanning = true
	return nil
}

// StopScan implements device.Scanner.
func (ft *FakeTransport) StopScan() error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.record(TransportCall{Op: "StopScan"})
	ft.handler = nil
	ft.scanning = false
	return nil
}

// Connect implements device.Transport.
func (ft *FakeTransport) Connect(peripheralID string, sink device.EventSink) (device.Handle, error) {
	ft.mu.Lock()
	ft.record(TransportCall{Op: "Connect", Peripheral: peripheralID})
	if ft.ConnectErr != nil {
		ft.mu.Unlock()
		return 0, ft.ConnectErr
	}
	ft.next++
	h := ft.next
	ft.links[h] = &fakeLink{peripheral: peripheralID, sink: sink}
	auto := ft.AutoConnect
	ft.mu.Unlock()

	if auto {
		sink(device.Event{Type: device.EventConnected, Handle: h})
	}
	return h, nil
}

// DiscoverServices implements device.Transport.
func (ft *FakeTransport) DiscoverServices(h device.Handle) error {
	ft.mu.Lock()
	ft.record(TransportCall{Op: "DiscoverServices", Handle: h})
	link, err := ft.liveLocked(h)
	if err == nil {
		err = ft.DiscoverErr
	}
	profile := ft.Profile
	ft.mu.Unlock()

	if err != nil {
		return err
	}
	if profile != nil {
		link.sink(device.Event{Type: device.EventServicesDiscovered, Handle: h, Services: profile.Build(h)})
	}
	return nil
}

// SetNotification implements device.Transport.
func (ft *FakeTransport) SetNotification(h device.Handle, c device.CharacteristicRef, enabled bool) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.record(TransportCall{Op: "SetNotification", Handle: h, Characteristic: c, Enabled: enabled})
	if _, err := ft.liveLocked(h); err != nil {
		return err
	}
	return ft.SetNotificationErr
}

// WriteDescriptor implements device.Transport.
func (ft *FakeTransport) WriteDescriptor(h device.Handle, d device.DescriptorRef, value []byte) error {
	ft.mu.Lock()
	ft.record(TransportCall{Op: "WriteDescriptor", Handle: h, Descriptor: d, Value: append([]byte(nil), value...)})
	link, err := ft.liveLocked(h)
	if err == nil {
		err = ft.WriteDescriptorErr
	}
	auto := ft.AutoAckDescriptor
	ft.mu.Unlock()

	if err != nil {
		return err
	}
	if auto {
		link.sink(device.Event{Type: device.EventDescriptorWritten, Handle: h, Descriptor: d})
	}
	return nil
}

// Disconnect implements device.Transport.
func (ft *FakeTransport) Disconnect(h device.Handle) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.record(TransportCall{Op: "Disconnect", Handle: h})
	_, err := ft.liveLocked(h)
	return err
}

// Close implements device.Transport.
func (ft *FakeTransport) Close(h device.Handle) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.record(TransportCall{Op: "Close", Handle: h})
	link, ok := ft.links[h]
	if !ok {
		return device.ErrStaleHandle
	}
	link.closed = true
	return nil
}

func (ft *FakeTransport) liveLocked(h device.Handle) (*fakeLink, error) {
	link, ok := ft.links[h]
	if !ok || link.closed {
		return nil, fmt.Errorf("%w: %d", device.ErrStaleHandle, h)
	}
	return link, nil
}

// Fire delivers ev on h's sink. It works on closed handles too, so tests can
// replay completions that a real stack delivers late.
func (ft *FakeTransport) Fire(h device.Handle, ev device.Event) {
	ft.mu.Lock()
	link, ok := ft.links[h]
	ft.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("Fire: unknown handle %d", h))
	}
	ev.Handle = h
	link.sink(ev)
}

// Notify fires a notification for characteristic c on h.
func (ft *FakeTransport) Notify(h device.Handle, c device.CharacteristicRef, data []byte) {
	ft.Fire(h, device.Event{Type: device.EventNotification, Characteristic: c, Data: data})
}

// Advertise feeds an advertisement to the active scan. It reports whether a scan was active.
func (ft *FakeTransport) Advertise(adv device.Advertisement) bool {
	ft.mu.Lock()
	handler := ft.handler
	ft.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(adv)
	return true
}

// Scanning reports whether StartScan is in effect.
func (ft *FakeTransport) Scanning() bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.scanning
}

// LastHandle returns the most recently issued handle, 0 if none.
func (ft *FakeTransport) LastHandle() device.Handle {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.next
}

// IsClosed reports whether h was released with Close.
func (ft *FakeTransport) IsClosed(h device.Handle) bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	link, ok := ft.links[h]
	return ok && link.closed
}

// Calls returns a copy of every recorded request.
func (ft *FakeTransport) Calls() []TransportCall {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]TransportCall(nil), ft.calls...)
}

// CallOps returns the recorded request names in order.
func (ft *FakeTransport) CallOps() []string {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ops := make([]string, 0, len(ft.calls))
	for _, c := range ft.calls {
		ops = append(ops, c.Op)
	}
	return ops
}

// CallsFor returns recorded requests named op.
func (ft *FakeTransport) CallsFor(op string) []TransportCall {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var out []TransportCall
	for _, c := range ft.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}
