// Package connection drives one heart-rate peripheral from connect through
// service discovery and subscription to a stream of decoded samples.
package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/hrmon/internal/bledb"
	"github.com/srg/hrmon/internal/device"
	"github.com/srg/hrmon/internal/groutine"
	"github.com/srg/hrmon/internal/mailbox"
	"github.com/srg/hrmon/pkg/sample"
)

// ErrShutdown is returned by Connect after Shutdown.
var ErrShutdown = errors.New("connection machine is shut down")

// Options configures the target characteristic and per-phase timeouts.
// A zero timeout disables that watchdog.
type Options struct {
	// Services limits the characteristic search. Empty searches every service.
	Services []bledb.AttributeID
	// Characteristic is the one to subscribe to. When zero the first characteristic
	// the registry resolves as a heart-rate measurement is used.
	Characteristic   bledb.AttributeID
	Encoding         sample.Encoding
	ConnectTimeout   time.Duration
	DiscoveryTimeout time.Duration
	SubscribeTimeout time.Duration
	// Now stamps samples on receipt. Defaults to time.Now.
	Now func() time.Time
}

// DefaultOptions returns the options for a standard heart-rate sensor
func DefaultOptions() *Options {
	return &Options{
		Services:         []bledb.AttributeID{bledb.HeartRateService},
		Characteristic:   bledb.HeartRateMeasurement,
		ConnectTimeout:   30 * time.Second,
		DiscoveryTimeout: 15 * time.Second,
		SubscribeTimeout: 10 * time.Second,
	}
}

type inbound struct {
	attempt    uint64
	event      device.Event
	receivedAt time.Time
	timedOut   bool
	expired    State
}

// Machine owns at most one peripheral connection and serializes every transition
// on it. Transport completions are queued and applied in arrival order by a single
// dispatcher goroutine, so a transport may call back synchronously from inside a
// request without deadlocking.
type Machine struct {
	transport device.Transport
	opts      Options
	logger    *logrus.Logger
	now       func() time.Time

	mu         sync.Mutex
	state      State
	peripheral device.PeripheralRef
	handle     device.Handle
	attempt    uint64
	target     device.Characteristic
	cccd       device.Descriptor
	encoding   sample.Encoding
	timer      *time.Timer
	seq        uint64
	shutdown   bool

	inbound *mailbox.Mailbox[inbound]
	events  *mailbox.Mailbox[Event]
	done    chan struct{}
}

// NewMachine creates a Machine in the Disconnected state.
func NewMachine(transport device.Transport, opts *Options, logger *logrus.Logger) *Machine {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = logrus.New()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	m := &Machine{
		transport: transport,
		opts:      *opts,
		logger:    logger,
		now:       now,
		inbound:   mailbox.New[inbound]("connection-inbound"),
		events:    mailbox.New[Event]("connection-events"),
		done:      make(chan struct{}),
	}

	groutine.Go(context.Background(), "connection-dispatcher", func(ctx context.Context) {
		defer close(m.done)
		for in := range m.inbound.C() {
			m.apply(in)
		}
		m.events.Close()
	})

	return m
}

// Events returns the ordered event stream. It is closed after Shutdown once drained.
func (m *Machine) Events() <-chan Event {
	return m.events.C()
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Peripheral returns the peripheral of the current or most recent attempt.
func (m *Machine) Peripheral() device.PeripheralRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peripheral
}

// Connect starts connecting to p. It is a no-op while already attached to p;
// a different peripheral is fully disconnected first. A transport that refuses
// the request synchronously yields a ConnectError and a ConnectionFailed event.
func (m *Machine) Connect(p device.PeripheralRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return ErrShutdown
	}
	if strings.TrimSpace(p.ID) == "" {
		m.logger.Error("Connection attempt with empty address")
		return &device.ConnectError{Kind: device.PeripheralUnreachable, Err: errors.New("peripheral address is empty")}
	}

	if m.state != Disconnected {
		if m.peripheral.ID == p.ID {
			m.logger.WithFields(logrus.Fields{
				"address": p.ID,
				"state":   m.state,
			}).Debug("Already attached to peripheral, ignoring connect")
			return nil
		}
		m.logger.WithFields(logrus.Fields{
			"from": m.peripheral.ID,
			"to":   p.ID,
		}).Info("Switching peripheral")
		m.teardownLocked(ReasonClosed, nil, true)
	}

	m.attempt++
	attempt := m.attempt
	m.peripheral = p

	m.logger.WithFields(logrus.Fields{
		"address": p.ID,
		"name":    p.DisplayName(),
		"timeout": m.opts.ConnectTimeout,
	}).Info("Connecting to BLE device...")
	m.setStateLocked(Connecting, ReasonRequested, nil)

	h, err := m.transport.Connect(p.ID, m.sink(attempt))
	if err != nil {
		cerr := device.AsConnectError(p.ID, err)
		m.logger.WithFields(logrus.Fields{
			"address": p.ID,
			"error":   err,
		}).Error("Failed to start connection")
		m.teardownLocked(ReasonConnectionFailed, cerr, false)
		return cerr
	}

	m.handle = h
	m.armTimerLocked(Connecting, m.opts.ConnectTimeout)
	return nil
}

// Close tears the connection down and lands in Disconnected. Safe to call in any
// state and from any goroutine; calling it while Disconnected does nothing.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
}

func (m *Machine) closeLocked() {
	if m.state == Disconnected {
		m.logger.Debug("Close called but already disconnected")
		return
	}

	m.logger.WithFields(logrus.Fields{
		"address": m.peripheral.ID,
		"state":   m.state,
	}).Info("Disconnecting BLE device...")
	m.teardownLocked(ReasonClosed, nil, true)
}

// Shutdown closes the connection, stops the dispatcher and closes the event stream
// once every queued event has been delivered.
func (m *Machine) Shutdown() {
	// Connect checks shutdown under mu, so nothing can attach after this teardown.
	m.mu.Lock()
	already := m.shutdown
	m.shutdown = true
	m.closeLocked()
	m.mu.Unlock()

	if !already {
		m.inbound.Close()
	}
	<-m.done
}

// sink returns the transport callback for one connection attempt. Events are
// stamped and queued; they never block the transport.
func (m *Machine) sink(attempt uint64) device.EventSink {
	return func(ev device.Event) {
		m.inbound.Put(inbound{attempt: attempt, event: ev, receivedAt: m.now()})
	}
}

func (m *Machine) apply(in inbound) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if in.attempt != m.attempt || m.state == Disconnected {
		m.logger.WithFields(logrus.Fields{
			"event":   in.event.Type,
			"attempt": in.attempt,
			"current": m.attempt,
		}).Debug("Ignoring event from a finished connection attempt")
		return
	}
	if in.timedOut {
		m.handleTimeoutLocked(in.expired)
		return
	}

	ev := in.event
	if ev.Handle != 0 && m.handle != 0 && ev.Handle != m.handle {
		m.logger.WithField("handle", ev.Handle).Debug("Ignoring event for a foreign handle")
		return
	}

	switch ev.Type {
	case device.EventConnected:
		if m.expectLocked(ev, Connecting) {
			m.onConnectedLocked()
		}
	case device.EventConnectFailed:
		if m.expectLocked(ev, Connecting) {
			m.logger.WithFields(logrus.Fields{
				"address": m.peripheral.ID,
				"error":   ev.Err,
			}).Error("Failed to connect to BLE device")
			m.teardownLocked(ReasonConnectionFailed, device.AsConnectError(m.peripheral.ID, orUnknown(ev.Err)), false)
		}
	case device.EventServicesDiscovered:
		if m.expectLocked(ev, DiscoveringServices) {
			m.onServicesDiscoveredLocked(ev.Services)
		}
	case device.EventDiscoveryFailed:
		if m.expectLocked(ev, DiscoveringServices) {
			m.logger.WithField("error", ev.Err).Error("Failed to discover services")
			m.teardownLocked(ReasonDiscoveryFailed, &device.DiscoveryError{Err: orUnknown(ev.Err)}, true)
		}
	case device.EventDescriptorWritten:
		if m.expectLocked(ev, Subscribing) && ev.Descriptor == m.cccd.Ref {
			m.stopTimerLocked()
			m.logger.WithFields(logrus.Fields{
				"address":        m.peripheral.ID,
				"characteristic": m.target.UUID.Short(),
			}).Info("Subscribed, streaming samples")
			m.setStateLocked(Streaming, ReasonSubscribed, nil)
		}
	case device.EventDescriptorWriteFailed:
		if m.expectLocked(ev, Subscribing) && ev.Descriptor == m.cccd.Ref {
			m.failSubscriptionLocked(orUnknown(ev.Err))
		}
	case device.EventNotification:
		m.onNotificationLocked(ev, in.receivedAt)
	case device.EventDisconnected:
		m.logger.WithFields(logrus.Fields{
			"address": m.peripheral.ID,
			"state":   m.state,
			"error":   ev.Err,
		}).Warn("Peripheral disconnected")
		m.teardownLocked(ReasonDisconnected, ev.Err, false)
	default:
		m.logger.WithField("event", ev.Type).Warn("Unknown transport event")
	}
}

func (m *Machine) expectLocked(ev device.Event, want State) bool {
	if m.state == want {
		return true
	}
	m.logger.WithFields(logrus.Fields{
		"event": ev.Type,
		"state": m.state,
	}).Debug("Ignoring event not expected in current state")
	return false
}

func (m *Machine) onConnectedLocked() {
	m.stopTimerLocked()
	m.setStateLocked(Connected, ReasonConnected, nil)

	m.logger.WithField("address", m.peripheral.ID).Debug("Discovering services and characteristics...")
	m.setStateLocked(DiscoveringServices, ReasonDiscoveryStarted, nil)
	if err := m.transport.DiscoverServices(m.handle); err != nil {
		m.logger.WithField("error", err).Error("Failed to start service discovery")
		m.teardownLocked(ReasonDiscoveryFailed, &device.DiscoveryError{Err: err}, true)
		return
	}
	m.armTimerLocked(DiscoveringServices, m.opts.DiscoveryTimeout)
}

func (m *Machine) onServicesDiscoveredLocked(services []device.Service) {
	m.stopTimerLocked()

	target, ok := m.locateTarget(services)
	if !ok {
		err := &device.NotFoundError{Resource: "characteristic", UUIDs: m.targetDescription()}
		m.logger.WithFields(logrus.Fields{
			"address":  m.peripheral.ID,
			"services": len(services),
		}).Error("Target characteristic not found")
		m.teardownLocked(ReasonServiceNotFound, err, true)
		return
	}

	m.target = target
	m.encoding = sample.Resolve(target.UUID, m.opts.Encoding)
	m.logger.WithFields(logrus.Fields{
		"characteristic": target.UUID.Short(),
		"name":           bledb.Name(target.UUID),
		"properties":     target.Properties,
		"encoding":       m.encoding,
	}).Debug("Found target characteristic")
	m.setStateLocked(Subscribing, ReasonServicesDiscovered, nil)
	m.subscribeLocked()
}

func (m *Machine) locateTarget(services []device.Service) (device.Characteristic, bool) {
	if !m.opts.Characteristic.IsZero() {
		return device.FindCharacteristic(services, m.opts.Services, m.opts.Characteristic)
	}
	for _, svc := range services {
		if len(m.opts.Services) > 0 && !containsID(m.opts.Services, svc.UUID) {
			continue
		}
		for _, c := range svc.Characteristics {
			if role, ok := bledb.Resolve(c.UUID); ok && role == bledb.RoleHeartRateMeasurement {
				return c, true
			}
		}
	}
	return device.Characteristic{}, false
}

func (m *Machine) targetDescription() []string {
	char := bledb.HeartRateMeasurement.Short()
	if !m.opts.Characteristic.IsZero() {
		char = m.opts.Characteristic.Short()
	}
	if len(m.opts.Services) == 1 {
		return []string{m.opts.Services[0].Short(), char}
	}
	return []string{char}
}

// subscribeLocked enables notifications on the target and writes its CCCD.
// A characteristic that reports no properties at all is treated as notify-capable.
func (m *Machine) subscribeLocked() {
	char := m.target

	value := device.EnableNotificationValue
	switch props := char.Properties; {
	case props&device.PropNotify != 0, props == 0:
	case props&device.PropIndicate != 0:
		value = device.EnableIndicationValue
	default:
		m.failSubscriptionLocked(fmt.Errorf("%w: characteristic supports neither notify nor indicate", device.ErrUnsupported))
		return
	}

	cccd, ok := char.DescriptorWithRole(bledb.RoleClientCharacteristicConfig)
	if !ok {
		m.failSubscriptionLocked(&device.NotFoundError{
			Resource: "descriptor",
			UUIDs:    []string{char.UUID.Short(), bledb.ClientCharacteristicCfg.Short()},
		})
		return
	}
	m.cccd = cccd

	if err := m.transport.SetNotification(m.handle, char.Ref, true); err != nil {
		m.failSubscriptionLocked(err)
		return
	}
	if err := m.transport.WriteDescriptor(m.handle, cccd.Ref, value); err != nil {
		m.failSubscriptionLocked(err)
		return
	}
	m.armTimerLocked(Subscribing, m.opts.SubscribeTimeout)
}

func (m *Machine) failSubscriptionLocked(err error) {
	m.logger.WithFields(logrus.Fields{
		"characteristic": m.target.UUID.Short(),
		"error":          err,
	}).Error("Failed to subscribe")
	m.teardownLocked(ReasonSubscriptionFailed, &device.SubscriptionError{Characteristic: m.target.UUID.Short(), Err: err}, true)
}

func (m *Machine) onNotificationLocked(ev device.Event, receivedAt time.Time) {
	if m.state != Streaming {
		m.logger.WithField("state", m.state).Debug("Dropping notification received before streaming")
		return
	}
	if ev.Characteristic != m.target.Ref {
		m.logger.WithField("characteristic", ev.Characteristic).Debug("Ignoring notification from another characteristic")
		return
	}

	s, err := sample.Decode(ev.Data, m.encoding)
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"bytes": len(ev.Data),
			"error": err,
		}).Warn("Failed to decode notification")
		m.emitLocked(Event{Type: EventDecodeWarning, State: m.state, Err: err})
		return
	}
	s.ReceivedAt = receivedAt
	m.emitLocked(Event{Type: EventSample, State: m.state, Sample: &s})
}

func (m *Machine) handleTimeoutLocked(expired State) {
	if m.state != expired {
		return
	}
	m.logger.WithFields(logrus.Fields{
		"address": m.peripheral.ID,
		"state":   expired,
	}).Error("Timed out")

	switch expired {
	case Connecting:
		m.teardownLocked(ReasonConnectionFailed, &device.ConnectError{
			Kind:       device.ConnectTimeout,
			Peripheral: m.peripheral.ID,
			Err:        device.ErrTimeout,
		}, true)
	case DiscoveringServices:
		m.teardownLocked(ReasonDiscoveryFailed, &device.DiscoveryError{Err: device.ErrTimeout}, true)
	case Subscribing:
		m.failSubscriptionLocked(device.ErrTimeout)
	}
}

// teardownLocked releases the transport handle, invalidates the current attempt
// so late completions are ignored, and lands in Disconnected.
func (m *Machine) teardownLocked(reason Reason, err error, requestDisconnect bool) {
	m.stopTimerLocked()

	h := m.handle
	m.handle = 0
	m.attempt++
	m.target = device.Characteristic{}
	m.cccd = device.Descriptor{}

	if h != 0 {
		if requestDisconnect {
			if derr := m.transport.Disconnect(h); derr != nil {
				m.logger.WithField("error", derr).Warn("Transport disconnect failed")
			}
		}
		if cerr := m.transport.Close(h); cerr != nil {
			m.logger.WithField("error", cerr).Warn("Transport close failed")
		}
	}

	m.setStateLocked(Disconnected, reason, err)
}

func (m *Machine) setStateLocked(to State, reason Reason, err error) {
	from := m.state
	m.state = to

	m.logger.WithFields(logrus.Fields{
		"address": m.peripheral.ID,
		"from":    from,
		"to":      to,
		"reason":  reason,
	}).Debug("Connection state changed")

	m.emitLocked(Event{Type: EventStateChanged, State: to, Reason: reason, Err: err})
}

func (m *Machine) emitLocked(ev Event) {
	m.seq++
	ev.Seq = m.seq
	ev.Peripheral = m.peripheral
	m.events.Put(ev)
}

func (m *Machine) armTimerLocked(state State, d time.Duration) {
	m.stopTimerLocked()
	if d <= 0 {
		return
	}
	attempt := m.attempt
	m.timer = time.AfterFunc(d, func() {
		m.inbound.Put(inbound{attempt: attempt, timedOut: true, expired: state})
	})
}

func (m *Machine) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func orUnknown(err error) error {
	if err == nil {
		return errors.New("unknown transport error")
	}
	return err
}

func containsID(ids []bledb.AttributeID, id bledb.AttributeID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
