package goble

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/hrmon/internal/bledb"
	"github.com/srg/hrmon/internal/device"
	"github.com/srg/hrmon/internal/groutine"
	"github.com/srg/hrmon/internal/mailbox"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

// gattClient is the part of ble.Client a connection uses.
type gattClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	WriteDescriptor(d *ble.Descriptor, v []byte) error
	CancelConnection() error
}

// central is the part of ble.Device the transport uses.
type central interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Connect(ctx context.Context, address string) (gattClient, error)
}

type bleCentral struct {
	dev ble.Device
}

func (c bleCentral) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	return c.dev.Scan(ctx, allowDup, h)
}

func (c bleCentral) Connect(ctx context.Context, address string) (gattClient, error) {
	client, err := c.dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Transport implements device.Transport on top of go-ble.
//
// Each connection gets a handle and a worker goroutine that runs its GATT requests
// one at a time. Requests return once queued; results reach the connection's sink
// as events. Discovered characteristics and descriptors are kept in a per-connection
// arena and addressed by index, so refs die with the connection.
type Transport struct {
	central central
	logger  *logrus.Logger

	mu    sync.Mutex
	next  device.Handle
	links map[device.Handle]*link

	scan *scanState
}

// NewTransport opens the platform BLE device through DeviceFactory.
func NewTransport(logger *logrus.Logger) (*Transport, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	return newTransport(bleCentral{dev: dev}, logger), nil
}

func newTransport(c central, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{
		central: c,
		logger:  logger,
		links:   make(map[device.Handle]*link),
	}
}

type link struct {
	handle  device.Handle
	address string
	sink    device.EventSink
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    *mailbox.Mailbox[func()]

	// guarded by Transport.mu
	closed        bool
	disconnecting bool
	client        gattClient
	chars         []*ble.Characteristic
	descs         []*ble.Descriptor
	descOwner     []int
	enabled       map[int]bool
	subscribed    map[int]bool
}

// emit delivers ev unless the handle has been closed.
func (t *Transport) emit(l *link, ev device.Event) {
	t.mu.Lock()
	closed := l.closed
	t.mu.Unlock()
	if closed {
		return
	}
	ev.Handle = l.handle
	l.sink(ev)
}

func (t *Transport) liveLocked(h device.Handle) (*link, error) {
	l, ok := t.links[h]
	if !ok || l.closed {
		return nil, fmt.Errorf("%w: %d", device.ErrStaleHandle, h)
	}
	return l, nil
}

func (t *Transport) connectedLocked(h device.Handle) (*link, error) {
	l, err := t.liveLocked(h)
	if err != nil {
		return nil, err
	}
	if l.client == nil {
		return nil, device.ErrNotConnected
	}
	return l, nil
}

// Connect dials address on the connection's worker.
func (t *Transport) Connect(address string, sink device.EventSink) (device.Handle, error) {
	if sink == nil {
		return 0, fmt.Errorf("event sink is required")
	}

	t.mu.Lock()
	t.next++
	h := t.next
	ctx, cancel := context.WithCancel(context.Background())
	l := &link{
		handle:     h,
		address:    address,
		sink:       sink,
		ctx:        ctx,
		cancel:     cancel,
		jobs:       mailbox.New[func()](fmt.Sprintf("ble-link-%d", h)),
		enabled:    make(map[int]bool),
		subscribed: make(map[int]bool),
	}
	t.links[h] = l
	t.mu.Unlock()

	groutine.Go(ctx, fmt.Sprintf("ble-link-%d", h), func(context.Context) {
		for job := range l.jobs.C() {
			job()
		}
	})

	t.logger.WithFields(logrus.Fields{
		"address": address,
		"handle":  h,
	}).Debug("Dialing BLE device...")

	l.jobs.Put(func() { t.dial(l) })
	return h, nil
}

func (t *Transport) dial(l *link) {
	client, err := t.central.Connect(l.ctx, l.address)
	if err != nil {
		err = NormalizeError(err)
		t.logger.WithFields(logrus.Fields{
			"address": l.address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		t.emit(l, device.Event{Type: device.EventConnectFailed, Err: err})
		return
	}

	t.mu.Lock()
	if l.closed {
		t.mu.Unlock()
		t.logger.WithField("address", l.address).Debug("Connection closed while dialing, cancelling")
		if cerr := client.CancelConnection(); cerr != nil {
			t.logger.WithField("error", cerr).Warn("Failed to cancel late connection")
		}
		return
	}
	l.client = client
	t.mu.Unlock()

	// Darwin and Linux clients expose Disconnected(); others only report loss through errors
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(l.ctx, fmt.Sprintf("ble-link-monitor-%d", l.handle), func(ctx context.Context) {
			select {
			case <-dc.Disconnected():
				t.logger.WithField("address", l.address).Warn("BLE stack reported disconnection")
				t.emit(l, device.Event{Type: device.EventDisconnected, Err: device.ErrNotConnected})
			case <-ctx.Done():
			}
		})
	} else {
		t.logger.Debug("Client does not support Disconnected() channel")
	}

	t.logger.WithField("address", l.address).Info("BLE device connected successfully")
	t.emit(l, device.Event{Type: device.EventConnected})
}

// DiscoverServices runs a full profile discovery and rebuilds the connection arena.
func (t *Transport) DiscoverServices(h device.Handle) error {
	t.mu.Lock()
	l, err := t.connectedLocked(h)
	t.mu.Unlock()
	if err != nil {
		return err
	}

	l.jobs.Put(func() {
		profile, err := l.client.DiscoverProfile(true)
		if err != nil {
			err = NormalizeError(err)
			t.logger.WithFields(logrus.Fields{
				"address": l.address,
				"error":   err,
			}).Error("Failed to discover profile")
			t.emit(l, device.Event{Type: device.EventDiscoveryFailed, Err: err})
			return
		}

		t.mu.Lock()
		services := l.index(profile)
		chars := len(l.chars)
		t.mu.Unlock()

		t.logger.WithFields(logrus.Fields{
			"address":         l.address,
			"services":        len(services),
			"characteristics": chars,
			"layout":          profileLayout(profile),
		}).Debug("Profile discovered successfully")
		t.emit(l, device.Event{Type: device.EventServicesDiscovered, Services: services})
	})
	return nil
}

// index replaces the arena with profile and returns its neutral view. Must hold Transport.mu.
func (l *link) index(profile *ble.Profile) []device.Service {
	l.chars = l.chars[:0]
	l.descs = l.descs[:0]
	l.descOwner = l.descOwner[:0]
	l.enabled = make(map[int]bool)
	l.subscribed = make(map[int]bool)

	services := make([]device.Service, 0, len(profile.Services))
	for _, bs := range profile.Services {
		svc := device.Service{UUID: convertUUID(bs.UUID)}
		for _, bc := range bs.Characteristics {
			ci := len(l.chars)
			l.chars = append(l.chars, bc)
			c := device.Characteristic{
				Ref:        device.CharacteristicRef{Conn: l.handle, Index: ci},
				UUID:       convertUUID(bc.UUID),
				Properties: convertProperties(bc.Property),
			}
			for _, bd := range bc.Descriptors {
				di := len(l.descs)
				l.descs = append(l.descs, bd)
				l.descOwner = append(l.descOwner, ci)
				c.Descriptors = append(c.Descriptors, device.Descriptor{
					Ref:  device.DescriptorRef{Conn: l.handle, Index: di},
					UUID: convertUUID(bd.UUID),
				})
			}
			svc.Characteristics = append(svc.Characteristics, c)
		}
		services = append(services, svc)
	}
	return services
}

// profileLayout lists every attribute of profile as "uuid (name)", children
// prefixed with their parents, e.g. "180d/2a37 (Heart Rate Measurement)".
func profileLayout(profile *ble.Profile) []string {
	var out []string
	label := func(path, name string) string {
		if name == "" {
			return path
		}
		return path + " (" + name + ")"
	}
	for _, bs := range profile.Services {
		svc := bledb.NormalizeUUID(bs.UUID.String())
		out = append(out, label(svc, bledb.LookupService(svc)))
		for _, bc := range bs.Characteristics {
			char := svc + "/" + bledb.NormalizeUUID(bc.UUID.String())
			out = append(out, label(char, bledb.LookupCharacteristic(bc.UUID.String())))
			for _, bd := range bc.Descriptors {
				desc := char + "/" + bledb.NormalizeUUID(bd.UUID.String())
				out = append(out, label(desc, bledb.LookupDescriptor(bd.UUID.String())))
			}
		}
	}
	return out
}

// SetNotification gates delivery of notifications for c. The peripheral side is
// switched through the CCCD with WriteDescriptor.
func (t *Transport) SetNotification(h device.Handle, c device.CharacteristicRef, enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, err := t.connectedLocked(h)
	if err != nil {
		return err
	}
	if c.Conn != h || c.Index < 0 || c.Index >= len(l.chars) {
		return fmt.Errorf("%w: characteristic %d", device.ErrStaleHandle, c.Index)
	}
	l.enabled[c.Index] = enabled
	return nil
}

// WriteDescriptor writes value to d. A CCCD write goes through go-ble's Subscribe
// and Unsubscribe, which also install the notification handler.
func (t *Transport) WriteDescriptor(h device.Handle, d device.DescriptorRef, value []byte) error {
	t.mu.Lock()
	l, err := t.connectedLocked(h)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if d.Conn != h || d.Index < 0 || d.Index >= len(l.descs) {
		t.mu.Unlock()
		return fmt.Errorf("%w: descriptor %d", device.ErrStaleHandle, d.Index)
	}
	desc := l.descs[d.Index]
	ci := l.descOwner[d.Index]
	char := l.chars[ci]
	t.mu.Unlock()

	payload := append([]byte(nil), value...)
	l.jobs.Put(func() {
		var err error
		if convertUUID(desc.UUID) == bledb.ClientCharacteristicCfg {
			err = t.writeCCCD(l, ci, char, payload)
		} else {
			err = l.client.WriteDescriptor(desc, payload)
		}
		if err != nil {
			err = NormalizeError(err)
			t.logger.WithFields(logrus.Fields{
				"address":    l.address,
				"descriptor": d.Index,
				"error":      err,
			}).Error("Failed to write descriptor")
			t.emit(l, device.Event{Type: device.EventDescriptorWriteFailed, Descriptor: d, Err: err})
			return
		}
		t.emit(l, device.Event{Type: device.EventDescriptorWritten, Descriptor: d})
	})
	return nil
}

func (t *Transport) writeCCCD(l *link, ci int, char *ble.Characteristic, value []byte) error {
	ref := device.CharacteristicRef{Conn: l.handle, Index: ci}

	switch {
	case bytes.Equal(value, device.EnableNotificationValue), bytes.Equal(value, device.EnableIndicationValue):
		ind := bytes.Equal(value, device.EnableIndicationValue)
		err := l.client.Subscribe(char, ind, func(data []byte) {
			t.mu.Lock()
			on := l.enabled[ci]
			t.mu.Unlock()
			if !on {
				return
			}
			t.emit(l, device.Event{Type: device.EventNotification, Characteristic: ref, Data: append([]byte(nil), data...)})
		})
		if err != nil {
			return err
		}
		t.mu.Lock()
		l.subscribed[ci] = ind
		t.mu.Unlock()
		t.logger.WithFields(logrus.Fields{
			"address":  l.address,
			"char":     char.UUID.String(),
			"indicate": ind,
		}).Info("Successfully subscribed to characteristic notifications")
		return nil

	case bytes.Equal(value, device.DisableNotificationValue):
		t.mu.Lock()
		ind, ok := l.subscribed[ci]
		delete(l.subscribed, ci)
		t.mu.Unlock()
		if !ok {
			return nil
		}
		return l.client.Unsubscribe(char, ind)

	default:
		return fmt.Errorf("%w: CCCD value % x", device.ErrUnsupported, value)
	}
}

// Disconnect cancels a pending dial or tears the link down. EventDisconnected
// follows when the stack reports it.
func (t *Transport) Disconnect(h device.Handle) error {
	t.mu.Lock()
	l, err := t.liveLocked(h)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	client := l.client
	already := l.disconnecting
	l.disconnecting = true
	t.mu.Unlock()

	if client == nil {
		l.cancel()
		return nil
	}
	if !already {
		t.cancelConnection(l, client)
	}
	return nil
}

func (t *Transport) cancelConnection(l *link, client gattClient) {
	t.logger.WithField("address", l.address).Info("Disconnecting BLE device...")
	groutine.Go(context.Background(), fmt.Sprintf("ble-link-cancel-%d", l.handle), func(context.Context) {
		if err := client.CancelConnection(); err != nil {
			t.logger.WithField("error", NormalizeError(err)).Warn("BLE device disconnected with errors")
		}
	})
}

// Close releases h and drops the link if Disconnect was not called. Jobs already
// queued still run, against a cancelled context, and their results are discarded.
func (t *Transport) Close(h device.Handle) error {
	t.mu.Lock()
	l, ok := t.links[h]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %d", device.ErrStaleHandle, h)
	}
	delete(t.links, h)
	l.closed = true
	client := l.client
	needCancel := client != nil && !l.disconnecting
	l.disconnecting = true
	t.mu.Unlock()

	l.cancel()
	l.jobs.Close()
	if needCancel {
		t.cancelConnection(l, client)
	}
	t.logger.WithField("handle", h).Debug("Connection handle released")
	return nil
}
