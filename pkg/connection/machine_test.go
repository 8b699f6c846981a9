package connection_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/hrmon/internal/bledb"
	"github.com/srg/hrmon/internal/device"
	"github.com/srg/hrmon/internal/testutils"
	"github.com/srg/hrmon/pkg/connection"
	"github.com/srg/hrmon/pkg/sample"
	"github.com/stretchr/testify/suite"
)

var (
	strap      = device.PeripheralRef{ID: "AA:BB:CC:DD:EE:01", Name: "Polar H10"}
	otherStrap = device.PeripheralRef{ID: "AA:BB:CC:DD:EE:02"}

	// Indices assigned by testutils.HeartRateProfile
	hrmRef  = device.CharacteristicRef{Index: 0}
	hrmCCCD = device.DescriptorRef{Index: 0}
	battRef = device.CharacteristicRef{Index: 2}
)

func at(h device.Handle, ref device.CharacteristicRef) device.CharacteristicRef {
	ref.Conn = h
	return ref
}

func atDesc(h device.Handle, ref device.DescriptorRef) device.DescriptorRef {
	ref.Conn = h
	return ref
}

type MachineTestSuite struct {
	suite.Suite
	transport *testutils.FakeTransport
	machine   *connection.Machine
	opts      *connection.Options
	clock     time.Time
}

func (suite *MachineTestSuite) SetupTest() {
	suite.clock = time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	suite.opts = connection.DefaultOptions()
	suite.opts.Now = func() time.Time { return suite.clock }
	suite.transport = testutils.NewFakeTransport()
}

func (suite *MachineTestSuite) TearDownTest() {
	if suite.machine != nil {
		suite.machine.Shutdown()
		suite.machine = nil
	}
}

func (suite *MachineTestSuite) start() *connection.Machine {
	suite.machine = connection.NewMachine(suite.transport, suite.opts, testutils.NewLogger())
	return suite.machine
}

// nextState reads events until the next state change.
func (suite *MachineTestSuite) nextState() connection.Event {
	for {
		ev := testutils.Receive(suite.T(), suite.machine.Events())
		if ev.Type == connection.EventStateChanged {
			return ev
		}
	}
}

func (suite *MachineTestSuite) expectStates(want ...connection.State) []connection.Event {
	var got []connection.Event
	var states []connection.State
	for range want {
		ev := suite.nextState()
		got = append(got, ev)
		states = append(states, ev.State)
	}
	suite.Equal(want, states, "state sequence MUST match")
	return got
}

// streamOn drives an auto transport to Streaming and returns the connection handle.
func (suite *MachineTestSuite) streamOn(p device.PeripheralRef) device.Handle {
	suite.Require().NoError(suite.machine.Connect(p))
	suite.expectStates(
		connection.Connecting,
		connection.Connected,
		connection.DiscoveringServices,
		connection.Subscribing,
		connection.Streaming,
	)
	return suite.transport.LastHandle()
}

func (suite *MachineTestSuite) TestHappyPathStreamsSamples() {
	// GOAL: Verify a cooperative peripheral walks every state in order and its measurements
	// arrive as decoded samples stamped on receipt
	//
	// TEST SCENARIO: Auto transport connects, discovers, acks CCCD → notify 8-bit and 16-bit payloads → two samples of 75

	suite.transport = testutils.NewAutoTransport(testutils.HeartRateProfile())
	m := suite.start()

	suite.Require().NoError(m.Connect(strap))
	events := suite.expectStates(
		connection.Connecting,
		connection.Connected,
		connection.DiscoveringServices,
		connection.Subscribing,
		connection.Streaming,
	)
	suite.Equal(connection.ReasonRequested, events[0].Reason, "first transition MUST be caused by the request")
	suite.Equal(connection.ReasonSubscribed, events[4].Reason, "streaming MUST be entered on subscription")
	suite.Equal(strap, events[4].Peripheral, "events MUST carry the peripheral")
	suite.Equal(connection.Streaming, m.State())

	h := suite.transport.LastHandle()
	writes := suite.transport.CallsFor("WriteDescriptor")
	suite.Require().Len(writes, 1, "exactly one CCCD write MUST be issued")
	suite.Equal(atDesc(h, hrmCCCD), writes[0].Descriptor, "the measurement CCCD MUST be written")
	suite.Equal(device.EnableNotificationValue, writes[0].Value, "notifications MUST be enabled with 0x0001")

	suite.transport.Notify(h, at(h, hrmRef), []byte{0x00, 0x4B})
	suite.transport.Notify(h, at(h, hrmRef), []byte{0x01, 0x4B, 0x00})

	for i := 0; i < 2; i++ {
		ev := testutils.Receive(suite.T(), m.Events())
		suite.Equal(connection.EventSample, ev.Type, "notification MUST produce a sample")
		suite.Require().NotNil(ev.Sample)
		suite.Equal(uint16(75), ev.Sample.Value, "sample value MUST be decoded")
		suite.Equal(suite.clock, ev.Sample.ReceivedAt, "sample MUST be stamped with the receive time")
	}
}

func (suite *MachineTestSuite) TestSeqIncreasesByOne() {
	// GOAL: Verify Seq increments by exactly one per event across event types
	//
	// TEST SCENARIO: Stream and notify once → collect all events → Seq is consecutive starting at 1

	suite.transport = testutils.NewAutoTransport(testutils.HeartRateProfile())
	m := suite.start()
	suite.Require().NoError(m.Connect(strap))

	events := testutils.ReceiveN(suite.T(), m.Events(), 5)
	h := suite.transport.LastHandle()
	suite.transport.Notify(h, at(h, hrmRef), []byte{0x00, 70})
	events = append(events, testutils.Receive(suite.T(), m.Events()))

	for i, ev := range events {
		suite.Equal(uint64(i+1), ev.Seq, "event %d MUST have Seq %d", i, i+1)
	}
}

func (suite *MachineTestSuite) TestServiceNotFound() {
	// GOAL: Verify a peripheral without the heart-rate measurement ends in Disconnected with ServiceNotFound
	//
	// TEST SCENARIO: Profile has only Battery → discovery completes → Disconnected(ServiceNotFound) and the link is released

	profile := testutils.NewProfileBuilder().
		WithService("180f").
		WithCharacteristic("2a19", "read,notify", "2902")
	suite.transport = testutils.NewAutoTransport(profile)
	m := suite.start()

	suite.Require().NoError(m.Connect(strap))
	events := suite.expectStates(
		connection.Connecting,
		connection.Connected,
		connection.DiscoveringServices,
		connection.Disconnected,
	)
	last := events[3]
	suite.Equal(connection.ReasonServiceNotFound, last.Reason, "missing characteristic MUST be reported as ServiceNotFound")
	suite.ErrorIs(last.Err, device.ErrNotFound, "error MUST wrap ErrNotFound")

	h := suite.transport.LastHandle()
	suite.True(suite.transport.IsClosed(h), "handle MUST be released")
	suite.Empty(suite.transport.CallsFor("WriteDescriptor"), "no subscription MUST be attempted")
}

func (suite *MachineTestSuite) TestServiceFilterExcludesOtherServices() {
	// GOAL: Verify the service filter restricts where the characteristic is looked for
	//
	// TEST SCENARIO: Measurement lives in a vendor service, filter is 180d → ServiceNotFound

	profile := testutils.NewProfileBuilder().
		WithService("6e400001b5a3f393e0a9e50e24dcca9e").
		WithCharacteristic("2a37", "notify", "2902")
	suite.transport = testutils.NewAutoTransport(profile)
	m := suite.start()

	suite.Require().NoError(m.Connect(strap))
	events := suite.expectStates(connection.Connecting, connection.Connected, connection.DiscoveringServices, connection.Disconnected)
	suite.Equal(connection.ReasonServiceNotFound, events[3].Reason)
}

func (suite *MachineTestSuite) TestRoleLookupWithoutExplicitCharacteristic() {
	// GOAL: Verify a zero target characteristic falls back to the registry role lookup
	//
	// TEST SCENARIO: Characteristic and service filter cleared → measurement found by role → Streaming

	suite.opts.Characteristic = bledb.AttributeID{}
	suite.opts.Services = nil
	suite.transport = testutils.NewAutoTransport(testutils.HeartRateProfile())
	suite.start()

	h := suite.streamOn(strap)
	writes := suite.transport.CallsFor("WriteDescriptor")
	suite.Require().Len(writes, 1)
	suite.Equal(atDesc(h, hrmCCCD), writes[0].Descriptor, "role lookup MUST pick the heart-rate measurement")
}

func (suite *MachineTestSuite) TestMissingCCCDFailsSubscription() {
	// GOAL: Verify a measurement characteristic without a CCCD cannot be subscribed
	//
	// TEST SCENARIO: Characteristic has no 2902 → Subscribing → Disconnected(SubscriptionFailed) wrapping ErrNotFound

	profile := testutils.NewProfileBuilder().
		WithService("180d").
		WithCharacteristic("2a37", "notify")
	suite.transport = testutils.NewAutoTransport(profile)
	m := suite.start()

	suite.Require().NoError(m.Connect(strap))
	events := suite.expectStates(
		connection.Connecting,
		connection.Connected,
		connection.DiscoveringServices,
		connection.Subscribing,
		connection.Disconnected,
	)
	last := events[4]
	suite.Equal(connection.ReasonSubscriptionFailed, last.Reason)
	var subErr *device.SubscriptionError
	suite.Require().ErrorAs(last.Err, &subErr, "error MUST be a SubscriptionError")
	suite.ErrorIs(last.Err, device.ErrNotFound, "error MUST wrap the missing descriptor")
}

func (suite *MachineTestSuite) TestIndicateOnlyCharacteristicUsesIndications() {
	// GOAL: Verify a characteristic that only indicates is subscribed with the indication value
	//
	// TEST SCENARIO: Properties = indicate → CCCD written with 0x0002 → Streaming

	profile := testutils.NewProfileBuilder().
		WithService("180d").
		WithCharacteristic("2a37", "indicate", "2902")
	suite.transport = testutils.NewAutoTransport(profile)
	suite.start()

	suite.streamOn(strap)
	writes := suite.transport.CallsFor("WriteDescriptor")
	suite.Require().Len(writes, 1)
	suite.Equal(device.EnableIndicationValue, writes[0].Value, "indication MUST be enabled with 0x0002")
}

func (suite *MachineTestSuite) TestCharacteristicWithoutNotifyOrIndicate() {
	// GOAL: Verify a read-only characteristic is rejected before any CCCD write
	//
	// TEST SCENARIO: Properties = read → Disconnected(SubscriptionFailed) wrapping ErrUnsupported

	profile := testutils.NewProfileBuilder().
		WithService("180d").
		WithCharacteristic("2a37", "read", "2902")
	suite.transport = testutils.NewAutoTransport(profile)
	m := suite.start()

	suite.Require().NoError(m.Connect(strap))
	events := suite.expectStates(connection.Connecting, connection.Connected, connection.DiscoveringServices, connection.Subscribing, connection.Disconnected)
	suite.Equal(connection.ReasonSubscriptionFailed, events[4].Reason)
	suite.ErrorIs(events[4].Err, device.ErrUnsupported)
	suite.Empty(suite.transport.CallsFor("WriteDescriptor"), "CCCD MUST NOT be written")
}

func (suite *MachineTestSuite) TestDescriptorWriteFailure() {
	// GOAL: Verify an asynchronous CCCD write failure ends the attempt
	//
	// TEST SCENARIO: Manual acks → fire DescriptorWriteFailed → Disconnected(SubscriptionFailed)

	suite.transport.AutoConnect = true
	suite.transport.Profile = testutils.HeartRateProfile()
	m := suite.start()

	suite.Require().NoError(m.Connect(strap))
	suite.expectStates(connection.Connecting, connection.Connected, connection.DiscoveringServices, connection.Subscribing)

	h := suite.transport.LastHandle()
	writeErr := errors.New("insufficient authentication")
	suite.transport.Fire(h, device.Event{Type: device.EventDescriptorWriteFailed, Descriptor: atDesc(h, hrmCCCD), Err: writeErr})

	ev := suite.nextState()
	suite.Equal(connection.Disconnected, ev.State)
	suite.Equal(connection.ReasonSubscriptionFailed, ev.Reason)
	suite.ErrorIs(ev.Err, writeErr, "transport error MUST be preserved")
}

func (suite *MachineTestSuite) TestDecodeFailureEmitsWarningAndKeepsStreaming() {
	// GOAL: Verify undecodable payloads are surfaced as warnings without leaving Streaming
	//
	// TEST SCENARIO: Notify empty then truncated 16-bit payload → two warnings → a valid payload still decodes

	suite.transport = testutils.NewAutoTransport(testutils.HeartRateProfile())
	m := suite.start()
	h := suite.streamOn(strap)

	suite.transport.Notify(h, at(h, hrmRef), []byte{})
	suite.transport.Notify(h, at(h, hrmRef), []byte{0x01, 0x4B})
	suite.transport.Notify(h, at(h, hrmRef), []byte{0x00, 0x50})

	for i := 0; i < 2; i++ {
		ev := testutils.Receive(suite.T(), m.Events())
		suite.Equal(connection.EventDecodeWarning, ev.Type, "bad payload MUST produce a decode warning")
		suite.ErrorIs(ev.Err, sample.ErrTooShort)
		suite.Nil(ev.Sample)
	}
	ev := testutils.Receive(suite.T(), m.Events())
	suite.Equal(connection.EventSample, ev.Type)
	suite.Equal(uint16(80), ev.Sample.Value)
	suite.Equal(connection.Streaming, m.State(), "decode failures MUST NOT change state")
}

func (suite *MachineTestSuite) TestNotificationsFromOtherCharacteristicsIgnored() {
	// GOAL: Verify only the subscribed characteristic produces samples
	//
	// TEST SCENARIO: Battery notification then measurement notification → only the measurement arrives

	suite.transport = testutils.NewAutoTransport(testutils.HeartRateProfile())
	m := suite.start()
	h := suite.streamOn(strap)

	suite.transport.Notify(h, at(h, battRef), []byte{0x00, 99})
	suite.transport.Notify(h, at(h, hrmRef), []byte{0x00, 72})

	ev := testutils.Receive(suite.T(), m.Events())
	suite.Equal(connection.EventSample, ev.Type)
	suite.Equal(uint16(72), ev.Sample.Value, "battery notification MUST be ignored")
}

func (suite *MachineTestSuite) TestNotificationBeforeStreamingDropped() {
	// GOAL: Verify notifications that race ahead of the CCCD acknowledgement are not emitted
	//
	// TEST SCENARIO: Manual ack → notify while Subscribing → ack → only later notifications produce samples

	suite.transport.AutoConnect = true
	suite.transport.Profile = testutils.HeartRateProfile()
	m := suite.start()

	suite.Require().NoError(m.Connect(strap))
	suite.expectStates(connection.Connecting, connection.Connected, connection.DiscoveringServices, connection.Subscribing)

	h := suite.transport.LastHandle()
	suite.transport.Notify(h, at(h, hrmRef), []byte{0x00, 55})
	suite.transport.Fire(h, device.Event{Type: device.EventDescriptorWritten, Descriptor: atDesc(h, hrmCCCD)})
	suite.transport.Notify(h, at(h, hrmRef), []byte{0x00, 66})

	ev := suite.nextState()
	suite.Equal(connection.Streaming, ev.State)
	ev = testutils.Receive(suite.T(), m.Events())
	suite.Equal(connection.EventSample, ev.Type)
	suite.Equal(uint16(66), ev.Sample.Value, "early notification MUST be dropped")
}

func (suite *MachineTestSuite) TestCloseWhileConnectingIgnoresLateCompletion() {
	// GOAL: Verify a connection completion that arrives after Close is ignored
	//
	// TEST SCENARIO: Connect (manual) → Close → fire Connected late → state stays Disconnected, no further events

	m := suite.start()
	suite.Require().NoError(m.Connect(strap))
	suite.expectStates(connection.Connecting)

	m.Close()
	ev := suite.nextState()
	suite.Equal(connection.Disconnected, ev.State)
	suite.Equal(connection.ReasonClosed, ev.Reason)
	suite.NoError(ev.Err, "requested close MUST NOT carry an error")

	h := suite.transport.LastHandle()
	suite.transport.Fire(h, device.Event{Type: device.EventConnected})
	suite.transport.Fire(h, device.Event{Type: device.EventDisconnected})

	testutils.AssertNoReceive(suite.T(), m.Events(), 100*time.Millisecond)
	suite.Equal(connection.Disconnected, m.State())
	suite.Empty(suite.transport.CallsFor("DiscoverServices"), "late completion MUST NOT start discovery")
}

func (suite *MachineTestSuite) TestDisconnectFromEveryStateEmitsOneDisconnected() {
	// GOAL: Verify a link loss in any active state produces exactly one Disconnected transition
	//
	// TEST SCENARIO: For each state reach it with a manual transport → fire Disconnected twice → one Disconnected(Disconnected)

	reach := map[connection.State]func(ft *testutils.FakeTransport, h device.Handle){
		connection.Connecting: func(ft *testutils.FakeTransport, h device.Handle) {},
		connection.DiscoveringServices: func(ft *testutils.FakeTransport, h device.Handle) {
			ft.Fire(h, device.Event{Type: device.EventConnected})
		},
		connection.Subscribing: func(ft *testutils.FakeTransport, h device.Handle) {
			ft.Fire(h, device.Event{Type: device.EventConnected})
			ft.Fire(h, device.Event{Type: device.EventServicesDiscovered, Services: testutils.HeartRateProfile().Build(h)})
		},
		connection.Streaming: func(ft *testutils.FakeTransport, h device.Handle) {
			ft.Fire(h, device.Event{Type: device.EventConnected})
			ft.Fire(h, device.Event{Type: device.EventServicesDiscovered, Services: testutils.HeartRateProfile().Build(h)})
			ft.Fire(h, device.Event{Type: device.EventDescriptorWritten, Descriptor: atDesc(h, hrmCCCD)})
		},
	}

	for target, drive := range reach {
		suite.Run(target.String(), func() {
			suite.transport = testutils.NewFakeTransport()
			m := suite.start()
			defer func() {
				m.Shutdown()
				suite.machine = nil
			}()

			suite.Require().NoError(m.Connect(strap))
			h := suite.transport.LastHandle()
			drive(suite.transport, h)

			for {
				ev := suite.nextState()
				if ev.State == target {
					break
				}
			}

			linkLost := errors.New("link supervision timeout")
			suite.transport.Fire(h, device.Event{Type: device.EventDisconnected, Err: linkLost})
			suite.transport.Fire(h, device.Event{Type: device.EventDisconnected})

			ev := suite.nextState()
			suite.Equal(connection.Disconnected, ev.State)
			suite.Equal(connection.ReasonDisconnected, ev.Reason)
			suite.ErrorIs(ev.Err, linkLost)
			testutils.AssertNoReceive(suite.T(), m.Events(), 50*time.Millisecond)
			suite.True(suite.transport.IsClosed(h), "handle MUST be released after link loss")
		})
	}
}

func (suite *MachineTestSuite) TestSynchronousConnectError() {
	// GOAL: Verify a transport that refuses the connect request reports a typed error
	//
	// TEST SCENARIO: ConnectErr = bluetooth off → Connect returns ConnectError(BluetoothOff) → Connecting then Disconnected(ConnectionFailed)

	suite.transport.ConnectErr = device.ErrBluetoothOff
	m := suite.start()

	err := m.Connect(strap)
	suite.Require().Error(err)
	suite.ErrorIs(err, device.ErrBluetoothOff, "error MUST keep the bluetooth-off kind")
	var cerr *device.ConnectError
	suite.Require().ErrorAs(err, &cerr)
	suite.Equal(strap.ID, cerr.Peripheral)

	events := suite.expectStates(connection.Connecting, connection.Disconnected)
	suite.Equal(connection.ReasonConnectionFailed, events[1].Reason)
	suite.True(events[1].Reason.IsFailure())
}

func (suite *MachineTestSuite) TestAsynchronousConnectFailure() {
	// GOAL: Verify a ConnectFailed completion maps to an unreachable peripheral
	//
	// TEST SCENARIO: Fire ConnectFailed → Disconnected(ConnectionFailed) with ErrPeripheralUnreachable

	m := suite.start()
	suite.Require().NoError(m.Connect(strap))
	suite.expectStates(connection.Connecting)

	h := suite.transport.LastHandle()
	suite.transport.Fire(h, device.Event{Type: device.EventConnectFailed, Err: errors.New("page timeout")})

	ev := suite.nextState()
	suite.Equal(connection.ReasonConnectionFailed, ev.Reason)
	suite.ErrorIs(ev.Err, device.ErrPeripheralUnreachable)
}

func (suite *MachineTestSuite) TestDiscoveryFailure() {
	// GOAL: Verify discovery errors, synchronous and asynchronous, end in DiscoveryFailed
	//
	// TEST SCENARIO: DiscoverErr set → Disconnected(DiscoveryFailed) with a DiscoveryError

	suite.transport.AutoConnect = true
	suite.transport.DiscoverErr = errors.New("att timeout")
	m := suite.start()

	suite.Require().NoError(m.Connect(strap))
	events := suite.expectStates(connection.Connecting, connection.Connected, connection.DiscoveringServices, connection.Disconnected)
	suite.Equal(connection.ReasonDiscoveryFailed, events[3].Reason)
	var derr *device.DiscoveryError
	suite.ErrorAs(events[3].Err, &derr)

	suite.Run("asynchronous", func() {
		suite.transport.DiscoverErr = nil
		suite.Require().NoError(m.Connect(strap))
		suite.expectStates(connection.Connecting, connection.Connected, connection.DiscoveringServices)
		h := suite.transport.LastHandle()
		suite.transport.Fire(h, device.Event{Type: device.EventDiscoveryFailed, Err: errors.New("gatt error")})
		ev := suite.nextState()
		suite.Equal(connection.ReasonDiscoveryFailed, ev.Reason)
	})
}

func (suite *MachineTestSuite) TestPhaseTimeouts() {
	// GOAL: Verify each waiting phase is bounded by its watchdog
	//
	// TEST SCENARIO: Short timeouts, transport never answers the phase → Disconnected with the phase's failure

	cases := []struct {
		name   string
		setup  func(ft *testutils.FakeTransport)
		reason connection.Reason
		is     error
	}{
		{
			name:   "connect",
			setup:  func(ft *testutils.FakeTransport) {},
			reason: connection.ReasonConnectionFailed,
			is:     device.ErrConnectTimeout,
		},
		{
			name:   "discovery",
			setup:  func(ft *testutils.FakeTransport) { ft.AutoConnect = true },
			reason: connection.ReasonDiscoveryFailed,
			is:     device.ErrTimeout,
		},
		{
			name: "subscribe",
			setup: func(ft *testutils.FakeTransport) {
				ft.AutoConnect = true
				ft.Profile = testutils.HeartRateProfile()
			},
			reason: connection.ReasonSubscriptionFailed,
			is:     device.ErrTimeout,
		},
	}

	for _, tc := range cases {
		suite.Run(tc.name, func() {
			suite.transport = testutils.NewFakeTransport()
			tc.setup(suite.transport)
			suite.opts.ConnectTimeout = 30 * time.Millisecond
			suite.opts.DiscoveryTimeout = 30 * time.Millisecond
			suite.opts.SubscribeTimeout = 30 * time.Millisecond
			m := suite.start()
			defer func() {
				m.Shutdown()
				suite.machine = nil
			}()

			suite.Require().NoError(m.Connect(strap))
			var last connection.Event
			for last.State != connection.Disconnected || last.Seq == 0 {
				last = suite.nextState()
			}
			suite.Equal(tc.reason, last.Reason)
			suite.ErrorIs(last.Err, tc.is)
			suite.Contains(suite.transport.CallOps(), "Disconnect", "timed out link MUST be torn down")
		})
	}
}

func (suite *MachineTestSuite) TestConnectSamePeripheralIsNoop() {
	// GOAL: Verify repeating Connect for the attached peripheral changes nothing
	//
	// TEST SCENARIO: Stream → Connect(same) → no new transport connect and no events

	suite.transport = testutils.NewAutoTransport(testutils.HeartRateProfile())
	m := suite.start()
	suite.streamOn(strap)

	suite.NoError(m.Connect(strap))
	suite.Len(suite.transport.CallsFor("Connect"), 1, "transport MUST be asked to connect once")
	testutils.AssertNoReceive(suite.T(), m.Events(), 50*time.Millisecond)
}

func (suite *MachineTestSuite) TestConnectOtherPeripheralSwitches() {
	// GOAL: Verify connecting to a different peripheral fully releases the first one
	//
	// TEST SCENARIO: Stream on A → Connect(B) → Disconnected(Closed) for A, then B reaches Streaming; A's late notifications ignored

	suite.transport = testutils.NewAutoTransport(testutils.HeartRateProfile())
	m := suite.start()
	first := suite.streamOn(strap)

	suite.Require().NoError(m.Connect(otherStrap))
	events := suite.expectStates(
		connection.Disconnected,
		connection.Connecting,
		connection.Connected,
		connection.DiscoveringServices,
		connection.Subscribing,
		connection.Streaming,
	)
	suite.Equal(connection.ReasonClosed, events[0].Reason)
	suite.Equal(strap, events[0].Peripheral, "teardown MUST be attributed to the first peripheral")
	suite.Equal(otherStrap, events[5].Peripheral)
	suite.Equal(otherStrap, m.Peripheral(), "machine MUST report the peripheral it switched to")
	suite.True(suite.transport.IsClosed(first))

	second := suite.transport.LastHandle()
	suite.NotEqual(first, second)
	suite.transport.Notify(first, at(first, hrmRef), []byte{0x00, 10})
	suite.transport.Notify(second, at(second, hrmRef), []byte{0x00, 20})
	ev := testutils.Receive(suite.T(), m.Events())
	suite.Equal(uint16(20), ev.Sample.Value, "stale handle notifications MUST be ignored")
}

func (suite *MachineTestSuite) TestConnectRejectsEmptyAddress() {
	// GOAL: Verify an empty address is rejected without touching the transport
	//
	// TEST SCENARIO: Connect with empty ID → ConnectError, no transport calls, no events

	m := suite.start()
	err := m.Connect(device.PeripheralRef{})
	suite.ErrorIs(err, device.ErrPeripheralUnreachable)
	suite.Empty(suite.transport.Calls())
	testutils.AssertNoReceive(suite.T(), m.Events(), 50*time.Millisecond)
}

func (suite *MachineTestSuite) TestCloseWhenDisconnectedIsNoop() {
	// GOAL: Verify Close in Disconnected emits nothing
	//
	// TEST SCENARIO: Fresh machine → Close twice → no events

	m := suite.start()
	m.Close()
	m.Close()
	testutils.AssertNoReceive(suite.T(), m.Events(), 50*time.Millisecond)
}

func (suite *MachineTestSuite) TestCloseWhileStreamingDisablesLink() {
	// GOAL: Verify Close during streaming disconnects and releases the handle
	//
	// TEST SCENARIO: Stream → Close → Disconnected(Closed), transport Disconnect then Close

	suite.transport = testutils.NewAutoTransport(testutils.HeartRateProfile())
	m := suite.start()
	h := suite.streamOn(strap)

	m.Close()
	ev := suite.nextState()
	suite.Equal(connection.Disconnected, ev.State)
	suite.Equal(connection.ReasonClosed, ev.Reason)
	suite.False(ev.Reason.IsFailure())

	ops := suite.transport.CallOps()
	suite.Equal([]string{"Disconnect", "Close"}, ops[len(ops)-2:])
	suite.True(suite.transport.IsClosed(h))
}

func (suite *MachineTestSuite) TestCloseRacingConnectedCompletion() {
	// GOAL: Verify Close and a concurrent connect completion always settle in Disconnected
	// with exactly one Disconnected transition, whichever wins
	//
	// TEST SCENARIO: Connect (manual) → goroutines fire Connected and call Close together →
	// one Disconnected(Closed) → nothing afterwards, handle released (repeated)

	for i := 0; i < 25; i++ {
		transport := testutils.NewFakeTransport()
		m := connection.NewMachine(transport, suite.opts, testutils.NewLogger())
		suite.Require().NoError(m.Connect(strap))
		h := transport.LastHandle()

		var wg sync.WaitGroup
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			transport.Fire(h, device.Event{Type: device.EventConnected})
		}()
		go func() {
			defer wg.Done()
			<-start
			m.Close()
		}()
		close(start)
		wg.Wait()

		events := testutils.ReceiveUntil(suite.T(), m.Events(), func(ev connection.Event) bool {
			return ev.Type == connection.EventStateChanged && ev.State == connection.Disconnected
		})
		last := events[len(events)-1]
		suite.Equal(connection.ReasonClosed, last.Reason, "close MUST be the reason for the final transition")
		testutils.AssertNoReceive(suite.T(), m.Events(), 20*time.Millisecond)
		suite.Equal(connection.Disconnected, m.State(), "machine MUST stay Disconnected after Close")
		suite.True(transport.IsClosed(h), "transport handle MUST be released")

		m.Shutdown()
	}
}

func (suite *MachineTestSuite) TestShutdownRacingConnect() {
	// GOAL: Verify a Connect racing Shutdown never leaves a live connection behind
	//
	// TEST SCENARIO: goroutines call Connect and Shutdown together → either Connect is refused
	// with ErrShutdown or its handle is released; final state Disconnected (repeated)

	for i := 0; i < 25; i++ {
		transport := testutils.NewFakeTransport()
		m := connection.NewMachine(transport, suite.opts, testutils.NewLogger())

		var (
			wg         sync.WaitGroup
			connectErr error
		)
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			connectErr = m.Connect(strap)
		}()
		go func() {
			defer wg.Done()
			<-start
			m.Shutdown()
		}()
		close(start)
		wg.Wait()

		if connectErr != nil {
			suite.ErrorIs(connectErr, connection.ErrShutdown)
		}
		if h := transport.LastHandle(); h != 0 {
			suite.True(transport.IsClosed(h), "a handle opened during shutdown MUST be released")
		}
		suite.Equal(connection.Disconnected, m.State(), "shut down machine MUST be Disconnected")
		suite.ErrorIs(m.Connect(strap), connection.ErrShutdown)
	}
}

func (suite *MachineTestSuite) TestShutdownClosesEvents() {
	// GOAL: Verify Shutdown delivers the final transition and then closes the stream
	//
	// TEST SCENARIO: Stream → Shutdown → drain yields Disconnected(Closed) last → Connect returns ErrShutdown

	suite.transport = testutils.NewAutoTransport(testutils.HeartRateProfile())
	m := suite.start()
	suite.streamOn(strap)

	m.Shutdown()
	rest := testutils.Drain(suite.T(), m.Events())
	suite.Require().NotEmpty(rest)
	suite.Equal(connection.Disconnected, rest[len(rest)-1].State)
	suite.ErrorIs(m.Connect(strap), connection.ErrShutdown)

	m.Shutdown()
	suite.machine = nil
}

func TestMachineTestSuite(t *testing.T) {
	suite.Run(t, new(MachineTestSuite))
}
