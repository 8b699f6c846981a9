package device

import (
	"fmt"
	"strings"

	"github.com/srg/hrmon/internal/bledb"
)

// UnknownDeviceName is shown for peripherals that did not advertise a name.
const UnknownDeviceName = "Unknown device"

// PeripheralRef identifies a discovered peripheral. It is immutable once produced.
type PeripheralRef struct {
	ID   string `json:"address"`
	Name string `json:"name,omitempty"`
}

// DisplayName returns the advertised name, or UnknownDeviceName.
func (p PeripheralRef) DisplayName() string {
	if p.Name == "" {
		return UnknownDeviceName
	}
	return p.Name
}

func (p PeripheralRef) String() string {
	return fmt.Sprintf("%s (%s)", p.DisplayName(), p.ID)
}

// Advertisement is the transport-neutral view of one received advertising report.
type Advertisement struct {
	ID          string
	Name        string
	RSSI        int
	Connectable bool
	Services    []bledb.AttributeID
}

// Ref returns the peripheral reference carried by the advertisement.
func (a Advertisement) Ref() PeripheralRef {
	return PeripheralRef{ID: a.ID, Name: a.Name}
}

// Handle identifies one transport connection. The zero Handle is never issued.
type Handle uint64

// CharacteristicRef indexes a characteristic in its connection's arena.
// It is only valid while Conn is alive.
type CharacteristicRef struct {
	Conn  Handle
	Index int
}

// DescriptorRef indexes a descriptor in its connection's arena.
type DescriptorRef struct {
	Conn  Handle
	Index int
}

// Property is the GATT characteristic property bit set.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWriteWithoutResponse
	PropWrite
	PropNotify
	PropIndicate
)

func (p Property) String() string {
	var parts []string
	names := []struct {
		bit  Property
		name string
	}{
		{PropRead, "read"},
		{PropWriteWithoutResponse, "write-without-response"},
		{PropWrite, "write"},
		{PropNotify, "notify"},
		{PropIndicate, "indicate"},
	}
	for _, n := range names {
		if p&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, ",")
}

// ParseProperties parses a comma-separated property list such as "read,notify".
func ParseProperties(s string) (Property, error) {
	var p Property
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(strings.ToLower(part)) {
		case "":
		case "read":
			p |= PropRead
		case "write-without-response", "write_without_response", "writenoresp":
			p |= PropWriteWithoutResponse
		case "write":
			p |= PropWrite
		case "notify":
			p |= PropNotify
		case "indicate":
			p |= PropIndicate
		default:
			return 0, fmt.Errorf("unknown characteristic property %q", part)
		}
	}
	return p, nil
}

// Descriptor is a discovered characteristic descriptor.
type Descriptor struct {
	Ref  DescriptorRef
	UUID bledb.AttributeID
}

// Characteristic is a discovered characteristic with its descriptors.
type Characteristic struct {
	Ref         CharacteristicRef
	UUID        bledb.AttributeID
	Properties  Property
	Descriptors []Descriptor
}

// DescriptorWithRole returns the first descriptor whose id resolves to role.
func (c Characteristic) DescriptorWithRole(role bledb.AttributeRole) (Descriptor, bool) {
	for _, d := range c.Descriptors {
		if r, ok := bledb.Resolve(d.UUID); ok && r == role {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Service is a discovered primary service.
type Service struct {
	UUID            bledb.AttributeID
	Characteristics []Characteristic
}

// FindCharacteristic searches services for a characteristic. When serviceFilter is
// non-empty only services listed in it are searched.
func FindCharacteristic(services []Service, serviceFilter []bledb.AttributeID, id bledb.AttributeID) (Characteristic, bool) {
	for _, svc := range services {
		if len(serviceFilter) > 0 && !containsID(serviceFilter, svc.UUID) {
			continue
		}
		for _, c := range svc.Characteristics {
			if c.UUID == id {
				return c, true
			}
		}
	}
	return Characteristic{}, false
}

func containsID(ids []bledb.AttributeID, id bledb.AttributeID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
