package testutils

import (
	"encoding/json"
	"fmt"

	blelib "github.com/go-ble/ble"
	"github.com/srg/hrmon/internal/bledb"
	"github.com/srg/hrmon/internal/device"
)

// CharacteristicConfig represents a GATT characteristic in a test profile
type CharacteristicConfig struct {
	UUID        string   `json:"uuid"`
	Properties  string   `json:"properties,omitempty"` // e.g., "read,notify"
	Descriptors []string `json:"descriptors,omitempty"`
}

// ServiceConfig represents a GATT service in a test profile
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// ProfileConfig is the complete peripheral GATT layout
type ProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// ProfileBuilder describes a peripheral's GATT tree once and renders it either as
// the transport-neutral model or as a go-ble profile.
type ProfileBuilder struct {
	profile ProfileConfig
}

// NewProfileBuilder creates an empty profile.
func NewProfileBuilder() *ProfileBuilder {
	return &ProfileBuilder{}
}

// HeartRateProfile is a typical chest strap: Heart Rate with a notifying
// measurement and its CCCD, plus a Battery service.
func HeartRateProfile() *ProfileBuilder {
	return NewProfileBuilder().
		WithService("180d").
		WithCharacteristic("2a37", "notify", "2902").
		WithCharacteristic("2a38", "read").
		WithService("180f").
		WithCharacteristic("2a19", "read,notify", "2902")
}

// WithService adds a service to the profile
func (b *ProfileBuilder) WithService(uuid string) *ProfileBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic with its descriptors to the last added service
func (b *ProfileBuilder) WithCharacteristic(uuid, properties string, descriptors ...string) *ProfileBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics, CharacteristicConfig{
		UUID:        uuid,
		Properties:  properties,
		Descriptors: descriptors,
	})
	return b
}

// FromJSON replaces the profile with one decoded from JSON. Panics on invalid JSON.
func (b *ProfileBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *ProfileBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)
	var cfg ProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &cfg); err != nil {
		panic(fmt.Sprintf("FromJSON: invalid profile JSON: %v", err))
	}
	b.profile = cfg
	return b
}

// Config returns the underlying profile description.
func (b *ProfileBuilder) Config() ProfileConfig {
	return b.profile
}

// Build renders the profile as discovered services for connection h. Arena indices
// are assigned in document order, characteristics and descriptors separately, the
// same way the go-ble transport numbers them.
func (b *ProfileBuilder) Build(h device.Handle) []device.Service {
	var services []device.Service
	charIdx, descIdx := 0, 0

	for _, sc := range b.profile.Services {
		svc := device.Service{UUID: bledb.MustParseAttributeID(sc.UUID)}
		for _, cc := range sc.Characteristics {
			props, err := device.ParseProperties(cc.Properties)
			if err != nil {
				panic(err)
			}
			c := device.Characteristic{
				Ref:        device.CharacteristicRef{Conn: h, Index: charIdx},
				UUID:       bledb.MustParseAttributeID(cc.UUID),
				Properties: props,
			}
			charIdx++
			for _, du := range cc.Descriptors {
				c.Descriptors = append(c.Descriptors, device.Descriptor{
					Ref:  device.DescriptorRef{Conn: h, Index: descIdx},
					UUID: bledb.MustParseAttributeID(du),
				})
				descIdx++
			}
			svc.Characteristics = append(svc.Characteristics, c)
		}
		services = append(services, svc)
	}
	return services
}

// BuildGoBLE renders the profile as a go-ble profile, as DiscoverProfile would return it.
func (b *ProfileBuilder) BuildGoBLE() *blelib.Profile {
	p := &blelib.Profile{}
	for _, sc := range b.profile.Services {
		svc := &blelib.Service{UUID: blelib.MustParse(sc.UUID)}
		for _, cc := range sc.Characteristics {
			props, err := device.ParseProperties(cc.Properties)
			if err != nil {
				panic(err)
			}
			c := &blelib.Characteristic{
				UUID:     blelib.MustParse(cc.UUID),
				Property: toGoBLEProperty(props),
			}
			for _, du := range cc.Descriptors {
				d := &blelib.Descriptor{UUID: blelib.MustParse(du)}
				c.Descriptors = append(c.Descriptors, d)
				if bledb.MustParseAttributeID(du) == bledb.ClientCharacteristicCfg {
					c.CCCD = d
				}
			}
			svc.Characteristics = append(svc.Characteristics, c)
		}
		p.Services = append(p.Services, svc)
	}
	return p
}

func toGoBLEProperty(p device.Property) blelib.Property {
	var out blelib.Property
	if p&device.PropRead != 0 {
		out |= blelib.CharRead
	}
	if p&device.PropWriteWithoutResponse != 0 {
		out |= blelib.CharWriteNR
	}
	if p&device.PropWrite != 0 {
		out |= blelib.CharWrite
	}
	if p&device.PropNotify != 0 {
		out |= blelib.CharNotify
	}
	if p&device.PropIndicate != 0 {
		out |= blelib.CharIndicate
	}
	return out
}
