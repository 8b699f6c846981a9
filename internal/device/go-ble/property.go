package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/hrmon/internal/device"
)

var propertyBits = []struct {
	ble ble.Property
	dev device.Property
}{
	{ble.CharRead, device.PropRead},
	{ble.CharWriteNR, device.PropWriteWithoutResponse},
	{ble.CharWrite, device.PropWrite},
	{ble.CharNotify, device.PropNotify},
	{ble.CharIndicate, device.PropIndicate},
}

// convertProperties maps go-ble property flags onto device.Property. Broadcast,
// signed-write and extended-property bits have no counterpart and are dropped.
func convertProperties(p ble.Property) device.Property {
	var out device.Property
	for _, b := range propertyBits {
		if p&b.ble != 0 {
			out |= b.dev
		}
	}
	return out
}
