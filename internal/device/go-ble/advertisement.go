package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/hrmon/internal/bledb"
	"github.com/srg/hrmon/internal/device"
)

// convertAdvertisement copies the fields the scan session needs out of a go-ble
// advertisement. Service UUIDs go-ble reports but bledb cannot parse are skipped.
func convertAdvertisement(adv ble.Advertisement) device.Advertisement {
	out := device.Advertisement{
		Name:        adv.LocalName(),
		RSSI:        adv.RSSI(),
		Connectable: adv.Connectable(),
	}
	if addr := adv.Addr(); addr != nil {
		out.ID = addr.String()
	}
	out.Services = convertUUIDs(adv.Services())
	return out
}

func convertUUIDs(uuids []ble.UUID) []bledb.AttributeID {
	if len(uuids) == 0 {
		return nil
	}
	out := make([]bledb.AttributeID, 0, len(uuids))
	for _, u := range uuids {
		if id, err := bledb.ParseAttributeID(u.String()); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func convertUUID(u ble.UUID) bledb.AttributeID {
	id, _ := bledb.ParseAttributeID(u.String())
	return id
}
