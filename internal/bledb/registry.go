package bledb

import "sort"

// AttributeRole is the part a known attribute plays in the heart-rate flow.
type AttributeRole int

const (
	RoleUnknown AttributeRole = iota
	RoleHeartRateMeasurement
	RoleClientCharacteristicConfig
)

func (r AttributeRole) String() string {
	switch r {
	case RoleHeartRateMeasurement:
		return "HeartRateMeasurement"
	case RoleClientCharacteristicConfig:
		return "ClientCharacteristicConfig"
	default:
		return "Unknown"
	}
}

// Kind classifies a table entry.
type Kind string

const (
	KindService        Kind = "service"
	KindCharacteristic Kind = "characteristic"
	KindDescriptor     Kind = "descriptor"
)

// Well-known attribute ids.
var (
	GenericAccess           = UUID16(0x1800)
	GenericAttribute        = UUID16(0x1801)
	DeviceInformation       = UUID16(0x180a)
	HeartRateService        = UUID16(0x180d)
	BatteryService          = UUID16(0x180f)
	DeviceName              = UUID16(0x2a00)
	Appearance              = UUID16(0x2a01)
	BatteryLevel            = UUID16(0x2a19)
	ManufacturerNameString  = UUID16(0x2a29)
	HeartRateMeasurement    = UUID16(0x2a37)
	BodySensorLocation      = UUID16(0x2a38)
	HeartRateControlPoint   = UUID16(0x2a39)
	CharacteristicExtProps  = UUID16(0x2900)
	CharacteristicUserDesc  = UUID16(0x2901)
	ClientCharacteristicCfg = UUID16(0x2902)
	ServerCharacteristicCfg = UUID16(0x2903)
	PresentationFormat      = UUID16(0x2904)
)

// Entry is one row of the attribute table.
type Entry struct {
	ID   AttributeID   `json:"uuid"`
	Name string        `json:"name"`
	Kind Kind          `json:"kind"`
	Role AttributeRole `json:"-"`
}

var entries = []Entry{
	{ID: GenericAccess, Name: "Generic Access", Kind: KindService},
	{ID: GenericAttribute, Name: "Generic Attribute", Kind: KindService},
	{ID: DeviceInformation, Name: "Device Information", Kind: KindService},
	{ID: HeartRateService, Name: "Heart Rate", Kind: KindService},
	{ID: BatteryService, Name: "Battery Service", Kind: KindService},
	{ID: DeviceName, Name: "Device Name", Kind: KindCharacteristic},
	{ID: Appearance, Name: "Appearance", Kind: KindCharacteristic},
	{ID: BatteryLevel, Name: "Battery Level", Kind: KindCharacteristic},
	{ID: ManufacturerNameString, Name: "Manufacturer Name String", Kind: KindCharacteristic},
	{ID: HeartRateMeasurement, Name: "Heart Rate Measurement", Kind: KindCharacteristic, Role: RoleHeartRateMeasurement},
	{ID: BodySensorLocation, Name: "Body Sensor Location", Kind: KindCharacteristic},
	{ID: HeartRateControlPoint, Name: "Heart Rate Control Point", Kind: KindCharacteristic},
	{ID: CharacteristicExtProps, Name: "Characteristic Extended Properties", Kind: KindDescriptor},
	{ID: CharacteristicUserDesc, Name: "Characteristic User Description", Kind: KindDescriptor},
	{ID: ClientCharacteristicCfg, Name: "Client Characteristic Configuration", Kind: KindDescriptor, Role: RoleClientCharacteristicConfig},
	{ID: ServerCharacteristicCfg, Name: "Server Characteristic Configuration", Kind: KindDescriptor},
	{ID: PresentationFormat, Name: "Characteristic Presentation Format", Kind: KindDescriptor},
}

var byID = func() map[AttributeID]Entry {
	m := make(map[AttributeID]Entry, len(entries))
	for _, e := range entries {
		m[e.ID] = e
	}
	return m
}()

// Resolve maps an attribute id to its role. Unknown ids report false;
// that is not an error.
func Resolve(id AttributeID) (AttributeRole, bool) {
	e, ok := byID[id]
	if !ok || e.Role == RoleUnknown {
		return RoleUnknown, false
	}
	return e.Role, true
}

// Lookup returns the table entry for id.
func Lookup(id AttributeID) (Entry, bool) {
	e, ok := byID[id]
	return e, ok
}

// Name returns the human-readable name for id, or "" when unknown.
func Name(id AttributeID) string {
	return byID[id].Name
}

// LookupService returns the service name for a UUID string in any supported form.
func LookupService(s string) string {
	return lookupKind(s, KindService)
}

// LookupCharacteristic returns the characteristic name for a UUID string in any supported form.
func LookupCharacteristic(s string) string {
	return lookupKind(s, KindCharacteristic)
}

// LookupDescriptor returns the descriptor name for a UUID string in any supported form.
func LookupDescriptor(s string) string {
	return lookupKind(s, KindDescriptor)
}

func lookupKind(s string, kind Kind) string {
	id, err := ParseAttributeID(s)
	if err != nil {
		return ""
	}
	e, ok := byID[id]
	if !ok || e.Kind != kind {
		return ""
	}
	return e.Name
}

// Entries returns a copy of the table ordered by kind, then by UUID.
func Entries() []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	rank := map[Kind]int{KindService: 0, KindCharacteristic: 1, KindDescriptor: 2}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return rank[out[i].Kind] < rank[out[j].Kind]
		}
		return out[i].ID.Short() < out[j].ID.Short()
	})
	return out
}
