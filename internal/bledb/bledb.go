// Package bledb holds the static GATT attribute tables used to identify
// services, characteristics and descriptors by their 128-bit UUIDs.
package bledb

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// sigBase is the Bluetooth SIG base UUID (0000xxxx-0000-1000-8000-00805f9b34fb).
var sigBase = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// AttributeID is a 128-bit GATT attribute UUID. Values compare with ==.
type AttributeID uuid.UUID

// UUID16 expands a 16-bit SIG-assigned number onto the SIG base UUID.
func UUID16(v uint16) AttributeID {
	return UUID32(uint32(v))
}

// UUID32 expands a 32-bit SIG-assigned number onto the SIG base UUID.
func UUID32(v uint32) AttributeID {
	id := sigBase
	binary.BigEndian.PutUint32(id[:4], v)
	return AttributeID(id)
}

// ParseAttributeID parses a UUID in any of the forms accepted by NormalizeUUID:
// 16-bit ("2a37", "0x2A37"), 32-bit, or full 128-bit with or without dashes and braces.
func ParseAttributeID(s string) (AttributeID, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	raw = strings.Trim(raw, "{}")
	raw = strings.TrimPrefix(raw, "0x")
	raw = strings.ReplaceAll(raw, "-", "")

	switch len(raw) {
	case 4, 8:
		var v uint32
		if _, err := fmt.Sscanf(raw, "%x", &v); err != nil || !isHex(raw) {
			return AttributeID{}, fmt.Errorf("invalid attribute UUID %q", s)
		}
		return UUID32(v), nil
	case 32:
		id, err := uuid.Parse(raw)
		if err != nil {
			return AttributeID{}, fmt.Errorf("invalid attribute UUID %q: %w", s, err)
		}
		return AttributeID(id), nil
	default:
		return AttributeID{}, fmt.Errorf("invalid attribute UUID %q", s)
	}
}

// MustParseAttributeID is like ParseAttributeID but panics on malformed input.
// Intended for package-level tables.
func MustParseAttributeID(s string) AttributeID {
	id, err := ParseAttributeID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// IsZero reports whether the id is the all-zero UUID.
func (id AttributeID) IsZero() bool {
	return id == AttributeID{}
}

// Assigned returns the 32-bit SIG-assigned number when the id sits on the SIG base.
func (id AttributeID) Assigned() (uint32, bool) {
	if [12]byte(id[4:]) != [12]byte(sigBase[4:]) {
		return 0, false
	}
	return binary.BigEndian.Uint32(id[:4]), true
}

// String returns the canonical dashed 128-bit form.
func (id AttributeID) String() string {
	return uuid.UUID(id).String()
}

// Short returns the normalized form: 4 hex digits for 16-bit SIG ids,
// otherwise the 32 hex digits without dashes.
func (id AttributeID) Short() string {
	if v, ok := id.Assigned(); ok {
		if v <= 0xffff {
			return fmt.Sprintf("%04x", v)
		}
		return fmt.Sprintf("%08x", v)
	}
	return strings.ReplaceAll(id.String(), "-", "")
}

// MarshalText renders the short form so ids read naturally in JSON and YAML.
func (id AttributeID) MarshalText() ([]byte, error) {
	return []byte(id.Short()), nil
}

// UnmarshalText accepts any form understood by ParseAttributeID.
func (id *AttributeID) UnmarshalText(b []byte) error {
	parsed, err := ParseAttributeID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// NormalizeUUID converts a UUID string to lowercase without dashes, braces or 0x prefix.
// SIG base UUIDs collapse to their 16-bit short form. Unparseable input is returned
// lowercased and stripped, so callers can still use it as a lookup key.
func NormalizeUUID(s string) string {
	id, err := ParseAttributeID(s)
	if err != nil {
		raw := strings.ToLower(strings.TrimSpace(s))
		raw = strings.Trim(raw, "{}")
		raw = strings.TrimPrefix(raw, "0x")
		return strings.ReplaceAll(raw, "-", "")
	}
	return id.Short()
}

// NormalizeUUIDs normalizes every element of uuids.
func NormalizeUUIDs(uuids []string) []string {
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = NormalizeUUID(u)
	}
	return out
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
