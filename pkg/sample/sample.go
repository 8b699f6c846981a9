// Package sample decodes heart-rate notification payloads into typed samples.
//
// Decoding is pure: no state is kept between calls and every function here is
// safe for concurrent use. Decode never panics, whatever the input.
package sample

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Encoding selects how the value bytes of a payload are interpreted.
type Encoding int

const (
	// EncodingUnspecified lets the caller fall back to the characteristic's registered encoding.
	EncodingUnspecified Encoding = iota
	// EncodingHeartRateMeasurement follows the Heart Rate Measurement flags byte:
	// bit 0 picks uint8 or uint16 little-endian for the value starting at byte 1.
	EncodingHeartRateMeasurement
	// EncodingUint8 reads one byte at offset 1 regardless of flags.
	EncodingUint8
	// EncodingUint16LE reads two little-endian bytes at offset 1 regardless of flags.
	EncodingUint16LE
)

func (e Encoding) String() string {
	switch e {
	case EncodingHeartRateMeasurement:
		return "heart-rate-measurement"
	case EncodingUint8:
		return "uint8"
	case EncodingUint16LE:
		return "uint16le"
	default:
		return "unspecified"
	}
}

// ParseEncoding maps a configuration string to an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "", "auto":
		return EncodingUnspecified, nil
	case "heart-rate-measurement", "hrm":
		return EncodingHeartRateMeasurement, nil
	case "uint8":
		return EncodingUint8, nil
	case "uint16le":
		return EncodingUint16LE, nil
	default:
		return EncodingUnspecified, fmt.Errorf("invalid encoding %q (must be auto, hrm, uint8 or uint16le)", s)
	}
}

// ContactStatus is the sensor contact feature reported in flag bits 1-2.
type ContactStatus int

const (
	ContactUnsupported ContactStatus = iota
	ContactNotDetected
	ContactDetected
)

func (c ContactStatus) String() string {
	switch c {
	case ContactNotDetected:
		return "not-detected"
	case ContactDetected:
		return "detected"
	default:
		return "unsupported"
	}
}

// MarshalText renders the status name.
func (c ContactStatus) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Sample is one decoded measurement. Value is beats per minute for heart-rate payloads.
// ReceivedAt is stamped by the receiver, Decode leaves it zero.
type Sample struct {
	Value          uint16          `json:"value"`
	ReceivedAt     time.Time       `json:"received_at"`
	Contact        ContactStatus   `json:"contact,omitempty"`
	EnergyExpended *uint16         `json:"energy_expended,omitempty"`
	RRIntervals    []time.Duration `json:"rr_intervals,omitempty"`
}

// Flag bits of the Heart Rate Measurement characteristic.
const (
	flagValueUint16     = 0x01
	flagContactDetected = 0x02
	flagContactFeature  = 0x04
	flagEnergyExpended  = 0x08
	flagRRIntervals     = 0x10
)

const valueOffset = 1

var (
	// ErrTooShort is reported when a payload ends before a field its flags declare.
	ErrTooShort = errors.New("payload too short")
	// ErrUnknownEncoding is reported for Encoding values Decode does not implement.
	ErrUnknownEncoding = errors.New("unknown encoding")
)

// DecodeError describes a failed decode. It unwraps to ErrTooShort or ErrUnknownEncoding.
type DecodeError struct {
	Encoding Encoding
	Field    string
	Need     int
	Got      int
	Err      error
}

func (e *DecodeError) Error() string {
	if errors.Is(e.Err, ErrTooShort) {
		return fmt.Sprintf("decode %s: %s needs %d bytes, payload has %d", e.Encoding, e.Field, e.Need, e.Got)
	}
	return fmt.Sprintf("decode %s: %v", e.Encoding, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func tooShort(enc Encoding, field string, need, got int) error {
	return &DecodeError{Encoding: enc, Field: field, Need: need, Got: got, Err: ErrTooShort}
}

// Decode turns raw notification bytes into a Sample. Numeric range is never an error.
func Decode(raw []byte, enc Encoding) (Sample, error) {
	switch enc {
	case EncodingUint8:
		if len(raw) < valueOffset+1 {
			return Sample{}, tooShort(enc, "value", valueOffset+1, len(raw))
		}
		return Sample{Value: uint16(raw[valueOffset])}, nil
	case EncodingUint16LE:
		if len(raw) < valueOffset+2 {
			return Sample{}, tooShort(enc, "value", valueOffset+2, len(raw))
		}
		return Sample{Value: binary.LittleEndian.Uint16(raw[valueOffset:])}, nil
	case EncodingHeartRateMeasurement:
		return decodeHeartRate(raw)
	default:
		return Sample{}, &DecodeError{Encoding: enc, Err: ErrUnknownEncoding}
	}
}

func decodeHeartRate(raw []byte) (Sample, error) {
	const enc = EncodingHeartRateMeasurement
	if len(raw) == 0 {
		return Sample{}, tooShort(enc, "flags", 1, 0)
	}
	flags := raw[0]
	pos := valueOffset

	var s Sample
	if flags&flagValueUint16 != 0 {
		if len(raw) < pos+2 {
			return Sample{}, tooShort(enc, "value", pos+2, len(raw))
		}
		s.Value = binary.LittleEndian.Uint16(raw[pos:])
		pos += 2
	} else {
		if len(raw) < pos+1 {
			return Sample{}, tooShort(enc, "value", pos+1, len(raw))
		}
		s.Value = uint16(raw[pos])
		pos++
	}

	if flags&flagContactFeature != 0 {
		if flags&flagContactDetected != 0 {
			s.Contact = ContactDetected
		} else {
			s.Contact = ContactNotDetected
		}
	}

	if flags&flagEnergyExpended != 0 {
		if len(raw) < pos+2 {
			return Sample{}, tooShort(enc, "energy expended", pos+2, len(raw))
		}
		energy := binary.LittleEndian.Uint16(raw[pos:])
		s.EnergyExpended = &energy
		pos += 2
	}

	if flags&flagRRIntervals != 0 {
		// A trailing odd byte is not a whole interval and is ignored.
		for ; pos+2 <= len(raw); pos += 2 {
			s.RRIntervals = append(s.RRIntervals, rrDuration(binary.LittleEndian.Uint16(raw[pos:])))
		}
	}

	return s, nil
}

// rrDuration converts an RR interval in 1/1024 s units.
func rrDuration(v uint16) time.Duration {
	return time.Duration(v) * time.Second / 1024
}
