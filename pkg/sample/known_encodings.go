package sample

import "github.com/srg/hrmon/internal/bledb"

// knownEncodings maps characteristic ids to the encoding their values use.
var knownEncodings = map[bledb.AttributeID]Encoding{
	bledb.HeartRateMeasurement: EncodingHeartRateMeasurement,
}

// EncodingFor returns the registered encoding for a characteristic id.
func EncodingFor(id bledb.AttributeID) (Encoding, bool) {
	enc, ok := knownEncodings[id]
	return enc, ok
}

// Resolve picks the encoding to decode a characteristic with: enc when specified,
// otherwise the registered one, otherwise the heart-rate measurement layout.
func Resolve(id bledb.AttributeID, enc Encoding) Encoding {
	if enc != EncodingUnspecified {
		return enc
	}
	if known, ok := EncodingFor(id); ok {
		return known
	}
	return EncodingHeartRateMeasurement
}
