package media

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	NALTypeSlice = 1
	NALTypeIDR   = 5
	NALTypeSEI   = 6
	NALTypeSPS   = 7
	NALTypePPS   = 8
	NALTypeAUD   = 9
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// StripStartCode removes a single leading Annex B start code from a NAL
// payload. Both 3-byte (0x000001) and 4-byte (0x00000001) forms are
// recognized. Payloads without a start code are returned unchanged.
func StripStartCode(payload []byte) []byte {
	if len(payload) >= 4 && payload[0] == 0 && payload[1] == 0 && payload[2] == 0 && payload[3] == 1 {
		return payload[4:]
	}
	if len(payload) >= 3 && payload[0] == 0 && payload[1] == 0 && payload[2] == 1 {
		return payload[3:]
	}
	return payload
}

// NALType returns the 5-bit NAL unit type from the first byte of a
// start-code-free NAL payload, or 0 for an empty payload.
func NALType(payload []byte) byte {
	if len(payload) == 0 {
		return 0
	}
	return payload[0] & 0x1F
}

// ValidNAL reports whether a start-code-free payload carries a usable
// NAL unit: non-empty, forbidden_zero_bit clear, and a non-zero type.
func ValidNAL(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	if payload[0]&0x80 != 0 {
		return false
	}
	return NALType(payload) != 0
}

// IsKeyframe returns true if the NAL type is an IDR slice (type 5).
func IsKeyframe(nalType byte) bool {
	return nalType == NALTypeIDR
}

// IsSPS returns true if the NAL type is SPS (type 7).
func IsSPS(nalType byte) bool {
	return nalType == NALTypeSPS
}

// IsPPS returns true if the NAL type is PPS (type 8).
func IsPPS(nalType byte) bool {
	return nalType == NALTypePPS
}

// Framing names the strategy used to re-apply Annex B framing when a
// buffered video payload is written to a sink. The two adapters frame
// their fallback output differently and the strategies are deliberately
// kept distinct rather than unified.
type Framing int

const (
	// FramingAnnexB prefixes each NAL with a 4-byte start code. Used by
	// the peer-connection adapter.
	FramingAnnexB Framing = iota

	// FramingAnnexBAUD prefixes each NAL with an access-unit delimiter
	// NAL followed by the payload, each with a 4-byte start code. Used
	// by the legacy tunnel adapter.
	FramingAnnexBAUD
)

// audNAL is a complete access-unit delimiter (primary_pic_type = any).
var audNAL = []byte{0x09, 0xF0}

// Apply returns the payload with this strategy's framing applied. The
// input must be start-code free; the result is safe to write to a sink.
func (f Framing) Apply(payload []byte) []byte {
	switch f {
	case FramingAnnexBAUD:
		out := make([]byte, 0, len(startCode)*2+len(audNAL)+len(payload))
		out = append(out, startCode...)
		out = append(out, audNAL...)
		out = append(out, startCode...)
		out = append(out, payload...)
		return out
	default:
		out := make([]byte, 0, len(startCode)+len(payload))
		out = append(out, startCode...)
		out = append(out, payload...)
		return out
	}
}

// String returns the strategy name for logging.
func (f Framing) String() string {
	if f == FramingAnnexBAUD {
		return "annexb-aud"
	}
	return "annexb"
}
