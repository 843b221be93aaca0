package media

// G.711 µ-law to 16-bit linear PCM decoding. Both adapters normalize
// camera audio to little-endian PCM16 before it enters the packet
// format, so sinks never see the wire codec.

var muLawTable = buildMuLawTable()

func buildMuLawTable() [256]int16 {
	var table [256]int16
	for i := 0; i < 256; i++ {
		u := ^byte(i)
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		sample := (int16(mantissa)<<3 + 0x84) << exponent
		sample -= 0x84
		if sign != 0 {
			sample = -sample
		}
		table[i] = sample
	}
	return table
}

// DecodeMuLaw converts a G.711 µ-law byte stream to little-endian
// 16-bit linear PCM. The result is twice the input length.
func DecodeMuLaw(data []byte) []byte {
	out := make([]byte, len(data)*2)
	for i, b := range data {
		s := muLawTable[b]
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

// SilencePCM returns n samples of 16-bit linear PCM silence.
func SilencePCM(n int) []byte {
	return make([]byte, n*2)
}
