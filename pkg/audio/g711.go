// Package audio implements the PCM transcoding used by the call bridge:
// G.711 companding (μ-law and A-law, the 8 kHz encodings telephony vendors
// stream) and sample-rate conversion between the vendor's 8 kHz and the voice
// agent's 16 kHz contract.
//
// All functions operate on little-endian 16-bit linear PCM and are pure:
// no I/O, no shared state, safe for concurrent use.
package audio

// G.711 μ-law constants.
const (
	mulawBias = 0x84
	mulawClip = 32635
)

// EncodeMulawSample compands one 16-bit linear sample to 8-bit μ-law.
func EncodeMulawSample(s int16) byte {
	v := int32(s)
	sign := byte(0)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); v&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((v >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

// DecodeMulawSample expands one 8-bit μ-law sample to 16-bit linear.
func DecodeMulawSample(b byte) int16 {
	b = ^b
	t := (int32(b&0x0F) << 3) + mulawBias
	t <<= (b & 0x70) >> 4
	if b&0x80 != 0 {
		return int16(mulawBias - t)
	}
	return int16(t - mulawBias)
}

// EncodeMulaw compands little-endian 16-bit linear PCM to μ-law bytes.
func EncodeMulaw(pcm []byte) []byte {
	samples := len(pcm) / 2
	out := make([]byte, samples)
	for i := range samples {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = EncodeMulawSample(s)
	}
	return out
}

// DecodeMulaw expands μ-law bytes to little-endian 16-bit linear PCM.
func DecodeMulaw(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, b := range ulaw {
		s := DecodeMulawSample(b)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// A-law uses a different segment layout and an XOR mask of 0x55.
const alawClip = 32635

// EncodeAlawSample compands one 16-bit linear sample to 8-bit A-law.
func EncodeAlawSample(s int16) byte {
	v := int32(s)
	sign := byte(0x80)
	if v < 0 {
		v = -v - 1
		sign = 0
	}
	if v > alawClip {
		v = alawClip
	}

	var out byte
	if v >= 256 {
		exponent := byte(7)
		for mask := int32(0x4000); v&mask == 0 && exponent > 1; mask >>= 1 {
			exponent--
		}
		mantissa := byte((v >> (exponent + 3)) & 0x0F)
		out = exponent<<4 | mantissa
	} else {
		out = byte(v >> 4)
	}
	return (out | sign) ^ 0x55
}

// DecodeAlawSample expands one 8-bit A-law sample to 16-bit linear.
func DecodeAlawSample(b byte) int16 {
	b ^= 0x55
	t := int32(b&0x0F) << 4
	seg := (b & 0x70) >> 4
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if b&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}

// EncodeAlaw compands little-endian 16-bit linear PCM to A-law bytes.
func EncodeAlaw(pcm []byte) []byte {
	samples := len(pcm) / 2
	out := make([]byte, samples)
	for i := range samples {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = EncodeAlawSample(s)
	}
	return out
}

// DecodeAlaw expands A-law bytes to little-endian 16-bit linear PCM.
func DecodeAlaw(alaw []byte) []byte {
	out := make([]byte, len(alaw)*2)
	for i, b := range alaw {
		s := DecodeAlawSample(b)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
