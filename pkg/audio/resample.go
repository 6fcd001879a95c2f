package audio

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples. If
// srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// Upsample8kTo16k doubles the sample count of 16-bit mono PCM by inserting a
// linearly interpolated sample between each adjacent pair. The telephony leg
// runs at 8 kHz; the agent contract is 16 kHz.
func Upsample8kTo16k(pcm []byte) []byte {
	samples := len(pcm) / 2
	if samples == 0 {
		return nil
	}
	out := make([]byte, samples*4)
	for i := range samples {
		s0 := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		s1 := s0
		if i+1 < samples {
			s1 = int16(pcm[(i+1)*2]) | int16(pcm[(i+1)*2+1])<<8
		}
		mid := int16((int32(s0) + int32(s1)) / 2)

		out[i*4] = byte(s0)
		out[i*4+1] = byte(s0 >> 8)
		out[i*4+2] = byte(mid)
		out[i*4+3] = byte(mid >> 8)
	}
	return out
}

// Downsample16kTo8k halves the sample count of 16-bit mono PCM by decimation,
// keeping every second sample.
func Downsample16kTo8k(pcm []byte) []byte {
	samples := len(pcm) / 2
	out := make([]byte, (samples/2)*2)
	for i := 0; i < samples/2; i++ {
		out[i*2] = pcm[i*4]
		out[i*2+1] = pcm[i*4+1]
	}
	return out
}
