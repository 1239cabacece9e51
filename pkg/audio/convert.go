package audio

import (
	"encoding/binary"
	"math"
)

// FloatToInt16 converts a float sample in [-1, 1] to int16. Out-of-range
// input is clamped rather than wrapped. Negative values scale by 32768 and
// positive values by 32767 so both ends of the int16 range are reachable.
func FloatToInt16(f float32) int16 {
	if f != f { // NaN
		return 0
	}
	if f >= 1 {
		return math.MaxInt16
	}
	if f <= -1 {
		return math.MinInt16
	}
	if f < 0 {
		return int16(f * 32768)
	}
	return int16(f * 32767)
}

// Int16ToFloat converts an int16 sample to a float in [-1, 1).
func Int16ToFloat(s int16) float32 {
	return float32(s) / 32768
}

// Int16sToFloats converts a slice of int16 samples to freshly allocated
// float samples.
func Int16sToFloats(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = Int16ToFloat(s)
	}
	return out
}

// EncodePCM16 encodes samples as little-endian int16 bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM16 decodes little-endian int16 bytes. A trailing odd byte cannot
// form a sample and is ignored.
func DecodePCM16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// DecodeFloat32 decodes little-endian IEEE-754 float32 bytes, the layout
// capture devices deliver when opened in float mode. Trailing bytes that do
// not form a whole sample are ignored.
func DecodeFloat32(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

// EncodeFloat32 writes samples into dst as little-endian float32 bytes and
// returns the number of bytes written. dst must hold len(samples)*4 bytes.
func EncodeFloat32(dst []byte, samples []float32) int {
	n := 0
	for _, s := range samples {
		if n+4 > len(dst) {
			break
		}
		binary.LittleEndian.PutUint32(dst[n:], math.Float32bits(s))
		n += 4
	}
	return n
}

// ResampleMono16 resamples mono int16 samples from srcRate to dstRate using
// linear interpolation. If the rates match or are invalid, the input is
// returned unchanged.
func ResampleMono16(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstSamples := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]int16, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}
