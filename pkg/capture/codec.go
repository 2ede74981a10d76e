package capture

import (
	"encoding/binary"
	"math"
)

const (
	// BytesPerSample is the width of one PCM16 sample.
	BytesPerSample = 2

	positiveScale = 0x7FFF
	negativeScale = 0x8000
)

// EncodePCM16 clamps every sample to [-1, 1] and writes it as a signed 16-bit
// little-endian integer. Negative samples scale by 32768 and positive ones by
// 32767 so both ends of the range are reachable. dst is reused when it has
// enough capacity; the returned slice holds exactly len(samples)*2 bytes.
func EncodePCM16(dst []byte, samples []float32) []byte {
	n := len(samples) * BytesPerSample
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*BytesPerSample:], uint16(sampleToInt16(s)))
	}
	return dst
}

func sampleToInt16(s float32) int16 {
	v := float64(s)
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	if v < 0 {
		return int16(math.Round(v * negativeScale))
	}
	return int16(math.Round(v * positiveScale))
}

// DecodePCM16 is the reference inverse of EncodePCM16.
func DecodePCM16(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/BytesPerSample)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
		if v < 0 {
			out[i] = float32(v) / negativeScale
		} else {
			out[i] = float32(v) / positiveScale
		}
	}
	return out
}
