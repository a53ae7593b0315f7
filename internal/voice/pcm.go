package voice

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	// CaptureRate is the sample rate streamed to the provider.
	CaptureRate = 16000
	// PlaybackRate is the sample rate of the provider's audio.
	PlaybackRate = 24000
	// FrameSamples is the number of samples in one captured frame.
	FrameSamples = 1024
)

// FloatToPCM16 converts a sample in [-1, 1] to a signed 16-bit value, clipping anything outside the range.
func FloatToPCM16(s float32) int16 {
	switch {
	case s >= 1:
		return 32767
	case s <= -1:
		return -32767
	}
	return int16(s * 32767)
}

// EncodePCM16 packs samples as little-endian bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// DecodePCM16 unpacks little-endian bytes. A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

// DecodeFloat32 unpacks little-endian IEEE 754 samples, as sent by a browser AudioWorklet.
func DecodeFloat32(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out
}

// PCMDuration is how long len bytes of 16-bit mono audio last at rate.
func PCMDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	samples := int64(n / 2)
	return time.Duration(samples * int64(time.Second) / int64(rate))
}
