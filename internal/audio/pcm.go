package audio

import (
	"encoding/binary"
	"math"
)

// SilenceDB is reported for empty or all-zero PCM.
const SilenceDB = -100

func decodePCM(data []byte) []float32 {
	n := len(data) / 2
	samples := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(s) / math.MaxInt16
	}
	return samples
}

// EnergyDB returns the RMS level of 16-bit little-endian PCM in dBFS.
func EnergyDB(pcm []byte) float64 {
	samples := decodePCM(pcm)
	if len(samples) == 0 {
		return SilenceDB
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms < 1e-10 {
		return SilenceDB
	}
	return 20 * math.Log10(rms)
}

// Silence returns ms milliseconds of 16-bit mono silence at sampleRate.
func Silence(ms, sampleRate int) []byte {
	return make([]byte, sampleRate*ms/1000*2)
}

// Tone returns ms milliseconds of a 16-bit mono sine wave at freq Hz and half scale.
// phase is the starting sample offset so consecutive calls stay continuous.
func Tone(freq float64, ms, sampleRate, phase int) []byte {
	n := sampleRate * ms / 1000
	buf := make([]byte, n*2)
	for i := range n {
		t := float64(phase+i) / float64(sampleRate)
		v := int16(0.5 * math.MaxInt16 * math.Sin(2*math.Pi*freq*t))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}
