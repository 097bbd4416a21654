package audio

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWAV_EmptyPayload(t *testing.T) {
	out, err := EncodeWAV(nil, 16000, 1, 16)
	require.NoError(t, err)

	require.Len(t, out, WAVHeaderSize)
	assert.Equal(t, "RIFF", string(out[0:4]))
	assert.Equal(t, uint32(36), binary.LittleEndian.Uint32(out[4:8]))
	assert.Equal(t, "WAVE", string(out[8:12]))
	assert.Equal(t, "data", string(out[36:40]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(out[40:44]))
}

func TestEncodeWAV_HeaderFields(t *testing.T) {
	pcm := Tone(440, 250, 16000, 0)
	out, err := EncodeWAV(pcm, 16000, 1, 16)
	require.NoError(t, err)

	n := len(pcm)
	require.Len(t, out, n+44)
	assert.Equal(t, uint32(n+36), binary.LittleEndian.Uint32(out[4:8]))
	assert.Equal(t, uint32(16), binary.LittleEndian.Uint32(out[16:20]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(out[20:22]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(out[22:24]))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(out[24:28]))
	assert.Equal(t, uint32(32000), binary.LittleEndian.Uint32(out[28:32]))
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(out[32:34]))
	assert.Equal(t, uint16(16), binary.LittleEndian.Uint16(out[34:36]))
	assert.Equal(t, uint32(n), binary.LittleEndian.Uint32(out[40:44]))
	assert.Equal(t, pcm, out[44:])

	// header sizes are recomputable from the output length alone
	assert.Equal(t, uint32(len(out)-8), binary.LittleEndian.Uint32(out[4:8]))
	assert.Equal(t, uint32(len(out)-44), binary.LittleEndian.Uint32(out[40:44]))
}

func TestEncodeWAV_Reproducible(t *testing.T) {
	pcm := Tone(1000, 100, 16000, 7)
	a, err := EncodeWAV(pcm, 16000, 1, 16)
	require.NoError(t, err)
	b, err := EncodeWAV(pcm, 16000, 1, 16)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b))
}

func TestEncodeWAV_DecodesWithGoAudio(t *testing.T) {
	pcm := Tone(300, 500, 16000, 0)
	out, err := EncodeWAV(pcm, 16000, 1, 16)
	require.NoError(t, err)

	dec := wav.NewDecoder(bytes.NewReader(out))
	require.True(t, dec.IsValidFile())
	assert.Equal(t, uint32(16000), dec.SampleRate)
	assert.Equal(t, uint16(1), dec.NumChans)
	assert.Equal(t, uint16(16), dec.BitDepth)

	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.Len(t, buf.Data, len(pcm)/2)
}

func TestEncodeWAV_Rejects(t *testing.T) {
	tests := []struct {
		name       string
		pcm        []byte
		rate, ch   int
		bitsPerSmp int
	}{
		{"zero rate", []byte{0, 0}, 0, 1, 16},
		{"zero channels", []byte{0, 0}, 16000, 0, 16},
		{"odd bit depth", []byte{0, 0}, 16000, 1, 12},
		{"misaligned payload", []byte{0, 0, 0}, 16000, 1, 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeWAV(tt.pcm, tt.rate, tt.ch, tt.bitsPerSmp)
			var encErr *EncodingError
			assert.ErrorAs(t, err, &encErr)
		})
	}
}

func TestEnergyDB(t *testing.T) {
	assert.Equal(t, float64(SilenceDB), EnergyDB(nil))
	assert.Equal(t, float64(SilenceDB), EnergyDB(Silence(100, 16000)))

	// half-scale sine has RMS 0.5/sqrt(2), about -9 dBFS
	level := EnergyDB(Tone(440, 1000, 16000, 0))
	assert.InDelta(t, -9.03, level, 0.2)
}

func TestSilenceLength(t *testing.T) {
	assert.Len(t, Silence(250, 16000), 8000)
}
