package audio

import (
	"encoding/binary"
	"fmt"
)

// WAVHeaderSize is the length of the canonical RIFF/WAVE header written by EncodeWAV.
const WAVHeaderSize = 44

// Default capture format used for every channel.
const (
	DefaultSampleRate    = 16000
	DefaultChannels      = 1
	DefaultBitsPerSample = 16
)

// EncodingError reports PCM input that cannot be wrapped into a WAV container.
type EncodingError struct {
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("wav encode: %s", e.Reason)
}

// EncodeWAV wraps raw little-endian PCM bytes in a canonical 44-byte WAV header.
// The output is byte-for-byte reproducible for identical input.
func EncodeWAV(pcm []byte, sampleRate, channels, bitsPerSample int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, &EncodingError{Reason: fmt.Sprintf("sample rate %d", sampleRate)}
	}
	if channels <= 0 {
		return nil, &EncodingError{Reason: fmt.Sprintf("channel count %d", channels)}
	}
	if bitsPerSample <= 0 || bitsPerSample%8 != 0 {
		return nil, &EncodingError{Reason: fmt.Sprintf("bits per sample %d", bitsPerSample)}
	}

	blockAlign := channels * bitsPerSample / 8
	if len(pcm)%blockAlign != 0 {
		return nil, &EncodingError{Reason: fmt.Sprintf("payload of %d bytes is not a multiple of block size %d", len(pcm), blockAlign)}
	}

	dataLen := len(pcm)
	buf := make([]byte, WAVHeaderSize+dataLen)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*blockAlign)) // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bitsPerSample))
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))
	copy(buf[WAVHeaderSize:], pcm)

	return buf, nil
}
