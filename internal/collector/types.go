package collector

import "time"

// SessionParams is the server's answer to a session creation request.
// Interval fields are expressed in seconds on the wire.
type SessionParams struct {
	SessionID      string  `json:"session_id"`
	AudioChunkSize float64 `json:"audio_chunk_size"`
	ImageFrequency float64 `json:"image_frequency"`
}

// AudioChunkInterval converts the negotiated chunk size to a duration.
func (p SessionParams) AudioChunkInterval() time.Duration {
	return secondsToDuration(p.AudioChunkSize)
}

// ScreenshotInterval converts the negotiated screenshot period to a duration.
func (p SessionParams) ScreenshotInterval() time.Duration {
	return secondsToDuration(p.ImageFrequency)
}

// SessionSummary is returned when a session is closed.
type SessionSummary struct {
	Message          string         `json:"message" yaml:"message"`
	SessionID        string         `json:"session_id" yaml:"session_id"`
	TotalAudioChunks int            `json:"total_audio_chunks" yaml:"total_audio_chunks"`
	ChannelChunks    map[string]int `json:"channel_chunks" yaml:"channel_chunks"`
	ImagesReceived   int            `json:"images_received" yaml:"images_received"`
	SessionDuration  string         `json:"session_duration" yaml:"session_duration"`
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
