package ledger

import "time"

// Chunk states recorded in the ledger.
const (
	StatusPersisted = "persisted"
	StatusUploaded  = "uploaded"
	StatusFailed    = "failed"
)

// Session is one recording session as seen locally.
type Session struct {
	ID                 string        `json:"id" yaml:"id"`
	Username           string        `json:"username" yaml:"username"`
	ServerURL          string        `json:"server_url" yaml:"server_url"`
	AudioChunkInterval time.Duration `json:"audio_chunk_interval" yaml:"audio_chunk_interval"`
	ScreenshotInterval time.Duration `json:"screenshot_interval" yaml:"screenshot_interval"`
	StartedAt          time.Time     `json:"started_at" yaml:"started_at"`
	EndedAt            *time.Time    `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
	ServerChunks       *int          `json:"server_chunks,omitempty" yaml:"server_chunks,omitempty"`
	ServerImages       *int          `json:"server_images,omitempty" yaml:"server_images,omitempty"`
	Summary            string        `json:"summary,omitempty" yaml:"summary,omitempty"`

	ChunksUploaded int `json:"chunks_uploaded" yaml:"chunks_uploaded"`
	ChunksFailed   int `json:"chunks_failed" yaml:"chunks_failed"`
	Screenshots    int `json:"screenshots" yaml:"screenshots"`
}

// Chunk is the local record of one audio chunk.
type Chunk struct {
	SessionID string    `json:"session_id" yaml:"session_id"`
	Channel   string    `json:"channel" yaml:"channel"`
	Index     int       `json:"index" yaml:"index"`
	Path      string    `json:"path,omitempty" yaml:"path,omitempty"`
	SizeBytes int64     `json:"size_bytes" yaml:"size_bytes"`
	LevelDB   float64   `json:"level_db" yaml:"level_db"`
	Status    string    `json:"status" yaml:"status"`
	Error     string    `json:"error,omitempty" yaml:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Screenshot is the local record of one screenshot upload attempt.
type Screenshot struct {
	SessionID  string    `json:"session_id" yaml:"session_id"`
	SizeBytes  int64     `json:"size_bytes" yaml:"size_bytes"`
	Status     string    `json:"status" yaml:"status"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
	CapturedAt time.Time `json:"captured_at" yaml:"captured_at"`
}
