package recorder

import (
	"sort"
	"sync"
	"time"
)

// Session is the immutable snapshot of an active recording session.
type Session struct {
	ID                 string        `json:"session_id"`
	Username           string        `json:"username"`
	ServerURL          string        `json:"server_url"`
	AudioChunkInterval time.Duration `json:"audio_chunk_interval"`
	ScreenshotInterval time.Duration `json:"screenshot_interval"`
	StartedAt          time.Time     `json:"started_at"`
}

// Chunk is one encoded audio slice. It is never modified after creation.
type Chunk struct {
	Channel   string
	Index     int
	Payload   []byte
	LocalPath string
	LevelDB   float64
}

// Screenshot is one compressed screen frame.
type Screenshot struct {
	Image      []byte
	CapturedAt time.Time
}

// ChannelCounts tallies one audio channel within a session.
type ChannelCounts struct {
	Produced int `json:"produced"`
	Uploaded int `json:"uploaded"`
	Failed   int `json:"failed"`
}

// Counters is a snapshot of the session-scoped tallies.
type Counters struct {
	Channels            map[string]ChannelCounts `json:"channels"`
	ScreenshotsUploaded int                      `json:"screenshots_uploaded"`
	ScreenshotsFailed   int                      `json:"screenshots_failed"`
	Heartbeats          int                      `json:"heartbeats"`
	HeartbeatFailures   int                      `json:"heartbeat_failures"`
}

// TotalUploaded sums uploaded chunks over all channels.
func (c Counters) TotalUploaded() int {
	total := 0
	for _, ch := range c.Channels {
		total += ch.Uploaded
	}
	return total
}

// ChannelNames returns the channels with any activity, sorted.
func (c Counters) ChannelNames() []string {
	names := make([]string, 0, len(c.Channels))
	for name := range c.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type counters struct {
	mu   sync.Mutex
	snap Counters
}

func newCounters() *counters {
	return &counters{snap: Counters{Channels: map[string]ChannelCounts{}}}
}

func (c *counters) update(fn func(*Counters)) {
	c.mu.Lock()
	fn(&c.snap)
	c.mu.Unlock()
}

func (c *counters) channel(name string, fn func(*ChannelCounts)) {
	c.update(func(s *Counters) {
		cc := s.Channels[name]
		fn(&cc)
		s.Channels[name] = cc
	})
}

func (c *counters) snapshot() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.snap
	out.Channels = make(map[string]ChannelCounts, len(c.snap.Channels))
	for k, v := range c.snap.Channels {
		out.Channels[k] = v
	}
	return out
}
