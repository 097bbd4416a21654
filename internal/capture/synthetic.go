package capture

import (
	"context"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/tengta119/VoipRecord/internal/audio"
)

// FrameDuration is the length of one audio frame delivered by the built-in backends.
const FrameDuration = 20 * time.Millisecond

// FrameBytes is the size of one 16 kHz mono s16le frame.
const FrameBytes = audio.DefaultSampleRate * int(FrameDuration/time.Millisecond) / 1000 * 2

// Synthetic produces generated audio and screen frames in real time. It backs
// demos, the doctor command and tests that need no devices.
type Synthetic struct {
	// Tones per channel in Hz. A zero or missing entry yields silence.
	Tones map[string]float64
	// ScreenFPS controls how often a new screen frame becomes available.
	ScreenFPS float64
	Width     int
	Height    int
}

// NewSynthetic returns a backend with distinct tones on uplink and downlink.
func NewSynthetic() *Synthetic {
	return &Synthetic{
		Tones:     map[string]float64{Uplink: 440, Downlink: 660},
		ScreenFPS: 1,
		Width:     320,
		Height:    240,
	}
}

func (s *Synthetic) Acquire(_ context.Context, grant Grant) (*Sources, error) {
	if grant.Token == "" {
		return nil, ErrNotAuthorized
	}
	srcs := &Sources{Audio: map[string]AudioSource{}}
	for _, ch := range []string{Uplink, Downlink} {
		srcs.Audio[ch] = newToneSource(s.Tones[ch])
	}
	if grant.Screen {
		srcs.Screen = newPatternScreen(s.Width, s.Height, s.ScreenFPS)
	}
	return srcs, nil
}

type toneSource struct {
	freq   float64
	ticker *time.Ticker
	phase  int

	mu       sync.Mutex
	released bool
	done     chan struct{}
}

func newToneSource(freq float64) *toneSource {
	return &toneSource{
		freq:   freq,
		ticker: time.NewTicker(FrameDuration),
		done:   make(chan struct{}),
	}
}

func (t *toneSource) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrSourceClosed
	case <-t.ticker.C:
	}

	ms := int(FrameDuration / time.Millisecond)
	if t.freq <= 0 {
		return audio.Silence(ms, audio.DefaultSampleRate), nil
	}
	frame := audio.Tone(t.freq, ms, audio.DefaultSampleRate, t.phase)
	t.phase += len(frame) / 2
	return frame, nil
}

func (t *toneSource) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return nil
	}
	t.released = true
	t.ticker.Stop()
	close(t.done)
	return nil
}

type patternScreen struct {
	width, height int
	interval      time.Duration
	mu            sync.Mutex
	last          time.Time
	seq           int
}

func newPatternScreen(w, h int, fps float64) *patternScreen {
	interval := time.Second
	if fps > 0 {
		interval = time.Duration(float64(time.Second) / fps)
	}
	return &patternScreen{width: w, height: h, interval: interval}
}

func (p *patternScreen) AcquireLatestFrame() (image.Image, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if !p.last.IsZero() && now.Sub(p.last) < p.interval {
		return nil, nil
	}
	p.last = now
	p.seq++

	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	shift := uint8(p.seq * 16)
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x) + shift, G: uint8(y), B: shift, A: 0xff})
		}
	}
	return img, nil
}

func (p *patternScreen) Release() error { return nil }
