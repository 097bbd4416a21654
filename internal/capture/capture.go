package capture

import (
	"context"
	"errors"
	"image"
)

// ErrSourceClosed is returned by a source that can no longer deliver data.
// It ends the recording session.
var ErrSourceClosed = errors.New("capture source closed")

// ErrNotAuthorized is returned when a grant carries no capture authorization.
var ErrNotAuthorized = errors.New("capture not authorized")

// Channel names used for the two audio directions.
const (
	Uplink   = "ch0"
	Downlink = "ch1"
)

// AudioSource yields raw 16 kHz mono s16le PCM frames.
type AudioSource interface {
	// ReadFrame blocks until a frame is available or ctx is done.
	ReadFrame(ctx context.Context) ([]byte, error)
	Release() error
}

// ScreenSource yields screen frames.
type ScreenSource interface {
	// AcquireLatestFrame returns the newest frame not yet handed out, or nil
	// when none has arrived since the last call. It never blocks.
	AcquireLatestFrame() (image.Image, error)
	Release() error
}

// Grant is the capture authorization handed to the recorder for one session.
type Grant struct {
	// Token proves the user allowed capture. An empty token is rejected.
	Token string
	// Backend selects the capture implementation.
	Backend string
	// Screen requests a screen source in addition to audio.
	Screen bool
}

// Sources are the live capture handles of one session.
type Sources struct {
	Audio  map[string]AudioSource
	Screen ScreenSource
}

// Channels returns the audio channel names in a stable order.
func (s *Sources) Channels() []string {
	var out []string
	for _, ch := range []string{Uplink, Downlink} {
		if _, ok := s.Audio[ch]; ok {
			out = append(out, ch)
		}
	}
	for ch := range s.Audio {
		if ch != Uplink && ch != Downlink {
			out = append(out, ch)
		}
	}
	return out
}

// Release frees every source and returns the combined error.
func (s *Sources) Release() error {
	if s == nil {
		return nil
	}
	var errs []error
	for _, src := range s.Audio {
		if err := src.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Screen != nil {
		if err := s.Screen.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Acquirer opens capture sources for a grant.
type Acquirer interface {
	Acquire(ctx context.Context, grant Grant) (*Sources, error)
}
