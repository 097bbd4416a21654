package capture

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/tengta119/VoipRecord/internal/audio"
)

// FFmpegConfig describes the ffmpeg inputs for each capture stream.
type FFmpegConfig struct {
	Binary         string
	AudioFormat    string // e.g. pulse, alsa, avfoundation
	UplinkDevice   string
	DownlinkDevice string
	ScreenFormat   string // e.g. x11grab, avfoundation
	ScreenDevice   string
	ScreenFPS      float64
}

// FFmpeg captures through ffmpeg child processes: one per audio channel, plus
// one grabbing the screen as a PNG stream.
type FFmpeg struct {
	cfg FFmpegConfig
}

func NewFFmpeg(cfg FFmpegConfig) *FFmpeg {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.ScreenFPS <= 0 {
		cfg.ScreenFPS = 1
	}
	return &FFmpeg{cfg: cfg}
}

// CheckFFmpeg reports whether the configured binary is on PATH.
func (f *FFmpeg) CheckFFmpeg() error {
	if _, err := exec.LookPath(f.cfg.Binary); err != nil {
		return errors.Errorf("%s not found on PATH", f.cfg.Binary)
	}
	return nil
}

func (f *FFmpeg) Acquire(_ context.Context, grant Grant) (*Sources, error) {
	if grant.Token == "" {
		return nil, ErrNotAuthorized
	}
	if err := f.CheckFFmpeg(); err != nil {
		return nil, err
	}

	srcs := &Sources{Audio: map[string]AudioSource{}}
	devices := map[string]string{Uplink: f.cfg.UplinkDevice, Downlink: f.cfg.DownlinkDevice}
	for _, ch := range []string{Uplink, Downlink} {
		if devices[ch] == "" {
			continue
		}
		src, err := f.startAudio(ch, devices[ch])
		if err != nil {
			srcs.Release()
			return nil, err
		}
		srcs.Audio[ch] = src
	}
	if len(srcs.Audio) == 0 {
		return nil, errors.New("no audio devices configured")
	}

	if grant.Screen && f.cfg.ScreenDevice != "" {
		scr, err := f.startScreen()
		if err != nil {
			srcs.Release()
			return nil, err
		}
		srcs.Screen = scr
	}
	return srcs, nil
}

// AudioArgs builds the ffmpeg arguments that stream device as raw PCM to stdout.
func (f *FFmpeg) AudioArgs(device string) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if f.cfg.AudioFormat != "" {
		args = append(args, "-f", f.cfg.AudioFormat)
	}
	return append(args,
		"-i", device,
		"-ac", strconv.Itoa(audio.DefaultChannels),
		"-ar", strconv.Itoa(audio.DefaultSampleRate),
		"-f", "s16le",
		"-",
	)
}

// ScreenArgs builds the ffmpeg arguments that stream the screen as PNG images.
func (f *FFmpeg) ScreenArgs() []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if f.cfg.ScreenFormat != "" {
		args = append(args, "-f", f.cfg.ScreenFormat)
	}
	return append(args,
		"-i", f.cfg.ScreenDevice,
		"-vf", fmt.Sprintf("fps=%g", f.cfg.ScreenFPS),
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	)
}

func (f *FFmpeg) startAudio(channel, device string) (*streamSource, error) {
	cmd := exec.Command(f.cfg.Binary, f.AudioArgs(device)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "ffmpeg stdout")
	}
	if err = cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start ffmpeg for %s", channel)
	}
	slog.Info("audio capture started", "channel", channel, "device", device, "pid", cmd.Process.Pid)
	return newStreamSource(stdout, FrameBytes, func(drained <-chan struct{}) error { return stopProcess(cmd, drained) }), nil
}

func (f *FFmpeg) startScreen() (*pngScreen, error) {
	cmd := exec.Command(f.cfg.Binary, f.ScreenArgs()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "ffmpeg stdout")
	}
	if err = cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "start ffmpeg screen grab")
	}
	slog.Info("screen capture started", "device", f.cfg.ScreenDevice, "pid", cmd.Process.Pid)
	return newPNGScreen(stdout, func(drained <-chan struct{}) error { return stopProcess(cmd, drained) }), nil
}

// stopProcess kills cmd and reaps it once the stdout reader has returned;
// Wait closes the pipe, so it must not run while a read is in progress.
func stopProcess(cmd *exec.Cmd, drained <-chan struct{}) error {
	if cmd.Process == nil {
		return nil
	}
	_ = cmd.Process.Kill()
	<-drained
	_ = cmd.Wait()
	return nil
}

// stopFunc ends the producer of a stream. drained is closed once the pump
// goroutine has stopped reading.
type stopFunc func(drained <-chan struct{}) error

// streamSource cuts a byte stream into fixed-size frames on a pump goroutine
// so that ReadFrame can honour its context.
type streamSource struct {
	frames  chan []byte
	done    chan struct{}
	drained chan struct{}
	stop    stopFunc

	once sync.Once
	err  error
}

func newStreamSource(r io.Reader, frameSize int, stop stopFunc) *streamSource {
	s := &streamSource{
		frames:  make(chan []byte, 64),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
		stop:    stop,
	}
	go s.pump(r, frameSize)
	return s
}

func (s *streamSource) pump(r io.Reader, frameSize int) {
	defer close(s.drained)
	defer close(s.frames)
	br := bufio.NewReaderSize(r, frameSize*8)
	for {
		frame := make([]byte, frameSize)
		n, err := io.ReadFull(br, frame)
		if n > 0 && n%2 == 0 {
			select {
			case s.frames <- frame[:n]:
			case <-s.done:
				return
			}
		}
		if err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				slog.Warn("capture stream read failed", "error", err)
			}
			return
		}
	}
}

func (s *streamSource) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-s.frames:
		if !ok {
			return nil, ErrSourceClosed
		}
		return frame, nil
	}
}

func (s *streamSource) Release() error {
	s.once.Do(func() {
		close(s.done)
		if s.stop != nil {
			s.err = s.stop(s.drained)
		}
	})
	return s.err
}

// pngScreen decodes a concatenated PNG stream and keeps only the newest frame.
// Once the stream ends and the last frame has been taken, it reports
// ErrSourceClosed.
type pngScreen struct {
	mu     sync.Mutex
	latest image.Image
	ended  bool

	drained chan struct{}
	stop    stopFunc
	once    sync.Once
	err     error
}

func newPNGScreen(r io.Reader, stop stopFunc) *pngScreen {
	p := &pngScreen{stop: stop, drained: make(chan struct{})}
	go p.pump(r)
	return p
}

func (p *pngScreen) pump(r io.Reader) {
	defer close(p.drained)
	defer func() {
		p.mu.Lock()
		p.ended = true
		p.mu.Unlock()
	}()
	br := bufio.NewReader(r)
	for {
		img, err := png.Decode(br)
		if err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				slog.Warn("screen stream decode failed", "error", err)
			}
			return
		}
		p.mu.Lock()
		p.latest = img
		p.mu.Unlock()
	}
}

func (p *pngScreen) AcquireLatestFrame() (image.Image, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	img := p.latest
	p.latest = nil
	if img == nil && p.ended {
		return nil, ErrSourceClosed
	}
	return img, nil
}

func (p *pngScreen) Release() error {
	p.once.Do(func() {
		if p.stop != nil {
			p.err = p.stop(p.drained)
		}
	})
	return p.err
}
