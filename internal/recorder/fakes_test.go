package recorder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tengta119/VoipRecord/internal/capture"
	"github.com/tengta119/VoipRecord/internal/collector"
	"github.com/tengta119/VoipRecord/internal/state"
	"github.com/tengta119/VoipRecord/internal/storage"
)

type fakeAudio struct {
	frame []byte
	pace  time.Duration

	// closeAfter > 0 makes every read after that many frames fail with ErrSourceClosed.
	closeAfter int
	// stuck reads ignore their context and only return on Release.
	stuck bool
	// failAt > 0 makes that one read fail with a non-fatal error.
	failAt int

	mu       sync.Mutex
	reads    int
	released chan struct{}
	once     sync.Once
}

func newFakeAudio() *fakeAudio {
	return &fakeAudio{
		frame:    make([]byte, 160), // 5ms of 16 kHz s16le
		pace:     5 * time.Millisecond,
		released: make(chan struct{}),
	}
}

func (f *fakeAudio) ReadFrame(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	f.reads++
	n := f.reads
	f.mu.Unlock()

	if f.closeAfter > 0 && n > f.closeAfter {
		return nil, capture.ErrSourceClosed
	}
	if n == f.failAt {
		return nil, errors.New("transient xrun")
	}
	if f.stuck {
		<-f.released
		return nil, capture.ErrSourceClosed
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.released:
		return nil, capture.ErrSourceClosed
	case <-time.After(f.pace):
		return f.frame, nil
	}
}

func (f *fakeAudio) Release() error {
	f.once.Do(func() { close(f.released) })
	return nil
}

func (f *fakeAudio) isReleased() bool {
	select {
	case <-f.released:
		return true
	default:
		return false
	}
}

type fakeScreen struct {
	mu       sync.Mutex
	released bool
}

func (s *fakeScreen) AcquireLatestFrame() (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	img.Set(1, 1, color.RGBA{R: 200, A: 255})
	return img, nil
}

func (s *fakeScreen) Release() error {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
	return nil
}

type fakeAcquirer struct {
	sources *capture.Sources
	err     error
	calls   int
}

func (a *fakeAcquirer) Acquire(_ context.Context, grant capture.Grant) (*capture.Sources, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	if grant.Token == "" {
		return nil, capture.ErrNotAuthorized
	}
	return a.sources, nil
}

type uploadCall struct {
	Channel string
	Index   int
	Path    string
	OK      bool
	At      time.Time
}

// fakeCollector mimics the collection server; its close summary tallies the
// uploads it accepted.
type fakeCollector struct {
	params    collector.SessionParams
	createErr error
	// uploadErr decides the outcome of each chunk upload attempt.
	uploadErr func(channel string, index, attempt int) error
	// readChunks makes every upload read its file like the real client.
	readChunks bool

	mu          sync.Mutex
	creates     int
	uploads     []uploadCall
	attempts    map[string]int
	screenshots [][]byte
	heartbeats  int
	closes      []string
}

func newFakeCollector() *fakeCollector {
	return &fakeCollector{
		params:   collector.SessionParams{SessionID: "s-1", AudioChunkSize: 0.05, ImageFrequency: 0.03},
		attempts: map[string]int{},
	}
}

func (f *fakeCollector) CreateSession(_ context.Context, _, _ string) (*collector.SessionParams, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return nil, f.createErr
	}
	p := f.params
	return &p, nil
}

func (f *fakeCollector) UploadChunk(_ context.Context, _, _, channel string, index int, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s/%d", channel, index)
	f.attempts[key]++
	var err error
	if f.uploadErr != nil {
		err = f.uploadErr(channel, index, f.attempts[key])
	}
	if err == nil && f.readChunks {
		_, err = os.ReadFile(path)
	}
	f.uploads = append(f.uploads, uploadCall{Channel: channel, Index: index, Path: path, OK: err == nil, At: time.Now()})
	return err
}

func (f *fakeCollector) UploadScreenshot(_ context.Context, _, _ string, image []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.screenshots = append(f.screenshots, image)
	return nil
}

func (f *fakeCollector) PostHealth(_ context.Context, _, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeCollector) CloseSession(_ context.Context, _, sessionID string) (*collector.SessionSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, sessionID)
	summary := &collector.SessionSummary{SessionID: sessionID, ChannelChunks: map[string]int{}, ImagesReceived: len(f.screenshots)}
	for _, u := range f.uploads {
		if u.OK {
			summary.ChannelChunks[u.Channel]++
			summary.TotalAudioChunks++
		}
	}
	return summary, nil
}

func (f *fakeCollector) snapshot() (uploads []uploadCall, heartbeats, screenshots, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uploadCall(nil), f.uploads...), f.heartbeats, len(f.screenshots), len(f.closes)
}

type harness struct {
	coord    *Coordinator
	client   *fakeCollector
	acquirer *fakeAcquirer
	store    *storage.Store
	pub      *state.Publisher
	events   <-chan state.Event
	uplink   *fakeAudio
	downlink *fakeAudio
	screen   *fakeScreen
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		client:   newFakeCollector(),
		store:    store,
		pub:      state.NewPublisher(),
		uplink:   newFakeAudio(),
		downlink: newFakeAudio(),
		screen:   &fakeScreen{},
	}
	h.acquirer = &fakeAcquirer{sources: &capture.Sources{
		Audio:  map[string]capture.AudioSource{capture.Uplink: h.uplink, capture.Downlink: h.downlink},
		Screen: h.screen,
	}}

	var cancel func()
	h.events, cancel = h.pub.Subscribe()
	t.Cleanup(cancel)

	cfg := DefaultConfig()
	cfg.JoinTimeout = 200 * time.Millisecond
	cfg.CloseTimeout = time.Second
	cfg.HealthMaxJitter = 20 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	h.coord = New(cfg, h.acquirer, h.client, store, h.pub, nil)
	t.Cleanup(func() {
		h.coord.Stop(context.Background())
		h.coord.WaitClosed()
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.coord.Start(context.Background(), StartRequest{
		Username:  "alice",
		ServerURL: "http://collector.test",
		Grant:     capture.Grant{Token: "granted", Screen: true},
	}))
}

func (h *harness) states() []state.State {
	var out []state.State
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev.State)
		default:
			return out
		}
	}
}

func indicesByChannel(uploads []uploadCall) map[string][]int {
	out := map[string][]int{}
	for _, u := range uploads {
		out[u.Channel] = append(out[u.Channel], u.Index)
	}
	return out
}
