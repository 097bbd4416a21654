package recorder

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tengta119/VoipRecord/internal/capture"
	"github.com/tengta119/VoipRecord/internal/collector"
	"github.com/tengta119/VoipRecord/internal/state"
	"github.com/tengta119/VoipRecord/internal/storage"
)

func TestStop_NoSessionIsNoop(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.coord.Stop(context.Background()))
	require.NoError(t, h.coord.Stop(context.Background()))

	assert.False(t, h.coord.Recording())
	assert.Empty(t, h.states())
	_, _, _, closes := h.client.snapshot()
	assert.Zero(t, closes)
}

func TestStart_CaptureUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	h.acquirer.err = errors.New("microphone busy")

	err := h.coord.Start(context.Background(), StartRequest{Username: "alice", Grant: capture.Grant{Token: "t"}})

	var capErr *CaptureUnavailableError
	require.ErrorAs(t, err, &capErr)
	assert.False(t, h.coord.Recording())
	assert.Zero(t, h.client.creates)
	assert.Equal(t, []state.State{state.Starting, state.Fail}, h.states())
}

func TestStart_MissingGrant(t *testing.T) {
	h := newHarness(t, nil)
	err := h.coord.Start(context.Background(), StartRequest{Username: "alice"})

	var capErr *CaptureUnavailableError
	require.ErrorAs(t, err, &capErr)
	assert.ErrorIs(t, err, capture.ErrNotAuthorized)
}

func TestStart_SessionCreateFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.client.createErr = errors.New("connection refused")

	err := h.coord.Start(context.Background(), StartRequest{
		Username: "alice", ServerURL: "http://collector.test", Grant: capture.Grant{Token: "t", Screen: true},
	})

	var createErr *SessionCreateError
	require.ErrorAs(t, err, &createErr)
	assert.Equal(t, "http://collector.test", createErr.ServerURL)
	assert.False(t, h.coord.Recording())
	assert.True(t, h.uplink.isReleased())
	assert.True(t, h.downlink.isReleased())
	assert.Equal(t, []state.State{state.Starting, state.Fail}, h.states())

	// no worker survives: nothing is emitted afterwards
	time.Sleep(150 * time.Millisecond)
	uploads, heartbeats, screenshots, closes := h.client.snapshot()
	assert.Empty(t, uploads)
	assert.Zero(t, heartbeats)
	assert.Zero(t, screenshots)
	assert.Zero(t, closes)
}

func TestStart_AlreadyRecording(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	err := h.coord.Start(context.Background(), StartRequest{Username: "bob", Grant: capture.Grant{Token: "t"}})
	assert.ErrorIs(t, err, ErrAlreadyRecording)
	assert.Equal(t, 1, h.client.creates)
}

func TestLifecycle_StatesAndClose(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	assert.True(t, h.coord.Recording())
	sess, ok := h.coord.Session()
	require.True(t, ok)
	assert.Equal(t, "s-1", sess.ID)
	assert.Equal(t, 50*time.Millisecond, sess.AudioChunkInterval)
	assert.Equal(t, 30*time.Millisecond, sess.ScreenshotInterval)

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, h.coord.Stop(context.Background()))
	h.coord.WaitClosed()

	assert.False(t, h.coord.Recording())
	_, ok = h.coord.Session()
	assert.False(t, ok)
	assert.True(t, h.uplink.isReleased())
	assert.True(t, h.downlink.isReleased())
	assert.True(t, h.screen.released)

	assert.Equal(t, []state.State{state.Starting, state.Recording, state.Stopping, state.Idle}, h.states())

	_, heartbeats, screenshots, closes := h.client.snapshot()
	assert.Equal(t, 1, closes)
	assert.Positive(t, heartbeats)
	assert.Positive(t, screenshots)

	var summary collector.SessionSummary
	require.NoError(t, h.store.ReadSummary("s-1", &summary))
	assert.Equal(t, "s-1", summary.SessionID)
}

func TestCaptureWorker_GaplessIndicesDespiteFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.client.uploadErr = func(_ string, index, _ int) error {
		if index%2 == 1 {
			return &collector.TransportError{Attempts: 3, Err: errors.New("timeout")}
		}
		return nil
	}
	h.start(t)
	time.Sleep(400 * time.Millisecond)
	require.NoError(t, h.coord.Stop(context.Background()))

	uploads, _, _, _ := h.client.snapshot()
	byChannel := indicesByChannel(uploads)
	for _, ch := range []string{capture.Uplink, capture.Downlink} {
		indices := byChannel[ch]
		require.GreaterOrEqual(t, len(indices), 3, ch)
		for i, idx := range indices {
			assert.Equal(t, i, idx, "channel %s", ch)
		}
	}

	counts := h.coord.Counters()
	up := counts.Channels[capture.Uplink]
	assert.Equal(t, len(byChannel[capture.Uplink]), up.Produced)
	assert.Equal(t, up.Produced, up.Uploaded+up.Failed)
	assert.Positive(t, up.Failed)
}

func TestCaptureWorker_PersistsChunkFiles(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, h.coord.Stop(context.Background()))

	uploads, _, _, _ := h.client.snapshot()
	require.NotEmpty(t, uploads)
	first := uploads[0]
	assert.Equal(t, h.store.ChunkPath("s-1", first.Index, first.Channel, "alice"), first.Path)

	data, err := os.ReadFile(first.Path)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(data[:4]))
	assert.Greater(t, len(data), 44)
}

func TestCaptureWorker_TransientReadErrorKeepsWindow(t *testing.T) {
	h := newHarness(t, nil)
	h.client.params.AudioChunkSize = 0.3
	h.uplink.failAt = 3

	began := time.Now()
	h.start(t)

	var first uploadCall
	require.Eventually(t, func() bool {
		uploads, _, _, _ := h.client.snapshot()
		for _, u := range uploads {
			if u.Channel == capture.Uplink {
				first = u
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, h.coord.Stop(context.Background()))

	assert.Equal(t, 0, first.Index)
	assert.GreaterOrEqual(t, first.At.Sub(began), 250*time.Millisecond)

	info, err := os.Stat(first.Path)
	require.NoError(t, err)
	// more than 100ms of 160-byte frames paced at 5ms
	assert.Greater(t, info.Size(), int64(44+100/5*160))
}

func TestCaptureWorker_SweepNeverTakesInFlightChunk(t *testing.T) {
	h := newHarness(t, nil)
	h.client.readChunks = true
	sweeper := storage.NewSweeper(h.store, 1)

	done := make(chan struct{})
	swept := make(chan struct{})
	go func() {
		defer close(swept)
		for {
			select {
			case <-done:
				return
			default:
			}
			sweeper.Sweep()
			time.Sleep(time.Millisecond)
		}
	}()

	h.start(t)
	time.Sleep(400 * time.Millisecond)
	require.NoError(t, h.coord.Stop(context.Background()))
	close(done)
	<-swept

	uploads, _, _, _ := h.client.snapshot()
	require.NotEmpty(t, uploads)
	for _, u := range uploads {
		assert.True(t, u.OK, "%s#%d read failed", u.Channel, u.Index)
	}
	counts := h.coord.Counters()
	assert.Zero(t, counts.Channels[capture.Uplink].Failed)
	assert.Zero(t, counts.Channels[capture.Downlink].Failed)
}

func TestCaptureWorker_RequeuePolicy(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.UploadPolicy = PolicyRequeue })
	h.client.uploadErr = func(channel string, index, attempt int) error {
		if channel == capture.Uplink && index == 0 && attempt == 1 {
			return errors.New("connection reset")
		}
		return nil
	}
	h.start(t)
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, h.coord.Stop(context.Background()))

	uploads, _, _, _ := h.client.snapshot()
	var uplink []uploadCall
	for _, u := range uploads {
		if u.Channel == capture.Uplink {
			uplink = append(uplink, u)
		}
	}
	require.GreaterOrEqual(t, len(uplink), 3)
	// 0 fails, 1 succeeds, then 0 is retried from the backlog
	assert.Equal(t, uploadCall{Channel: capture.Uplink, Index: 0, Path: uplink[0].Path, OK: false}, uplink[0])
	assert.Equal(t, 1, uplink[1].Index)
	assert.Equal(t, 0, uplink[2].Index)
	assert.True(t, uplink[2].OK)
	assert.Zero(t, h.coord.Counters().Channels[capture.Uplink].Failed)
}

func TestSourceClosedEndsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.uplink.closeAfter = 15
	h.start(t)

	require.Eventually(t, func() bool {
		_, _, _, closes := h.client.snapshot()
		return closes == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, h.coord.Recording())
	assert.True(t, h.downlink.isReleased())
}

func TestStop_AbandonsStuckWorker(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.JoinTimeout = 50 * time.Millisecond })
	h.uplink.stuck = true
	h.start(t)
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	require.NoError(t, h.coord.Stop(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, h.coord.Recording())
	// releasing the source unblocks the abandoned read
	assert.True(t, h.uplink.isReleased())
}

func TestScreenshotWorker_UploadsJPEG(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	require.Eventually(t, func() bool {
		_, _, screenshots, _ := h.client.snapshot()
		return screenshots >= 2
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, h.coord.Stop(context.Background()))

	h.client.mu.Lock()
	img := h.client.screenshots[0]
	h.client.mu.Unlock()
	decoded, err := jpeg.Decode(bytes.NewReader(img))
	require.NoError(t, err)
	assert.Equal(t, 16, decoded.Bounds().Dx())
	assert.GreaterOrEqual(t, h.coord.Counters().ScreenshotsUploaded, 2)
}

func TestStart_NoScreenSource(t *testing.T) {
	h := newHarness(t, nil)
	h.acquirer.sources.Screen = nil
	h.start(t)
	time.Sleep(120 * time.Millisecond)
	require.NoError(t, h.coord.Stop(context.Background()))

	_, _, screenshots, _ := h.client.snapshot()
	assert.Zero(t, screenshots)
}

func TestStart_FallbackIntervals(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.DefaultChunkInterval = 70 * time.Millisecond
		cfg.DefaultScreenshotInterval = 90 * time.Millisecond
	})
	h.client.params = collector.SessionParams{SessionID: "s-2"}
	h.start(t)

	sess, ok := h.coord.Session()
	require.True(t, ok)
	assert.Equal(t, 70*time.Millisecond, sess.AudioChunkInterval)
	assert.Equal(t, 90*time.Millisecond, sess.ScreenshotInterval)
}

func TestCountersResetPerSession(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	time.Sleep(120 * time.Millisecond)
	require.NoError(t, h.coord.Stop(context.Background()))
	require.Positive(t, h.coord.Counters().TotalUploaded())

	h.uplink = newFakeAudio()
	h.downlink = newFakeAudio()
	h.acquirer.sources = &capture.Sources{Audio: map[string]capture.AudioSource{
		capture.Uplink: h.uplink, capture.Downlink: h.downlink,
	}}
	h.client.params.SessionID = "s-2"
	h.start(t)
	assert.Zero(t, h.coord.Counters().TotalUploaded())
}

func TestRun_Signals(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan Signal)
	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx, signals) }()

	result := make(chan error, 1)
	signals <- Signal{Kind: SignalStart, Request: StartRequest{
		Username: "alice", ServerURL: "http://collector.test", Grant: capture.Grant{Token: "t"},
	}, Result: result}
	require.NoError(t, <-result)
	assert.True(t, h.coord.Recording())

	signals <- Signal{Kind: SignalStop, Result: result}
	require.NoError(t, <-result)
	assert.False(t, h.coord.Recording())

	h.acquirer.sources = &capture.Sources{Audio: map[string]capture.AudioSource{
		capture.Uplink: newFakeAudio(), capture.Downlink: newFakeAudio(),
	}}
	signals <- Signal{Kind: SignalStart, Request: StartRequest{
		Username: "alice", ServerURL: "http://collector.test", Grant: capture.Grant{Token: "t"},
	}, Result: result}
	require.NoError(t, <-result)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, h.coord.Recording())
}

func TestJitterBounds(t *testing.T) {
	for i := 0; i < 1000; i++ {
		d := jitter(60 * time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 60*time.Second)
	}
	assert.Zero(t, jitter(0))
}
