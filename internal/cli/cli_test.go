package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tengta119/VoipRecord/internal/collector"
	"github.com/tengta119/VoipRecord/internal/ledger"
	"github.com/tengta119/VoipRecord/internal/storage"
)

type env struct {
	dir        string
	configPath string
	chunkDir   string
	ledgerPath string
}

func newEnv(t *testing.T, serverURL string) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{
		dir:        dir,
		configPath: filepath.Join(dir, "config.toml"),
		chunkDir:   filepath.Join(dir, "chunks"),
		ledgerPath: filepath.Join(dir, "data", "ledger.db"),
	}
	body := fmt.Sprintf(`
ledger_dsn = %q

[server]
url = %q
username = "alice"
max_retries = 2
retry_delay = "10ms"
timeout = "5s"

[capture]
backend = "synthetic"

[storage]
chunk_dir = %q
max_bytes = 1000000

[recorder]
health_max_jitter = "50ms"
join_timeout = "200ms"
close_timeout = "2s"
`, e.ledgerPath, serverURL, e.chunkDir)
	require.NoError(t, os.WriteFile(e.configPath, []byte(body), 0o644))
	return e
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

// collectionServer accepts every upload and counts chunks for the close summary.
func collectionServer(t *testing.T) *httptest.Server {
	var mu sync.Mutex
	chunks := map[string]int{}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("POST /api/v1/call/new", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"session_id": "cli-session", "audio_chunk_size": 0.1, "image_frequency": 0.1})
	})
	mux.HandleFunc("POST /api/v1/call/{id}/audio", func(w http.ResponseWriter, r *http.Request) {
		_, header, err := r.FormFile("audio")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		chunks[header.Filename[:3]]++
		mu.Unlock()
	})
	mux.HandleFunc("POST /api/v1/call/{id}/img", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("POST /api/v1/client/health", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("GET /api/v1/call/{id}/close", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		total := 0
		for _, n := range chunks {
			total += n
		}
		json.NewEncoder(w).Encode(collector.SessionSummary{
			SessionID:        r.PathValue("id"),
			TotalAudioChunks: total,
			ChannelChunks:    chunks,
			SessionDuration:  "00:00:01",
		})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestVersion(t *testing.T) {
	e := newEnv(t, "")
	out, err := e.run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "voiprecord dev")
}

func TestConfigErrorSurfaces(t *testing.T) {
	e := newEnv(t, "")
	require.NoError(t, os.WriteFile(e.configPath, []byte("[capture]\nbackend = \"pulse\"\n"), 0o644))

	_, err := e.run(t, "sweep")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capture.backend")
}

func TestSweep(t *testing.T) {
	e := newEnv(t, "")
	store, err := storage.NewStore(e.chunkDir)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		path := store.ChunkPath("s-1", i, "ch0", "alice")
		require.NoError(t, store.Write(path, make([]byte, 1000)))
		old := time.Now().Add(time.Duration(i-10) * time.Minute)
		require.NoError(t, os.Chtimes(path, old, old))
	}

	out, err := e.run(t, "sweep", "--max-bytes", "2500")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 2")

	entries, err := store.History(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 3, entries[0].Index)
	assert.Equal(t, 2, entries[1].Index)
}

func TestHistory_Files(t *testing.T) {
	e := newEnv(t, "")
	store, err := storage.NewStore(e.chunkDir)
	require.NoError(t, err)
	require.NoError(t, store.Write(store.ChunkPath("s-1", 0, "ch1", "alice"), []byte("RIFF")))

	out, err := e.run(t, "history", "--files", "--format", "json")
	require.NoError(t, err)

	var got []storage.HistoryEntry
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "s-1", got[0].SessionID)
	assert.Equal(t, "ch1", got[0].Channel)
	assert.Equal(t, "alice", got[0].Username)
}

func TestHistory_Ledger(t *testing.T) {
	e := newEnv(t, "")
	require.NoError(t, os.MkdirAll(filepath.Dir(e.ledgerPath), 0o755))
	db, err := ledger.Open(e.ledgerPath)
	require.NoError(t, err)
	require.NoError(t, db.CreateSession(ledger.Session{ID: "s-1", Username: "alice", StartedAt: time.Now()}))
	require.NoError(t, db.PutChunk(ledger.Chunk{SessionID: "s-1", Channel: "ch0", Index: 0, Status: ledger.StatusUploaded}))
	require.NoError(t, db.Close())

	out, err := e.run(t, "history", "--format", "json")
	require.NoError(t, err)
	var sessions []ledger.Session
	require.NoError(t, json.Unmarshal([]byte(out), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, 1, sessions[0].ChunksUploaded)

	out, err = e.run(t, "history", "s-1", "--format", "json")
	require.NoError(t, err)
	var chunks []ledger.Chunk
	require.NoError(t, json.Unmarshal([]byte(out), &chunks))
	require.Len(t, chunks, 1)
	assert.Equal(t, ledger.StatusUploaded, chunks[0].Status)
}

func TestHistory_BadFormat(t *testing.T) {
	e := newEnv(t, "")
	_, err := e.run(t, "history", "--format", "xml")
	assert.Error(t, err)
}

func TestRecord(t *testing.T) {
	ts := collectionServer(t)
	e := newEnv(t, ts.URL)

	out, err := e.run(t, "record", "--duration", "450ms", "--no-screen")
	require.NoError(t, err)
	assert.Contains(t, out, "cli-session")
	assert.Contains(t, out, "Stopped")
	assert.Contains(t, out, "Server summary")

	store, err := storage.NewStore(e.chunkDir)
	require.NoError(t, err)
	entries, err := store.History(0)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	var summary collector.SessionSummary
	require.NoError(t, store.ReadSummary("cli-session", &summary))
	assert.Positive(t, summary.TotalAudioChunks)

	db, err := ledger.Open(e.ledgerPath)
	require.NoError(t, err)
	defer db.Close()
	sessions, _, err := db.ListSessions(10, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "cli-session", sessions[0].ID)
	require.NotNil(t, sessions[0].EndedAt)
}

func TestRecord_RequiresServer(t *testing.T) {
	e := newEnv(t, "")
	_, err := e.run(t, "record")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server URL")
}

func TestDoctor(t *testing.T) {
	ts := collectionServer(t)
	e := newEnv(t, ts.URL)

	out, err := e.run(t, "doctor")
	require.NoError(t, err)
	assert.Contains(t, out, e.configPath)
	assert.Contains(t, out, "synthetic backend")
	assert.Contains(t, out, "HTTP 200")
	assert.Contains(t, out, "Ready to record")
}
