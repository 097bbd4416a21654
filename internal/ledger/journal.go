package ledger

import (
	"log/slog"
	"sync"
	"time"
)

const journalBuffer = 256

type journalMsg struct {
	kind       string // "session_open", "session_end", "chunk", "screenshot"
	session    Session
	chunk      Chunk
	screenshot Screenshot

	endedAt      time.Time
	serverChunks int
	serverImages int
	summary      string
	hasTally     bool
}

// Journal writes ledger records asynchronously via a buffered channel. Callers
// only block once the buffer is full. All methods are nil-safe.
type Journal struct {
	store *Store
	ch    chan journalMsg
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewJournal starts the writer goroutine. Must call Close when done.
func NewJournal(store *Store) *Journal {
	j := &Journal{
		store: store,
		ch:    make(chan journalMsg, journalBuffer),
		done:  make(chan struct{}),
	}
	go j.drain()
	return j
}

func (j *Journal) drain() {
	defer close(j.done)
	for msg := range j.ch {
		j.handle(msg)
	}
}

func (j *Journal) handle(m journalMsg) {
	handlers := map[string]func() error{
		"session_open": func() error { return j.store.CreateSession(m.session) },
		"session_end": func() error {
			if !m.hasTally {
				return j.store.MarkEnded(m.session.ID, m.endedAt)
			}
			return j.store.EndSession(m.session.ID, m.endedAt, m.serverChunks, m.serverImages, m.summary)
		},
		"chunk":      func() error { return j.store.PutChunk(m.chunk) },
		"screenshot": func() error { return j.store.PutScreenshot(m.screenshot) },
	}
	fn, ok := handlers[m.kind]
	if !ok {
		return
	}
	if err := fn(); err != nil {
		slog.Warn("ledger write failed", "kind", m.kind, "error", err)
	}
}

func (j *Journal) send(m journalMsg) {
	if j == nil {
		return
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	j.ch <- m
}

// SessionOpened records a newly created session.
func (j *Journal) SessionOpened(sess Session) {
	j.send(journalMsg{kind: "session_open", session: sess})
}

// SessionEnded records the end of a session without a server tally.
func (j *Journal) SessionEnded(id string, endedAt time.Time) {
	j.send(journalMsg{kind: "session_end", session: Session{ID: id}, endedAt: endedAt})
}

// SessionClosed records the end of a session with the server's tally.
func (j *Journal) SessionClosed(id string, endedAt time.Time, serverChunks, serverImages int, summary string) {
	j.send(journalMsg{
		kind:         "session_end",
		session:      Session{ID: id},
		endedAt:      endedAt,
		serverChunks: serverChunks,
		serverImages: serverImages,
		summary:      summary,
		hasTally:     true,
	})
}

// Chunk records a chunk state change.
func (j *Journal) Chunk(c Chunk) {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	j.send(journalMsg{kind: "chunk", chunk: c})
}

// Screenshot records a screenshot upload attempt.
func (j *Journal) Screenshot(sc Screenshot) {
	j.send(journalMsg{kind: "screenshot", screenshot: sc})
}

// Close drains pending writes and shuts down the background goroutine.
// Records sent after Close are discarded.
func (j *Journal) Close() {
	if j == nil {
		return
	}
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.ch)
	j.mu.Unlock()
	<-j.done
}
