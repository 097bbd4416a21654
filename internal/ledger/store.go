package ledger

import (
	"database/sql"
	"embed"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // registers "sqlite" driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const maxSessions = 500

// Store persists the session ledger to SQLite or PostgreSQL.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the ledger at dsn. postgres:// and postgresql:// URLs use
// pgx; anything else is treated as a SQLite file path.
func Open(dsn string) (*Store, error) {
	driver, source := driverFor(dsn)
	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, errors.Wrap(err, "ledger open")
	}
	if driver == "sqlite" {
		// one writer; concurrent sqlite connections only trade SQLITE_BUSY errors
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ledger ping")
	}
	s := &Store{db: db, driver: driver}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ledger migrate")
	}
	return s, nil
}

func driverFor(dsn string) (driver, source string) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "pgx", dsn
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		return "sqlite", strings.TrimPrefix(dsn, "sqlite://")
	}
	return "sqlite", dsn
}

// Driver returns the database/sql driver name in use.
func (s *Store) Driver() string { return s.driver }

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(query string, args ...any) error {
	_, err := s.db.Exec(s.rebind(query), args...)
	return err
}

func (s *Store) migrate() error {
	if err := s.exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	var current int
	row := s.db.QueryRow(`SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, "read migrations dir")
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return errors.Wrapf(readErr, "read migration %d", i)
		}
		if _, execErr := s.db.Exec(string(data)); execErr != nil {
			return errors.Wrapf(execErr, "migration %d", i)
		}
		if execErr := s.exec(`INSERT INTO schema_version (version) VALUES (?)`, i); execErr != nil {
			return errors.Wrapf(execErr, "migration %d record", i)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session and prunes the oldest beyond the cap.
func (s *Store) CreateSession(sess Session) error {
	err := s.exec(
		`INSERT INTO sessions (id, username, server_url, audio_chunk_ms, screenshot_ms, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Username, sess.ServerURL,
		sess.AudioChunkInterval.Milliseconds(), sess.ScreenshotInterval.Milliseconds(),
		sess.StartedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	return s.prune()
}

func (s *Store) prune() error {
	keep := `SELECT id FROM sessions ORDER BY started_at DESC LIMIT ?`
	for _, table := range []string{"chunks", "screenshots"} {
		if err := s.exec(`DELETE FROM `+table+` WHERE session_id NOT IN (`+keep+`)`, maxSessions); err != nil {
			return err
		}
	}
	return s.exec(`DELETE FROM sessions WHERE id NOT IN (`+keep+`)`, maxSessions)
}

// EndSession records the session end and the server's tally.
func (s *Store) EndSession(id string, endedAt time.Time, serverChunks, serverImages int, summary string) error {
	return s.exec(
		`UPDATE sessions SET ended_at = ?, server_chunks = ?, server_images = ?, summary = ? WHERE id = ?`,
		endedAt.UnixMilli(), serverChunks, serverImages, summary, id,
	)
}

// MarkEnded records the session end when no server tally is available.
func (s *Store) MarkEnded(id string, endedAt time.Time) error {
	return s.exec(`UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL`, endedAt.UnixMilli(), id)
}

// PutChunk inserts or updates the record of one chunk.
func (s *Store) PutChunk(c Chunk) error {
	return s.exec(
		`INSERT INTO chunks (id, session_id, channel, idx, path, size_bytes, level_db, status, error_msg, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, channel, idx) DO UPDATE SET
		   status = excluded.status,
		   error_msg = excluded.error_msg,
		   updated_at = excluded.updated_at`,
		uuid.NewString(), c.SessionID, c.Channel, c.Index, c.Path, c.SizeBytes, c.LevelDB,
		c.Status, c.Error, c.UpdatedAt.UnixMilli(),
	)
}

// PutScreenshot inserts a screenshot record.
func (s *Store) PutScreenshot(sc Screenshot) error {
	return s.exec(
		`INSERT INTO screenshots (id, session_id, size_bytes, status, error_msg, captured_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), sc.SessionID, sc.SizeBytes, sc.Status, sc.Error, sc.CapturedAt.UnixMilli(),
	)
}

// ListSessions returns sessions ordered newest first with local tallies.
func (s *Store) ListSessions(limit, offset int) ([]Session, int, error) {
	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(s.rebind(`
		SELECT s.id, s.username, s.server_url, s.audio_chunk_ms, s.screenshot_ms,
		       s.started_at, s.ended_at, s.server_chunks, s.server_images, s.summary,
		       (SELECT COUNT(*) FROM chunks c WHERE c.session_id = s.id AND c.status = 'uploaded'),
		       (SELECT COUNT(*) FROM chunks c WHERE c.session_id = s.id AND c.status = 'failed'),
		       (SELECT COUNT(*) FROM screenshots p WHERE p.session_id = s.id AND p.status = 'uploaded')
		FROM sessions s
		ORDER BY s.started_at DESC
		LIMIT ? OFFSET ?
	`), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var chunkMs, shotMs, startedAt int64
		var endedAt sql.NullInt64
		var serverChunks, serverImages sql.NullInt64
		if err = rows.Scan(&sess.ID, &sess.Username, &sess.ServerURL, &chunkMs, &shotMs,
			&startedAt, &endedAt, &serverChunks, &serverImages, &sess.Summary,
			&sess.ChunksUploaded, &sess.ChunksFailed, &sess.Screenshots); err != nil {
			return nil, 0, err
		}
		sess.AudioChunkInterval = time.Duration(chunkMs) * time.Millisecond
		sess.ScreenshotInterval = time.Duration(shotMs) * time.Millisecond
		sess.StartedAt = time.UnixMilli(startedAt).UTC()
		if endedAt.Valid {
			t := time.UnixMilli(endedAt.Int64).UTC()
			sess.EndedAt = &t
		}
		sess.ServerChunks = nullableInt(serverChunks)
		sess.ServerImages = nullableInt(serverImages)
		sessions = append(sessions, sess)
	}
	return sessions, total, rows.Err()
}

// SessionChunks returns the chunks of one session ordered by channel and index.
func (s *Store) SessionChunks(sessionID string) ([]Chunk, error) {
	rows, err := s.db.Query(s.rebind(
		`SELECT session_id, channel, idx, path, size_bytes, level_db, status, error_msg, updated_at
		 FROM chunks WHERE session_id = ? ORDER BY channel ASC, idx ASC`,
	), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var updatedAt int64
		if err = rows.Scan(&c.SessionID, &c.Channel, &c.Index, &c.Path, &c.SizeBytes, &c.LevelDB, &c.Status, &c.Error, &updatedAt); err != nil {
			return nil, err
		}
		c.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func nullableInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
