package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	chunkMarker   = "_voip_up_"
	chunkExt      = ".wav"
	summaryFile   = "summary.yaml"
	unnamedSubdir = "unsorted"
)

// Store owns the local chunk directory. Each session gets its own
// subdirectory; chunk files carry a numeric index prefix.
type Store struct {
	dir string

	mu     sync.Mutex
	pinned map[string]int
}

// NewStore creates dir if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create chunk directory")
	}
	return &Store{dir: dir, pinned: map[string]int{}}, nil
}

func (s *Store) Dir() string { return s.dir }

// ChunkPath returns {dir}/{session}/{index}_voip_up_{channel}_{username}.wav.
func (s *Store) ChunkPath(sessionID string, index int, channel, username string) string {
	name := fmt.Sprintf("%d%s%s_%s%s", index, chunkMarker, strings.ReplaceAll(sanitize(channel), "_", "-"), sanitize(username), chunkExt)
	return filepath.Join(s.sessionDir(sessionID), name)
}

// Write stores data at path atomically: readers never observe a partial file.
func (s *Store) Write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create session directory")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".chunk-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrapf(err, "write %s", filepath.Base(path))
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "close %s", filepath.Base(path))
	}
	if err = os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "rename %s", filepath.Base(path))
	}
	return nil
}

// Pin marks path as in use until the returned function is called. The
// retention sweep never deletes a pinned file.
func (s *Store) Pin(path string) func() {
	key := filepath.Clean(path)
	s.mu.Lock()
	s.pinned[key]++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.pinned[key]--; s.pinned[key] <= 0 {
				delete(s.pinned, key)
			}
		})
	}
}

// Pinned reports whether path is currently pinned.
func (s *Store) Pinned(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinned[filepath.Clean(path)] > 0
}

// WriteSummary stores the server's close summary next to the session's chunks.
func (s *Store) WriteSummary(sessionID string, summary any) error {
	data, err := yaml.Marshal(summary)
	if err != nil {
		return errors.Wrap(err, "marshal summary")
	}
	return s.Write(filepath.Join(s.sessionDir(sessionID), summaryFile), data)
}

// ReadSummary loads a summary written by WriteSummary into out.
func (s *Store) ReadSummary(sessionID string, out any) error {
	data, err := os.ReadFile(filepath.Join(s.sessionDir(sessionID), summaryFile))
	if err != nil {
		return errors.Wrap(err, "read summary")
	}
	return errors.Wrap(yaml.Unmarshal(data, out), "parse summary")
}

func (s *Store) sessionDir(sessionID string) string {
	if sessionID == "" {
		return filepath.Join(s.dir, unnamedSubdir)
	}
	return filepath.Join(s.dir, sanitize(sessionID))
}

// ChunkName is a parsed chunk file name.
type ChunkName struct {
	Index    int
	Channel  string
	Username string
}

// ParseChunkName reverses the naming of ChunkPath. Channel names never contain
// an underscore; everything after the channel is the username.
func ParseChunkName(name string) (ChunkName, bool) {
	if !strings.HasSuffix(name, chunkExt) {
		return ChunkName{}, false
	}
	prefix, rest, ok := strings.Cut(strings.TrimSuffix(name, chunkExt), chunkMarker)
	if !ok {
		return ChunkName{}, false
	}
	index, err := strconv.Atoi(prefix)
	if err != nil || index < 0 {
		return ChunkName{}, false
	}
	channel, username, ok := strings.Cut(rest, "_")
	if !ok || channel == "" {
		return ChunkName{}, false
	}
	return ChunkName{Index: index, Channel: channel, Username: username}, true
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '-'
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, s)
}
