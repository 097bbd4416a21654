package storage

import (
	"path/filepath"
	"sort"
	"time"
)

// HistoryEntry describes one chunk file kept on disk.
type HistoryEntry struct {
	SessionID string    `json:"session_id" yaml:"session_id"`
	Index     int       `json:"index" yaml:"index"`
	Channel   string    `json:"channel" yaml:"channel"`
	Username  string    `json:"username" yaml:"username"`
	Path      string    `json:"path" yaml:"path"`
	Size      int64     `json:"size" yaml:"size"`
	ModTime   time.Time `json:"mod_time" yaml:"mod_time"`
}

// History lists local chunk files, newest first. limit <= 0 means no limit.
func (s *Store) History(limit int) ([]HistoryEntry, error) {
	files, _, err := NewSweeper(s, 0).scan()
	if err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, 0, len(files))
	for _, f := range files {
		name, _ := ParseChunkName(filepath.Base(f.path))
		entries = append(entries, HistoryEntry{
			SessionID: filepath.Base(filepath.Dir(f.path)),
			Index:     name.Index,
			Channel:   name.Channel,
			Username:  name.Username,
			Path:      f.path,
			Size:      f.size,
			ModTime:   f.modTime,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].ModTime.Equal(entries[j].ModTime) {
			return entries[i].ModTime.After(entries[j].ModTime)
		}
		return entries[i].Index > entries[j].Index
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
