package storage

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/tengta119/VoipRecord/internal/metrics"
)

// SweepResult summarises one retention pass.
type SweepResult struct {
	Files      int
	TotalBytes int64
	Deleted    int
	FreedBytes int64
	Pinned     int
}

// Sweeper bounds the total size of the chunk directory by deleting the oldest
// chunks first.
type Sweeper struct {
	store    *Store
	maxBytes int64
}

func NewSweeper(store *Store, maxBytes int64) *Sweeper {
	return &Sweeper{store: store, maxBytes: maxBytes}
}

type chunkFile struct {
	path    string
	index   int
	size    int64
	modTime time.Time
}

// Sweep deletes chunk files, oldest first, until the directory is below the
// byte ceiling. Pinned files are skipped. A non-positive ceiling disables it.
func (w *Sweeper) Sweep() (SweepResult, error) {
	files, total, err := w.scan()
	if err != nil {
		return SweepResult{}, err
	}
	res := SweepResult{Files: len(files), TotalBytes: total}
	if w.maxBytes <= 0 || total < w.maxBytes {
		metrics.StoreBytes.Set(float64(total))
		return res, nil
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].modTime.Equal(files[j].modTime) {
			return files[i].modTime.Before(files[j].modTime)
		}
		return files[i].index < files[j].index
	})

	for _, f := range files {
		if total < w.maxBytes {
			break
		}
		if w.store.Pinned(f.path) {
			res.Pinned++
			continue
		}
		if err := os.Remove(f.path); err != nil {
			slog.Error("sweep delete failed", "path", f.path, "error", err)
			continue
		}
		total -= f.size
		res.Deleted++
		res.FreedBytes += f.size
	}
	res.TotalBytes = total

	metrics.SweepDeletedFiles.Add(float64(res.Deleted))
	metrics.SweepDeletedBytes.Add(float64(res.FreedBytes))
	metrics.StoreBytes.Set(float64(total))
	slog.Info("retention sweep done",
		"deleted", res.Deleted, "freed_bytes", res.FreedBytes,
		"remaining_bytes", total, "pinned_skipped", res.Pinned)
	return res, nil
}

// Run sweeps once immediately, then every interval until ctx is done.
func (w *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := w.Sweep(); err != nil {
			slog.Error("retention sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Sweeper) scan() ([]chunkFile, int64, error) {
	var files []chunkFile
	var total int64
	err := filepath.WalkDir(w.store.Dir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		name, ok := ParseChunkName(d.Name())
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, chunkFile{path: path, index: name.Index, size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
		return nil
	})
	if err != nil {
		return nil, 0, errors.Wrap(err, "scan chunk directory")
	}
	return files, total, nil
}
