package library

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"streamgate/internal/domain"
	"streamgate/internal/hls"
)

// rescanDebounce coalesces bursts of filesystem events into one scan.
const rescanDebounce = 2 * time.Second

var mediaExtensions = map[string]struct{}{
	".mp4":  {},
	".mkv":  {},
	".avi":  {},
	".mov":  {},
	".webm": {},
	".m4v":  {},
	".ts":   {},
}

// Library resolves video IDs to source files under the configured directory.
// The index is rebuilt on filesystem change notifications, so new files
// become streamable without a restart.
type Library struct {
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	videos map[string]domain.Video
}

func New(dir string, logger *slog.Logger) (*Library, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	l := &Library{
		dir:    abs,
		logger: logger,
		videos: make(map[string]domain.Video),
	}
	if err := l.rescan(); err != nil {
		return nil, err
	}
	return l, nil
}

// Resolve maps a video ID to its source file.
func (l *Library) Resolve(videoID string) (domain.Video, error) {
	key := strings.ToLower(hls.SanitizeVideoID(videoID))
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.videos[key]
	if !ok {
		return domain.Video{}, fmt.Errorf("video %q: %w", videoID, domain.ErrNotFound)
	}
	return v, nil
}

// List returns the discoverable videos sorted by ID.
func (l *Library) List() []domain.Video {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Video, 0, len(l.videos))
	for _, v := range l.videos {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Watch rebuilds the index when the source directory changes. Blocks until
// ctx is cancelled; when the watcher cannot start, the initial index simply
// stays as is.
func (l *Library) Watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.logger.Warn("library watcher unavailable", slog.String("error", err.Error()))
		return
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		l.logger.Warn("library watch failed",
			slog.String("dir", l.dir),
			slog.String("error", err.Error()),
		)
		return
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) != 0 {
				pending = time.After(rescanDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Debug("library watch error", slog.String("error", err.Error()))
		case <-pending:
			pending = nil
			if err := l.rescan(); err != nil {
				l.logger.Warn("library rescan failed", slog.String("error", err.Error()))
			}
		}
	}
}

// rescan walks the source tree and rebuilds the ID index. IDs are the
// sanitized file names without extension; on collision the newer file wins.
func (l *Library) rescan() error {
	videos := make(map[string]domain.Video)
	err := filepath.WalkDir(l.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != l.dir {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if _, ok := mediaExtensions[ext]; !ok {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		id := hls.SanitizeVideoID(strings.TrimSuffix(d.Name(), filepath.Ext(d.Name())))
		if id == "" {
			return nil
		}
		key := strings.ToLower(id)
		if existing, ok := videos[key]; ok && existing.ModTime.After(fi.ModTime()) {
			return nil
		}
		videos[key] = domain.Video{
			ID:        id,
			Path:      path,
			SizeBytes: fi.Size(),
			Container: strings.TrimPrefix(ext, "."),
			ModTime:   fi.ModTime(),
		}
		return nil
	})
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.videos = videos
	l.mu.Unlock()
	l.logger.Info("library indexed", slog.Int("videos", len(videos)), slog.String("dir", l.dir))
	return nil
}
