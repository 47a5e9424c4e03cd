package hls

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// lockMaxAge is how long a variant may go untouched before the deep cleanup
// scan removes its directory.
const lockMaxAge = 55 * time.Minute

// Locks manages the per-(video, variant) session lock files whose mtime
// records the last viewer activity. The janitor keys cleanup off that mtime.
type Locks struct {
	paths *Paths
}

func NewLocks(paths *Paths) *Locks {
	return &Locks{paths: paths}
}

// Create atomically writes a timestamped lock file for the variant.
func (l *Locks) Create(videoID, label string) error {
	path := l.paths.LockPath(videoID, label)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	payload := fmt.Sprintf("%d\n", time.Now().Unix())
	if err := os.WriteFile(tmp, []byte(payload), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Touch bumps the lock mtime, creating the lock when missing.
func (l *Locks) Touch(videoID, label string) error {
	path := l.paths.LockPath(videoID, label)
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		if os.IsNotExist(err) {
			return l.Create(videoID, label)
		}
		return err
	}
	return nil
}

// IsActive reports whether a lock file exists for the variant.
func (l *Locks) IsActive(videoID, label string) bool {
	_, err := os.Stat(l.paths.LockPath(videoID, label))
	return err == nil
}

// Age returns how long ago the lock was last touched.
func (l *Locks) Age(videoID, label string) (time.Duration, bool) {
	return lockFileAge(l.paths.LockPath(videoID, label))
}

func lockFileAge(path string) (time.Duration, bool) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	return time.Since(fi.ModTime()), true
}
