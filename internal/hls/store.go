package hls

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"streamgate/internal/domain"
)

const (
	stabilityPoll            = 200 * time.Millisecond
	stabilityTriesSegment    = 5000
	stabilityTriesPlaylist   = 7500
	stabilityTriesFirstProbe = 150
)

// SegmentRange is a contiguous run of segment indices present on disk.
type SegmentRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r SegmentRange) Contains(i int) bool { return i >= r.Start && i <= r.End }

// rangesContain reports whether any range holds the index.
func rangesContain(ranges []SegmentRange, i int) bool {
	for _, r := range ranges {
		if r.Contains(i) {
			return true
		}
	}
	return false
}

// rangesNear reports whether the index falls within `within` of any range
// boundary (or inside a range).
func rangesNear(ranges []SegmentRange, i, within int) bool {
	for _, r := range ranges {
		if i >= r.Start-within && i <= r.End+within {
			return true
		}
	}
	return false
}

// Store performs existence checks, stability waits, and range scans over the
// segment directory tree. The encoder writes segments through temp files and
// renames, so a file that keeps its non-zero size across two polls is done.
type Store struct {
	logger *slog.Logger
}

func NewStore(logger *slog.Logger) *Store {
	return &Store{logger: logger}
}

func (s *Store) Exists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}

// WaitForStability polls the file size until two consecutive non-zero samples
// are equal. A file that never appears yields domain.ErrNotFound; one that
// keeps changing past maxTries yields domain.ErrNotReady. Error text carries
// only the base name so messages stay path-free.
func (s *Store) WaitForStability(ctx context.Context, path string, poll time.Duration, maxTries int) error {
	if poll <= 0 {
		poll = stabilityPoll
	}
	var last int64 = -1
	seen := false

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for try := 0; try < maxTries; try++ {
		if fi, err := os.Stat(path); err == nil {
			seen = true
			size := fi.Size()
			if size > 0 && size == last {
				return nil
			}
			last = size
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if !seen {
		return fmt.Errorf("%s never appeared: %w", filepath.Base(path), domain.ErrNotFound)
	}
	return fmt.Errorf("%s not stable after %d polls: %w", filepath.Base(path), maxTries, domain.ErrNotReady)
}

// ScanRanges lists segment files in a variant directory and merges their
// indices into ascending, non-overlapping, non-adjacent ranges. I-frame
// segments are tracked separately and excluded here.
func (s *Store) ScanRanges(dir string) []SegmentRange {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var indices []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx, iframe, ok := ParseSegmentName(e.Name())
		if !ok || iframe {
			continue
		}
		indices = append(indices, idx)
	}
	if len(indices) == 0 {
		return nil
	}
	sort.Ints(indices)

	var ranges []SegmentRange
	for _, i := range indices {
		if n := len(ranges); n > 0 && i <= ranges[n-1].End+1 {
			if i > ranges[n-1].End {
				ranges[n-1].End = i
			}
			continue
		}
		ranges = append(ranges, SegmentRange{Start: i, End: i})
	}
	return ranges
}

// RemoveDir deletes an output directory tree. Used by the janitor and by
// restart paths that abandon a previous variant directory.
func (s *Store) RemoveDir(dir string) error {
	if dir == "" || dir == string(filepath.Separator) {
		return fmt.Errorf("refusing to remove %q", dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Debug("removed output dir", slog.String("dir", filepath.Base(dir)))
	}
	return nil
}
