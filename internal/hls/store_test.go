package hls

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"streamgate/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStoreExists(t *testing.T) {
	s := NewStore(testLogger())
	dir := t.TempDir()

	if s.Exists(filepath.Join(dir, "missing.ts")) {
		t.Fatal("missing file reported as existing")
	}
	if s.Exists(dir) {
		t.Fatal("directory reported as existing file")
	}

	path := filepath.Join(dir, "000.ts")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !s.Exists(path) {
		t.Fatal("file not found")
	}
}

func TestWaitForStabilityStableFile(t *testing.T) {
	s := NewStore(testLogger())
	path := filepath.Join(t.TempDir(), "000.ts")
	if err := os.WriteFile(path, []byte("segment data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.WaitForStability(context.Background(), path, time.Millisecond, 10); err != nil {
		t.Fatalf("stable file: %v", err)
	}
}

func TestWaitForStabilityNeverAppears(t *testing.T) {
	s := NewStore(testLogger())
	path := filepath.Join(t.TempDir(), "000.ts")
	err := s.WaitForStability(context.Background(), path, time.Millisecond, 3)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestWaitForStabilityAppearsLate(t *testing.T) {
	s := NewStore(testLogger())
	path := filepath.Join(t.TempDir(), "000.ts")

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = os.WriteFile(path, []byte("late but complete"), 0o644)
	}()

	if err := s.WaitForStability(context.Background(), path, 5*time.Millisecond, 200); err != nil {
		t.Fatalf("late file: %v", err)
	}
}

func TestWaitForStabilityEmptyFileNotReady(t *testing.T) {
	s := NewStore(testLogger())
	path := filepath.Join(t.TempDir(), "000.ts")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	err := s.WaitForStability(context.Background(), path, time.Millisecond, 3)
	if !errors.Is(err, domain.ErrNotReady) {
		t.Fatalf("got %v, want ErrNotReady", err)
	}
}

func TestWaitForStabilityContextCancel(t *testing.T) {
	s := NewStore(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.WaitForStability(ctx, filepath.Join(t.TempDir(), "x.ts"), time.Hour, 2)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
}

func TestScanRanges(t *testing.T) {
	s := NewStore(testLogger())
	dir := t.TempDir()

	for _, name := range []string{"000.ts", "001.ts", "002.ts", "005.ts", "006.ts", "010.ts"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	// Non-segment and iframe files are ignored.
	for _, name := range []string{"playlist.m3u8", "info.json", "iframe_003.ts", "session.lock"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	ranges := s.ScanRanges(dir)
	want := []SegmentRange{{0, 2}, {5, 6}, {10, 10}}
	if len(ranges) != len(want) {
		t.Fatalf("ranges = %v, want %v", ranges, want)
	}
	for i := range want {
		if ranges[i] != want[i] {
			t.Fatalf("ranges = %v, want %v", ranges, want)
		}
	}
}

func TestScanRangesEmptyDir(t *testing.T) {
	s := NewStore(testLogger())
	if got := s.ScanRanges(filepath.Join(t.TempDir(), "nope")); got != nil {
		t.Fatalf("got %v", got)
	}
}

func TestRangesHelpers(t *testing.T) {
	ranges := []SegmentRange{{0, 4}, {10, 12}}

	if !rangesContain(ranges, 3) || rangesContain(ranges, 5) || !rangesContain(ranges, 10) {
		t.Fatal("rangesContain misbehaves")
	}
	if !rangesNear(ranges, 6, 2) {
		t.Fatal("6 is within 2 of [0,4]")
	}
	if rangesNear(ranges, 7, 2) {
		t.Fatal("7 is not within 2 of any range")
	}
	if !rangesNear(ranges, 8, 2) {
		t.Fatal("8 is within 2 of [10,12]")
	}
}
