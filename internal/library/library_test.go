package library

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"streamgate/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("media"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLibraryIndexesMediaFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Big Movie (2021).mkv"))
	writeFile(t, filepath.Join(dir, "shows", "episode01.mp4"))
	writeFile(t, filepath.Join(dir, "notes.txt"))
	writeFile(t, filepath.Join(dir, ".hidden", "secret.mkv"))

	l, err := New(dir, testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	videos := l.List()
	if len(videos) != 2 {
		t.Fatalf("videos = %+v", videos)
	}
	if videos[0].ID != "Big Movie (2021)" || videos[1].ID != "episode01" {
		t.Fatalf("ids = %q, %q", videos[0].ID, videos[1].ID)
	}
	if videos[0].Container != "mkv" || videos[1].Container != "mp4" {
		t.Fatalf("containers = %q, %q", videos[0].Container, videos[1].Container)
	}
}

func TestLibraryResolve(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Big Movie.mkv")
	writeFile(t, path)

	l, err := New(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	v, err := l.Resolve("Big Movie")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if v.Path != path {
		t.Fatalf("path = %q", v.Path)
	}

	// Lookup is case-insensitive and sanitizes the same way URLs do.
	if _, err := l.Resolve("big movie"); err != nil {
		t.Fatalf("case-insensitive resolve: %v", err)
	}

	_, err = l.Resolve("unknown")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestLibraryRescanPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "first.mp4"))

	l, err := New(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(l.List()) != 1 {
		t.Fatalf("videos = %+v", l.List())
	}

	writeFile(t, filepath.Join(dir, "second.mp4"))
	if err := l.rescan(); err != nil {
		t.Fatal(err)
	}
	if len(l.List()) != 2 {
		t.Fatalf("videos after rescan = %+v", l.List())
	}

	if err := os.Remove(filepath.Join(dir, "first.mp4")); err != nil {
		t.Fatal(err)
	}
	if err := l.rescan(); err != nil {
		t.Fatal(err)
	}
	if got := l.List(); len(got) != 1 || got[0].ID != "second" {
		t.Fatalf("videos after removal = %+v", got)
	}
}
