package hls

import (
	"os"
	"testing"
	"time"
)

func TestLockCreateTouchAge(t *testing.T) {
	paths := NewPaths(t.TempDir())
	locks := NewLocks(paths)

	if locks.IsActive("vid", "720p") {
		t.Fatal("lock active before creation")
	}

	if err := locks.Create("vid", "720p"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !locks.IsActive("vid", "720p") {
		t.Fatal("lock not active after creation")
	}

	age, ok := locks.Age("vid", "720p")
	if !ok {
		t.Fatal("age lookup failed")
	}
	if age > time.Minute {
		t.Fatalf("fresh lock age %v", age)
	}
}

func TestLockTouchResetsAge(t *testing.T) {
	paths := NewPaths(t.TempDir())
	locks := NewLocks(paths)

	if err := locks.Create("vid", "1080p"); err != nil {
		t.Fatal(err)
	}

	// Backdate the lock, then verify Touch brings it current.
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(paths.LockPath("vid", "1080p"), old, old); err != nil {
		t.Fatal(err)
	}
	age, _ := locks.Age("vid", "1080p")
	if age < time.Hour {
		t.Fatalf("backdated age %v", age)
	}

	if err := locks.Touch("vid", "1080p"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	age, _ = locks.Age("vid", "1080p")
	if age > time.Minute {
		t.Fatalf("age after touch %v", age)
	}
}

func TestLockTouchCreatesMissing(t *testing.T) {
	paths := NewPaths(t.TempDir())
	locks := NewLocks(paths)

	if err := locks.Touch("vid", "480p"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if !locks.IsActive("vid", "480p") {
		t.Fatal("touch did not create the lock")
	}
}
