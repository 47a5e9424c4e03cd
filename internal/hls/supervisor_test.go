package hls

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func shellPlan(script string) Plan {
	return Plan{BinPath: "/bin/sh", Args: []string{"-c", script}}
}

func startWithExitCh(t *testing.T, s *Supervisor, plan Plan, dir string, releaseHW func()) (*Process, <-chan ExitEvent) {
	t.Helper()
	exits := make(chan ExitEvent, 1)
	s.OnExit(func(ev ExitEvent) { exits <- ev })
	p, err := s.Start(context.Background(), NewTaskKey("vid", "720p"), plan, dir, releaseHW)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return p, exits
}

func waitExit(t *testing.T, exits <-chan ExitEvent) ExitEvent {
	t.Helper()
	select {
	case ev := <-exits:
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("no exit event")
		return ExitEvent{}
	}
}

func TestSupervisorCleanExitWritesDoneMarker(t *testing.T) {
	s := NewSupervisor(testLogger())
	dir := t.TempDir()

	var released atomic.Int64
	_, exits := startWithExitCh(t, s, shellPlan("exit 0"), dir, func() { released.Add(1) })

	ev := waitExit(t, exits)
	if ev.Code != 0 || ev.Killed {
		t.Fatalf("event = %+v", ev)
	}
	if released.Load() != 1 {
		t.Fatalf("hardware released %d times", released.Load())
	}
	if _, err := os.Stat(filepath.Join(dir, "done")); err != nil {
		t.Fatalf("done marker: %v", err)
	}
	if s.Running() != 0 {
		t.Fatalf("running = %d", s.Running())
	}
}

func TestSupervisorNonzeroExit(t *testing.T) {
	s := NewSupervisor(testLogger())
	dir := t.TempDir()

	_, exits := startWithExitCh(t, s, shellPlan("exit 3"), dir, nil)

	ev := waitExit(t, exits)
	if ev.Code != 3 || ev.Killed {
		t.Fatalf("event = %+v", ev)
	}
	if _, err := os.Stat(filepath.Join(dir, "done")); !os.IsNotExist(err) {
		t.Fatal("failed run left a done marker")
	}
}

func TestSupervisorKill(t *testing.T) {
	s := NewSupervisor(testLogger())
	dir := t.TempDir()

	p, exits := startWithExitCh(t, s, shellPlan("exec sleep 60"), dir, nil)

	s.Kill(p, "test")
	ev := waitExit(t, exits)
	if !ev.Killed {
		t.Fatalf("event = %+v", ev)
	}
	if _, err := os.Stat(filepath.Join(dir, "done")); !os.IsNotExist(err) {
		t.Fatal("killed run left a done marker")
	}

	// Killing an already-exited process is a no-op.
	s.Kill(p, "test")
}

func TestSupervisorStartFailureReleasesHardware(t *testing.T) {
	s := NewSupervisor(testLogger())

	var released atomic.Int64
	_, err := s.Start(context.Background(), NewTaskKey("vid", "720p"),
		Plan{BinPath: filepath.Join(t.TempDir(), "missing-encoder")}, t.TempDir(),
		func() { released.Add(1) })
	if err == nil {
		t.Fatal("start of a missing binary succeeded")
	}
	if released.Load() != 1 {
		t.Fatalf("hardware released %d times", released.Load())
	}
}

func TestParseProgressLine(t *testing.T) {
	cases := []struct {
		line string
		ms   int64
		ok   bool
	}{
		{"frame= 100 fps= 30 time=00:01:23.450 bitrate=2000k", 83450, true},
		{"time=00:01:23.45 speed=1.5x", 83450, true},
		{"time=01:00:00.5 speed=1x", 3600500, true},
		{"frame=1 fps=0 q=-1.0", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		ms, ok := parseProgressLine(c.line)
		if ms != c.ms || ok != c.ok {
			t.Errorf("parseProgressLine(%q) = (%d, %t), want (%d, %t)", c.line, ms, ok, c.ms, c.ok)
		}
	}
}

func TestLineRing(t *testing.T) {
	r := newLineRing(3)
	for _, l := range []string{"one", "  ", "two", "three", "four"} {
		r.add(l)
	}
	if got := r.String(); got != "two\nthree\nfour" {
		t.Fatalf("ring = %q", got)
	}
}
