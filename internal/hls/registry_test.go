package hls

import (
	"errors"
	"testing"
	"time"

	"streamgate/internal/domain"
)

var (
	v720  = domain.Variant{Label: "720p", Kind: domain.VariantVideo, Height: 720}
	v1080 = domain.Variant{Label: "1080p", Kind: domain.VariantVideo, Height: 1080}
	v480  = domain.Variant{Label: "480p", Kind: domain.VariantVideo, Height: 480}
)

func newTestRegistry(maxTotal, maxPerClient int) *Registry {
	return NewRegistry(maxTotal, maxPerClient, testLogger())
}

// finishTask binds a producer handle and records its clean exit.
func finishTask(r *Registry, key TaskKey) {
	p := &Process{ID: "p-" + key.Variant, done: make(chan struct{})}
	r.SetProcess(key, p)
	r.MarkFinished(key, p.ID)
}

func TestInsertEvictsLowestPriority(t *testing.T) {
	r := newTestRegistry(2, 3)
	now := time.Now()

	if _, err := r.Insert(newTask(NewTaskKey("a", "480p"), "c1", 0, v480, now)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Insert(newTask(NewTaskKey("b", "1080p"), "c2", 0, v1080, now)); err != nil {
		t.Fatal(err)
	}

	victims, err := r.Insert(newTask(NewTaskKey("c", "720p"), "c3", 0, v720, now))
	if err != nil {
		t.Fatalf("insert over cap: %v", err)
	}
	if len(victims) != 1 || victims[0].Key != NewTaskKey("a", "480p") {
		t.Fatalf("victims = %v", victims)
	}
	if _, ok := r.Get(NewTaskKey("a", "480p")); ok {
		t.Fatal("victim still registered")
	}
}

func TestInsertSharedTasksAreProtected(t *testing.T) {
	r := newTestRegistry(1, 3)
	now := time.Now()

	shared := newTask(NewTaskKey("a", "480p"), "c1", 0, v480, now)
	if _, err := r.Insert(shared); err != nil {
		t.Fatal(err)
	}
	r.Touch(NewTaskKey("a", "480p"), "c2", 0)

	_, err := r.Insert(newTask(NewTaskKey("b", "1080p"), "c3", 0, v1080, now))
	if !errors.Is(err, domain.ErrResourceExhausted) {
		t.Fatalf("got %v, want ErrResourceExhausted", err)
	}
}

func TestInsertPerClientCap(t *testing.T) {
	r := newTestRegistry(10, 2)
	now := time.Now()

	if _, err := r.Insert(newTask(NewTaskKey("a", "480p"), "c1", 0, v480, now)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Insert(newTask(NewTaskKey("b", "720p"), "c1", 0, v720, now)); err != nil {
		t.Fatal(err)
	}

	victims, err := r.Insert(newTask(NewTaskKey("c", "1080p"), "c1", 0, v1080, now))
	if err != nil {
		t.Fatalf("third task: %v", err)
	}
	if len(victims) != 1 || victims[0].Owner != "c1" {
		t.Fatalf("victims = %v", victims)
	}
}

func TestInsertDuplicateKeyFails(t *testing.T) {
	r := newTestRegistry(8, 3)
	now := time.Now()
	key := NewTaskKey("a", "720p")
	if _, err := r.Insert(newTask(key, "c1", 0, v720, now)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Insert(newTask(key, "c2", 5, v720, now)); err == nil {
		t.Fatal("duplicate insert succeeded")
	}
}

func TestDecideVerdicts(t *testing.T) {
	normal := domain.RequestAnalysis{Intent: domain.IntentSequential, IsNormalPlayerBehavior: true}
	seek := domain.RequestAnalysis{Intent: domain.IntentUserSeek, IsNormalPlayerBehavior: false}
	now := time.Now()
	stale := now.Add(-time.Minute)

	t.Run("missing task starts", func(t *testing.T) {
		r := newTestRegistry(8, 3)
		if d := r.Decide(NewTaskKey("a", "720p"), "c1", 0, normal, now); d != DecideStart {
			t.Fatalf("got %v", d)
		}
	})

	t.Run("finished task restarts", func(t *testing.T) {
		r := newTestRegistry(8, 3)
		key := NewTaskKey("a", "720p")
		mustInsert(t, r, newTask(key, "c1", 0, v720, stale))
		finishTask(r, key)
		if d := r.Decide(key, "c1", 50, normal, now); d != DecideRestart {
			t.Fatalf("got %v", d)
		}
	})

	t.Run("segment inside produced ranges attaches", func(t *testing.T) {
		r := newTestRegistry(8, 3)
		key := NewTaskKey("a", "720p")
		mustInsert(t, r, newTask(key, "c1", 0, v720, stale))
		r.SyncRanges(key, []SegmentRange{{0, 40}})
		if d := r.Decide(key, "c1", 200, seek, now); d != DecideRestart {
			t.Fatalf("far seek outside ranges: got %v", d)
		}
		if d := r.Decide(key, "c1", 35, seek, now); d != DecideAttach {
			t.Fatalf("inside ranges: got %v", d)
		}
	})

	t.Run("within momentum threshold attaches", func(t *testing.T) {
		r := newTestRegistry(8, 3)
		key := NewTaskKey("a", "720p")
		mustInsert(t, r, newTask(key, "c1", 0, v720, stale))
		// latest=0, preload=5, threshold 20*1.5 for normal behavior.
		if d := r.Decide(key, "c1", 30, normal, now); d != DecideAttach {
			t.Fatalf("got %v", d)
		}
	})

	t.Run("recent activity blocks restart", func(t *testing.T) {
		r := newTestRegistry(8, 3)
		key := NewTaskKey("a", "720p")
		mustInsert(t, r, newTask(key, "c1", 0, v720, now))
		if d := r.Decide(key, "c1", 500, seek, now); d != DecideAttach {
			t.Fatalf("got %v", d)
		}
	})

	t.Run("owner seek restarts", func(t *testing.T) {
		r := newTestRegistry(8, 3)
		key := NewTaskKey("a", "720p")
		mustInsert(t, r, newTask(key, "c1", 0, v720, stale))
		if d := r.Decide(key, "c1", 100, seek, now); d != DecideRestart {
			t.Fatalf("got %v", d)
		}
	})

	t.Run("huge distance restarts without seek intent", func(t *testing.T) {
		r := newTestRegistry(8, 3)
		key := NewTaskKey("a", "720p")
		mustInsert(t, r, newTask(key, "c1", 0, v720, stale))
		buffering := domain.RequestAnalysis{Intent: domain.IntentBuffering, IsNormalPlayerBehavior: true}
		if d := r.Decide(key, "c1", 500, buffering, now); d != DecideRestart {
			t.Fatalf("got %v", d)
		}
	})
}

func mustInsert(t *testing.T, r *Registry, task *Task) {
	t.Helper()
	if _, err := r.Insert(task); err != nil {
		t.Fatal(err)
	}
}

func TestMomentumThreshold(t *testing.T) {
	base := &Task{SegmentStart: 0, LatestSegment: 0}
	if got := momentumThreshold(base, false); got != 20 {
		t.Fatalf("base threshold = %v", got)
	}
	if got := momentumThreshold(base, true); got != 30 {
		t.Fatalf("normal behavior threshold = %v", got)
	}

	// 30 completed segments: 20 extra beyond the minimum, half counted.
	established := &Task{SegmentStart: 0, LatestSegment: 30}
	if got := momentumThreshold(established, false); got != 30 {
		t.Fatalf("established threshold = %v", got)
	}

	surround := &Task{SegmentStart: 0, LatestSegment: 0, IsAudio: true, Channels: 6}
	if got := momentumThreshold(surround, false); got != 25 {
		t.Fatalf("multichannel threshold = %v", got)
	}
}

func TestMarkFinishedIgnoresStaleExit(t *testing.T) {
	r := newTestRegistry(8, 3)
	key := NewTaskKey("a", "720p")
	mustInsert(t, r, newTask(key, "c1", 0, v720, time.Now()))

	// A restart replaced the producer; the old process's exit report must
	// not finish the task the new producer now serves.
	current := &Process{ID: "p-new", done: make(chan struct{})}
	r.SetProcess(key, current)

	if r.MarkFinished(key, "p-old") {
		t.Fatal("stale exit finished the task")
	}
	snap, ok := r.Get(key)
	if !ok || snap.Finished {
		t.Fatalf("task after stale exit = %+v ok=%t", snap, ok)
	}

	if !r.MarkFinished(key, current.ID) {
		t.Fatal("bound producer's exit not recorded")
	}
	snap, _ = r.Get(key)
	if !snap.Finished {
		t.Fatal("task not marked finished")
	}
}

func TestAdoptAndRevive(t *testing.T) {
	r := newTestRegistry(8, 3)
	key := NewTaskKey("a", "720p")

	if r.Adopt(key, "c1", v720, nil) {
		t.Fatal("adopt with no ranges should fail")
	}
	if !r.Adopt(key, "c1", v720, []SegmentRange{{0, 12}, {20, 25}}) {
		t.Fatal("adopt failed")
	}
	if r.Adopt(key, "c2", v720, []SegmentRange{{0, 1}}) {
		t.Fatal("second adopt should fail")
	}

	snap, ok := r.Get(key)
	if !ok {
		t.Fatal("adopted task missing")
	}
	if snap.LatestSegment != 25 || snap.SegmentStart != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if r.HasLiveProcess(key) {
		t.Fatal("adopted task should be producer-less")
	}

	if !r.Revive(key, 30) {
		t.Fatal("revive failed")
	}
	snap, _ = r.Get(key)
	if snap.SegmentStart != 30 || snap.LatestSegment != 30 {
		t.Fatalf("after revive = %+v", snap)
	}
}

func TestReleaseClientOwnershipTransfer(t *testing.T) {
	r := newTestRegistry(8, 3)
	key := NewTaskKey("a", "720p")
	mustInsert(t, r, newTask(key, "c1", 0, v720, time.Now()))
	r.Touch(key, "c2", 3)

	if removed, gone := r.ReleaseClient(key, "c1"); gone || removed != nil {
		t.Fatal("task should survive with c2 attached")
	}
	snap, _ := r.Get(key)
	if snap.Owner != "c2" {
		t.Fatalf("owner = %q", snap.Owner)
	}

	removed, gone := r.ReleaseClient(key, "c2")
	if !gone || removed == nil {
		t.Fatal("last detach should remove the task")
	}
}

func TestDetachClientAcrossTasks(t *testing.T) {
	r := newTestRegistry(8, 3)
	now := time.Now()
	k1 := NewTaskKey("a", "720p")
	k2 := NewTaskKey("b", "1080p")
	mustInsert(t, r, newTask(k1, "c1", 0, v720, now))
	mustInsert(t, r, newTask(k2, "c1", 0, v1080, now))
	r.Touch(k2, "c2", 0)

	removed := r.DetachClient("c1")
	if len(removed) != 1 || removed[0].Key != k1 {
		t.Fatalf("removed = %v", removed)
	}
	snap, ok := r.Get(k2)
	if !ok || snap.Owner != "c2" {
		t.Fatalf("k2 snapshot = %+v ok=%t", snap, ok)
	}
}

func TestSweepDead(t *testing.T) {
	r := newTestRegistry(8, 3)
	now := time.Now()

	finished := NewTaskKey("a", "720p")
	mustInsert(t, r, newTask(finished, "c1", 0, v720, now))
	finishTask(r, finished)

	orphan := newTask(NewTaskKey("b", "720p"), "c2", 0, v720, now)
	mustInsert(t, r, orphan)
	orphan.Attached = map[string]struct{}{}

	pending := newTask(NewTaskKey("c", "720p"), "c3", 0, v720, now.Add(-time.Hour))
	r.InsertPlaceholder(pending)

	live := NewTaskKey("d", "720p")
	mustInsert(t, r, newTask(live, "c4", 0, v720, now))

	removed := r.SweepDead(now, time.Minute)
	if len(removed) != 1 || removed[0].Key != orphan.Key {
		t.Fatalf("removed = %v", removed)
	}
	if _, ok := r.Get(finished); ok {
		t.Fatal("finished task survived sweep")
	}
	if _, ok := r.Get(pending.Key); ok {
		t.Fatal("expired placeholder survived sweep")
	}
	if _, ok := r.Get(live); !ok {
		t.Fatal("live task swept")
	}
}
