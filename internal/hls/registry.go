package hls

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"streamgate/internal/domain"
	"streamgate/internal/metrics"
)

// Orchestration tunables. NORMAL_PLAYBACK_RANGE is the window a well-behaved
// player prefetches within; the momentum terms make long-running tasks harder
// to preempt the more they have produced.
const (
	normalPlaybackRange       = 20
	preloadThreshold          = 5
	seekCooldown              = 2 * time.Second
	transcodingMinSegments    = 10
	transcodingMomentumFactor = 0.5

	sessionTimeout       = 10 * time.Minute
	variantSwitchTimeout = 20 * time.Second
)

// TaskKey identifies one transcoding task; the registry holds at most one
// live producer per key.
type TaskKey struct {
	VideoID string
	Variant string
}

func NewTaskKey(videoID, label string) TaskKey {
	return TaskKey{VideoID: SanitizeVideoID(videoID), Variant: strings.ToLower(label)}
}

func (k TaskKey) String() string { return k.VideoID + "/" + k.Variant }

// GeneratedRanges are the segment runs a task is known to have produced,
// refreshed by directory scans.
type GeneratedRanges struct {
	Ranges     []SegmentRange `json:"ranges"`
	VerifiedAt time.Time      `json:"verifiedAt"`
}

// Task is one running or pending transcoder job for a variant.
type Task struct {
	Key           TaskKey
	Owner         string
	Attached      map[string]struct{}
	SegmentStart  int
	LatestSegment int
	LastActivity  time.Time
	StartedAt     time.Time
	Priority      int
	PendingStart  bool
	NeedsRestart  bool
	Finished      bool
	Generated     GeneratedRanges
	Process       *Process
	IsAudio       bool
	Channels      int
}

func newTask(key TaskKey, owner string, segment int, v domain.Variant, now time.Time) *Task {
	return &Task{
		Key:           key,
		Owner:         owner,
		Attached:      map[string]struct{}{owner: {}},
		SegmentStart:  segment,
		LatestSegment: segment,
		LastActivity:  now,
		StartedAt:     now,
		Priority:      v.Priority(),
		IsAudio:       v.IsAudio(),
		Channels:      v.Channels,
	}
}

// TaskSnapshot is the externally visible view of a task, used by the health
// endpoint and the event hub.
type TaskSnapshot struct {
	VideoID       string         `json:"videoId"`
	Variant       string         `json:"variant"`
	Owner         string         `json:"owner"`
	AttachedCount int            `json:"attachedCount"`
	SegmentStart  int            `json:"segmentStart"`
	LatestSegment int            `json:"latestSegment"`
	Priority      int            `json:"priority"`
	PendingStart  bool           `json:"pendingStart"`
	NeedsRestart  bool           `json:"needsRestart"`
	Finished      bool           `json:"finished"`
	IsAudio       bool           `json:"isAudio"`
	Ranges        []SegmentRange `json:"ranges,omitempty"`
	LastActivity  time.Time      `json:"lastActivity"`
	ProcessID     string         `json:"processId,omitempty"`
	EncodedSec    float64        `json:"encodedSec,omitempty"`
}

func snapshotTask(t *Task) TaskSnapshot {
	s := TaskSnapshot{
		VideoID:       t.Key.VideoID,
		Variant:       t.Key.Variant,
		Owner:         t.Owner,
		AttachedCount: len(t.Attached),
		SegmentStart:  t.SegmentStart,
		LatestSegment: t.LatestSegment,
		Priority:      t.Priority,
		PendingStart:  t.PendingStart,
		NeedsRestart:  t.NeedsRestart,
		Finished:      t.Finished,
		IsAudio:       t.IsAudio,
		Ranges:        append([]SegmentRange(nil), t.Generated.Ranges...),
		LastActivity:  t.LastActivity,
	}
	if t.Process != nil {
		s.ProcessID = t.Process.ID
		s.EncodedSec = t.Process.Progress().Seconds()
	}
	return s
}

// Decision is the verdict for one ensure call: create a producer, ride the
// existing one, or replace it.
type Decision int

const (
	DecideStart Decision = iota
	DecideAttach
	DecideRestart
)

func (d Decision) String() string {
	switch d {
	case DecideStart:
		return "start"
	case DecideAttach:
		return "attach"
	case DecideRestart:
		return "restart"
	}
	return "unknown"
}

// Registry is the canonical map (videoId, variant) → Task. All mutations take
// its mutex; only pure-memory work happens inside. Process spawning and
// killing are the caller's job, outside the lock, using handles the registry
// hands back.
type Registry struct {
	mu           sync.Mutex
	tasks        map[TaskKey]*Task
	maxTotal     int
	maxPerClient int
	logger       *slog.Logger
}

func NewRegistry(maxTotal, maxPerClient int, logger *slog.Logger) *Registry {
	if maxTotal <= 0 {
		maxTotal = 8
	}
	if maxPerClient <= 0 {
		maxPerClient = 3
	}
	return &Registry{
		tasks:        make(map[TaskKey]*Task),
		maxTotal:     maxTotal,
		maxPerClient: maxPerClient,
		logger:       logger,
	}
}

// Get returns a snapshot of the task, if present.
func (r *Registry) Get(key TaskKey) (TaskSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[key]
	if !ok {
		return TaskSnapshot{}, false
	}
	return snapshotTask(t), true
}

// Touch refreshes activity, attaches the client, and raises latestSegment.
func (r *Registry) Touch(key TaskKey, clientID string, segment int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[key]
	if !ok {
		return false
	}
	t.LastActivity = time.Now()
	t.Attached[clientID] = struct{}{}
	if segment > t.LatestSegment {
		t.LatestSegment = segment
	}
	return true
}

// TouchActivity refreshes activity and attachment without moving the segment
// cursor; used when a request is served straight from disk.
func (r *Registry) TouchActivity(key TaskKey, clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[key]
	if !ok {
		return false
	}
	t.LastActivity = time.Now()
	t.Attached[clientID] = struct{}{}
	return true
}

// SyncRanges records a fresh directory scan on the task and advances
// latestSegment to the highest produced index.
func (r *Registry) SyncRanges(key TaskKey, ranges []SegmentRange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[key]
	if !ok {
		return
	}
	t.Generated = GeneratedRanges{Ranges: ranges, VerifiedAt: time.Now()}
	for _, rg := range ranges {
		if rg.End > t.LatestSegment {
			t.LatestSegment = rg.End
		}
	}
}

// Insert adds a task, enforcing the concurrency caps. When a cap would be
// breached it evicts the lowest-priority single-client task and returns the
// victims so the caller can kill their processes outside the lock. When no
// victim qualifies the insert fails with domain.ErrResourceExhausted.
func (r *Registry) Insert(t *Task) ([]*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[t.Key]; exists {
		return nil, fmt.Errorf("task %s already registered: %w", t.Key, domain.ErrTransient)
	}
	if t.Attached == nil {
		t.Attached = make(map[string]struct{})
	}
	t.Attached[t.Owner] = struct{}{}

	var victims []*Task
	if r.activeLocked() >= r.maxTotal {
		v := r.evictLocked(t.Key, "")
		if v == nil {
			return nil, fmt.Errorf("transcoding slots exhausted: %w", domain.ErrResourceExhausted)
		}
		victims = append(victims, v)
	}
	if r.ownerActiveLocked(t.Owner) >= r.maxPerClient {
		v := r.evictLocked(t.Key, t.Owner)
		if v == nil {
			return nil, fmt.Errorf("per-client transcoding slots exhausted: %w", domain.ErrResourceExhausted)
		}
		victims = append(victims, v)
	}

	r.tasks[t.Key] = t
	r.updateGaugeLocked()
	if len(victims) > 0 {
		metrics.TaskEvictionsTotal.Add(float64(len(victims)))
	}
	return victims, nil
}

// InsertPlaceholder records a pendingStart task when the caps block a real
// start. Placeholders hold no process and do not count against the caps; the
// janitor expires them.
func (r *Registry) InsertPlaceholder(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[t.Key]; exists {
		return
	}
	t.PendingStart = true
	if t.Attached == nil {
		t.Attached = map[string]struct{}{t.Owner: {}}
	}
	r.tasks[t.Key] = t
	r.updateGaugeLocked()
}

// Adopt synthesizes a producer-less task from segment ranges found on disk,
// so clients keep benefiting from past work after a server restart. The
// entry gains a real producer through Revive when something must be encoded.
func (r *Registry) Adopt(key TaskKey, owner string, v domain.Variant, ranges []SegmentRange) bool {
	if len(ranges) == 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[key]; exists {
		return false
	}
	t := newTask(key, owner, ranges[0].Start, v, time.Now())
	t.Generated = GeneratedRanges{Ranges: append([]SegmentRange(nil), ranges...), VerifiedAt: time.Now()}
	for _, rg := range ranges {
		if rg.End > t.LatestSegment {
			t.LatestSegment = rg.End
		}
	}
	r.tasks[key] = t
	r.updateGaugeLocked()
	r.logger.Debug("task adopted from disk",
		slog.String("task", key.String()),
		slog.Int("ranges", len(ranges)),
	)
	return true
}

// Remove deletes the task and hands it back for process teardown.
func (r *Registry) Remove(key TaskKey) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[key]
	if !ok {
		return nil, false
	}
	delete(r.tasks, key)
	r.updateGaugeLocked()
	return t, true
}

// SetProcess binds a spawned process to its task and clears pending flags.
func (r *Registry) SetProcess(key TaskKey, p *Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[key]
	if !ok {
		return
	}
	t.Process = p
	t.PendingStart = false
	t.NeedsRestart = false
}

// Revive points an existing (producer-less) task at a fresh start segment.
// Used when a synthesized entry gets an attach verdict but nothing is
// producing: the task keeps its known ranges and gains a producer.
func (r *Registry) Revive(key TaskKey, segment int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[key]
	if !ok {
		return false
	}
	t.SegmentStart = segment
	if segment > t.LatestSegment {
		t.LatestSegment = segment
	}
	t.LastActivity = time.Now()
	t.Finished = false
	t.NeedsRestart = false
	return true
}

// MarkNeedsRestart flags the task for replacement on the next request.
func (r *Registry) MarkNeedsRestart(key TaskKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[key]; ok {
		t.NeedsRestart = true
	}
}

// MarkFinished records a clean exit of the bound producer. Exits reported
// for a process the task no longer owns are ignored, so a stale exit-0 from
// a replaced encoder cannot finish a freshly restarted task.
func (r *Registry) MarkFinished(key TaskKey, processID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[key]
	if !ok || t.Process == nil || t.Process.ID != processID {
		return false
	}
	t.Finished = true
	t.Process = nil
	return true
}

// ClearProcess detaches an exited process handle without marking completion.
func (r *Registry) ClearProcess(key TaskKey, processID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[key]; ok && t.Process != nil && t.Process.ID == processID {
		t.Process = nil
	}
}

// ReleaseClient detaches a client from the task. When the last client leaves
// the task is removed and returned for teardown; when the owner leaves but
// others remain, ownership transfers.
func (r *Registry) ReleaseClient(key TaskKey, clientID string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[key]
	if !ok {
		return nil, false
	}
	delete(t.Attached, clientID)
	if len(t.Attached) == 0 {
		delete(r.tasks, key)
		r.updateGaugeLocked()
		return t, true
	}
	if t.Owner == clientID {
		for other := range t.Attached {
			t.Owner = other
			break
		}
	}
	return nil, false
}

// DetachClient removes a client from every task. Tasks left without clients
// are removed and returned; tasks whose owner left transfer ownership.
func (r *Registry) DetachClient(clientID string) []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []*Task
	for key, t := range r.tasks {
		if _, attached := t.Attached[clientID]; !attached {
			continue
		}
		delete(t.Attached, clientID)
		if len(t.Attached) == 0 {
			delete(r.tasks, key)
			removed = append(removed, t)
			continue
		}
		if t.Owner == clientID {
			for other := range t.Attached {
				t.Owner = other
				r.logger.Info("task ownership transferred",
					slog.String("task", key.String()),
					slog.String("from", clientID),
					slog.String("to", other),
				)
				break
			}
		}
	}
	r.updateGaugeLocked()
	return removed
}

// SweepDead removes finished tasks, tasks with no attached clients, and
// pendingStart placeholders older than maxPendingAge. Removed tasks that
// still hold a process are returned for teardown.
func (r *Registry) SweepDead(now time.Time, maxPendingAge time.Duration) []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []*Task
	for key, t := range r.tasks {
		switch {
		case t.Finished:
			delete(r.tasks, key)
			metrics.JanitorSweepsTotal.WithLabelValues("finished").Inc()
		case len(t.Attached) == 0:
			delete(r.tasks, key)
			removed = append(removed, t)
			metrics.JanitorSweepsTotal.WithLabelValues("orphaned").Inc()
		case t.PendingStart && now.Sub(t.StartedAt) > maxPendingAge:
			delete(r.tasks, key)
			metrics.JanitorSweepsTotal.WithLabelValues("pending_expired").Inc()
		}
	}
	r.updateGaugeLocked()
	return removed
}

// Snapshot lists every task for health reporting.
func (r *Registry) Snapshot() []TaskSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TaskSnapshot, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, snapshotTask(t))
	}
	return out
}

// ActiveCount returns the number of non-finished, non-pending tasks.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked()
}

// Decide applies the attach-versus-restart rules, in order, for one request.
func (r *Registry) Decide(key TaskKey, clientID string, segment int, analysis domain.RequestAnalysis, now time.Time) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[key]
	if !ok {
		return DecideStart
	}
	if t.Finished || t.NeedsRestart {
		return DecideRestart
	}
	if t.PendingStart {
		return DecideAttach
	}
	if rangesContain(t.Generated.Ranges, segment) {
		return DecideAttach
	}
	if rangesNear(t.Generated.Ranges, segment, normalPlaybackRange/2) {
		return DecideAttach
	}

	mt := momentumThreshold(t, analysis.IsNormalPlayerBehavior)
	dist := float64(segment - (t.LatestSegment + preloadThreshold))
	if dist < mt {
		return DecideAttach
	}
	if now.Sub(t.LastActivity) < seekCooldown {
		return DecideAttach
	}
	if analysis.Intent == domain.IntentUserSeek {
		if _, member := t.Attached[clientID]; member || t.Owner == clientID {
			return DecideRestart
		}
	}
	if dist > 2*mt {
		return DecideRestart
	}
	// Shared tasks and anything else ride along.
	return DecideAttach
}

// HasLiveProcess reports whether the task currently has a producer.
func (r *Registry) HasLiveProcess(key TaskKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[key]
	return ok && t.Process != nil && !t.Process.exited()
}

// momentumThreshold grows with the number of segments a task has produced,
// making established producers harder to preempt. Normal player behavior
// widens it by half again; multichannel audio by a quarter.
func momentumThreshold(t *Task, normalBehavior bool) float64 {
	completed := t.LatestSegment - t.SegmentStart
	extra := float64(completed - transcodingMinSegments)
	if extra < 0 {
		extra = 0
	}
	mt := float64(normalPlaybackRange) + extra*transcodingMomentumFactor
	if normalBehavior {
		mt *= 1.5
	}
	if t.IsAudio && t.Channels > 2 {
		mt *= 1.25
	}
	return mt
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, t := range r.tasks {
		if !t.Finished && !t.PendingStart {
			n++
		}
	}
	return n
}

func (r *Registry) ownerActiveLocked(owner string) int {
	n := 0
	for _, t := range r.tasks {
		if t.Owner == owner && !t.Finished && !t.PendingStart {
			n++
		}
	}
	return n
}

// evictLocked picks the lowest-priority task that is not the incoming key,
// is not shared by multiple clients, and (when owner is set) belongs to that
// owner. Ties break toward the stalest activity.
func (r *Registry) evictLocked(incoming TaskKey, owner string) *Task {
	var victim *Task
	for _, t := range r.tasks {
		if t.Key == incoming || t.Finished {
			continue
		}
		if owner != "" && t.Owner != owner {
			continue
		}
		if len(t.Attached) > 1 {
			continue
		}
		if victim == nil ||
			t.Priority < victim.Priority ||
			(t.Priority == victim.Priority && t.LastActivity.Before(victim.LastActivity)) {
			victim = t
		}
	}
	if victim != nil {
		delete(r.tasks, victim.Key)
		r.logger.Info("task evicted for capacity",
			slog.String("task", victim.Key.String()),
			slog.Int("priority", victim.Priority),
		)
	}
	return victim
}

func (r *Registry) updateGaugeLocked() {
	metrics.ActiveTasks.Set(float64(len(r.tasks)))
}
