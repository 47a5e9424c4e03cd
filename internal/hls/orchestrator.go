package hls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"streamgate/internal/domain"
	"streamgate/internal/metrics"
)

// warmClientID attributes warm-up requests kicked by playlist generation.
// The session it creates ages out like any other client.
const warmClientID = "warmup"

// Event is a task lifecycle notification pushed to the event hub.
type Event struct {
	Type string       `json:"type"`
	Task TaskSnapshot `json:"task"`
}

// ProgressSink receives best-effort playback progress updates.
type ProgressSink interface {
	UpsertProgress(ctx context.Context, p domain.PlaybackProgress) error
}

// EnsureRequest is one segment demand from the HTTP layer.
type EnsureRequest struct {
	ClientID   string
	VideoID    string
	Variant    domain.Variant
	SourcePath string
	Segment    int
	IFrame     bool
}

// PlaylistRequest asks for a variant playlist, warming the variant when
// nothing has been produced yet.
type PlaylistRequest struct {
	ClientID   string
	VideoID    string
	Variant    domain.Variant
	SourcePath string
	VOD        bool
	IFrame     bool
}

// OrchestratorOptions wires the orchestrator's collaborators.
type OrchestratorOptions struct {
	Paths      *Paths
	Store      *Store
	Locks      *Locks
	Registry   *Registry
	Sessions   *Sessions
	Supervisor *Supervisor
	HWSlots    *HWSlots
	Planner    Planner
	Manifest   *Manifest
	Playlists  *Playlists
	Settings   *Settings
	Logger     *slog.Logger
}

// Orchestrator is the top-level ensureSegment engine: for every request it
// serves an existing file, attaches to a running producer, or replaces the
// producer at a new seek offset. Encoder lifetime is tied to the
// orchestrator's run context, never to individual requests.
type Orchestrator struct {
	paths      *Paths
	store      *Store
	locks      *Locks
	registry   *Registry
	sessions   *Sessions
	supervisor *Supervisor
	hw         *HWSlots
	planner    Planner
	manifest   *Manifest
	playlists  *Playlists
	settings   *Settings
	logger     *slog.Logger

	runCtx    context.Context
	flight    singleflight.Group
	startedAt time.Time

	// startMu guards the per-key mutexes serializing producer replacement.
	startMu  sync.Mutex
	starting map[TaskKey]*sync.Mutex

	onEvent  func(Event)
	progress ProgressSink
}

func NewOrchestrator(runCtx context.Context, opts OrchestratorOptions) *Orchestrator {
	if runCtx == nil {
		runCtx = context.Background()
	}
	o := &Orchestrator{
		paths:      opts.Paths,
		store:      opts.Store,
		locks:      opts.Locks,
		registry:   opts.Registry,
		sessions:   opts.Sessions,
		supervisor: opts.Supervisor,
		hw:         opts.HWSlots,
		planner:    opts.Planner,
		manifest:   opts.Manifest,
		playlists:  opts.Playlists,
		settings:   opts.Settings,
		logger:     opts.Logger,
		runCtx:     runCtx,
		startedAt:  time.Now(),
		starting:   make(map[TaskKey]*sync.Mutex),
	}
	o.supervisor.OnExit(o.handleExit)
	return o
}

// SetEventSink installs the lifecycle event callback (ws hub broadcast).
func (o *Orchestrator) SetEventSink(fn func(Event)) { o.onEvent = fn }

// SetProgressSink installs the playback progress persister.
func (o *Orchestrator) SetProgressSink(sink ProgressSink) { o.progress = sink }

// EnsureSegment returns the absolute path of a stable segment file,
// producing it first when needed. Concurrent calls for the same segment
// share one producer and one stability wait. Production is bound to the
// engine's run context, not the request's.
func (o *Orchestrator) EnsureSegment(_ context.Context, req EnsureRequest) (string, error) {
	began := time.Now()
	defer func() {
		metrics.EnsureSegmentDuration.Observe(time.Since(began).Seconds())
	}()

	key := NewTaskKey(req.VideoID, req.Variant.Label)
	path := o.segmentPath(req)

	// Fast path: the file is already on disk.
	if o.store.Exists(path) {
		o.sessions.Update(req.ClientID, key.VideoID, req.Variant, req.Segment, time.Now())
		o.registry.TouchActivity(key, req.ClientID)
		_ = o.locks.Touch(req.VideoID, req.Variant.Label)
		metrics.SegmentsServedTotal.WithLabelValues("hit").Inc()
		o.recordProgress(req)
		return path, nil
	}

	analysis := o.sessions.Update(req.ClientID, key.VideoID, req.Variant, req.Segment, time.Now())
	_ = o.locks.Touch(req.VideoID, req.Variant.Label)

	// A registry miss after a restart still has yesterday's output on disk.
	if _, ok := o.registry.Get(key); !ok {
		ranges := o.store.ScanRanges(o.paths.VariantDir(req.VideoID, req.Variant.Label))
		o.registry.Adopt(key, req.ClientID, req.Variant, ranges)
	}

	flightKey := fmt.Sprintf("%s|%d|%t", key, req.Segment, req.IFrame)
	res, err, _ := o.flight.Do(flightKey, func() (any, error) {
		return o.produceSegment(req, key, path, analysis)
	})
	if err != nil {
		metrics.SegmentsServedTotal.WithLabelValues("failed").Inc()
		return "", err
	}
	metrics.SegmentsServedTotal.WithLabelValues("produced").Inc()
	o.recordProgress(req)
	return res.(string), nil
}

// produceSegment runs the decide/spawn/await sequence for one deduplicated
// segment demand.
func (o *Orchestrator) produceSegment(req EnsureRequest, key TaskKey, path string, analysis domain.RequestAnalysis) (string, error) {
	if err := o.resolveProducer(req, key, analysis); err != nil {
		return "", err
	}

	// The wait runs on the engine's context: a disconnecting client must not
	// abort production other clients of the same key share.
	if err := o.store.WaitForStability(o.runCtx, path, stabilityPoll, stabilityTriesSegment); err != nil {
		o.registry.MarkNeedsRestart(key)
		return "", err
	}
	return path, nil
}

// resolveProducer makes sure the key has exactly the producer the request
// needs. The whole decide-kill-insert-spawn sequence holds the key's start
// lock, so concurrent requests cannot each pass the decide window and spawn
// a second encoder for the same variant.
func (o *Orchestrator) resolveProducer(req EnsureRequest, key TaskKey, analysis domain.RequestAnalysis) error {
	mu := o.startLock(key)
	mu.Lock()
	defer mu.Unlock()

	decision := o.registry.Decide(key, req.ClientID, req.Segment, analysis, time.Now())
	o.logger.Debug("segment decision",
		slog.String("task", key.String()),
		slog.Int("segment", req.Segment),
		slog.String("intent", string(analysis.Intent)),
		slog.String("decision", decision.String()),
	)

	switch decision {
	case DecideStart, DecideRestart:
		if err := o.startTask(req, key, decision); err != nil {
			if !errors.Is(err, domain.ErrResourceExhausted) {
				return err
			}
			// Caps blocked the restart: park a placeholder and keep using
			// whatever output already exists.
			t := newTask(key, req.ClientID, req.Segment, req.Variant, time.Now())
			o.registry.InsertPlaceholder(t)
		}
	case DecideAttach:
		o.registry.Touch(key, req.ClientID, req.Segment)
		if !o.registry.HasLiveProcess(key) && o.registry.Revive(key, req.Segment) {
			if err := o.spawn(req, key, req.Segment); err != nil && !errors.Is(err, domain.ErrResourceExhausted) {
				return err
			}
		}
	}
	return nil
}

// startLock returns the mutex serializing producer replacement for one key.
func (o *Orchestrator) startLock(key TaskKey) *sync.Mutex {
	o.startMu.Lock()
	defer o.startMu.Unlock()
	m, ok := o.starting[key]
	if !ok {
		m = &sync.Mutex{}
		o.starting[key] = m
	}
	return m
}

// startTask replaces any existing producer for the key with a fresh one
// seeked to the requested segment. Caller holds the key's start lock;
// process teardown still happens outside the registry mutex with locally
// captured handles.
func (o *Orchestrator) startTask(req EnsureRequest, key TaskKey, decision Decision) error {
	if old, ok := o.registry.Remove(key); ok {
		if old.Process != nil {
			o.supervisor.Kill(old.Process, "restart")
			o.emit("task_killed", snapshotTask(old))
		}
	}

	t := newTask(key, req.ClientID, req.Segment, req.Variant, time.Now())
	victims, err := o.registry.Insert(t)
	if err != nil {
		return err
	}
	for _, v := range victims {
		if v.Process != nil {
			o.supervisor.Kill(v.Process, "evicted")
			o.emit("task_killed", snapshotTask(v))
		}
	}
	if decision == DecideRestart {
		o.playlists.Invalidate(req.VideoID, req.Variant.Label)
	}
	return o.spawn(req, key, req.Segment)
}

// spawn plans and launches the encoder for a registered task.
func (o *Orchestrator) spawn(req EnsureRequest, key TaskKey, startSegment int) error {
	release := o.hw.TryAcquire(key.String())

	plan, err := o.planner.Plan(PlanRequest{
		SourcePath:   req.SourcePath,
		Variant:      req.Variant,
		StartSegment: startSegment,
		SegmentTime:  o.settings.SegmentTime(),
		SegmentExt:   o.paths.SegmentExt(req.VideoID),
		UseHardware:  release != nil,
		ForceSDR:     req.Variant.IsSDR,
		IFrame:       o.settings.IFrameEnabled() && !req.Variant.IsAudio(),
	})
	if err != nil {
		if release != nil {
			release()
		}
		o.registry.MarkNeedsRestart(key)
		return fmt.Errorf("encoder planning: %v: %w", err, domain.ErrTransient)
	}

	dir := o.paths.VariantDir(req.VideoID, req.Variant.Label)
	proc, err := o.supervisor.Start(o.runCtx, key, plan, dir, release)
	if err != nil {
		o.registry.MarkNeedsRestart(key)
		return fmt.Errorf("encoder spawn: %v: %w", err, domain.ErrTransient)
	}
	o.registry.SetProcess(key, proc)
	_ = o.locks.Create(req.VideoID, req.Variant.Label)

	if snap, ok := o.registry.Get(key); ok {
		o.emit("task_started", snap)
	}
	return nil
}

// GetPlaylist serves a variant playlist, warming the variant on first touch.
func (o *Orchestrator) GetPlaylist(ctx context.Context, req PlaylistRequest) ([]byte, error) {
	key := NewTaskKey(req.VideoID, req.Variant.Label)
	_ = o.locks.Touch(req.VideoID, req.Variant.Label)

	data, err := o.playlists.Get(ctx, req.VideoID, req.Variant.Label, req.VOD, req.IFrame)
	if err == nil {
		o.registry.TouchActivity(key, req.ClientID)
		return data, nil
	}
	if errors.Is(err, domain.ErrNotReady) {
		if _, ok := o.registry.Get(key); !ok {
			o.WarmVariant(req.VideoID, req.SourcePath, req.Variant)
		}
	}
	return nil, err
}

// WarmVariant kicks production of the variant's first segment in the
// background, so the playlist materializes before the player asks again.
func (o *Orchestrator) WarmVariant(videoID, sourcePath string, v domain.Variant) {
	go func() {
		_, err := o.EnsureSegment(o.runCtx, EnsureRequest{
			ClientID:   warmClientID,
			VideoID:    videoID,
			Variant:    v,
			SourcePath: sourcePath,
			Segment:    0,
		})
		if err != nil {
			o.logger.Debug("variant warm-up failed",
				slog.String("videoId", videoID),
				slog.String("variant", v.Label),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// EnsureVariantInfo exposes the manifest to the master playlist builder.
func (o *Orchestrator) EnsureVariantInfo(ctx context.Context, videoID string, v domain.Variant) (domain.VariantInfo, error) {
	return o.manifest.EnsureVideoInfo(ctx, videoID, v)
}

// EnsureAudioInfo exposes the audio manifest to the master playlist builder.
func (o *Orchestrator) EnsureAudioInfo(ctx context.Context, videoID string, v domain.Variant) (domain.AudioInfo, error) {
	return o.manifest.EnsureAudioInfo(ctx, videoID, v)
}

// Snapshot is the health view of the whole engine.
type Snapshot struct {
	UptimeSec      int64          `json:"uptimeSec"`
	Tasks          []TaskSnapshot `json:"tasks"`
	Sessions       int            `json:"sessions"`
	Processes      int            `json:"processes"`
	HWSlotsInUse   int            `json:"hwSlotsInUse"`
	HWSlotCapacity int            `json:"hwSlotCapacity"`
}

func (o *Orchestrator) Snapshot() Snapshot {
	return Snapshot{
		UptimeSec:      int64(time.Since(o.startedAt).Seconds()),
		Tasks:          o.registry.Snapshot(),
		Sessions:       o.sessions.Count(),
		Processes:      o.supervisor.Running(),
		HWSlotsInUse:   o.hw.InUse(),
		HWSlotCapacity: o.hw.Capacity(),
	}
}

// Shutdown terminates every supervised encoder. Tasks are left in the
// registry; the process is exiting anyway.
func (o *Orchestrator) Shutdown() {
	o.supervisor.KillAll("shutdown")
}

// handleExit reacts to encoder exits reported by the supervisor.
func (o *Orchestrator) handleExit(ev ExitEvent) {
	snap, known := o.registry.Get(ev.Key)
	switch {
	case ev.Killed:
		o.registry.ClearProcess(ev.Key, ev.ProcessID)
	case ev.Code == 0:
		if o.registry.MarkFinished(ev.Key, ev.ProcessID) && known {
			o.manifest.MarkDone(ev.Key.VideoID, ev.Key.Variant, snap.IsAudio)
			snap.Finished = true
			o.emit("task_finished", snap)
		}
	default:
		o.registry.ClearProcess(ev.Key, ev.ProcessID)
		o.registry.MarkNeedsRestart(ev.Key)
		if known {
			o.emit("task_failed", snap)
		}
	}
}

func (o *Orchestrator) emit(eventType string, snap TaskSnapshot) {
	if o.onEvent != nil {
		o.onEvent(Event{Type: eventType, Task: snap})
	}
}

// recordProgress persists the client's playback position, best effort.
func (o *Orchestrator) recordProgress(req EnsureRequest) {
	if o.progress == nil || req.ClientID == warmClientID || req.Variant.IsAudio() {
		return
	}
	p := domain.PlaybackProgress{
		ClientID:  req.ClientID,
		VideoID:   SanitizeVideoID(req.VideoID),
		Variant:   req.Variant.Label,
		Segment:   req.Segment,
		Position:  float64(req.Segment * o.settings.SegmentTime()),
		UpdatedAt: time.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(o.runCtx, 3*time.Second)
		defer cancel()
		if err := o.progress.UpsertProgress(ctx, p); err != nil {
			o.logger.Debug("progress upsert failed", slog.String("error", err.Error()))
		}
	}()
}

func (o *Orchestrator) segmentPath(req EnsureRequest) string {
	if req.IFrame {
		return o.paths.IFrameSegmentPath(req.VideoID, req.Variant.Label, req.Segment)
	}
	return o.paths.SegmentPath(req.VideoID, req.Variant.Label, req.Segment)
}
