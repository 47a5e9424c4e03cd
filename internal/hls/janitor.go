package hls

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"streamgate/internal/metrics"
)

// JanitorOptions configures the background pruning loops.
type JanitorOptions struct {
	Paths      *Paths
	Store      *Store
	Registry   *Registry
	Sessions   *Sessions
	Supervisor *Supervisor
	Settings   *Settings
	Logger     *slog.Logger

	// CleanupSchedule is a cron expression for the deep directory scan.
	// Empty means every ten minutes.
	CleanupSchedule string

	// MinFreeBytes forces the deep scan even when cleanup is disabled, once
	// free space on the output filesystem drops below it. Zero disables the
	// pressure override.
	MinFreeBytes int64
}

// Janitor prunes stale client sessions, abandoned variants, dead tasks and
// old output directories. Fast sweeps run on tickers; the deep directory
// scan runs on a cron schedule.
type Janitor struct {
	paths      *Paths
	store      *Store
	registry   *Registry
	sessions   *Sessions
	supervisor *Supervisor
	settings   *Settings
	logger     *slog.Logger

	schedule     string
	minFreeBytes int64
	cron         *cron.Cron
}

func NewJanitor(opts JanitorOptions) *Janitor {
	schedule := opts.CleanupSchedule
	if schedule == "" {
		schedule = "*/10 * * * *"
	}
	return &Janitor{
		paths:        opts.Paths,
		store:        opts.Store,
		registry:     opts.Registry,
		sessions:     opts.Sessions,
		supervisor:   opts.Supervisor,
		settings:     opts.Settings,
		logger:       opts.Logger,
		schedule:     schedule,
		minFreeBytes: opts.MinFreeBytes,
	}
}

// Run blocks until ctx is cancelled, driving the sweep loops.
func (j *Janitor) Run(ctx context.Context) {
	fast := time.NewTicker(variantSwitchTimeout)
	slow := time.NewTicker(time.Minute)
	defer fast.Stop()
	defer slow.Stop()

	j.cron = cron.New()
	if _, err := j.cron.AddFunc(j.schedule, func() { j.DeepScan() }); err != nil {
		j.logger.Warn("cleanup schedule invalid, deep scan disabled",
			slog.String("schedule", j.schedule),
			slog.String("error", err.Error()),
		)
	} else {
		j.cron.Start()
		defer j.cron.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-fast.C:
			j.sweepVariants(time.Now())
			j.sweepTasks(time.Now())
		case <-slow.C:
			j.sweepSessions(time.Now())
		}
	}
}

// sweepSessions purges clients idle past the session timeout and detaches
// them from their tasks. Tasks left with other clients transfer ownership
// inside the registry; orphaned ones are terminated here.
func (j *Janitor) sweepSessions(now time.Time) {
	for _, clientID := range j.sessions.SweepStale(now, sessionTimeout) {
		j.logger.Info("client session expired", slog.String("clientId", clientID))
		for _, t := range j.registry.DetachClient(clientID) {
			if t.Process != nil {
				j.supervisor.Kill(t.Process, "session_expired")
			}
		}
		metrics.JanitorSweepsTotal.WithLabelValues("session").Inc()
	}
}

// sweepVariants stops transcoding of variants their client switched away
// from more than variantSwitchTimeout ago. Other attached clients keep the
// task alive.
func (j *Janitor) sweepVariants(now time.Time) {
	for _, sv := range j.sessions.StaleVariants(now, variantSwitchTimeout) {
		key := NewTaskKey(sv.VideoID, sv.Variant)
		if t, removed := j.registry.ReleaseClient(key, sv.ClientID); removed {
			if t.Process != nil {
				j.supervisor.Kill(t.Process, "variant_switch")
			}
			j.logger.Info("abandoned variant stopped",
				slog.String("task", key.String()),
				slog.String("clientId", sv.ClientID),
			)
			metrics.JanitorSweepsTotal.WithLabelValues("variant_switch").Inc()
		}
	}
}

// sweepTasks removes finished tasks, clientless tasks, and expired
// pendingStart placeholders.
func (j *Janitor) sweepTasks(now time.Time) {
	for _, t := range j.registry.SweepDead(now, 2*variantSwitchTimeout) {
		if t.Process != nil {
			j.supervisor.Kill(t.Process, "orphaned")
		}
	}
}

// DeepScan walks the output root and removes variant directories whose
// session lock went untouched past lockMaxAge. Runs when cleanup is enabled,
// or regardless of that switch when disk space runs low.
func (j *Janitor) DeepScan() {
	if !j.settings.CleanupEnabled() && !j.diskPressure() {
		return
	}

	root := j.paths.Root()
	videos, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, video := range videos {
		if !video.IsDir() {
			continue
		}
		videoDir := filepath.Join(root, video.Name())
		variants, err := os.ReadDir(videoDir)
		if err != nil {
			continue
		}
		remaining := 0
		for _, variant := range variants {
			if !variant.IsDir() {
				remaining++
				continue
			}
			variantDir := filepath.Join(videoDir, variant.Name())
			age, ok := lockFileAge(filepath.Join(variantDir, lockName))
			if !ok || age <= lockMaxAge {
				remaining++
				continue
			}
			if t, found := j.registry.Remove(NewTaskKey(video.Name(), variant.Name())); found && t.Process != nil {
				j.supervisor.Kill(t.Process, "cleanup")
			}
			if err := j.store.RemoveDir(variantDir); err != nil {
				metrics.CleanupErrorsTotal.Inc()
				remaining++
				continue
			}
			j.logger.Info("stale variant directory removed",
				slog.String("videoId", video.Name()),
				slog.String("variant", variant.Name()),
				slog.Duration("lockAge", age),
			)
			metrics.JanitorSweepsTotal.WithLabelValues("directory").Inc()
		}
		// A video dir holding only the codec reference can go too.
		if remaining <= 1 {
			if entries, err := os.ReadDir(videoDir); err == nil && onlyCodecReference(entries) {
				_ = j.store.RemoveDir(videoDir)
			}
		}
	}
}

// diskPressure reports whether free space dropped below the configured
// minimum on the output filesystem.
func (j *Janitor) diskPressure() bool {
	if j.minFreeBytes <= 0 {
		return false
	}
	free, err := diskFreeBytes(j.paths.Root())
	if err != nil {
		return false
	}
	if free < j.minFreeBytes {
		j.logger.Warn("disk pressure, forcing cleanup scan",
			slog.Int64("freeBytes", free),
			slog.Int64("minFreeBytes", j.minFreeBytes),
		)
		return true
	}
	return false
}

func onlyCodecReference(entries []os.DirEntry) bool {
	for _, e := range entries {
		if e.IsDir() || e.Name() != codecReferenceName {
			return false
		}
	}
	return true
}
