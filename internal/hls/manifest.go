package hls

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"streamgate/internal/domain"
)

// SegmentProbe is what the media prober reports for one produced segment.
// Video and audio fields are populated according to the stream kind.
type SegmentProbe struct {
	Width      int
	Height     int
	RFCCodec   string
	BitRate    int
	VideoRange domain.VideoRange

	AudioCodec    string
	RFCAudioCodec string
	Channels      int
	SampleRate    int
	AudioBitRate  int
	Language      string
	IsAtmos       bool
}

// SegmentProber inspects a single segment file. Implemented by
// internal/probe on top of ffprobe.
type SegmentProber interface {
	ProbeSegment(ctx context.Context, path string) (SegmentProbe, error)
}

// Manifest maintains the persisted per-variant info documents read by the
// playlist generators. Info is measured from the first produced segments,
// not predicted from encoder settings.
type Manifest struct {
	paths    *Paths
	store    *Store
	prober   SegmentProber
	settings *Settings
	logger   *slog.Logger
	flight   singleflight.Group
}

func NewManifest(paths *Paths, store *Store, prober SegmentProber, settings *Settings, logger *slog.Logger) *Manifest {
	return &Manifest{
		paths:    paths,
		store:    store,
		prober:   prober,
		settings: settings,
		logger:   logger,
	}
}

// EnsureVideoInfo returns the persisted variant info, measuring and writing
// it first when absent. Measurement waits for the leading segments to
// stabilize and records the maximum bitrate across them. Concurrent callers
// for the same variant share one measurement.
func (m *Manifest) EnsureVideoInfo(ctx context.Context, videoID string, v domain.Variant) (domain.VariantInfo, error) {
	path := m.paths.InfoPath(videoID, v.Label, false)
	if info, err := readInfoFile[domain.VariantInfo](path); err == nil {
		return info, nil
	}

	res, err, _ := m.flight.Do(path, func() (any, error) {
		if info, err := readInfoFile[domain.VariantInfo](path); err == nil {
			return info, nil
		}
		probes, err := m.probeLeadingSegments(ctx, videoID, v.Label)
		if err != nil {
			return domain.VariantInfo{}, err
		}

		info := domain.VariantInfo{VideoRange: domain.RangeSDR}
		for _, p := range probes {
			if p.BitRate > info.MeasuredBitrate {
				info.MeasuredBitrate = p.BitRate
			}
			if p.Width > 0 {
				info.Width, info.Height = p.Width, p.Height
			}
			if p.RFCCodec != "" {
				info.RFCCodec = p.RFCCodec
			}
			if p.VideoRange != "" {
				info.VideoRange = p.VideoRange
			}
		}
		if info.MeasuredBitrate == 0 && info.RFCCodec == "" {
			return domain.VariantInfo{}, fmt.Errorf("segments yielded no stream data: %w", domain.ErrTransient)
		}
		info.Done = m.store.Exists(m.paths.DonePath(videoID, v.Label))
		if err := writeInfoFile(path, info); err != nil {
			return domain.VariantInfo{}, err
		}
		return info, nil
	})
	if err != nil {
		return domain.VariantInfo{}, err
	}
	return res.(domain.VariantInfo), nil
}

// EnsureAudioInfo is the audio counterpart of EnsureVideoInfo. The recorded
// bitrate comes from the probed overall bitrate fields.
func (m *Manifest) EnsureAudioInfo(ctx context.Context, videoID string, v domain.Variant) (domain.AudioInfo, error) {
	path := m.paths.InfoPath(videoID, v.Label, true)
	if info, err := readInfoFile[domain.AudioInfo](path); err == nil {
		return info, nil
	}

	res, err, _ := m.flight.Do(path, func() (any, error) {
		if info, err := readInfoFile[domain.AudioInfo](path); err == nil {
			return info, nil
		}
		probes, err := m.probeLeadingSegments(ctx, videoID, v.Label)
		if err != nil {
			return domain.AudioInfo{}, err
		}

		var info domain.AudioInfo
		for _, p := range probes {
			if p.AudioCodec != "" {
				info.AudioCodec = p.AudioCodec
				info.RFCAudioCodec = p.RFCAudioCodec
			}
			if p.Channels > 0 {
				info.Channels = p.Channels
			}
			if p.SampleRate > 0 {
				info.SampleRate = p.SampleRate
			}
			if p.AudioBitRate > info.BitRate {
				info.BitRate = p.AudioBitRate
			}
			if p.Language != "" {
				info.Language = p.Language
			}
			info.IsAtmos = info.IsAtmos || p.IsAtmos
		}
		if info.AudioCodec == "" && info.BitRate == 0 {
			return domain.AudioInfo{}, fmt.Errorf("segments yielded no stream data: %w", domain.ErrTransient)
		}
		info.Done = m.store.Exists(m.paths.DonePath(videoID, v.Label))
		if err := writeInfoFile(path, info); err != nil {
			return domain.AudioInfo{}, err
		}
		return info, nil
	})
	if err != nil {
		return domain.AudioInfo{}, err
	}
	return res.(domain.AudioInfo), nil
}

// PeekVideoInfo returns the persisted info without triggering measurement.
func (m *Manifest) PeekVideoInfo(videoID, label string) (domain.VariantInfo, bool) {
	info, err := readInfoFile[domain.VariantInfo](m.paths.InfoPath(videoID, label, false))
	return info, err == nil
}

// PeekAudioInfo returns the persisted audio info without measurement.
func (m *Manifest) PeekAudioInfo(videoID, label string) (domain.AudioInfo, bool) {
	info, err := readInfoFile[domain.AudioInfo](m.paths.InfoPath(videoID, label, true))
	return info, err == nil
}

// MarkDone flips the done flag in a persisted info document, if present.
// Called when the producing process exits cleanly.
func (m *Manifest) MarkDone(videoID, label string, audio bool) {
	path := m.paths.InfoPath(videoID, label, audio)
	if audio {
		if info, err := readInfoFile[domain.AudioInfo](path); err == nil && !info.Done {
			info.Done = true
			_ = writeInfoFile(path, info)
		}
		return
	}
	if info, err := readInfoFile[domain.VariantInfo](path); err == nil && !info.Done {
		info.Done = true
		_ = writeInfoFile(path, info)
	}
}

// probeLeadingSegments waits for the first segmentsToAnalyze segments to
// stabilize and probes each. Missing tail segments cut the sample short;
// probing nothing at all is a transient error.
func (m *Manifest) probeLeadingSegments(ctx context.Context, videoID, label string) ([]SegmentProbe, error) {
	count := m.settings.SegmentsToAnalyze()
	if count <= 0 {
		count = 12
	}

	var probes []SegmentProbe
	for i := 0; i < count; i++ {
		path := m.paths.SegmentPath(videoID, label, i)
		if err := m.store.WaitForStability(ctx, path, stabilityPoll, stabilityTriesFirstProbe); err != nil {
			break
		}
		p, err := m.prober.ProbeSegment(ctx, path)
		if err != nil {
			m.logger.Debug("segment probe failed",
				slog.String("videoId", videoID),
				slog.String("variant", label),
				slog.Int("segment", i),
				slog.String("error", err.Error()),
			)
			continue
		}
		probes = append(probes, p)
	}
	if len(probes) == 0 {
		return nil, fmt.Errorf("no probeable segments for %s/%s: %w", SanitizeVideoID(videoID), label, domain.ErrTransient)
	}
	return probes, nil
}

func readInfoFile[T any](path string) (T, error) {
	var info T
	data, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, err
	}
	return info, nil
}

func writeInfoFile(path string, info any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp." + fmt.Sprint(time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
