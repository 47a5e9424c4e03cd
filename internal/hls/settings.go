package hls

import "sync/atomic"

// Settings are the runtime-tunable HLS parameters shared by the
// orchestrator, manifest and janitor. Updates arrive through the settings
// manager and apply to the next operation that reads them.
type Settings struct {
	segmentTime       atomic.Int64
	segmentsToAnalyze atomic.Int64
	iframeEnabled     atomic.Bool
	cleanupEnabled    atomic.Bool
}

func NewSettings(segmentTime, segmentsToAnalyze int, iframeEnabled, cleanupEnabled bool) *Settings {
	s := &Settings{}
	s.UpdateHLSSettings(segmentTime, segmentsToAnalyze, iframeEnabled, cleanupEnabled)
	return s
}

// SegmentTime is the target segment duration in seconds.
func (s *Settings) SegmentTime() int { return int(s.segmentTime.Load()) }

// SegmentsToAnalyze is how many leading segments the manifest probes.
func (s *Settings) SegmentsToAnalyze() int { return int(s.segmentsToAnalyze.Load()) }

// IFrameEnabled reports whether trick-play outputs are produced.
func (s *Settings) IFrameEnabled() bool { return s.iframeEnabled.Load() }

// CleanupEnabled reports whether the deep cleanup scan runs.
func (s *Settings) CleanupEnabled() bool { return s.cleanupEnabled.Load() }

// UpdateHLSSettings applies new values, ignoring non-positive numbers.
func (s *Settings) UpdateHLSSettings(segmentTime, segmentsToAnalyze int, iframeEnabled, cleanupEnabled bool) {
	if segmentTime > 0 {
		s.segmentTime.Store(int64(segmentTime))
	}
	if segmentsToAnalyze > 0 {
		s.segmentsToAnalyze.Store(int64(segmentsToAnalyze))
	}
	s.iframeEnabled.Store(iframeEnabled)
	s.cleanupEnabled.Store(cleanupEnabled)
}
