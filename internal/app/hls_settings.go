package app

import (
	"context"
	"time"
)

type HLSSettings struct {
	SegmentTime       int  `json:"segmentTime"`
	SegmentsToAnalyze int  `json:"segmentsToAnalyze"`
	IFrameEnabled     bool `json:"iframeEnabled"`
	CleanupEnabled    bool `json:"cleanupEnabled"`
}

type HLSSettingsEngine interface {
	SegmentTime() int
	SegmentsToAnalyze() int
	IFrameEnabled() bool
	CleanupEnabled() bool
	UpdateHLSSettings(segmentTime, segmentsToAnalyze int, iframeEnabled, cleanupEnabled bool)
}

type HLSSettingsStore interface {
	GetHLSSettings(ctx context.Context) (HLSSettings, bool, error)
	SetHLSSettings(ctx context.Context, settings HLSSettings) error
}

type HLSSettingsManager struct {
	engine  HLSSettingsEngine
	store   HLSSettingsStore
	timeout time.Duration
}

func NewHLSSettingsManager(engine HLSSettingsEngine, store HLSSettingsStore) *HLSSettingsManager {
	return &HLSSettingsManager{
		engine:  engine,
		store:   store,
		timeout: 5 * time.Second,
	}
}

func (m *HLSSettingsManager) Get() HLSSettings {
	return HLSSettings{
		SegmentTime:       m.engine.SegmentTime(),
		SegmentsToAnalyze: m.engine.SegmentsToAnalyze(),
		IFrameEnabled:     m.engine.IFrameEnabled(),
		CleanupEnabled:    m.engine.CleanupEnabled(),
	}
}

func (m *HLSSettingsManager) Update(s HLSSettings) error {
	prev := m.Get()
	m.engine.UpdateHLSSettings(s.SegmentTime, s.SegmentsToAnalyze, s.IFrameEnabled, s.CleanupEnabled)

	if m.store == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.store.SetHLSSettings(ctx, s); err != nil {
		m.engine.UpdateHLSSettings(prev.SegmentTime, prev.SegmentsToAnalyze, prev.IFrameEnabled, prev.CleanupEnabled)
		return err
	}
	return nil
}

// Restore loads persisted settings into the engine at startup, if any.
func (m *HLSSettingsManager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	settings, ok, err := m.store.GetHLSSettings(ctx)
	if err != nil {
		return err
	}
	if ok {
		m.engine.UpdateHLSSettings(settings.SegmentTime, settings.SegmentsToAnalyze, settings.IFrameEnabled, settings.CleanupEnabled)
	}
	return nil
}
