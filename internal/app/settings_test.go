package app

import (
	"context"
	"errors"
	"testing"
)

type fakeEncodingEngine struct {
	settings EncodingSettings
}

func (f *fakeEncodingEngine) EncodingPreset() string       { return f.settings.Preset }
func (f *fakeEncodingEngine) EncodingCRF() int             { return f.settings.CRF }
func (f *fakeEncodingEngine) EncodingAudioBitrate() string { return f.settings.AudioBitrate }
func (f *fakeEncodingEngine) EncodingVideoCodec() string   { return f.settings.VideoCodec }
func (f *fakeEncodingEngine) UpdateEncodingSettings(preset string, crf int, audioBitrate, videoCodec string) {
	f.settings = EncodingSettings{Preset: preset, CRF: crf, AudioBitrate: audioBitrate, VideoCodec: videoCodec}
}

type fakeEncodingStore struct {
	saved   *EncodingSettings
	failSet bool
}

func (f *fakeEncodingStore) GetEncodingSettings(context.Context) (EncodingSettings, bool, error) {
	if f.saved == nil {
		return EncodingSettings{}, false, nil
	}
	return *f.saved, true, nil
}

func (f *fakeEncodingStore) SetEncodingSettings(_ context.Context, s EncodingSettings) error {
	if f.failSet {
		return errors.New("store unavailable")
	}
	f.saved = &s
	return nil
}

func defaultEncoding() EncodingSettings {
	return EncodingSettings{Preset: "veryfast", CRF: 23, AudioBitrate: "128k", VideoCodec: "libx264"}
}

func TestEncodingSettingsUpdatePersists(t *testing.T) {
	engine := &fakeEncodingEngine{settings: defaultEncoding()}
	store := &fakeEncodingStore{}
	m := NewEncodingSettingsManager(engine, store)

	next := EncodingSettings{Preset: "fast", CRF: 20, AudioBitrate: "192k", VideoCodec: "libx265"}
	if err := m.Update(next); err != nil {
		t.Fatalf("update: %v", err)
	}
	if m.Get() != next {
		t.Fatalf("engine settings = %+v", m.Get())
	}
	if store.saved == nil || *store.saved != next {
		t.Fatalf("store = %+v", store.saved)
	}
}

func TestEncodingSettingsUpdateRollsBackOnStoreError(t *testing.T) {
	engine := &fakeEncodingEngine{settings: defaultEncoding()}
	m := NewEncodingSettingsManager(engine, &fakeEncodingStore{failSet: true})

	err := m.Update(EncodingSettings{Preset: "fast", CRF: 20, AudioBitrate: "192k", VideoCodec: "libx265"})
	if err == nil {
		t.Fatal("update should fail when the store does")
	}
	if m.Get() != defaultEncoding() {
		t.Fatalf("engine not rolled back: %+v", m.Get())
	}
}

func TestEncodingSettingsWithoutStore(t *testing.T) {
	engine := &fakeEncodingEngine{settings: defaultEncoding()}
	m := NewEncodingSettingsManager(engine, nil)

	next := EncodingSettings{Preset: "slow", CRF: 18, AudioBitrate: "256k", VideoCodec: "libx264"}
	if err := m.Update(next); err != nil {
		t.Fatalf("storeless update: %v", err)
	}
	if m.Get() != next {
		t.Fatalf("settings = %+v", m.Get())
	}
	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("storeless restore: %v", err)
	}
}

func TestEncodingSettingsRestore(t *testing.T) {
	engine := &fakeEncodingEngine{settings: defaultEncoding()}
	persisted := EncodingSettings{Preset: "medium", CRF: 21, AudioBitrate: "192k", VideoCodec: "libx264"}
	m := NewEncodingSettingsManager(engine, &fakeEncodingStore{saved: &persisted})

	if err := m.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Get() != persisted {
		t.Fatalf("restored = %+v", m.Get())
	}
}

type fakeHLSEngine struct {
	settings HLSSettings
}

func (f *fakeHLSEngine) SegmentTime() int        { return f.settings.SegmentTime }
func (f *fakeHLSEngine) SegmentsToAnalyze() int  { return f.settings.SegmentsToAnalyze }
func (f *fakeHLSEngine) IFrameEnabled() bool     { return f.settings.IFrameEnabled }
func (f *fakeHLSEngine) CleanupEnabled() bool    { return f.settings.CleanupEnabled }
func (f *fakeHLSEngine) UpdateHLSSettings(segmentTime, segmentsToAnalyze int, iframeEnabled, cleanupEnabled bool) {
	f.settings = HLSSettings{
		SegmentTime:       segmentTime,
		SegmentsToAnalyze: segmentsToAnalyze,
		IFrameEnabled:     iframeEnabled,
		CleanupEnabled:    cleanupEnabled,
	}
}

type fakeHLSStore struct {
	saved   *HLSSettings
	failSet bool
}

func (f *fakeHLSStore) GetHLSSettings(context.Context) (HLSSettings, bool, error) {
	if f.saved == nil {
		return HLSSettings{}, false, nil
	}
	return *f.saved, true, nil
}

func (f *fakeHLSStore) SetHLSSettings(_ context.Context, s HLSSettings) error {
	if f.failSet {
		return errors.New("store unavailable")
	}
	f.saved = &s
	return nil
}

func TestHLSSettingsUpdateAndRollback(t *testing.T) {
	engine := &fakeHLSEngine{settings: HLSSettings{SegmentTime: 5, SegmentsToAnalyze: 12}}
	store := &fakeHLSStore{}
	m := NewHLSSettingsManager(engine, store)

	next := HLSSettings{SegmentTime: 6, SegmentsToAnalyze: 20, IFrameEnabled: true, CleanupEnabled: true}
	if err := m.Update(next); err != nil {
		t.Fatal(err)
	}
	if m.Get() != next || store.saved == nil {
		t.Fatalf("settings = %+v, store = %+v", m.Get(), store.saved)
	}

	store.failSet = true
	if err := m.Update(HLSSettings{SegmentTime: 9, SegmentsToAnalyze: 5}); err == nil {
		t.Fatal("update should fail when the store does")
	}
	if m.Get() != next {
		t.Fatalf("engine not rolled back: %+v", m.Get())
	}
}

func TestHLSSettingsRestoreMissing(t *testing.T) {
	engine := &fakeHLSEngine{settings: HLSSettings{SegmentTime: 5, SegmentsToAnalyze: 12}}
	m := NewHLSSettingsManager(engine, &fakeHLSStore{})

	if err := m.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Get().SegmentTime != 5 {
		t.Fatalf("settings changed on empty restore: %+v", m.Get())
	}
}
