package app

import "testing"

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("addr = %q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Fatalf("logging = %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.MongoURI != "" {
		t.Fatalf("mongo uri = %q", cfg.MongoURI)
	}
	if cfg.SegmentTime != 5 || cfg.SegmentsToAnalyze != 12 {
		t.Fatalf("hls = %d/%d", cfg.SegmentTime, cfg.SegmentsToAnalyze)
	}
	if cfg.MaxTranscodings != 8 || cfg.MaxPerClient != 3 || cfg.MaxHWProcesses != 2 {
		t.Fatalf("caps = %d/%d/%d", cfg.MaxTranscodings, cfg.MaxPerClient, cfg.MaxHWProcesses)
	}
	if cfg.EncodingPreset != "veryfast" || cfg.EncodingCRF != 23 {
		t.Fatalf("encoding = %q/%d", cfg.EncodingPreset, cfg.EncodingCRF)
	}
	if cfg.CleanupSchedule != "*/10 * * * *" {
		t.Fatalf("schedule = %q", cfg.CleanupSchedule)
	}
	if cfg.MinFreeBytes != 1<<30 {
		t.Fatalf("min free = %d", cfg.MinFreeBytes)
	}
	if cfg.BitrateWeight != 1.0 || cfg.ResolutionWeight != 2.0 {
		t.Fatalf("weights = %v/%v", cfg.BitrateWeight, cfg.ResolutionWeight)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("MONGO_URI", "mongodb://localhost:27017")
	t.Setenv("HLS_SEGMENT_TIME", "6")
	t.Setenv("HARDWARE_ENCODING_ENABLED", "true")
	t.Setenv("MAX_CONCURRENT_TRANSCODINGS", "4")
	t.Setenv("ENCODING_VIDEO_CODEC", "libx265")
	t.Setenv("PLAYLIST_SCORE_BITRATE_WEIGHT", "0.5")

	cfg := LoadConfig()
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("addr = %q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("level = %q", cfg.LogLevel)
	}
	if cfg.MongoURI != "mongodb://localhost:27017" {
		t.Fatalf("mongo = %q", cfg.MongoURI)
	}
	if cfg.SegmentTime != 6 {
		t.Fatalf("segment time = %d", cfg.SegmentTime)
	}
	if !cfg.HardwareEncoding {
		t.Fatal("hardware encoding not enabled")
	}
	if cfg.MaxTranscodings != 4 {
		t.Fatalf("max transcodings = %d", cfg.MaxTranscodings)
	}
	if cfg.EncodingVideoCodec != "libx265" {
		t.Fatalf("codec = %q", cfg.EncodingVideoCodec)
	}
	if cfg.BitrateWeight != 0.5 {
		t.Fatalf("bitrate weight = %v", cfg.BitrateWeight)
	}
}

func TestLoadConfigExplicitAddrWinsOverPort(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("HTTP_ADDR", "127.0.0.1:8000")

	if cfg := LoadConfig(); cfg.HTTPAddr != "127.0.0.1:8000" {
		t.Fatalf("addr = %q", cfg.HTTPAddr)
	}
}

func TestGetEnvHelpersRejectGarbage(t *testing.T) {
	t.Setenv("SOME_INT", "not-a-number")
	if getEnvInt64("SOME_INT", 7) != 7 {
		t.Fatal("bad int should fall back")
	}
	t.Setenv("SOME_INT", "-3")
	if getEnvInt64("SOME_INT", 7) != 7 {
		t.Fatal("negative int should fall back")
	}
	t.Setenv("SOME_BOOL", "yep")
	if getEnvBool("SOME_BOOL", true) != true {
		t.Fatal("bad bool should fall back")
	}
	t.Setenv("SOME_FLOAT", "many")
	if getEnvFloat("SOME_FLOAT", 1.5) != 1.5 {
		t.Fatal("bad float should fall back")
	}
}
