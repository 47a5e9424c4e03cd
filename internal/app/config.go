package app

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	HTTPAddr       string
	LogLevel       string
	LogFormat      string
	AllowedOrigins string

	MongoURI      string // empty disables persistence
	MongoDatabase string

	VideoSourceDir string
	HLSOutputDir   string

	FFMPEGPath  string
	FFProbePath string

	SegmentTime       int
	SegmentsToAnalyze int
	IFrameEnabled     bool

	HardwareEncoding bool
	MaxHWProcesses   int
	MaxTranscodings  int // 0 = unlimited
	MaxPerClient     int // 0 = unlimited

	EncodingPreset       string
	EncodingCRF          int
	EncodingAudioBitrate string
	EncodingVideoCodec   string

	CleanupEnabled  bool
	CleanupSchedule string
	MinFreeBytes    int64

	BitrateWeight    float64
	ResolutionWeight float64
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:       getEnv("HTTP_ADDR", ":"+getEnv("PORT", "8080")),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:      strings.ToLower(getEnv("LOG_FORMAT", "text")),
		AllowedOrigins: getEnv("ALLOWED_ORIGINS", "*"),

		MongoURI:      getEnv("MONGO_URI", ""),
		MongoDatabase: getEnv("MONGO_DB", "streamgate"),

		VideoSourceDir: getEnv("VIDEO_SOURCE_DIR", "media"),
		HLSOutputDir:   getEnv("HLS_OUTPUT_DIR", filepath.Join(os.TempDir(), "hls")),

		FFMPEGPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
		FFProbePath: getEnv("FFPROBE_PATH", "ffprobe"),

		SegmentTime:       int(getEnvInt64("HLS_SEGMENT_TIME", 5)),
		SegmentsToAnalyze: int(getEnvInt64("SEGMENTS_TO_ANALYZE", 12)),
		IFrameEnabled:     getEnvBool("HLS_IFRAME_ENABLED", false),

		HardwareEncoding: getEnvBool("HARDWARE_ENCODING_ENABLED", false),
		MaxHWProcesses:   int(getEnvInt64("MAX_HW_PROCESSES", 2)),
		MaxTranscodings:  int(getEnvInt64("MAX_CONCURRENT_TRANSCODINGS", 8)),
		MaxPerClient:     int(getEnvInt64("MAX_TRANSCODINGS_PER_CLIENT", 3)),

		EncodingPreset:       getEnv("ENCODING_PRESET", "veryfast"),
		EncodingCRF:          int(getEnvInt64("ENCODING_CRF", 23)),
		EncodingAudioBitrate: getEnv("ENCODING_AUDIO_BITRATE", "128k"),
		EncodingVideoCodec:   getEnv("ENCODING_VIDEO_CODEC", "libx264"),

		CleanupEnabled:  getEnvBool("ENABLE_HLS_CLEANUP", false),
		CleanupSchedule: getEnv("HLS_CLEANUP_SCHEDULE", "*/10 * * * *"),
		MinFreeBytes:    getEnvInt64("HLS_MIN_FREE_BYTES", 1<<30),

		BitrateWeight:    getEnvFloat("PLAYLIST_SCORE_BITRATE_WEIGHT", 1.0),
		ResolutionWeight: getEnvFloat("PLAYLIST_SCORE_RESOLUTION_WEIGHT", 2.0),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}
