package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	apihttp "streamgate/internal/api/http"
	"streamgate/internal/app"
	"streamgate/internal/encoder"
	"streamgate/internal/hls"
	"streamgate/internal/library"
	"streamgate/internal/metrics"
	"streamgate/internal/probe"
	mongorepo "streamgate/internal/repository/mongo"
	"streamgate/internal/telemetry"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "stream-gateway", version)
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "stream-gateway"),
		slog.String("version", version),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("sourceDir", cfg.VideoSourceDir),
		slog.String("outputDir", cfg.HLSOutputDir),
		slog.Int("segmentTime", cfg.SegmentTime),
		slog.Bool("hardwareEncoding", cfg.HardwareEncoding),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Mongo is optional: without MONGO_URI settings live in memory and
	// playback progress is not persisted.
	var (
		mongoClient          *mongo.Client
		progressRepo         *mongorepo.ProgressRepository
		encodingSettingsRepo *mongorepo.EncodingSettingsRepository
		hlsSettingsRepo      *mongorepo.HLSSettingsRepository
	)
	if cfg.MongoURI != "" {
		ctx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
		defer cancel()

		mongoClient, err = mongorepo.Connect(ctx, cfg.MongoURI, options.Client().SetMonitor(otelmongo.NewMonitor()))
		if err != nil {
			logger.Error("mongo connect failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		if err := mongoClient.Ping(ctx, readpref.Primary()); err != nil {
			logger.Error("mongo ping failed", slog.String("error", err.Error()))
			os.Exit(1)
		}

		progressRepo = mongorepo.NewProgressRepository(mongoClient, cfg.MongoDatabase)
		encodingSettingsRepo = mongorepo.NewEncodingSettingsRepository(mongoClient, cfg.MongoDatabase)
		hlsSettingsRepo = mongorepo.NewHLSSettingsRepository(mongoClient, cfg.MongoDatabase)

		if err := progressRepo.EnsureIndexes(ctx); err != nil {
			logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
		}
	}

	lib, err := library.New(cfg.VideoSourceDir, logger)
	if err != nil {
		logger.Error("library init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	go lib.Watch(rootCtx)

	if err := os.MkdirAll(cfg.HLSOutputDir, 0o755); err != nil {
		logger.Error("output dir init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	prober := probe.New(cfg.FFProbePath)
	planner := encoder.New(cfg.FFMPEGPath, cfg.EncodingPreset, cfg.EncodingCRF, cfg.EncodingAudioBitrate, cfg.EncodingVideoCodec)

	paths := hls.NewPaths(cfg.HLSOutputDir)
	store := hls.NewStore(logger)
	locks := hls.NewLocks(paths)
	settings := hls.NewSettings(cfg.SegmentTime, cfg.SegmentsToAnalyze, cfg.IFrameEnabled, cfg.CleanupEnabled)
	registry := hls.NewRegistry(cfg.MaxTranscodings, cfg.MaxPerClient, logger)
	sessions := hls.NewSessions(logger)
	supervisor := hls.NewSupervisor(logger)
	hwCapacity := 0
	if cfg.HardwareEncoding {
		hwCapacity = cfg.MaxHWProcesses
	}
	hwSlots := hls.NewHWSlots(hwCapacity, logger)
	manifest := hls.NewManifest(paths, store, prober, settings, logger)
	playlists := hls.NewPlaylists(paths, store)

	orch := hls.NewOrchestrator(rootCtx, hls.OrchestratorOptions{
		Paths:      paths,
		Store:      store,
		Locks:      locks,
		Registry:   registry,
		Sessions:   sessions,
		Supervisor: supervisor,
		HWSlots:    hwSlots,
		Planner:    planner,
		Manifest:   manifest,
		Playlists:  playlists,
		Settings:   settings,
		Logger:     logger,
	})
	if progressRepo != nil {
		orch.SetProgressSink(progressRepo)
	}

	master := hls.NewMaster(hls.MasterOptions{
		Prober:           prober,
		Manifest:         manifest,
		Settings:         settings,
		Logger:           logger,
		Warm:             orch.WarmVariant,
		BitrateWeight:    cfg.BitrateWeight,
		ResolutionWeight: cfg.ResolutionWeight,
	})

	encodingMgr := app.NewEncodingSettingsManager(planner, storeOrNil(encodingSettingsRepo))
	hlsMgr := app.NewHLSSettingsManager(settings, hlsStoreOrNil(hlsSettingsRepo))
	if cfg.MongoURI != "" {
		restoreCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		if err := encodingMgr.Restore(restoreCtx); err != nil {
			logger.Warn("encoding settings load failed", slog.String("error", err.Error()))
		}
		if err := hlsMgr.Restore(restoreCtx); err != nil {
			logger.Warn("hls settings load failed", slog.String("error", err.Error()))
		}
		cancel()
	}

	janitor := hls.NewJanitor(hls.JanitorOptions{
		Paths:           paths,
		Store:           store,
		Registry:        registry,
		Sessions:        sessions,
		Supervisor:      supervisor,
		Settings:        settings,
		Logger:          logger,
		CleanupSchedule: cfg.CleanupSchedule,
		MinFreeBytes:    cfg.MinFreeBytes,
	})
	go janitor.Run(rootCtx)

	serverOpts := []apihttp.ServerOption{
		apihttp.WithLogger(logger),
		apihttp.WithMaster(master),
		apihttp.WithEncodingSettings(encodingMgr),
		apihttp.WithHLSSettings(hlsMgr),
		apihttp.WithAllowedOrigins(splitOrigins(cfg.AllowedOrigins)),
	}
	if progressRepo != nil {
		serverOpts = append(serverOpts, apihttp.WithProgressStore(progressRepo))
	}

	handler := apihttp.NewServer(orch, lib, serverOpts...)
	orch.SetEventSink(handler.BroadcastEvent)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	orch.Shutdown()
	if mongoClient != nil {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
		}
	}

	logger.Info("server stopped")
}

// storeOrNil converts a possibly-nil repository pointer into the interface the
// settings manager takes; a typed nil inside the interface would defeat the
// manager's nil check.
func storeOrNil(repo *mongorepo.EncodingSettingsRepository) app.EncodingSettingsStore {
	if repo == nil {
		return nil
	}
	return repo
}

func hlsStoreOrNil(repo *mongorepo.HLSSettingsRepository) app.HLSSettingsStore {
	if repo == nil {
		return nil
	}
	return repo
}

func splitOrigins(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if origin := strings.TrimSpace(part); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
