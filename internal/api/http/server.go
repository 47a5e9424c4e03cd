package apihttp

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"streamgate/internal/app"
	"streamgate/internal/domain"
	"streamgate/internal/hls"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// StreamEngine is the orchestration surface the HTTP layer drives.
type StreamEngine interface {
	EnsureSegment(ctx context.Context, req hls.EnsureRequest) (string, error)
	GetPlaylist(ctx context.Context, req hls.PlaylistRequest) ([]byte, error)
	Snapshot() hls.Snapshot
}

// VideoLibrary resolves stream IDs to source files.
type VideoLibrary interface {
	Resolve(videoID string) (domain.Video, error)
	List() []domain.Video
}

// MasterBuilder renders the top-level variant playlist for a source.
type MasterBuilder interface {
	Build(ctx context.Context, videoID, sourcePath string) ([]byte, error)
}

// ProgressStore reads and writes persisted playback positions.
type ProgressStore interface {
	GetProgress(ctx context.Context, clientID, videoID string) (domain.PlaybackProgress, error)
	ListProgress(ctx context.Context, clientID string, limit int) ([]domain.PlaybackProgress, error)
	UpsertProgress(ctx context.Context, p domain.PlaybackProgress) error
}

type EncodingSettingsController interface {
	Get() app.EncodingSettings
	Update(settings app.EncodingSettings) error
}

type HLSSettingsController interface {
	Get() app.HLSSettings
	Update(settings app.HLSSettings) error
}

type Server struct {
	engine          StreamEngine
	library         VideoLibrary
	master          MasterBuilder
	progress        ProgressStore
	encoding        EncodingSettingsController
	hlsSettingsCtrl HLSSettingsController
	allowedOrigins  []string
	logger          *slog.Logger
	handler         http.Handler
	wsHub           *wsHub
}

type ServerOption func(*Server)

func WithMaster(builder MasterBuilder) ServerOption {
	return func(s *Server) {
		s.master = builder
	}
}

func WithProgressStore(store ProgressStore) ServerOption {
	return func(s *Server) {
		s.progress = store
	}
}

func WithEncodingSettings(ctrl EncodingSettingsController) ServerOption {
	return func(s *Server) {
		s.encoding = ctrl
	}
}

func WithHLSSettings(ctrl HLSSettingsController) ServerOption {
	return func(s *Server) {
		s.hlsSettingsCtrl = ctrl
	}
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted (development mode).
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(engine StreamEngine, library VideoLibrary, opts ...ServerOption) *Server {
	s := &Server{
		engine:  engine,
		library: library,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(engine.Snapshot, s.logger)
	go s.wsHub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/videos", s.handleVideos)
	mux.HandleFunc("/api/stream/", s.handleStream)
	mux.HandleFunc("/api/settings/encoding", s.handleEncodingSettings)
	mux.HandleFunc("/api/settings/hls", s.handleHLSSettings)
	mux.HandleFunc("/api/progress", s.handleProgress)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "stream-gateway",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/healthz" && !isSegmentPath(p)
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(400, 800, metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.wsHub == nil {
		http.Error(w, "websocket not available", http.StatusServiceUnavailable)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.wsHub.register <- client
	go client.writePump()
	go client.readPump()
}

// BroadcastEvent pushes a task lifecycle event to all WebSocket clients.
// Installed as the orchestrator's event sink.
func (s *Server) BroadcastEvent(ev hls.Event) {
	if s.wsHub != nil {
		s.wsHub.BroadcastTask(ev.Type, ev.Task)
	}
}

// Close shuts down the WebSocket hub, disconnecting all clients.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}

func isSegmentPath(p string) bool {
	return strings.HasPrefix(p, "/api/stream/") &&
		(strings.HasSuffix(p, ".ts") || strings.HasSuffix(p, ".m4s"))
}
