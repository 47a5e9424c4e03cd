package apihttp

import (
	"net/http"
	"strings"

	"streamgate/internal/domain"
	"streamgate/internal/hls"
)

// streamRequest is one parsed /api/stream/{id}/... URL.
type streamRequest struct {
	videoID string
	variant domain.Variant
	// file is the trailing path element: master.m3u8, playlist.m3u8,
	// iframe_playlist.m3u8 or a segment name.
	file string
}

// handleStream serves everything under /api/stream/: the master playlist,
// variant playlists, audio rendition playlists and segment files.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, ok := s.parseStreamPath(w, r.URL.Path)
	if !ok {
		return
	}

	video, err := s.library.Resolve(req.videoID)
	if err != nil {
		writeStreamError(w, err)
		return
	}

	switch {
	case req.file == "master.m3u8":
		s.serveMaster(w, r, video)
	case req.file == "playlist.m3u8" || req.file == "iframe_playlist.m3u8":
		s.servePlaylist(w, r, video, req)
	default:
		s.serveSegment(w, r, video, req)
	}
}

// parseStreamPath splits /api/stream/{id}/[audio/]{variant}/{file}. The bare
// /api/stream/{id}/master.m3u8 form carries no variant.
func (s *Server) parseStreamPath(w http.ResponseWriter, path string) (streamRequest, bool) {
	rest := strings.TrimPrefix(path, "/api/stream/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) < 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not_found", "unknown stream path")
		return streamRequest{}, false
	}

	req := streamRequest{videoID: parts[0]}
	if len(parts) == 2 {
		if parts[1] != "master.m3u8" {
			writeError(w, http.StatusNotFound, "not_found", "unknown stream path")
			return streamRequest{}, false
		}
		req.file = parts[1]
		return req, true
	}

	label := parts[1]
	fileIdx := 2
	// Audio renditions are addressed as audio/<track_label>/<file>.
	if label == "audio" {
		if len(parts) < 4 {
			writeError(w, http.StatusNotFound, "not_found", "unknown stream path")
			return streamRequest{}, false
		}
		label = parts[2]
		fileIdx = 3
	}
	if len(parts) != fileIdx+1 {
		writeError(w, http.StatusNotFound, "not_found", "unknown stream path")
		return streamRequest{}, false
	}

	variant, err := domain.ParseVariantLabel(label)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown variant")
		return streamRequest{}, false
	}
	req.variant = variant
	req.file = parts[fileIdx]
	return req, true
}

func (s *Server) serveMaster(w http.ResponseWriter, r *http.Request, video domain.Video) {
	if s.master == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "master playlist not configured")
		return
	}
	data, err := s.master.Build(r.Context(), video.ID, video.Path)
	if err != nil {
		writeStreamError(w, err)
		return
	}
	setPlaylistHeaders(w)
	_, _ = w.Write(data)
}

func (s *Server) servePlaylist(w http.ResponseWriter, r *http.Request, video domain.Video, req streamRequest) {
	data, err := s.engine.GetPlaylist(r.Context(), hls.PlaylistRequest{
		ClientID:   hls.ClientID(clientIP(r), r.UserAgent()),
		VideoID:    video.ID,
		Variant:    req.variant,
		SourcePath: video.Path,
		VOD:        wantsVOD(r),
		IFrame:     req.file == "iframe_playlist.m3u8",
	})
	if err != nil {
		writeStreamError(w, err)
		return
	}
	setPlaylistHeaders(w)
	_, _ = w.Write(data)
}

// wantsVOD reports whether the client asked for the closed-playlist rewrite,
// via either the playlistType=VOD or vod=true query form.
func wantsVOD(r *http.Request) bool {
	q := r.URL.Query()
	return strings.EqualFold(q.Get("playlistType"), "vod") || q.Get("vod") == "true"
}

func (s *Server) serveSegment(w http.ResponseWriter, r *http.Request, video domain.Video, req streamRequest) {
	index, iframe, ok := hls.ParseSegmentName(req.file)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown stream path")
		return
	}

	path, err := s.engine.EnsureSegment(r.Context(), hls.EnsureRequest{
		ClientID:   hls.ClientID(clientIP(r), r.UserAgent()),
		VideoID:    video.ID,
		Variant:    req.variant,
		SourcePath: video.Path,
		Segment:    index,
		IFrame:     iframe,
	})
	if err != nil {
		writeStreamError(w, err)
		return
	}

	// Segments are overwritten by index when a seek restarts the producer,
	// so clients must not cache them.
	w.Header().Set("Content-Type", segmentContentType(req.file))
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	http.ServeFile(w, r, path)
}
