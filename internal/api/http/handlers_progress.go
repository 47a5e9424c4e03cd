package apihttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"streamgate/internal/domain"
	"streamgate/internal/hls"
)

// handleProgress serves resume positions. Without videoId it lists the
// client's recent positions; with videoId it returns the single entry. The
// client is identified the same way the session tracker does, so positions
// written while streaming are found again here.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.progress == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "progress store not configured")
		return
	}

	clientID := strings.TrimSpace(r.URL.Query().Get("clientId"))
	if clientID == "" {
		clientID = hls.ClientID(clientIP(r), r.UserAgent())
	}

	if r.Method == http.MethodPut {
		s.handleSaveProgress(w, r, clientID)
		return
	}

	videoID := strings.TrimSpace(r.URL.Query().Get("videoId"))
	if videoID != "" {
		p, err := s.progress.GetProgress(r.Context(), clientID, hls.SanitizeVideoID(videoID))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				writeError(w, http.StatusNotFound, "not_found", "no progress recorded")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", "progress lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, p)
		return
	}

	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 200 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be 1-200")
			return
		}
		limit = parsed
	}

	list, err := s.progress.ListProgress(r.Context(), clientID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "progress lookup failed")
		return
	}
	if list == nil {
		list = []domain.PlaybackProgress{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleSaveProgress accepts an explicit position from the player, on top of
// the best-effort positions the orchestrator records while serving segments.
func (s *Server) handleSaveProgress(w http.ResponseWriter, r *http.Request, clientID string) {
	var body domain.PlaybackProgress
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}
	body.VideoID = hls.SanitizeVideoID(strings.TrimSpace(body.VideoID))
	if body.VideoID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "videoId is required")
		return
	}
	if body.Segment < 0 || body.Position < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "segment and position must be non-negative")
		return
	}
	if strings.TrimSpace(body.ClientID) == "" {
		body.ClientID = clientID
	}
	body.UpdatedAt = time.Now().UTC()

	if err := s.progress.UpsertProgress(r.Context(), body); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "progress save failed")
		return
	}
	writeJSON(w, http.StatusOK, body)
}
