package apihttp

import (
	"encoding/json"
	"net/http"

	"streamgate/internal/app"
)

// Encoding settings handlers.

var validPresets = map[string]bool{
	"ultrafast": true,
	"superfast": true,
	"veryfast":  true,
	"faster":    true,
	"fast":      true,
	"medium":    true,
}

var validAudioBitrates = map[string]bool{
	"96k":  true,
	"128k": true,
	"192k": true,
	"256k": true,
}

var validVideoCodecs = map[string]bool{
	"libx264": true,
	"libx265": true,
}

func (s *Server) handleEncodingSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleGetEncodingSettings(w, r)
	case http.MethodPatch, http.MethodPut:
		s.handleUpdateEncodingSettings(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGetEncodingSettings(w http.ResponseWriter, _ *http.Request) {
	if s.encoding == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "encoding settings not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.encoding.Get())
}

func (s *Server) handleUpdateEncodingSettings(w http.ResponseWriter, r *http.Request) {
	if s.encoding == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "encoding settings not configured")
		return
	}

	var body app.EncodingSettings
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}

	if body.Preset != "" && !validPresets[body.Preset] {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid preset")
		return
	}
	if body.CRF < 0 || body.CRF > 51 {
		writeError(w, http.StatusBadRequest, "invalid_request", "crf must be 0-51")
		return
	}
	if body.AudioBitrate != "" && !validAudioBitrates[body.AudioBitrate] {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid audioBitrate")
		return
	}
	if body.VideoCodec != "" && !validVideoCodecs[body.VideoCodec] {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid videoCodec")
		return
	}

	// Merge with current values for partial updates.
	current := s.encoding.Get()
	if body.Preset == "" {
		body.Preset = current.Preset
	}
	if body.CRF == 0 {
		body.CRF = current.CRF
	}
	if body.AudioBitrate == "" {
		body.AudioBitrate = current.AudioBitrate
	}
	if body.VideoCodec == "" {
		body.VideoCodec = current.VideoCodec
	}

	if err := s.encoding.Update(body); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update encoding settings")
		return
	}

	writeJSON(w, http.StatusOK, s.encoding.Get())
}

// HLS settings handlers.

func (s *Server) handleHLSSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleGetHLSSettings(w, r)
	case http.MethodPatch, http.MethodPut:
		s.handleUpdateHLSSettings(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGetHLSSettings(w http.ResponseWriter, _ *http.Request) {
	if s.hlsSettingsCtrl == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "hls settings not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.hlsSettingsCtrl.Get())
}

func (s *Server) handleUpdateHLSSettings(w http.ResponseWriter, r *http.Request) {
	if s.hlsSettingsCtrl == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "hls settings not configured")
		return
	}

	var body app.HLSSettings
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}

	// Merge with current values for partial updates. Booleans always come
	// from the body; omitting them means false.
	current := s.hlsSettingsCtrl.Get()
	if body.SegmentTime == 0 {
		body.SegmentTime = current.SegmentTime
	}
	if body.SegmentsToAnalyze == 0 {
		body.SegmentsToAnalyze = current.SegmentsToAnalyze
	}

	if body.SegmentTime < 2 || body.SegmentTime > 10 {
		writeError(w, http.StatusBadRequest, "invalid_request", "segmentTime must be 2-10")
		return
	}
	if body.SegmentsToAnalyze < 1 || body.SegmentsToAnalyze > 60 {
		writeError(w, http.StatusBadRequest, "invalid_request", "segmentsToAnalyze must be 1-60")
		return
	}

	if err := s.hlsSettingsCtrl.Update(body); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update hls settings")
		return
	}

	writeJSON(w, http.StatusOK, s.hlsSettingsCtrl.Get())
}
