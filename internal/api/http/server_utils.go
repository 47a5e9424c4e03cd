package apihttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"streamgate/internal/domain"
)

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeStreamError maps domain errors onto the streaming status contract.
// ErrNotReady turns into 202 so players retry instead of surfacing a failure.
func writeStreamError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotReady):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "preparing"})
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "stream not found")
	case errors.Is(err, domain.ErrResourceExhausted):
		w.Header().Set("Retry-After", "2")
		writeError(w, http.StatusServiceUnavailable, "busy", "transcoding capacity exhausted")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "stream unavailable")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func setPlaylistHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
}

func segmentContentType(name string) string {
	if strings.HasSuffix(name, ".m4s") {
		return "video/iso.segment"
	}
	return "video/mp2t"
}
