package apihttp

import (
	"net/http"
	"time"
)

type videoSummary struct {
	ID        string    `json:"id"`
	Container string    `json:"container"`
	SizeBytes int64     `json:"sizeBytes"`
	ModTime   time.Time `json:"modTime"`
	MasterURL string    `json:"masterUrl"`
}

func (s *Server) handleVideos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	videos := s.library.List()
	out := make([]videoSummary, 0, len(videos))
	for _, v := range videos {
		out = append(out, videoSummary{
			ID:        v.ID,
			Container: v.Container,
			SizeBytes: v.SizeBytes,
			ModTime:   v.ModTime,
			MasterURL: "/api/stream/" + v.ID + "/master.m3u8",
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type healthResponse struct {
	Status    string    `json:"status"`
	CheckedAt time.Time `json:"checkedAt"`
	Videos    int       `json:"videos"`
	WSClients int       `json:"wsClients"`

	UptimeSec      int64 `json:"uptimeSec"`
	Tasks          int   `json:"tasks"`
	Sessions       int   `json:"sessions"`
	Processes      int   `json:"processes"`
	HWSlotsInUse   int   `json:"hwSlotsInUse"`
	HWSlotCapacity int   `json:"hwSlotCapacity"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	snap := s.engine.Snapshot()
	resp := healthResponse{
		Status:         "ok",
		CheckedAt:      time.Now().UTC(),
		Videos:         len(s.library.List()),
		WSClients:      s.wsHub.clientCount(),
		UptimeSec:      snap.UptimeSec,
		Tasks:          len(snap.Tasks),
		Sessions:       snap.Sessions,
		Processes:      snap.Processes,
		HWSlotsInUse:   snap.HWSlotsInUse,
		HWSlotCapacity: snap.HWSlotCapacity,
	}
	writeJSON(w, http.StatusOK, resp)
}
