package domain

import "time"

// PlaybackProgress is a client's resume position for one video, updated as
// segments are served and persisted best-effort.
type PlaybackProgress struct {
	ClientID  string    `json:"clientId"`
	VideoID   string    `json:"videoId"`
	Variant   string    `json:"variant"`
	Segment   int       `json:"segment"`
	Position  float64   `json:"position"`
	UpdatedAt time.Time `json:"updatedAt"`
}
