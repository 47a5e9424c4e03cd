package domain

import "time"

// Video is one discoverable source file in the media library. ID is the
// filename without extension, sanitized for path use.
type Video struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"sizeBytes"`
	Container string    `json:"container"`
	ModTime   time.Time `json:"modTime"`
}
