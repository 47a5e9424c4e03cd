package hls

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"streamgate/internal/domain"
	"streamgate/internal/metrics"
)

// playlistCacheTTL is short on purpose: EVENT playlists keep growing while
// the encoder runs, so cached bytes go stale within a segment duration.
const playlistCacheTTL = 2 * time.Second

var (
	playlistTypeEvent = []byte("#EXT-X-PLAYLIST-TYPE:EVENT")
	playlistTypeVOD   = []byte("#EXT-X-PLAYLIST-TYPE:VOD")
)

type playlistEntry struct {
	data      []byte
	expiresAt time.Time
}

// Playlists is the read-through variant playlist cache. Disk files are never
// mutated; the VOD rewrite happens on the served bytes only.
type Playlists struct {
	paths *Paths
	store *Store

	mu      sync.Mutex
	entries map[string]playlistEntry
}

func NewPlaylists(paths *Paths, store *Store) *Playlists {
	return &Playlists{
		paths:   paths,
		store:   store,
		entries: make(map[string]playlistEntry),
	}
}

// Get returns the playlist bytes for a variant, or domain.ErrNotReady while
// the encoder has not produced the file yet. With vod set, the playlist type
// tag is rewritten from EVENT to VOD on the way out.
func (p *Playlists) Get(ctx context.Context, videoID, label string, vod, iframe bool) ([]byte, error) {
	path := p.paths.PlaylistPath(videoID, label)
	if iframe {
		path = p.paths.IFramePlaylistPath(videoID, label)
	}
	key := fmt.Sprintf("%s|%t", path, vod)

	p.mu.Lock()
	if e, ok := p.entries[key]; ok && time.Now().Before(e.expiresAt) {
		p.mu.Unlock()
		metrics.PlaylistCacheHitsTotal.WithLabelValues("hit").Inc()
		return e.data, nil
	}
	p.mu.Unlock()
	metrics.PlaylistCacheHitsTotal.WithLabelValues("miss").Inc()

	if !p.store.Exists(path) {
		return nil, fmt.Errorf("playlist for %s/%s: %w", SanitizeVideoID(videoID), label, domain.ErrNotReady)
	}
	if err := p.store.WaitForStability(ctx, path, stabilityPoll, stabilityTriesPlaylist); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("playlist read: %w", domain.ErrTransient)
	}
	if len(data) == 0 || !bytes.HasPrefix(data, []byte("#EXTM3U")) {
		return nil, fmt.Errorf("playlist incomplete: %w", domain.ErrNotReady)
	}
	if vod {
		data = bytes.Replace(data, playlistTypeEvent, playlistTypeVOD, 1)
	}

	p.mu.Lock()
	p.entries[key] = playlistEntry{data: data, expiresAt: time.Now().Add(playlistCacheTTL)}
	p.mu.Unlock()
	return data, nil
}

// Invalidate drops cached entries for one variant, called when its producer
// restarts and the on-disk playlist is replaced.
func (p *Playlists) Invalidate(videoID, label string) {
	prefix := p.paths.VariantDir(videoID, label)
	p.mu.Lock()
	defer p.mu.Unlock()
	for key := range p.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(p.entries, key)
		}
	}
}
