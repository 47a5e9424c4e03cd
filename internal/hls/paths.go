package hls

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	playlistName       = "playlist.m3u8"
	iframePlaylistName = "iframe_playlist.m3u8"
	lockName           = "session.lock"
	doneName           = "done"
	videoInfoName      = "info.json"
	audioInfoName      = "audio_info.json"
	codecReferenceName = "codec_reference.json"

	defaultSegmentExt = "ts"
)

// CodecReference records per-video output parameters shared by every variant:
// the segment container extension and the codec family the planner picked.
// It lives at <root>/<id>/codec_reference.json and is written once.
type CodecReference struct {
	SegmentExt string `json:"segmentExt"`
	VideoCodec string `json:"videoCodec,omitempty"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// Paths computes the on-disk layout under the HLS output root:
//
//	<root>/<sanitizedId>/codec_reference.json
//	<root>/<sanitizedId>/<variant>/{playlist.m3u8, NNN.ts|m4s, info.json,
//	                                session.lock, done}
//
// Variant labels are lowercased before path composition so case differences
// in requests cannot create duplicate directories.
type Paths struct {
	root string

	mu     sync.RWMutex
	exts   map[string]string
	flight singleflight.Group
}

func NewPaths(root string) *Paths {
	return &Paths{root: root, exts: make(map[string]string)}
}

// Root returns the HLS output root directory.
func (p *Paths) Root() string { return p.root }

// SanitizeVideoID strips characters that are unsafe in file names and trims
// leading and trailing dots and whitespace.
func SanitizeVideoID(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch r {
		case '/', '\\', '?', '%', '*', ':', '|', '"', '<', '>':
			continue
		}
		b.WriteRune(r)
	}
	return strings.Trim(b.String(), ". \t\r\n")
}

// SegmentName formats a segment index as a zero-padded three-digit file name.
func SegmentName(index int, ext string) string {
	return fmt.Sprintf("%03d.%s", index, ext)
}

// IFrameSegmentName formats the name of an I-frame-only segment.
func IFrameSegmentName(index int) string {
	return fmt.Sprintf("iframe_%03d.ts", index)
}

// ParseSegmentName extracts the index from a segment file name. It accepts
// both padded and unpadded indices with a ts or m4s extension and reports
// whether the file belongs to the I-frame track.
func ParseSegmentName(name string) (index int, iframe bool, ok bool) {
	iframe = strings.HasPrefix(name, "iframe_")
	base := strings.TrimPrefix(name, "iframe_")
	ext := filepath.Ext(base)
	if ext != ".ts" && ext != ".m4s" {
		return 0, false, false
	}
	idx, err := strconv.Atoi(strings.TrimSuffix(base, ext))
	if err != nil || idx < 0 {
		return 0, false, false
	}
	return idx, iframe, true
}

func (p *Paths) VideoDir(videoID string) string {
	return filepath.Join(p.root, SanitizeVideoID(videoID))
}

func (p *Paths) VariantDir(videoID, label string) string {
	return filepath.Join(p.VideoDir(videoID), strings.ToLower(label))
}

// SegmentPath resolves the absolute path of one segment, looking up the
// extension in the video's codec reference (default ts).
func (p *Paths) SegmentPath(videoID, label string, index int) string {
	return filepath.Join(p.VariantDir(videoID, label), SegmentName(index, p.SegmentExt(videoID)))
}

func (p *Paths) IFrameSegmentPath(videoID, label string, index int) string {
	return filepath.Join(p.VariantDir(videoID, label), IFrameSegmentName(index))
}

func (p *Paths) PlaylistPath(videoID, label string) string {
	return filepath.Join(p.VariantDir(videoID, label), playlistName)
}

func (p *Paths) IFramePlaylistPath(videoID, label string) string {
	return filepath.Join(p.VariantDir(videoID, label), iframePlaylistName)
}

func (p *Paths) LockPath(videoID, label string) string {
	return filepath.Join(p.VariantDir(videoID, label), lockName)
}

func (p *Paths) DonePath(videoID, label string) string {
	return filepath.Join(p.VariantDir(videoID, label), doneName)
}

// InfoPath is the manifest document for a variant: info.json for video,
// audio_info.json for audio renditions.
func (p *Paths) InfoPath(videoID, label string, audio bool) string {
	name := videoInfoName
	if audio {
		name = audioInfoName
	}
	return filepath.Join(p.VariantDir(videoID, label), name)
}

func (p *Paths) CodecReferencePath(videoID string) string {
	return filepath.Join(p.VideoDir(videoID), codecReferenceName)
}

// SegmentExt returns the segment container extension for a video, reading
// the codec reference on first use and caching the answer.
func (p *Paths) SegmentExt(videoID string) string {
	key := SanitizeVideoID(videoID)

	p.mu.RLock()
	ext, ok := p.exts[key]
	p.mu.RUnlock()
	if ok {
		return ext
	}

	ref, err := p.readCodecReference(key)
	if err != nil || ref.SegmentExt == "" {
		return defaultSegmentExt
	}

	p.mu.Lock()
	p.exts[key] = ref.SegmentExt
	p.mu.Unlock()
	return ref.SegmentExt
}

// EnsureCodecReference returns the stored reference, generating and
// persisting it when absent. Concurrent first readers share one generation
// through a single-flight group keyed by video.
func (p *Paths) EnsureCodecReference(videoID string, gen func() (CodecReference, error)) (CodecReference, error) {
	key := SanitizeVideoID(videoID)
	v, err, _ := p.flight.Do(key, func() (any, error) {
		if ref, err := p.readCodecReference(key); err == nil && ref.SegmentExt != "" {
			return ref, nil
		}
		ref, err := gen()
		if err != nil {
			return CodecReference{}, err
		}
		if ref.SegmentExt == "" {
			ref.SegmentExt = defaultSegmentExt
		}
		ref.UpdatedAt = time.Now().Unix()
		if err := p.writeCodecReference(key, ref); err != nil {
			return CodecReference{}, err
		}
		return ref, nil
	})
	if err != nil {
		return CodecReference{}, err
	}
	ref := v.(CodecReference)

	p.mu.Lock()
	p.exts[key] = ref.SegmentExt
	p.mu.Unlock()
	return ref, nil
}

func (p *Paths) readCodecReference(key string) (CodecReference, error) {
	data, err := os.ReadFile(filepath.Join(p.root, key, codecReferenceName))
	if err != nil {
		return CodecReference{}, err
	}
	var ref CodecReference
	if err := json.Unmarshal(data, &ref); err != nil {
		return CodecReference{}, err
	}
	return ref, nil
}

func (p *Paths) writeCodecReference(key string, ref CodecReference) error {
	dir := filepath.Join(p.root, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(ref, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, codecReferenceName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, codecReferenceName))
}
