package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"streamgate/internal/domain"
	"streamgate/internal/hls"
)

const (
	maxProbeTimeout = 30 * time.Second
	sourceCacheTTL  = 5 * time.Minute
)

type cacheEntry struct {
	media     hls.SourceMedia
	expiresAt time.Time
}

// Prober wraps the ffprobe binary. Source probes are cached by path since
// library files do not change under us; segment probes are not cached, they
// run once per variant during manifest measurement.
type Prober struct {
	binary string

	mu     sync.RWMutex
	cache  map[string]cacheEntry
	flight singleflight.Group
}

func New(binary string) *Prober {
	bin := strings.TrimSpace(binary)
	if bin == "" {
		bin = "ffprobe"
	}
	return &Prober{binary: bin, cache: make(map[string]cacheEntry)}
}

// ProbeSource inspects a source media file, returning its video and audio
// streams. Concurrent first probes of the same path share one ffprobe run.
func (p *Prober) ProbeSource(ctx context.Context, path string) (hls.SourceMedia, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return hls.SourceMedia{}, errors.New("file path is required")
	}

	p.mu.RLock()
	if e, ok := p.cache[path]; ok && time.Now().Before(e.expiresAt) {
		p.mu.RUnlock()
		return e.media, nil
	}
	p.mu.RUnlock()

	v, err, _ := p.flight.Do(path, func() (any, error) {
		payload, err := p.run(ctx, path)
		if err != nil {
			return hls.SourceMedia{}, err
		}
		media := parseSource(payload)
		p.mu.Lock()
		p.cache[path] = cacheEntry{media: media, expiresAt: time.Now().Add(sourceCacheTTL)}
		p.mu.Unlock()
		return media, nil
	})
	if err != nil {
		return hls.SourceMedia{}, err
	}
	return v.(hls.SourceMedia), nil
}

// ProbeSegment inspects one produced segment for manifest measurement.
func (p *Prober) ProbeSegment(ctx context.Context, path string) (hls.SegmentProbe, error) {
	payload, err := p.run(ctx, path)
	if err != nil {
		return hls.SegmentProbe{}, err
	}
	return parseSegment(payload), nil
}

func (p *Prober) run(ctx context.Context, path string) (probePayload, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxProbeTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, p.binary,
		"-v", "quiet",
		"-probesize", "100M",
		"-analyzeduration", "100M",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	var payload probePayload
	parseErr := json.Unmarshal(stdout.Bytes(), &payload)
	if parseErr != nil {
		if runErr != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				return probePayload{}, fmt.Errorf("ffprobe failed: %w", runErr)
			}
			return probePayload{}, fmt.Errorf("ffprobe failed: %w: %s", runErr, msg)
		}
		return probePayload{}, fmt.Errorf("ffprobe output parse failed: %w", parseErr)
	}

	// ffprobe can exit nonzero for files still being written and still emit
	// usable stream metadata. Keep it when present.
	if runErr != nil && len(payload.Streams) == 0 {
		return probePayload{}, fmt.Errorf("ffprobe failed: %w", runErr)
	}
	return payload, nil
}

// probePayload is the subset of ffprobe JSON output we parse.
type probePayload struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecType     string            `json:"codec_type"`
	CodecName     string            `json:"codec_name"`
	Profile       string            `json:"profile"`
	Level         int               `json:"level"`
	Width         int               `json:"width"`
	Height        int               `json:"height"`
	BitRate       string            `json:"bit_rate"`
	Channels      int               `json:"channels"`
	SampleRate    string            `json:"sample_rate"`
	ColorTransfer string            `json:"color_transfer"`
	Tags          map[string]string `json:"tags"`
	Disposition   struct {
		Default int `json:"default"`
	} `json:"disposition"`
}

type probeFormat struct {
	Duration string `json:"duration"`
	BitRate  string `json:"bit_rate"`
}

func parseSource(payload probePayload) hls.SourceMedia {
	media := hls.SourceMedia{}
	if d, err := strconv.ParseFloat(payload.Format.Duration, 64); err == nil && d > 0 {
		media.Duration = d
	}

	audioIndex := 0
	for _, s := range payload.Streams {
		switch s.CodecType {
		case "video":
			media.Video = append(media.Video, hls.SourceVideo{
				Width:      s.Width,
				Height:     s.Height,
				Codec:      s.CodecName,
				BitRate:    atoiSafe(s.BitRate),
				VideoRange: videoRangeOf(s.ColorTransfer),
			})
		case "audio":
			media.Audio = append(media.Audio, hls.SourceAudio{
				TrackIndex: audioIndex,
				Codec:      s.CodecName,
				Channels:   s.Channels,
				SampleRate: atoiSafe(s.SampleRate),
				BitRate:    atoiSafe(s.BitRate),
				Language:   strings.TrimSpace(getTag(s.Tags, "language")),
				Title:      strings.TrimSpace(getTag(s.Tags, "title")),
				Default:    s.Disposition.Default == 1,
			})
			audioIndex++
		}
	}
	return media
}

func parseSegment(payload probePayload) hls.SegmentProbe {
	probe := hls.SegmentProbe{VideoRange: domain.RangeSDR}
	overall := atoiSafe(payload.Format.BitRate)

	for _, s := range payload.Streams {
		switch s.CodecType {
		case "video":
			probe.Width = s.Width
			probe.Height = s.Height
			probe.RFCCodec = rfcVideoCodec(s.CodecName, s.Profile, s.Level)
			probe.VideoRange = videoRangeOf(s.ColorTransfer)
			if br := atoiSafe(s.BitRate); br > 0 {
				probe.BitRate = br
			}
		case "audio":
			probe.AudioCodec = s.CodecName
			probe.RFCAudioCodec = rfcAudioCodec(s.CodecName)
			probe.Channels = s.Channels
			probe.SampleRate = atoiSafe(s.SampleRate)
			probe.Language = strings.TrimSpace(getTag(s.Tags, "language"))
			probe.IsAtmos = strings.Contains(strings.ToUpper(s.Profile), "JOC")
			if br := atoiSafe(s.BitRate); br > 0 {
				probe.AudioBitRate = br
			}
		}
	}

	// MPEG-TS segments often omit per-stream bitrates; fall back to the
	// container's overall rate.
	if probe.BitRate == 0 && overall > 0 {
		probe.BitRate = overall
	}
	if probe.AudioBitRate == 0 && probe.AudioCodec != "" && probe.Width == 0 {
		probe.AudioBitRate = overall
	}
	return probe
}

func videoRangeOf(colorTransfer string) domain.VideoRange {
	switch strings.ToLower(colorTransfer) {
	case "smpte2084":
		return domain.RangePQ
	case "arib-std-b67":
		return domain.RangeHLG
	default:
		return domain.RangeSDR
	}
}

// rfcVideoCodec renders the RFC 6381 codec string players expect in
// playlists.
func rfcVideoCodec(codec, profile string, level int) string {
	switch strings.ToLower(codec) {
	case "h264":
		p := "6400"
		switch strings.ToLower(profile) {
		case "baseline", "constrained baseline":
			p = "42e0"
		case "main":
			p = "4d40"
		case "high 10":
			p = "6e00"
		}
		if level <= 0 {
			level = 40
		}
		return fmt.Sprintf("avc1.%s%02x", p, level)
	case "hevc", "h265":
		if level <= 0 {
			level = 120
		}
		return fmt.Sprintf("hvc1.2.4.L%d.B0", level)
	case "av1":
		return "av01.0.08M.08"
	default:
		return ""
	}
}

func rfcAudioCodec(codec string) string {
	switch strings.ToLower(codec) {
	case "aac":
		return "mp4a.40.2"
	case "ac3":
		return "ac-3"
	case "eac3":
		return "ec-3"
	case "opus":
		return "opus"
	case "flac":
		return "fLaC"
	case "mp3":
		return "mp4a.40.34"
	default:
		return ""
	}
}

func atoiSafe(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func getTag(tags map[string]string, key string) string {
	if len(tags) == 0 {
		return ""
	}
	if v, ok := tags[key]; ok {
		return v
	}
	if v, ok := tags[strings.ToUpper(key)]; ok {
		return v
	}
	if v, ok := tags[strings.ToLower(key)]; ok {
		return v
	}
	return ""
}
