package hls

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"streamgate/internal/domain"
)

// SourceVideo is one video stream of the probed source.
type SourceVideo struct {
	Width      int
	Height     int
	Codec      string
	BitRate    int
	VideoRange domain.VideoRange
}

// SourceAudio is one audio stream of the probed source. TrackIndex is the
// ordinal among audio streams.
type SourceAudio struct {
	TrackIndex int
	Codec      string
	Channels   int
	SampleRate int
	BitRate    int
	Language   string
	Title      string
	Default    bool
}

// SourceMedia is the prober's view of a source file.
type SourceMedia struct {
	Duration float64
	Video    []SourceVideo
	Audio    []SourceAudio
}

// SourceProber inspects a source media file; implemented by internal/probe.
type SourceProber interface {
	ProbeSource(ctx context.Context, path string) (SourceMedia, error)
}

// Fallback per-rung bandwidth estimates, used until the manifest has
// measured real segment bitrates.
var defaultBandwidth = map[string]int{
	"480p":  1_400_000,
	"720p":  2_800_000,
	"1080p": 5_000_000,
	"4k":    12_000_000,
}

const (
	defaultVideoCodecRFC = "avc1.640028"
	defaultAudioCodecRFC = "mp4a.40.2"
	audioGroupID         = "aud"
)

// MasterOptions configures the master playlist builder.
type MasterOptions struct {
	Prober   SourceProber
	Manifest *Manifest
	Settings *Settings
	Logger   *slog.Logger

	// Warm kicks background production of a variant; wired to the
	// orchestrator's WarmVariant.
	Warm func(videoID, sourcePath string, v domain.Variant)

	// Scoring weights for variant ordering: score = BitrateWeight×bitrate +
	// ResolutionWeight×pixels, highest first.
	BitrateWeight    float64
	ResolutionWeight float64
}

// Master builds the top-level playlist naming the variant ladder and audio
// renditions for a source. It derives the ladder from the source height and
// prefers measured bitrates over estimates.
type Master struct {
	prober   SourceProber
	manifest *Manifest
	settings *Settings
	logger   *slog.Logger
	warm     func(videoID, sourcePath string, v domain.Variant)

	bitrateWeight    float64
	resolutionWeight float64
}

func NewMaster(opts MasterOptions) *Master {
	bw, rw := opts.BitrateWeight, opts.ResolutionWeight
	if bw == 0 && rw == 0 {
		bw, rw = 1.0, 2.0
	}
	return &Master{
		prober:           opts.Prober,
		manifest:         opts.Manifest,
		settings:         opts.Settings,
		logger:           opts.Logger,
		warm:             opts.Warm,
		bitrateWeight:    bw,
		resolutionWeight: rw,
	}
}

type masterVariant struct {
	label      string
	width      int
	height     int
	bandwidth  int
	codecs     string
	videoRange domain.VideoRange
	score      float64
}

// Build probes the source and renders the #EXTM3U master document. The top
// variant is warmed in the background so its playlist materializes quickly.
func (m *Master) Build(ctx context.Context, videoID, sourcePath string) ([]byte, error) {
	media, err := m.prober.ProbeSource(ctx, sourcePath)
	if err != nil {
		return nil, fmt.Errorf("source probe: %v: %w", err, domain.ErrTransient)
	}
	if len(media.Video) == 0 {
		return nil, fmt.Errorf("source has no video stream: %w", domain.ErrNotFound)
	}
	src := media.Video[0]

	variants := m.buildLadder(videoID, src)
	sort.Slice(variants, func(i, j int) bool { return variants[i].score > variants[j].score })

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:6\n")
	b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n\n")

	hasAudio := len(media.Audio) > 0
	if hasAudio {
		m.writeAudioRenditions(&b, videoID, media.Audio)
		b.WriteString("\n")
	}

	for _, v := range variants {
		b.WriteString(fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,CODECS=\"%s\"",
			v.bandwidth, v.width, v.height, v.codecs))
		if v.videoRange != "" && v.videoRange != domain.RangeSDR {
			b.WriteString(",VIDEO-RANGE=" + string(v.videoRange))
		}
		if hasAudio {
			b.WriteString(",AUDIO=\"" + audioGroupID + "\"")
		}
		b.WriteString("\n")
		b.WriteString(v.label + "/playlist.m3u8\n")
	}

	if m.settings.IFrameEnabled() {
		b.WriteString("\n")
		for _, v := range variants {
			b.WriteString(fmt.Sprintf("#EXT-X-I-FRAME-STREAM-INF:BANDWIDTH=%d,URI=\"%s/iframe_playlist.m3u8\"\n",
				v.bandwidth/4, v.label))
		}
	}

	if m.warm != nil && len(variants) > 0 {
		top := variants[0]
		if v, err := domain.ParseVariantLabel(top.label); err == nil {
			m.warm(videoID, sourcePath, v)
		}
	}
	return []byte(b.String()), nil
}

// buildLadder derives the rungs at or below the source height, preferring
// measured variant info over estimates.
func (m *Master) buildLadder(videoID string, src SourceVideo) []masterVariant {
	var out []masterVariant
	for _, label := range domain.LadderBelow(src.Height) {
		width, height, _ := domain.VideoLadderRung(label)
		v := masterVariant{
			label:      label,
			width:      width,
			height:     height,
			bandwidth:  defaultBandwidth[label],
			codecs:     defaultVideoCodecRFC + "," + defaultAudioCodecRFC,
			videoRange: src.VideoRange,
		}
		if info, ok := m.manifest.PeekVideoInfo(videoID, label); ok {
			if info.MeasuredBitrate > 0 {
				v.bandwidth = info.MeasuredBitrate
			}
			if info.Width > 0 {
				v.width, v.height = info.Width, info.Height
			}
			if info.RFCCodec != "" {
				v.codecs = info.RFCCodec + "," + defaultAudioCodecRFC
			}
			if info.VideoRange != "" {
				v.videoRange = info.VideoRange
			}
		}
		v.score = m.bitrateWeight*float64(v.bandwidth) + m.resolutionWeight*float64(v.width*v.height)
		out = append(out, v)
	}
	return out
}

// writeAudioRenditions emits one EXT-X-MEDIA per source audio stream plus
// the forced-stereo fallback.
func (m *Master) writeAudioRenditions(b *strings.Builder, videoID string, audio []SourceAudio) {
	for _, a := range audio {
		label := domain.AudioLabel(a.TrackIndex, a.Codec)
		name := a.Title
		if name == "" {
			name = fmt.Sprintf("Track %d", a.TrackIndex+1)
		}
		channels := a.Channels
		if info, ok := m.manifest.PeekAudioInfo(videoID, label); ok && info.Channels > 0 {
			channels = info.Channels
		}
		b.WriteString(fmt.Sprintf("#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID=\"%s\",NAME=\"%s\"", audioGroupID, name))
		if a.Language != "" {
			b.WriteString(fmt.Sprintf(",LANGUAGE=\"%s\"", a.Language))
		}
		if a.Default {
			b.WriteString(",DEFAULT=YES")
		} else {
			b.WriteString(",DEFAULT=NO")
		}
		b.WriteString(",AUTOSELECT=YES")
		if channels > 0 {
			b.WriteString(fmt.Sprintf(",CHANNELS=\"%d\"", channels))
		}
		b.WriteString(fmt.Sprintf(",URI=\"audio/track_%d_%s/playlist.m3u8\"\n", a.TrackIndex, strings.ToLower(a.Codec)))
	}

	// Forced-stereo fallback for players that cannot decode the source
	// channel layout.
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID=\"%s\",NAME=\"Stereo\",DEFAULT=NO,AUTOSELECT=YES,CHANNELS=\"2\",URI=\"audio/%s/playlist.m3u8\"\n",
		audioGroupID, domain.ForcedStereoLabel))
}
