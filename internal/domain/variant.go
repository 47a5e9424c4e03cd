package domain

import "strings"

// VariantKind distinguishes video ladder rungs from audio renditions.
type VariantKind string

const (
	VariantVideo VariantKind = "video"
	VariantAudio VariantKind = "audio"
)

// Variant describes one encoding of a source file. Label is the stable,
// case-insensitive token used in URLs and on disk ("720p", "1080p", "4k",
// "audio_2_aac", "audio_stereo").
type Variant struct {
	Label      string      `json:"label"`
	Kind       VariantKind `json:"kind"`
	Width      int         `json:"width,omitempty"`
	Height     int         `json:"height,omitempty"`
	Bitrate    int         `json:"bitrate,omitempty"`
	IsSDR      bool        `json:"isSDR,omitempty"`
	Channels   int         `json:"channels,omitempty"`
	TrackIndex int         `json:"trackIndex,omitempty"`
	CodecHint  string      `json:"codecHint,omitempty"`
}

// IsAudio reports whether the variant is an audio rendition. It also works
// for bare labels via IsAudioLabel when only the label is known.
func (v Variant) IsAudio() bool {
	return v.Kind == VariantAudio || IsAudioLabel(v.Label)
}

// Priority orders variants for eviction decisions and active-variant
// switching: 4k=4, 1080p=3, 720p=2, 480p=1. Audio defaults to 1,
// multichannel audio to 2.
func (v Variant) Priority() int {
	if v.IsAudio() {
		if v.Channels > 2 {
			return 2
		}
		return 1
	}
	return LabelPriority(v.Label)
}

// LabelPriority derives a priority from a bare variant label.
func LabelPriority(label string) int {
	switch strings.ToLower(label) {
	case "4k", "2160p":
		return 4
	case "1080p":
		return 3
	case "720p":
		return 2
	case "480p":
		return 1
	}
	if IsAudioLabel(label) {
		return 1
	}
	return 1
}

// IsAudioLabel reports whether a label names an audio rendition.
func IsAudioLabel(label string) bool {
	return strings.HasPrefix(strings.ToLower(label), "audio_")
}

// VideoRange is the HLS VIDEO-RANGE attribute of a video variant.
type VideoRange string

const (
	RangeSDR VideoRange = "SDR"
	RangePQ  VideoRange = "PQ"
	RangeHLG VideoRange = "HLG"
	RangeDV  VideoRange = "DV"
)

// VariantInfo is the persisted per-variant manifest for video renditions
// (info.json). MeasuredBitrate is the maximum across the analyzed segments.
type VariantInfo struct {
	MeasuredBitrate int        `json:"measuredBitrate"`
	Width           int        `json:"width"`
	Height          int        `json:"height"`
	RFCCodec        string     `json:"rfcCodec"`
	VideoRange      VideoRange `json:"videoRange"`
	Done            bool       `json:"done"`
}

// AudioInfo is the persisted per-variant manifest for audio renditions
// (audio_info.json).
type AudioInfo struct {
	AudioCodec    string `json:"audioCodec"`
	RFCAudioCodec string `json:"rfcAudioCodec"`
	Channels      int    `json:"channels"`
	SampleRate    int    `json:"sampleRate"`
	BitRate       int    `json:"bitRate"`
	Language      string `json:"language,omitempty"`
	IsAtmos       bool   `json:"isAtmos,omitempty"`
	Done          bool   `json:"done"`
}
