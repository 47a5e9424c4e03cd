package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// ForcedStereoLabel is the fallback audio rendition every video carries: the
// default audio track downmixed to two channels.
const ForcedStereoLabel = "audio_stereo"

// videoLadder maps the known video rungs to their target dimensions.
var videoLadder = map[string][2]int{
	"480p":  {854, 480},
	"720p":  {1280, 720},
	"1080p": {1920, 1080},
	"4k":    {3840, 2160},
}

// ParseVariantLabel resolves a URL/path token into a Variant. Video labels
// are ladder rungs ("720p"); audio labels are "audio_<track>_<codec>",
// "track_<n>[_<codec>]" or the forced-stereo fallback.
func ParseVariantLabel(label string) (Variant, error) {
	l := strings.ToLower(strings.TrimSpace(label))
	if l == "" {
		return Variant{}, fmt.Errorf("empty variant label")
	}

	if dims, ok := videoLadder[l]; ok {
		return Variant{
			Label:  l,
			Kind:   VariantVideo,
			Width:  dims[0],
			Height: dims[1],
		}, nil
	}

	if l == ForcedStereoLabel {
		return Variant{
			Label:    ForcedStereoLabel,
			Kind:     VariantAudio,
			Channels: 2,
		}, nil
	}

	if strings.HasPrefix(l, "audio_") || strings.HasPrefix(l, "track_") {
		return parseAudioLabel(l)
	}

	return Variant{}, fmt.Errorf("unknown variant label %q", label)
}

// parseAudioLabel handles "audio_<track>[_<codec>]" and
// "track_<track>[_<codec>]" forms. The track index is the ordinal of the
// audio stream in the source, not the absolute stream index.
func parseAudioLabel(l string) (Variant, error) {
	rest := strings.TrimPrefix(strings.TrimPrefix(l, "audio_"), "track_")
	parts := strings.SplitN(rest, "_", 2)
	track, err := strconv.Atoi(parts[0])
	if err != nil || track < 0 {
		return Variant{}, fmt.Errorf("bad audio track in label %q", l)
	}
	v := Variant{
		Label:      AudioLabel(track, ""),
		Kind:       VariantAudio,
		TrackIndex: track,
	}
	if len(parts) == 2 && parts[1] != "" {
		v.CodecHint = parts[1]
		v.Label = AudioLabel(track, parts[1])
	}
	return v, nil
}

// AudioLabel builds the canonical label for an audio track rendition.
func AudioLabel(track int, codec string) string {
	if codec == "" {
		return fmt.Sprintf("audio_%d", track)
	}
	return fmt.Sprintf("audio_%d_%s", track, strings.ToLower(codec))
}

// VideoLadderRung returns the dimensions of a known video label.
func VideoLadderRung(label string) (width, height int, ok bool) {
	dims, found := videoLadder[strings.ToLower(label)]
	if !found {
		return 0, 0, false
	}
	return dims[0], dims[1], true
}

// LadderBelow returns the video rungs whose height does not exceed the
// source height, lowest first. Sources shorter than 480 lines still get the
// 480p rung so there is always something to play.
func LadderBelow(sourceHeight int) []string {
	ordered := []string{"480p", "720p", "1080p", "4k"}
	out := []string{"480p"}
	for _, label := range ordered[1:] {
		if videoLadder[label][1] <= sourceHeight {
			out = append(out, label)
		}
	}
	return out
}
