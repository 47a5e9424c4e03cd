package probe

import (
	"encoding/json"
	"testing"

	"streamgate/internal/domain"
)

const sourceJSON = `{
  "streams": [
    {
      "codec_type": "video",
      "codec_name": "hevc",
      "profile": "Main 10",
      "width": 3840,
      "height": 2160,
      "color_transfer": "smpte2084"
    },
    {
      "codec_type": "audio",
      "codec_name": "eac3",
      "profile": "Dolby Digital Plus + Dolby Atmos (JOC)",
      "channels": 6,
      "sample_rate": "48000",
      "bit_rate": "768000",
      "tags": {"language": "eng", "title": "Surround 5.1"},
      "disposition": {"default": 1}
    },
    {
      "codec_type": "audio",
      "codec_name": "aac",
      "channels": 2,
      "sample_rate": "44100",
      "tags": {"LANGUAGE": "rus"}
    },
    {
      "codec_type": "subtitle",
      "codec_name": "subrip"
    }
  ],
  "format": {"duration": "7265.384000", "bit_rate": "15000000"}
}`

func decodePayload(t *testing.T, raw string) probePayload {
	t.Helper()
	var p probePayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestParseSource(t *testing.T) {
	media := parseSource(decodePayload(t, sourceJSON))

	if media.Duration < 7265 || media.Duration > 7266 {
		t.Fatalf("duration = %v", media.Duration)
	}
	if len(media.Video) != 1 || len(media.Audio) != 2 {
		t.Fatalf("streams = %dv/%da", len(media.Video), len(media.Audio))
	}

	v := media.Video[0]
	if v.Width != 3840 || v.Codec != "hevc" || v.VideoRange != domain.RangePQ {
		t.Fatalf("video = %+v", v)
	}

	a0 := media.Audio[0]
	if a0.TrackIndex != 0 || a0.Codec != "eac3" || a0.Channels != 6 {
		t.Fatalf("audio[0] = %+v", a0)
	}
	if a0.Language != "eng" || a0.Title != "Surround 5.1" || !a0.Default {
		t.Fatalf("audio[0] tags = %+v", a0)
	}

	a1 := media.Audio[1]
	if a1.TrackIndex != 1 || a1.Language != "rus" || a1.Default {
		t.Fatalf("audio[1] = %+v", a1)
	}
	if a1.SampleRate != 44100 {
		t.Fatalf("audio[1] sample rate = %d", a1.SampleRate)
	}
}

const videoSegmentJSON = `{
  "streams": [
    {
      "codec_type": "video",
      "codec_name": "h264",
      "profile": "Main",
      "level": 31,
      "width": 1280,
      "height": 720
    },
    {
      "codec_type": "audio",
      "codec_name": "aac",
      "channels": 2,
      "sample_rate": "48000",
      "bit_rate": "128000"
    }
  ],
  "format": {"bit_rate": "2800000"}
}`

func TestParseSegmentVideo(t *testing.T) {
	probe := parseSegment(decodePayload(t, videoSegmentJSON))

	if probe.Width != 1280 || probe.Height != 720 {
		t.Fatalf("dimensions = %dx%d", probe.Width, probe.Height)
	}
	if probe.RFCCodec != "avc1.4d401f" {
		t.Fatalf("rfc codec = %q", probe.RFCCodec)
	}
	// Per-stream bitrate is absent in MPEG-TS; the container rate is used.
	if probe.BitRate != 2_800_000 {
		t.Fatalf("bitrate = %d", probe.BitRate)
	}
	if probe.RFCAudioCodec != "mp4a.40.2" || probe.AudioBitRate != 128_000 {
		t.Fatalf("audio = %+v", probe)
	}
	if probe.VideoRange != domain.RangeSDR {
		t.Fatalf("video range = %q", probe.VideoRange)
	}
}

const audioSegmentJSON = `{
  "streams": [
    {
      "codec_type": "audio",
      "codec_name": "eac3",
      "profile": "Dolby Digital Plus + Dolby Atmos (JOC)",
      "channels": 8,
      "sample_rate": "48000",
      "tags": {"language": "eng"}
    }
  ],
  "format": {"bit_rate": "768000"}
}`

func TestParseSegmentAudioOnly(t *testing.T) {
	probe := parseSegment(decodePayload(t, audioSegmentJSON))

	if probe.AudioCodec != "eac3" || probe.RFCAudioCodec != "ec-3" {
		t.Fatalf("codec = %q / %q", probe.AudioCodec, probe.RFCAudioCodec)
	}
	if !probe.IsAtmos {
		t.Fatal("JOC profile should flag Atmos")
	}
	if probe.AudioBitRate != 768_000 {
		t.Fatalf("audio bitrate = %d", probe.AudioBitRate)
	}
	if probe.Language != "eng" {
		t.Fatalf("language = %q", probe.Language)
	}
}

func TestRFCVideoCodec(t *testing.T) {
	cases := []struct {
		codec   string
		profile string
		level   int
		want    string
	}{
		{"h264", "High", 40, "avc1.640028"},
		{"h264", "Main", 31, "avc1.4d401f"},
		{"h264", "Constrained Baseline", 30, "avc1.42e01e"},
		{"h264", "High", 0, "avc1.640028"},
		{"hevc", "Main 10", 123, "hvc1.2.4.L123.B0"},
		{"hevc", "", 0, "hvc1.2.4.L120.B0"},
		{"av1", "", 0, "av01.0.08M.08"},
		{"mpeg2video", "", 0, ""},
	}
	for _, c := range cases {
		if got := rfcVideoCodec(c.codec, c.profile, c.level); got != c.want {
			t.Errorf("rfcVideoCodec(%q, %q, %d) = %q, want %q", c.codec, c.profile, c.level, got, c.want)
		}
	}
}

func TestRFCAudioCodec(t *testing.T) {
	cases := map[string]string{
		"aac":  "mp4a.40.2",
		"AC3":  "ac-3",
		"eac3": "ec-3",
		"opus": "opus",
		"flac": "fLaC",
		"mp3":  "mp4a.40.34",
		"cook": "",
		"":     "",
	}
	for codec, want := range cases {
		if got := rfcAudioCodec(codec); got != want {
			t.Errorf("rfcAudioCodec(%q) = %q, want %q", codec, got, want)
		}
	}
}

func TestVideoRangeOf(t *testing.T) {
	if videoRangeOf("smpte2084") != domain.RangePQ {
		t.Fatal("PQ transfer")
	}
	if videoRangeOf("arib-std-b67") != domain.RangeHLG {
		t.Fatal("HLG transfer")
	}
	if videoRangeOf("bt709") != domain.RangeSDR {
		t.Fatal("SDR transfer")
	}
	if videoRangeOf("") != domain.RangeSDR {
		t.Fatal("empty transfer")
	}
}

func TestAtoiSafe(t *testing.T) {
	if atoiSafe(" 48000 ") != 48000 {
		t.Fatal("trimmed number")
	}
	if atoiSafe("N/A") != 0 || atoiSafe("") != 0 || atoiSafe("-5") != 0 {
		t.Fatal("invalid values should map to zero")
	}
}
