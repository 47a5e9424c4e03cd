package encoder

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"streamgate/internal/domain"
	"streamgate/internal/hls"
)

// tonemapFilter converts HDR transfer curves to SDR BT.709. Applied when a
// variant is forced SDR on an HDR source.
const tonemapFilter = "zscale=t=linear:npl=100,format=gbrpf32le,zscale=p=bt709,tonemap=hable:desat=0,zscale=t=bt709:m=bt709:r=tv,format=yuv420p"

// Planner builds ffmpeg argument vectors for the orchestrator. Encoding
// tunables are runtime-adjustable through the settings manager; every plan
// snapshots them once under the read lock.
type Planner struct {
	ffmpegPath string

	mu           sync.RWMutex
	preset       string
	crf          int
	audioBitrate string
	videoCodec   string
}

func New(ffmpegPath, preset string, crf int, audioBitrate, videoCodec string) *Planner {
	if strings.TrimSpace(ffmpegPath) == "" {
		ffmpegPath = "ffmpeg"
	}
	if preset == "" {
		preset = "veryfast"
	}
	if crf <= 0 {
		crf = 23
	}
	if audioBitrate == "" {
		audioBitrate = "128k"
	}
	if videoCodec == "" {
		videoCodec = "libx264"
	}
	return &Planner{
		ffmpegPath:   ffmpegPath,
		preset:       preset,
		crf:          crf,
		audioBitrate: audioBitrate,
		videoCodec:   videoCodec,
	}
}

// EncodingPreset returns the current encoder preset.
func (p *Planner) EncodingPreset() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.preset
}

// EncodingCRF returns the current constant rate factor.
func (p *Planner) EncodingCRF() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.crf
}

// EncodingAudioBitrate returns the current audio bitrate.
func (p *Planner) EncodingAudioBitrate() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.audioBitrate
}

// EncodingVideoCodec returns the current software video encoder.
func (p *Planner) EncodingVideoCodec() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.videoCodec
}

// UpdateEncodingSettings applies new tunables to subsequent plans. Running
// encoders keep the settings they started with.
func (p *Planner) UpdateEncodingSettings(preset string, crf int, audioBitrate, videoCodec string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if preset != "" {
		p.preset = preset
	}
	if crf > 0 {
		p.crf = crf
	}
	if audioBitrate != "" {
		p.audioBitrate = audioBitrate
	}
	if videoCodec != "" {
		p.videoCodec = videoCodec
	}
}

// Plan renders the argument vector for one encoder run. The streaming shape
// produces a playlist plus a segment sequence numbered from StartSegment;
// the single-segment shape produces exactly one file.
func (p *Planner) Plan(req hls.PlanRequest) (hls.Plan, error) {
	if strings.TrimSpace(req.SourcePath) == "" {
		return hls.Plan{}, errors.New("source path is required")
	}
	if req.SegmentTime <= 0 {
		req.SegmentTime = 5
	}
	ext := req.SegmentExt
	if ext == "" {
		ext = "ts"
	}

	p.mu.RLock()
	preset := p.preset
	crf := p.crf
	audioBitrate := p.audioBitrate
	videoCodec := p.videoCodec
	p.mu.RUnlock()

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-stats",
		"-fflags", "+genpts+discardcorrupt",
		"-err_detect", "ignore_err",
		"-avoid_negative_ts", "make_zero",
	}

	// Input seeking before -i is fast for local files: ffmpeg jumps by
	// container index instead of decoding up to the offset.
	seek := req.StartSegment * req.SegmentTime
	if seek > 0 {
		args = append(args, "-ss", strconv.Itoa(seek))
	}
	args = append(args, "-i", req.SourcePath)

	if req.Variant.IsAudio() {
		args = p.appendAudioArgs(args, req, audioBitrate)
	} else {
		args = p.appendVideoArgs(args, req, preset, crf, audioBitrate, videoCodec)
	}

	if req.SingleSegment {
		out := fmt.Sprintf("%03d.%s", req.StartSegment, ext)
		args = append(args,
			"-t", strconv.Itoa(req.SegmentTime),
			"-f", "mpegts",
			"-y", out,
		)
		return hls.Plan{
			BinPath:          p.ffmpegPath,
			Args:             args,
			OutputPattern:    out,
			FirstSegmentFile: out,
		}, nil
	}

	segDurStr := strconv.Itoa(req.SegmentTime)
	pattern := "%03d." + ext
	args = append(args,
		"-f", "hls",
		"-hls_time", segDurStr,
		"-hls_list_size", "0",
		"-hls_playlist_type", "event",
		"-hls_flags", "temp_file+independent_segments",
		"-start_number", strconv.Itoa(req.StartSegment),
		"-hls_segment_filename", pattern,
		"playlist.m3u8",
	)

	if req.IFrame {
		// Keyframe-only trick-play track. The select filter forces a decode,
		// so the output is re-encoded with the plan's tunables.
		filters := []string{"select='eq(pict_type,I)'"}
		if req.Variant.Height > 0 {
			filters = append(filters, fmt.Sprintf("scale=-2:%d", req.Variant.Height))
		}
		args = append(args,
			"-map", "0:v:0",
			"-an",
			"-vf", strings.Join(filters, ","),
			"-vsync", "vfr",
		)
		if req.UseHardware {
			args = append(args,
				"-c:v", hardwareCodec(videoCodec),
				"-preset", "p5",
				"-rc", "vbr",
				"-cq", strconv.Itoa(crf),
			)
		} else {
			args = append(args,
				"-c:v", videoCodec,
				"-pix_fmt", "yuv420p",
				"-preset", preset,
				"-crf", strconv.Itoa(crf),
			)
		}
		args = append(args,
			"-f", "hls",
			"-hls_time", segDurStr,
			"-hls_list_size", "0",
			"-hls_playlist_type", "event",
			"-hls_flags", "temp_file",
			"-start_number", strconv.Itoa(req.StartSegment),
			"-hls_segment_filename", "iframe_%03d.ts",
			"iframe_playlist.m3u8",
		)
	}

	return hls.Plan{
		BinPath:          p.ffmpegPath,
		Args:             args,
		OutputPattern:    pattern,
		FirstSegmentFile: fmt.Sprintf("%03d.%s", req.StartSegment, ext),
	}, nil
}

// appendVideoArgs emits the video encode chain for one ladder rung.
func (p *Planner) appendVideoArgs(args []string, req hls.PlanRequest, preset string, crf int, audioBitrate, videoCodec string) []string {
	args = append(args,
		"-map", "0:v:0",
		"-map", "0:a:0?",
	)

	filters := make([]string, 0, 2)
	if req.ForceSDR {
		filters = append(filters, tonemapFilter)
	}
	if req.Variant.Height > 0 {
		filters = append(filters, fmt.Sprintf("scale=-2:%d", req.Variant.Height))
	}
	if len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}

	if req.UseHardware {
		args = append(args,
			"-c:v", hardwareCodec(videoCodec),
			"-preset", "p5",
			"-rc", "vbr",
			"-cq", strconv.Itoa(crf),
		)
	} else {
		args = append(args,
			"-c:v", videoCodec,
			"-pix_fmt", "yuv420p",
			"-preset", preset,
			"-crf", strconv.Itoa(crf),
		)
	}
	args = append(args,
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", req.SegmentTime),
		"-c:a", "aac",
		"-b:a", audioBitrate,
		"-ac", "2",
	)
	return args
}

// appendAudioArgs emits an audio-only rendition: one source track re-encoded
// to AAC, downmixed to stereo for the fallback rendition.
func (p *Planner) appendAudioArgs(args []string, req hls.PlanRequest, audioBitrate string) []string {
	track := req.Variant.TrackIndex
	forcedStereo := req.Variant.Label == domain.ForcedStereoLabel
	if forcedStereo {
		track = 0
	}
	args = append(args,
		"-map", fmt.Sprintf("0:a:%d", track),
		"-vn",
		"-c:a", "aac",
		"-b:a", audioBitrate,
	)
	if forcedStereo || req.Variant.Channels == 2 {
		args = append(args, "-ac", "2")
	}
	return args
}

// hardwareCodec maps the software encoder choice to its NVENC counterpart.
func hardwareCodec(videoCodec string) string {
	if strings.Contains(videoCodec, "265") || strings.Contains(videoCodec, "hevc") {
		return "hevc_nvenc"
	}
	return "h264_nvenc"
}
