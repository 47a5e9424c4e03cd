package hls

import "streamgate/internal/domain"

// PlanRequest carries everything a planner needs to build an encoder
// invocation. StartSegment is translated to a seek offset of
// StartSegment × SegmentTime seconds by the implementation.
type PlanRequest struct {
	SourcePath   string
	Variant      domain.Variant
	StartSegment int
	SegmentTime  int
	SegmentExt   string

	// UseHardware is set when the caller holds a hardware slot; the planner
	// emits the hardware arg set and must not assume a slot otherwise.
	UseHardware bool

	// ForceSDR requests a tonemap to SDR for HDR sources.
	ForceSDR bool

	// IFrame asks for the keyframe-only trick-play outputs alongside the
	// regular segment stream.
	IFrame bool

	// SingleSegment switches from the streaming shape (playlist plus a
	// segment sequence from StartSegment) to producing exactly one file.
	SingleSegment bool
}

// Plan is the planner verdict: an opaque argument vector plus the output
// names the orchestrator watches for. The core never inspects Args.
type Plan struct {
	BinPath          string
	Args             []string
	OutputPattern    string
	FirstSegmentFile string
}

// Planner turns a request into an encoder invocation. Implementations live
// outside the core; see internal/encoder.
type Planner interface {
	Plan(req PlanRequest) (Plan, error)
}
