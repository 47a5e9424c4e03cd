package domain

// PlaybackIntent classifies what a client is doing based on its recent
// segment request history for one variant.
type PlaybackIntent string

const (
	IntentInitialLoading   PlaybackIntent = "initial_loading"
	IntentInitialBuffering PlaybackIntent = "initial_buffering"
	IntentPrefetching      PlaybackIntent = "prefetching"
	IntentSequential       PlaybackIntent = "sequential"
	IntentBuffering        PlaybackIntent = "buffering"
	IntentUserSeek         PlaybackIntent = "user_seek"
)

// RequestAnalysis is the analyzer verdict for a single segment request.
// Distance is the jump from the previous request (0 when history is empty).
// IsNormalPlayerBehavior is false only for user-initiated seeks.
type RequestAnalysis struct {
	Intent                 PlaybackIntent `json:"intent"`
	Position               int            `json:"position"`
	Distance               int            `json:"distance"`
	Confidence             float64        `json:"confidence"`
	IsNormalPlayerBehavior bool           `json:"isNormalPlayerBehavior"`
}
