package hls

import (
	"hash/fnv"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"streamgate/internal/domain"
	"streamgate/internal/metrics"
)

// historyDepth bounds the per-variant request history ring.
const historyDepth = 30

type historyEntry struct {
	Segment int
	At      time.Time
}

// variantState is one client's request trail for one variant.
type variantState struct {
	history         []historyEntry
	primaryPosition int
	lastRequestTime time.Time
	active          bool
	priority        int
}

func (vs *variantState) push(e historyEntry) {
	vs.history = append(vs.history, e)
	if len(vs.history) > historyDepth {
		vs.history = vs.history[len(vs.history)-historyDepth:]
	}
}

// clientSession is a client's playback state for one video.
type clientSession struct {
	videoID         string
	activeVariant   string
	lastRequestTime time.Time
	variants        map[string]*variantState
}

// StaleVariant identifies a variant a client walked away from; the janitor
// checks it against the registry and tears down the matching task.
type StaleVariant struct {
	ClientID string
	VideoID  string
	Variant  string
}

// Sessions tracks every client's request history and infers playback intent.
// Keyed by ClientID = hash(remoteAddr host, userAgent).
type Sessions struct {
	mu      sync.Mutex
	clients map[string]*clientSession
	logger  *slog.Logger
}

func NewSessions(logger *slog.Logger) *Sessions {
	return &Sessions{
		clients: make(map[string]*clientSession),
		logger:  logger,
	}
}

// ClientID derives a stable client identity from the connection peer and
// user agent. The port is dropped so reconnects map to the same client.
func ClientID(remoteAddr, userAgent string) string {
	host := strings.TrimSpace(remoteAddr)
	if h, _, err := net.SplitHostPort(host); err == nil && h != "" {
		host = h
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(host))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(userAgent))
	return strconv.FormatUint(h.Sum64(), 16)
}

// Update records one segment request and classifies the client's intent.
// First sight of a client creates its session; requesting an equal-or-higher
// priority variant switches the active variant, leaving the janitor to stop
// the demoted ones once they go quiet.
func (s *Sessions) Update(clientID, videoID string, v domain.Variant, segment int, now time.Time) domain.RequestAnalysis {
	label := strings.ToLower(v.Label)

	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.clients[clientID]
	if !ok || cs.videoID != videoID {
		cs = &clientSession{
			videoID:  videoID,
			variants: make(map[string]*variantState),
		}
		s.clients[clientID] = cs
		metrics.ActiveSessions.Set(float64(len(s.clients)))
	}
	cs.lastRequestTime = now

	vs, ok := cs.variants[label]
	if !ok {
		vs = &variantState{priority: v.Priority()}
		cs.variants[label] = vs
	}

	analysis := analyzeHistory(vs.history, segment)
	vs.push(historyEntry{Segment: segment, At: now})
	vs.primaryPosition = segment
	vs.lastRequestTime = now

	// Video variants compete for the active slot; audio renditions ride
	// alongside whatever video is active.
	if !v.IsAudio() {
		current, has := cs.variants[cs.activeVariant]
		if cs.activeVariant == "" || !has || v.Priority() >= current.priority {
			if cs.activeVariant != label {
				s.logger.Debug("active variant switch",
					slog.String("clientId", clientID),
					slog.String("videoId", videoID),
					slog.String("from", cs.activeVariant),
					slog.String("to", label),
				)
			}
			cs.activeVariant = label
			for l, other := range cs.variants {
				other.active = l == label
			}
		}
	}
	vs.active = vs.active || v.IsAudio()

	metrics.IntentClassificationsTotal.WithLabelValues(string(analysis.Intent)).Inc()
	return analysis
}

// ActiveVariant returns the client's current video variant for the video.
func (s *Sessions) ActiveVariant(clientID, videoID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.clients[clientID]
	if !ok || cs.videoID != videoID {
		return ""
	}
	return cs.activeVariant
}

// SweepStale removes sessions idle past the timeout and returns the client
// IDs so the caller can detach them from the task registry.
func (s *Sessions) SweepStale(now time.Time, timeout time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for id, cs := range s.clients {
		if now.Sub(cs.lastRequestTime) > timeout {
			delete(s.clients, id)
			removed = append(removed, id)
		}
	}
	metrics.ActiveSessions.Set(float64(len(s.clients)))
	return removed
}

// StaleVariants lists non-active variants whose last request is older than
// the switch timeout, across all live clients. Audio renditions follow the
// same rule: untouched for the timeout means the player moved on.
func (s *Sessions) StaleVariants(now time.Time, timeout time.Duration) []StaleVariant {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StaleVariant
	for id, cs := range s.clients {
		for label, vs := range cs.variants {
			if label == cs.activeVariant {
				continue
			}
			if now.Sub(vs.lastRequestTime) > timeout {
				out = append(out, StaleVariant{ClientID: id, VideoID: cs.videoID, Variant: label})
			}
		}
	}
	return out
}

// Count returns the number of tracked sessions.
func (s *Sessions) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// analyzeHistory classifies a request against the variant's recent history.
// The rules fire in order; only a user seek is flagged as abnormal player
// behavior.
func analyzeHistory(history []historyEntry, current int) domain.RequestAnalysis {
	n := len(history)
	if n < 3 {
		return domain.RequestAnalysis{
			Intent:                 domain.IntentInitialLoading,
			Position:               current,
			Confidence:             1,
			IsNormalPlayerBehavior: true,
		}
	}

	last := history[n-1].Segment
	delta := current - last

	var largeJumps, smallJumps, sequential int
	prev := history[0].Segment
	for _, e := range append(history[1:], historyEntry{Segment: current}) {
		d := e.Segment - prev
		prev = e.Segment
		switch {
		case d >= 1 && d <= 5:
			sequential++
		case d > 5 && d <= normalPlaybackRange:
			smallJumps++
		case d > normalPlaybackRange || d < -normalPlaybackRange:
			largeJumps++
		}
	}

	a := domain.RequestAnalysis{
		Position:               current,
		Distance:               delta,
		IsNormalPlayerBehavior: true,
	}

	switch {
	case n < 15 && largeJumps+smallJumps >= 2 && sequential >= 1:
		a.Intent = domain.IntentInitialBuffering
		a.Confidence = 0.7
	case n < 20 && largeJumps > 2:
		a.Intent = domain.IntentPrefetching
		a.Confidence = 0.6
	case n > 15 && (delta > normalPlaybackRange || delta < -normalPlaybackRange):
		a.Intent = domain.IntentUserSeek
		a.Confidence = 0.9
		a.IsNormalPlayerBehavior = false
	case delta >= 1 && delta <= 5:
		a.Intent = domain.IntentSequential
		a.Confidence = 0.95
	default:
		a.Intent = domain.IntentBuffering
		a.Confidence = 0.5
	}
	return a
}
