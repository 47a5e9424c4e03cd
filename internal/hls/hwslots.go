package hls

import (
	"log/slog"
	"sync"

	"streamgate/internal/metrics"
)

// HWSlots bounds the number of concurrent hardware encodes. TryAcquire never
// blocks; callers that come away empty plan CPU arguments instead. The
// returned release is single-shot and safe to call from both the normal exit
// and forced-termination paths.
type HWSlots struct {
	slots  chan struct{}
	logger *slog.Logger
}

// NewHWSlots creates a limiter with the given capacity. Capacity zero means
// hardware encoding is disabled and every acquire fails.
func NewHWSlots(capacity int, logger *slog.Logger) *HWSlots {
	if capacity < 0 {
		capacity = 0
	}
	return &HWSlots{
		slots:  make(chan struct{}, capacity),
		logger: logger,
	}
}

// TryAcquire reserves one hardware slot. It returns nil when no slot is
// free or hardware encoding is disabled.
func (h *HWSlots) TryAcquire(taskID string) func() {
	if cap(h.slots) == 0 {
		return nil
	}
	select {
	case h.slots <- struct{}{}:
	default:
		h.logger.Debug("hardware slots exhausted", slog.String("task", taskID))
		return nil
	}

	metrics.HWSlotsInUse.Set(float64(len(h.slots)))

	var once sync.Once
	return func() {
		once.Do(func() {
			<-h.slots
			metrics.HWSlotsInUse.Set(float64(len(h.slots)))
			h.logger.Debug("hardware slot released", slog.String("task", taskID))
		})
	}
}

// InUse returns the number of currently held slots.
func (h *HWSlots) InUse() int { return len(h.slots) }

// Capacity returns the configured slot count.
func (h *HWSlots) Capacity() int { return cap(h.slots) }
