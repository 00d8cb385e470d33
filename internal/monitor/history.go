package monitor

import (
	"github.com/oszuidwest/zwfm-silencewatch/internal/audio"
	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
)

// DefaultHistorySize is the number of readings kept for the level trend.
const DefaultHistorySize = 120

// history is a fixed-size ring of recent readings. It is owned by the
// analysis goroutine.
type history struct {
	samples []types.LevelSample
	next    int
	full    bool
}

func newHistory(size int) *history {
	return &history{samples: make([]types.LevelSample, size)}
}

func (h *history) add(r audio.Reading) {
	h.samples[h.next] = types.LevelSample{At: r.At, LevelDB: audio.Finite(r.DB)}
	h.next = (h.next + 1) % len(h.samples)
	if h.next == 0 {
		h.full = true
	}
}

// snapshot returns a copy of the readings, oldest first.
func (h *history) snapshot() []types.LevelSample {
	if !h.full {
		return append([]types.LevelSample(nil), h.samples[:h.next]...)
	}
	out := make([]types.LevelSample, 0, len(h.samples))
	out = append(out, h.samples[h.next:]...)
	return append(out, h.samples[:h.next]...)
}
