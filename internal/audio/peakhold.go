package audio

import (
	"sync"
	"time"
)

// DefaultPeakHoldDuration is how long a peak is held on the level meter before decaying.
const DefaultPeakHoldDuration = 3000 * time.Millisecond

// PeakHolder tracks the held peak for the live level meter.
// It is safe for concurrent use.
type PeakHolder struct {
	mu           sync.Mutex
	held         float64
	heldAt       time.Time
	holdDuration time.Duration
}

// NewPeakHolder creates a peak holder starting at digital silence.
func NewPeakHolder(hold time.Duration) *PeakHolder {
	if hold <= 0 {
		hold = DefaultPeakHoldDuration
	}
	return &PeakHolder{held: Silence, holdDuration: hold}
}

// Update records a new peak level and returns the held peak.
func (p *PeakHolder) Update(peakDB float64, now time.Time) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if peakDB >= p.held || now.Sub(p.heldAt) > p.holdDuration {
		p.held = peakDB
		p.heldAt = now
	}
	return p.held
}

// Reset clears the held peak.
func (p *PeakHolder) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.held = Silence
	p.heldAt = time.Time{}
}
