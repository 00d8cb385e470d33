package audio

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
)

// Capture backends.
const (
	BackendProcess   = "process"
	BackendPortAudio = "portaudio"
)

// DefaultBlockDuration is the audio covered by one analysis cycle.
const DefaultBlockDuration = 500 * time.Millisecond

// Source produces a lazy, effectively infinite stream of sample blocks.
//
// Run blocks until ctx is done (returning nil) or the input fails
// (returning a *types.CaptureError). Sends on out never block: when the
// consumer falls behind, blocks are dropped.
type Source interface {
	Run(ctx context.Context, out chan<- SampleBlock) error
	Device() string
}

// SourceConfig selects and parameterizes a capture backend.
type SourceConfig struct {
	Backend     string
	Device      string // backend-specific device ID
	CommandPath string // process backend only
	SampleRate  int
	BlockFrames int
	// OnDrop is called for every block discarded because out was full.
	OnDrop func()
}

// withDefaults fills zero fields.
func (c SourceConfig) withDefaults() SourceConfig {
	if c.Backend == "" {
		c.Backend = BackendProcess
	}
	if c.SampleRate <= 0 {
		c.SampleRate = types.DefaultSampleRate
	}
	if c.BlockFrames <= 0 {
		c.BlockFrames = int(int64(c.SampleRate) * int64(DefaultBlockDuration) / int64(time.Second))
	}
	return c
}

// NewSource returns the configured capture backend.
func NewSource(cfg SourceConfig) (Source, error) {
	cfg = cfg.withDefaults()
	switch cfg.Backend {
	case BackendProcess:
		return NewProcessSource(cfg), nil
	case BackendPortAudio:
		return newPortAudioSource(cfg)
	default:
		return nil, fmt.Errorf("unknown capture backend %q", cfg.Backend)
	}
}

// Devices enumerates input devices for a backend.
func Devices(backend string) ([]Device, error) {
	switch backend {
	case "", BackendProcess:
		return ProcessDevices(), nil
	case BackendPortAudio:
		return portAudioDevices()
	default:
		return nil, fmt.Errorf("unknown capture backend %q", backend)
	}
}

// blockSender numbers blocks and hands them to the consumer without blocking.
type blockSender struct {
	out         chan<- SampleBlock
	sampleRate  int
	onDrop      func()
	seq         uint64
	dropped     uint64
	lastDropLog time.Time
}

func newBlockSender(out chan<- SampleBlock, sampleRate int, onDrop func()) *blockSender {
	return &blockSender{out: out, sampleRate: sampleRate, onDrop: onDrop}
}

// send delivers samples as the next block and reports whether it was accepted.
func (s *blockSender) send(samples []float64, at time.Time) bool {
	s.seq++
	block := SampleBlock{
		Samples:    samples,
		SampleRate: s.sampleRate,
		CapturedAt: at,
		Seq:        s.seq,
	}

	select {
	case s.out <- block:
		return true
	default:
	}

	s.dropped++
	if s.onDrop != nil {
		s.onDrop()
	}
	if time.Since(s.lastDropLog) > 10*time.Second {
		slog.Warn("dropping audio blocks, analysis is falling behind", "dropped_total", s.dropped, "seq", s.seq)
		s.lastDropLog = time.Now()
	}
	return false
}
