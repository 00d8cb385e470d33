// Package silencedump keeps the most recent audio in memory and turns it
// into WAV clips around silence incidents.
package silencedump

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-silencewatch/internal/audio"
	"github.com/oszuidwest/zwfm-silencewatch/internal/notify"
	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
)

const (
	// DefaultBefore is how much audio preceding an incident is kept.
	DefaultBefore = 15 * time.Second
	// DefaultAfter is how much audio following recovery is kept.
	DefaultAfter = 15 * time.Second
	// maxSilence caps the silent stretch included in a clip.
	maxSilence = 5 * time.Second

	bytesPerSample = 2

	// outputDirName is the clip directory inside the system temp dir.
	outputDirName = "silencewatch-clips"
)

// DefaultOutputDir returns the directory used for clip files when none is
// configured.
func DefaultOutputDir() string {
	return filepath.Join(os.TempDir(), outputDirName)
}

// ClipResult describes a finished incident clip.
type ClipResult struct {
	IncidentID   string
	FilePath     string
	Filename     string
	FileSize     int64
	SilenceStart time.Time
	Duration     time.Duration // silence duration
	Error        error
}

// ClipCallback is called from a background goroutine when a clip is written.
type ClipCallback func(result *ClipResult)

// Capturer buffers recent audio and assembles a clip of the audio before,
// during and after each silence incident.
type Capturer struct {
	mu sync.Mutex

	sampleRate     int
	bytesPerSecond int64
	before         time.Duration
	after          time.Duration

	// Ring buffer for continuous audio capture.
	buffer       []byte
	writePos     int
	totalWritten int64

	// Incident tracking by byte position.
	incidentID      string
	silenceStartPos int64
	silenceEndPos   int64
	silenceStart    time.Time
	capturing       bool

	// Pre-silence audio snapshot taken at silence start so long incidents
	// cannot overwrite it.
	savedBefore []byte

	outputDir string
	onClip    ClipCallback
	pending   sync.WaitGroup
}

// Options configures a Capturer.
type Options struct {
	SampleRate int
	Before     time.Duration
	After      time.Duration
	OutputDir  string
	OnClip     ClipCallback
}

// NewCapturer creates a capturer with a ring buffer large enough for one
// complete clip.
func NewCapturer(opts Options) *Capturer {
	if opts.SampleRate <= 0 {
		opts.SampleRate = types.DefaultSampleRate
	}
	if opts.Before <= 0 {
		opts.Before = DefaultBefore
	}
	if opts.After <= 0 {
		opts.After = DefaultAfter
	}
	if opts.OutputDir == "" {
		opts.OutputDir = DefaultOutputDir()
	}
	bps := int64(opts.SampleRate * bytesPerSample)
	capacity := bytesFor(opts.Before+maxSilence+opts.After, bps)
	return &Capturer{
		sampleRate:     opts.SampleRate,
		bytesPerSecond: bps,
		before:         opts.Before,
		after:          opts.After,
		buffer:         make([]byte, capacity),
		outputDir:      opts.OutputDir,
		onClip:         opts.OnClip,
	}
}

func bytesFor(d time.Duration, bytesPerSecond int64) int64 {
	n := int64(d.Seconds() * float64(bytesPerSecond))
	return n &^ 1
}

// Write buffers one block of audio.
func (c *Capturer) Write(block audio.SampleBlock) {
	pcm := audio.EncodeS16LE(block.Samples)

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(pcm) == 0 {
		return
	}
	capacity := len(c.buffer)
	for len(pcm) > 0 {
		n := copy(c.buffer[c.writePos:], pcm)
		c.writePos = (c.writePos + n) % capacity
		c.totalWritten += int64(n)
		pcm = pcm[n:]
	}

	c.checkAndFinalize()
}

// Recent returns up to d of the most recent audio as S16LE PCM.
func (c *Capturer) Recent(d time.Duration) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recentLocked(d)
}

func (c *Capturer) recentLocked(d time.Duration) []byte {
	n := min(c.totalWritten, bytesFor(d, c.bytesPerSecond), int64(len(c.buffer)))
	if n <= 0 {
		return nil
	}
	out := make([]byte, n)
	c.copyFromRing(out, c.totalWritten-n)
	return out
}

// RecentWAV returns the most recent d of audio as a WAV file.
func (c *Capturer) RecentWAV(d time.Duration) ([]byte, error) {
	return EncodeWAV(c.Recent(d), c.sampleRate)
}

// Attachment adds a WAV snapshot of the audio preceding the alert to silence
// and restoration mails. The incident clip itself is finished later and only
// goes to disk and the archive.
func (c *Capturer) Attachment(ev *types.AlertEvent) []notify.Attachment {
	if ev.Kind != types.AlertSilenceDetected && ev.Kind != types.AlertAudioRestored {
		return nil
	}
	data, err := c.RecentWAV(c.before)
	if err != nil {
		slog.Debug("no audio clip for alert", "kind", ev.Kind, "error", err)
		return nil
	}
	return []notify.Attachment{{
		Filename:    fmt.Sprintf("%s_%s.wav", ev.Kind, ev.Timestamp.Local().Format("2006-01-02_15-04-05")),
		ContentType: "audio/wav",
		Data:        data,
	}}
}

// OnSilenceStart begins tracking an incident.
func (c *Capturer) OnSilenceStart(incidentID string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A new incident before the previous clip completed finalizes it early.
	if c.capturing && c.silenceEndPos > 0 {
		c.extractAndWrite()
	}

	c.savedBefore = c.recentLocked(c.before)
	c.incidentID = incidentID
	c.silenceStartPos = c.totalWritten
	c.silenceStart = at
	c.silenceEndPos = 0
	c.capturing = true

	slog.Debug("incident clip capture started", "incident", incidentID, "saved_before_bytes", len(c.savedBefore))
}

// OnSilenceEnd marks recovery. The clip is written once After of audio
// has followed.
func (c *Capturer) OnSilenceEnd() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.capturing {
		return
	}
	c.silenceEndPos = c.totalWritten
	slog.Debug("incident clip recovery marked", "incident", c.incidentID, "end_pos", c.silenceEndPos)
}

// Wait blocks until clip files being written have finished.
func (c *Capturer) Wait() {
	c.pending.Wait()
}

func (c *Capturer) checkAndFinalize() {
	if !c.capturing || c.silenceEndPos == 0 {
		return
	}
	if c.totalWritten < c.silenceEndPos+bytesFor(c.after, c.bytesPerSecond) {
		return
	}
	c.extractAndWrite()
}

// extractAndWrite assembles the clip and writes it in the background.
func (c *Capturer) extractAndWrite() {
	capacity := int64(len(c.buffer))
	afterBytes := min(c.totalWritten-c.silenceEndPos, bytesFor(c.after, c.bytesPerSecond))
	silenceBytes := min(max(0, c.silenceEndPos-c.silenceStartPos), bytesFor(maxSilence, c.bytesPerSecond))
	// Take the tail of the silent stretch; only what is still in the ring.
	silenceBytes = min(silenceBytes, max(0, capacity-(c.totalWritten-c.silenceEndPos)))

	beforeLen := int64(len(c.savedBefore))
	pcm := make([]byte, beforeLen+silenceBytes+afterBytes)
	copy(pcm, c.savedBefore)
	c.copyFromRing(pcm[beforeLen:beforeLen+silenceBytes], c.silenceEndPos-silenceBytes)
	c.copyFromRing(pcm[beforeLen+silenceBytes:], c.silenceEndPos)

	result := &ClipResult{
		IncidentID:   c.incidentID,
		SilenceStart: c.silenceStart,
		Duration:     time.Duration(float64(c.silenceEndPos-c.silenceStartPos) / float64(c.bytesPerSecond) * float64(time.Second)),
	}
	sampleRate := c.sampleRate
	outputDir := c.outputDir
	callback := c.onClip

	c.savedBefore = nil
	c.capturing = false
	c.incidentID = ""
	c.silenceStartPos = 0
	c.silenceEndPos = 0
	c.silenceStart = time.Time{}

	c.pending.Go(func() {
		writeClip(result, outputDir, pcm, sampleRate)
		if callback != nil {
			callback(result)
		}
	})
}

// copyFromRing copies buffered audio starting at the absolute position
// startPos into dst.
func (c *Capturer) copyFromRing(dst []byte, startPos int64) {
	capacity := int64(len(c.buffer))
	pos := int(startPos % capacity)
	for len(dst) > 0 {
		n := copy(dst, c.buffer[pos:])
		dst = dst[n:]
		pos = 0
	}
}

func writeClip(result *ClipResult, outputDir string, pcm []byte, sampleRate int) {
	data, err := EncodeWAV(pcm, sampleRate)
	if err != nil {
		result.Error = err
		return
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		result.Error = fmt.Errorf("create output dir: %w", err)
		return
	}

	// 2024-01-15_14-32-05.wav (local time)
	result.Filename = result.SilenceStart.Local().Format("2006-01-02_15-04-05") + ".wav"
	result.FilePath = filepath.Join(outputDir, result.Filename)
	if err := os.WriteFile(result.FilePath, data, 0o644); err != nil {
		result.Error = fmt.Errorf("write clip: %w", err)
		return
	}
	result.FileSize = int64(len(data))

	slog.Info("incident clip written",
		"incident", result.IncidentID,
		"file", result.Filename,
		"size", result.FileSize,
		"duration", result.Duration,
	)
}

// Reset clears buffered audio and incident state.
func (c *Capturer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writePos = 0
	c.totalWritten = 0
	c.silenceStartPos = 0
	c.silenceEndPos = 0
	c.silenceStart = time.Time{}
	c.capturing = false
	c.incidentID = ""
	c.savedBefore = nil
}
