// Package audio provides level analysis, calibration, silence detection and
// audio capture backends.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	// FloorDB is the level used in place of digital silence when a finite
	// value is needed, such as for calibration statistics.
	FloorDB = -120.0
	// MaxSampleValue is the full-scale magnitude for 16-bit signed audio.
	MaxSampleValue = 32768.0
)

// Silence is the level reported for a block whose RMS is exactly zero.
var Silence = math.Inf(-1)

// SampleBlock is a fixed-size run of mono samples normalized to [-1, 1].
type SampleBlock struct {
	Samples    []float64
	SampleRate int
	CapturedAt time.Time
	Seq        uint64
}

// Duration returns the audio time covered by the block.
func (b SampleBlock) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// Reading is the loudness of one block.
type Reading struct {
	DB     float64   // RMS level in dBFS, -Inf for digital silence
	PeakDB float64   // Peak level in dBFS, -Inf for digital silence
	At     time.Time // Capture time of the block
}

// IsSilence reports whether the reading is true digital silence.
func (r Reading) IsSilence() bool {
	return math.IsInf(r.DB, -1)
}

// RMS returns the root-mean-square amplitude of samples.
func RMS(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumSquares float64
	for _, s := range samples {
		sumSquares += s * s
	}
	return math.Sqrt(sumSquares / float64(len(samples)))
}

// LevelDB converts an amplitude relative to full scale into dBFS.
// Zero (or negative) amplitude yields Silence instead of a log domain error.
func LevelDB(amplitude float64) float64 {
	if amplitude <= 0 || math.IsNaN(amplitude) {
		return Silence
	}
	return 20 * math.Log10(amplitude)
}

// Analyze computes the loudness of a block. It has no side effects.
func Analyze(block SampleBlock) Reading {
	var peak float64
	for _, s := range block.Samples {
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}
	return Reading{
		DB:     LevelDB(RMS(block.Samples)),
		PeakDB: LevelDB(peak),
		At:     block.CapturedAt,
	}
}

// DecodeS16LE converts interleaved S16LE PCM into normalized mono samples,
// averaging channels when there is more than one. Trailing partial frames
// are ignored.
func DecodeS16LE(buf []byte, channels int) []float64 {
	channels = max(channels, 1)
	frameSize := 2 * channels
	frames := len(buf) / frameSize
	out := make([]float64, frames)
	for i := range frames {
		var sum float64
		base := i * frameSize
		for ch := range channels {
			sum += float64(int16(binary.LittleEndian.Uint16(buf[base+2*ch:]))) / MaxSampleValue
		}
		out[i] = sum / float64(channels)
	}
	return out
}

// EncodeS16LE converts normalized mono samples back into S16LE PCM, clipping
// values outside [-1, 1].
func EncodeS16LE(samples []float64) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		v := math.Round(s * MaxSampleValue)
		v = min(max(v, math.MinInt16), math.MaxInt16)
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v)))
	}
	return out
}

// Finite returns db, replacing digital silence with FloorDB.
func Finite(db float64) float64 {
	if math.IsInf(db, -1) || db < FloorDB {
		return FloorDB
	}
	return db
}
