package audio

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
)

// Calibration defaults.
const (
	DefaultCalibrationDuration = 10 * time.Second
	DefaultCalibrationMarginDB = 6.0
	DefaultMinReadings         = 3
	// MinMarginDB is the smallest margin accepted on either side of the
	// observed range, so the hysteresis gap is never degenerate.
	MinMarginDB = 1.0

	floorPercentile   = 10
	nominalPercentile = 90
)

// Calibrator observes ambient loudness for a fixed window and recommends
// thresholds.
type Calibrator struct {
	Duration    time.Duration
	MarginDB    float64
	MinReadings int
	// OnReading is called for each reading when set.
	OnReading func(Reading)
}

// CalibrationReport summarizes what a calibration run observed.
type CalibrationReport struct {
	Readings  int
	FloorDB   float64 // 10th percentile
	NominalDB float64 // 90th percentile
	MinDB     float64
	MaxDB     float64
	Elapsed   time.Duration
}

// NewCalibrator returns a Calibrator with default margin and minimum sample count.
func NewCalibrator(duration time.Duration) *Calibrator {
	return &Calibrator{
		Duration:    duration,
		MarginDB:    DefaultCalibrationMarginDB,
		MinReadings: DefaultMinReadings,
	}
}

// Run pulls blocks until the audio covered reaches Duration, blocks stops
// producing, or ctx is done. Elapsed time is measured in captured audio
// rather than wall clock so a backlog of buffered blocks counts correctly.
func (c *Calibrator) Run(ctx context.Context, blocks <-chan SampleBlock) (types.ThresholdSet, CalibrationReport, error) {
	duration := c.Duration
	if duration <= 0 {
		duration = DefaultCalibrationDuration
	}
	margin := c.MarginDB
	if margin < MinMarginDB {
		margin = MinMarginDB
	}
	minReadings := max(c.MinReadings, 1)

	deadline := time.NewTimer(duration + duration/2 + time.Second)
	defer deadline.Stop()

	var (
		levels  []float64
		covered time.Duration
	)

collect:
	for covered < duration {
		select {
		case <-ctx.Done():
			return types.ThresholdSet{}, CalibrationReport{Readings: len(levels)}, ctx.Err()
		case <-deadline.C:
			// The device stalled; judge what was collected.
			break collect
		case block, ok := <-blocks:
			if !ok {
				break collect
			}
			r := Analyze(block)
			if math.IsNaN(r.DB) {
				continue
			}
			levels = append(levels, Finite(r.DB))
			covered += block.Duration()
			if c.OnReading != nil {
				c.OnReading(r)
			}
			slog.Debug("calibration sample", "level_db", r.DB)
		}
	}

	report := CalibrationReport{Readings: len(levels), Elapsed: covered}
	if len(levels) < minReadings {
		return types.ThresholdSet{}, report, &types.CalibrationError{
			Readings: len(levels),
			Err:      fmt.Errorf("%w: need at least %d", types.ErrInsufficientSamples, minReadings),
		}
	}

	slices.Sort(levels)
	report.FloorDB = Percentile(levels, floorPercentile)
	report.NominalDB = Percentile(levels, nominalPercentile)
	report.MinDB = levels[0]
	report.MaxDB = levels[len(levels)-1]

	thresholds := RecommendThresholds(report.FloorDB, report.NominalDB, margin)
	if err := thresholds.Validate(); err != nil {
		return types.ThresholdSet{}, report, &types.CalibrationError{Readings: len(levels), Err: err}
	}
	return thresholds, report, nil
}

// RecommendThresholds places the silence threshold margin dB below the
// noise floor and the clear threshold margin dB above the nominal level.
func RecommendThresholds(floorDB, nominalDB, margin float64) types.ThresholdSet {
	margin = max(margin, MinMarginDB)
	nominalDB = max(nominalDB, floorDB)
	return types.ThresholdSet{
		SilenceDB: roundTenth(floorDB - margin),
		ClearDB:   roundTenth(nominalDB + margin),
	}
}

// Percentile returns the p-th percentile of sorted values using linear
// interpolation between closest ranks.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}
