package audio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
)

// blocksOf returns a closed channel holding one 100 ms block per level.
func blocksOf(levels ...float64) <-chan SampleBlock {
	ch := make(chan SampleBlock, len(levels))
	start := time.Now()
	for i, db := range levels {
		ch <- constantBlock(db, 4800, 48000, start.Add(time.Duration(i)*100*time.Millisecond))
	}
	close(ch)
	return ch
}

func repeat(db float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = db
	}
	return out
}

func TestCalibratorConstantLevel(t *testing.T) {
	c := NewCalibrator(5 * time.Second)

	th, report, err := c.Run(context.Background(), blocksOf(repeat(-45, 50)...))
	require.NoError(t, err)

	assert.Less(t, th.SilenceDB, -45.0)
	assert.Greater(t, th.ClearDB, -45.0)
	assert.GreaterOrEqual(t, th.Gap(), 2*c.MarginDB)
	assert.Equal(t, 50, report.Readings)
	assert.Equal(t, 5*time.Second, report.Elapsed)
	assert.InDelta(t, -45.0, report.FloorDB, 1e-6)
}

func TestCalibratorStopsAtDuration(t *testing.T) {
	c := NewCalibrator(time.Second)
	_, report, err := c.Run(context.Background(), blocksOf(repeat(-30, 40)...))
	require.NoError(t, err)
	assert.Equal(t, 10, report.Readings)
}

func TestCalibratorExcludesAmbientFloor(t *testing.T) {
	// Program audio around -20 dB with occasional dips to digital silence.
	levels := append(repeat(-20, 45), repeat(-18, 45)...)
	levels = append(levels, Silence, Silence, Silence)

	c := NewCalibrator(20 * time.Second)
	th, report, err := c.Run(context.Background(), blocksOf(levels...))
	require.NoError(t, err)

	assert.Equal(t, FloorDB, report.MinDB)
	assert.Less(t, th.SilenceDB, report.FloorDB)
	assert.Greater(t, th.ClearDB, report.NominalDB)
	assert.Greater(t, th.ClearDB, th.SilenceDB)
}

func TestCalibratorAllSilence(t *testing.T) {
	c := NewCalibrator(time.Second)
	th, _, err := c.Run(context.Background(), blocksOf(repeat(Silence, 10)...))
	require.NoError(t, err)
	assert.NoError(t, th.Validate())
}

func TestCalibratorInsufficientSamples(t *testing.T) {
	c := NewCalibrator(5 * time.Second)
	_, report, err := c.Run(context.Background(), blocksOf(-30, -30))

	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrInsufficientSamples)
	var calErr *types.CalibrationError
	require.True(t, errors.As(err, &calErr))
	assert.Equal(t, 2, calErr.Readings)
	assert.Equal(t, 2, report.Readings)
}

func TestCalibratorCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewCalibrator(5 * time.Second)
	_, _, err := c.Run(ctx, make(chan SampleBlock))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalibratorOnReading(t *testing.T) {
	var seen int
	c := NewCalibrator(time.Second)
	c.OnReading = func(Reading) { seen++ }
	_, _, err := c.Run(context.Background(), blocksOf(repeat(-30, 10)...))
	require.NoError(t, err)
	assert.Equal(t, 10, seen)
}

func TestRecommendThresholds(t *testing.T) {
	tests := []struct {
		name           string
		floor, nominal float64
		margin         float64
		want           types.ThresholdSet
	}{
		{"typical", -60, -20, 6, types.ThresholdSet{SilenceDB: -66, ClearDB: -14}},
		{"flat", -45, -45, 6, types.ThresholdSet{SilenceDB: -51, ClearDB: -39}},
		{"margin floor", -45, -45, 0, types.ThresholdSet{SilenceDB: -46, ClearDB: -44}},
		{"nominal below floor", -30, -40, 2, types.ThresholdSet{SilenceDB: -32, ClearDB: -28}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RecommendThresholds(tt.floor, tt.nominal, tt.margin)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, got.Validate())
		})
	}
}

func TestPercentile(t *testing.T) {
	sorted := []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	assert.InDelta(t, 10.0, Percentile(sorted, 10), 1e-9)
	assert.InDelta(t, 90.0, Percentile(sorted, 90), 1e-9)
	assert.InDelta(t, 5.0, Percentile([]float64{0, 10}, 50), 1e-9)
	assert.Equal(t, 7.0, Percentile([]float64{7}, 90))
	assert.True(t, Percentile(nil, 50) != Percentile(nil, 50), "NaN for empty input")
}
