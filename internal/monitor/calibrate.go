package monitor

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/oszuidwest/zwfm-silencewatch/internal/audio"
	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
)

// Calibrate captures from src for the calibrator's duration and returns
// recommended thresholds. Capture stops as soon as the calibrator is done.
func Calibrate(ctx context.Context, src audio.Source, cal *audio.Calibrator) (types.ThresholdSet, audio.CalibrationReport, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	blocks := make(chan audio.SampleBlock, DefaultBufferBlocks)

	g.Go(func() error {
		defer close(blocks)
		err := src.Run(gctx, blocks)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})

	var (
		thresholds types.ThresholdSet
		report     audio.CalibrationReport
		calErr     error
	)
	g.Go(func() error {
		// Stop capture whatever the outcome, then drain so the
		// sender never blocks.
		defer func() {
			cancel()
			for range blocks {
			}
		}()
		thresholds, report, calErr = cal.Run(gctx, blocks)
		return nil
	})

	captureErr := g.Wait()
	if err := ctx.Err(); err != nil {
		return types.ThresholdSet{}, report, err
	}
	if calErr != nil {
		// A capture fault that starved calibration is the better explanation.
		if captureErr != nil {
			return types.ThresholdSet{}, report, &types.CalibrationError{Readings: report.Readings, Err: captureErr}
		}
		return types.ThresholdSet{}, report, calErr
	}

	slog.Info("calibration complete",
		"readings", report.Readings,
		"floor_db", report.FloorDB,
		"nominal_db", report.NominalDB,
		"silence_db", thresholds.SilenceDB,
		"clear_db", thresholds.ClearDB)
	return thresholds, report, nil
}
