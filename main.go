// Package main provides an audio silence monitor that watches a capture
// device and alerts by email and hooks when the signal is lost or restored.
//
// Usage:
//
//	silencewatch [-config path/to/config.json] [-device N]
//	silencewatch -list-devices
//	silencewatch -calibrate [10] [-save]
//
// If -config is not specified, silencewatch looks for config.json in the same
// directory as the binary.
package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/oszuidwest/zwfm-silencewatch/internal/audio"
	"github.com/oszuidwest/zwfm-silencewatch/internal/config"
	"github.com/oszuidwest/zwfm-silencewatch/internal/eventlog"
	"github.com/oszuidwest/zwfm-silencewatch/internal/logging"
	"github.com/oszuidwest/zwfm-silencewatch/internal/monitor"
	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
	"github.com/oszuidwest/zwfm-silencewatch/internal/util"
)

// options holds the parsed command line.
type options struct {
	configPath  string
	showVersion bool
	listDevices bool
	device      int
	calibrating bool
	calibrate   int // Seconds; zero uses the configured duration
	save        bool
	silenceDB   float64
	clearDB     float64
	setFlags    map[string]bool
}

// calibrateFlag is -calibrate with an optional number of seconds, so that
// "-calibrate", "-calibrate=10" and "-calibrate 10" all work.
type calibrateFlag struct {
	on      bool
	seconds int
}

func (f *calibrateFlag) String() string {
	if f == nil || !f.on {
		return ""
	}
	return strconv.Itoa(f.seconds)
}

func (f *calibrateFlag) IsBoolFlag() bool { return true }

func (f *calibrateFlag) Set(v string) error {
	switch v {
	case "true":
		f.on, f.seconds = true, 0
		return nil
	case "false":
		f.on, f.seconds = false, 0
		return nil
	}
	n, err := parseSeconds(v)
	if err != nil {
		return err
	}
	f.on, f.seconds = true, n
	return nil
}

func parseSeconds(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("-calibrate must be a positive number of seconds")
	}
	return n, nil
}

func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("silencewatch", flag.ContinueOnError)
	o := &options{}
	var cal calibrateFlag
	fs.StringVar(&o.configPath, "config", "", "Path to config file (default: config.json next to binary)")
	fs.BoolVar(&o.showVersion, "version", false, "Print version information and exit")
	fs.BoolVar(&o.listDevices, "list-devices", false, "List capture devices and exit")
	fs.IntVar(&o.device, "device", -1, "Capture device index from -list-devices")
	fs.Var(&cal, "calibrate", "Calibrate for `seconds` (default from config) and print recommended thresholds instead of monitoring")
	fs.BoolVar(&o.save, "save", false, "With -calibrate, store the recommended thresholds in the config file")
	fs.Float64Var(&o.silenceDB, "silence-threshold-db", 0, "Override the silence threshold in dBFS")
	fs.Float64Var(&o.clearDB, "clear-threshold-db", 0, "Override the clear threshold in dBFS")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// A bare -calibrate may be followed by its duration as a separate word.
	for fs.NArg() > 0 {
		rest := fs.Args()
		if !cal.on || cal.seconds != 0 {
			return nil, fmt.Errorf("unexpected argument %q", rest[0])
		}
		n, err := parseSeconds(rest[0])
		if err != nil {
			return nil, err
		}
		cal.seconds = n
		if err := fs.Parse(rest[1:]); err != nil {
			return nil, err
		}
	}

	o.setFlags = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { o.setFlags[f.Name] = true })
	o.calibrating, o.calibrate = cal.on, cal.seconds

	if o.save && !o.calibrating {
		return nil, errors.New("-save requires -calibrate")
	}
	return o, nil
}

// applyOverrides applies threshold flags on top of the loaded settings.
func (o *options) applyOverrides(s *config.Settings) error {
	if o.setFlags["silence-threshold-db"] {
		s.Thresholds.SilenceDB = o.silenceDB
	}
	if o.setFlags["clear-threshold-db"] {
		s.Thresholds.ClearDB = o.clearDB
	}
	return s.Thresholds.Set().Validate()
}

func main() {
	os.Exit(run())
}

func run() int {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		slog.Error("invalid arguments", "error", err)
		return 2
	}

	if opts.showVersion {
		slog.Info("version info", "version", Version, "commit", Commit, "build_time", BuildTime)
		return 0
	}

	if opts.configPath == "" {
		execPath, err := os.Executable()
		if err != nil {
			slog.Error("failed to get executable path", "error", err)
			return 1
		}
		opts.configPath = filepath.Join(filepath.Dir(execPath), "config.json")
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		slog.Error("failed to load config", "path", opts.configPath, "error", err)
		return 1
	}
	settings := cfg.Snapshot()

	closeLog, err := logging.Setup(settings.Logging.Level, settings.Logging.File)
	if err != nil {
		slog.Error("failed to set up logging", "error", err)
		return 1
	}
	defer func() {
		if err := closeLog(); err != nil {
			slog.Warn("failed to close log file", "error", err)
		}
	}()
	slog.Info("using config file", "path", opts.configPath)

	if opts.listDevices {
		return listDevices(settings.Audio.Backend)
	}

	if err := opts.applyOverrides(&settings); err != nil {
		slog.Error("invalid thresholds", "error", err)
		return 1
	}

	device, err := resolveDevice(&settings, opts.device)
	if err != nil {
		slog.Error("failed to select capture device", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), util.ShutdownSignals()...)
	defer stop()

	if opts.calibrating {
		seconds := cmp.Or(opts.calibrate, settings.Calibration.DurationSeconds)
		return runCalibration(ctx, cfg, &settings, device, time.Duration(seconds)*time.Second, opts.save)
	}

	app, err := newApp(&settings, device)
	if err != nil {
		slog.Error("failed to initialise", "error", err)
		return 1
	}
	if err := app.run(ctx); err != nil {
		var capErr *types.CaptureError
		if errors.As(err, &capErr) {
			slog.Error("audio capture failed", "device", capErr.Device, "error", capErr.Err)
		} else {
			slog.Error("monitor stopped", "error", err)
		}
		return 1
	}
	slog.Info("shutdown complete")
	return 0
}

func listDevices(backend string) int {
	devices, err := audio.Devices(backend)
	if err != nil {
		slog.Error("failed to list devices", "backend", backend, "error", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Println("No capture devices found.")
		return 0
	}
	fmt.Print(audio.FormatDevices(devices))
	return 0
}

// resolveDevice picks the capture device: -device by index, else the
// configured ID. The returned device ID is empty for the backend default.
func resolveDevice(s *config.Settings, index int) (audio.Device, error) {
	if index < 0 {
		return audio.Device{ID: s.Audio.Device, Name: s.Audio.Device}, nil
	}
	devices, err := audio.Devices(s.Audio.Backend)
	if err != nil {
		return audio.Device{}, err
	}
	return audio.SelectDevice(devices, index)
}

// newSource builds the capture backend for device. onDrop may be nil.
func newSource(s *config.Settings, device audio.Device, onDrop func()) (audio.Source, error) {
	return audio.NewSource(audio.SourceConfig{
		Backend:     s.Audio.Backend,
		Device:      device.ID,
		CommandPath: s.Audio.CommandPath,
		SampleRate:  s.Audio.SampleRate,
		BlockFrames: s.Audio.SampleRate * s.Audio.BlockMs / 1000,
		OnDrop:      onDrop,
	})
}

// runCalibration runs the calibration phase and prints the recommendation.
// Thresholds are written to the config file only when save is set and the
// run succeeded.
func runCalibration(ctx context.Context, cfg *config.Config, s *config.Settings, device audio.Device, d time.Duration, save bool) int {
	src, err := newSource(s, device, nil)
	if err != nil {
		slog.Error("failed to open capture device", "error", err)
		return 1
	}

	cal := audio.NewCalibrator(d)
	cal.MarginDB = s.Calibration.MarginDB
	slog.Info("calibrating", "device", src.Device(), "duration", util.FormatDuration(d), "margin_db", cal.MarginDB)

	ts, report, err := monitor.Calibrate(ctx, src, cal)
	if err != nil {
		if ctx.Err() != nil {
			slog.Info("calibration interrupted")
			return 0
		}
		slog.Error("calibration failed", "error", err)
		return 1
	}

	slog.Info("calibration complete",
		"readings", report.Readings,
		"floor_db", report.FloorDB,
		"nominal_db", report.NominalDB,
		"min_db", audio.Finite(report.MinDB),
		"max_db", audio.Finite(report.MaxDB))
	fmt.Printf("Recommended thresholds: -silence-threshold-db %.1f -clear-threshold-db %.1f\n", ts.SilenceDB, ts.ClearDB)
	recordCalibration(s.EventLog.Path, src.Device(), ts, report)

	if save {
		if err := cfg.SaveThresholds(ts); err != nil {
			slog.Error("failed to save thresholds", "error", err)
			return 1
		}
		slog.Info("thresholds saved", "path", cfg.Path())
	}
	return 0
}

// recordCalibration notes a successful calibration in the event log.
func recordCalibration(path, device string, ts types.ThresholdSet, report audio.CalibrationReport) {
	events, err := eventlog.NewLogger(path)
	if err != nil {
		slog.Warn("event log unavailable", "path", path, "error", err)
		return
	}
	defer func() { _ = events.Close() }()

	msg := fmt.Sprintf("%s: silence %.1f dB, clear %.1f dB from %d readings (floor %.1f dB, nominal %.1f dB)",
		device, ts.SilenceDB, ts.ClearDB, report.Readings, report.FloorDB, report.NominalDB)
	if err := events.LogMessage(eventlog.Calibrated, "", msg); err != nil {
		slog.Warn("failed to record calibration", "error", err)
	}
}
