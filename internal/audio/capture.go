package audio

import (
	"cmp"
	"errors"
	"fmt"

	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
	"github.com/oszuidwest/zwfm-silencewatch/internal/util"
)

// ErrNoAudioDevice is returned when no audio input device is available.
var ErrNoAudioDevice = errors.New("no audio input device found")

// ErrCommandNotFound is returned when the capture binary is not installed.
var ErrCommandNotFound = errors.New("capture command not found")

// CaptureConfig defines platform-specific audio capture configuration.
type CaptureConfig struct {
	// Command is the executable name (e.g., "arecord", "ffmpeg").
	Command string

	// DefaultDevice is used when no device is configured.
	DefaultDevice string

	// BuildArgs returns the command arguments for mono S16LE capture.
	BuildArgs func(device string, sampleRate int) []string
}

// BuildCaptureCommand returns the command and arguments for audio capture.
// If device is empty, the platform default is used, then the first
// enumerated device. commandPath overrides the platform command.
func BuildCaptureCommand(device, commandPath string, sampleRate int) (cmd string, args []string, err error) {
	cfg := getPlatformConfig()

	if device == "" {
		device = cfg.DefaultDevice
	}

	// Auto-detect if still empty (Windows has no safe default).
	if device == "" {
		devices := cfg.Devices()
		if len(devices) == 0 {
			return "", nil, ErrNoAudioDevice
		}
		device = devices[0].ID
	}

	if sampleRate <= 0 {
		sampleRate = types.DefaultSampleRate
	}

	command := util.ResolveCommand(commandPath, cfg.Command)
	if command == "" {
		return "", nil, fmt.Errorf("%w: %s", ErrCommandNotFound, cmp.Or(commandPath, cfg.Command))
	}

	return command, cfg.BuildArgs(device, sampleRate), nil
}

// SelectDevice returns the device at index from devices.
func SelectDevice(devices []Device, index int) (Device, error) {
	for _, d := range devices {
		if d.Index == index {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%w: no input device with index %d (%d available)", types.ErrInvalidDevice, index, len(devices))
}
