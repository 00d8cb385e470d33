//go:build portaudio

package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
	"github.com/oszuidwest/zwfm-silencewatch/internal/util"
)

// PortAudioSource captures audio natively through PortAudio.
// Device is the decimal index reported by Devices(BackendPortAudio); empty
// selects the host default input.
type PortAudioSource struct {
	cfg SourceConfig
}

func newPortAudioSource(cfg SourceConfig) (Source, error) {
	return &PortAudioSource{cfg: cfg}, nil
}

// Device returns the configured device identifier.
func (s *PortAudioSource) Device() string {
	if s.cfg.Device == "" {
		return "default"
	}
	return s.cfg.Device
}

// Run opens a blocking input stream and reads blocks until ctx is done.
func (s *PortAudioSource) Run(ctx context.Context, out chan<- SampleBlock) error {
	if err := portaudio.Initialize(); err != nil {
		return &types.CaptureError{Device: s.Device(), Err: util.WrapError("initialize PortAudio", err)}
	}
	defer portaudio.Terminate()

	dev, err := s.inputDevice()
	if err != nil {
		return &types.CaptureError{Device: s.Device(), Err: err}
	}

	params := portaudio.HighLatencyParameters(dev, nil)
	params.Input.Channels = types.CaptureChannels
	params.SampleRate = float64(s.cfg.SampleRate)
	params.FramesPerBuffer = s.cfg.BlockFrames

	in := make([]int16, s.cfg.BlockFrames)
	stream, err := portaudio.OpenStream(params, in)
	if err != nil {
		return &types.CaptureError{Device: s.Device(), Err: util.WrapError("open input stream", err)}
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return &types.CaptureError{Device: s.Device(), Err: util.WrapError("start input stream", err)}
	}
	defer stream.Stop() //nolint:errcheck // Best-effort cleanup

	slog.Info("starting audio capture", "backend", BackendPortAudio, "device", dev.Name, "sample_rate", s.cfg.SampleRate)

	sender := newBlockSender(out, s.cfg.SampleRate, s.cfg.OnDrop)
	for {
		if ctx.Err() != nil {
			slog.Info("audio capture stopped")
			return nil
		}
		if err := stream.Read(); err != nil {
			// Overflow only means samples were lost upstream; keep going.
			if errors.Is(err, portaudio.InputOverflowed) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return &types.CaptureError{Device: s.Device(), Err: util.WrapError("read input stream", err)}
		}
		samples := make([]float64, len(in))
		for i, v := range in {
			samples[i] = float64(v) / MaxSampleValue
		}
		sender.send(samples, time.Now())
	}
}

func (s *PortAudioSource) inputDevice() (*portaudio.DeviceInfo, error) {
	if s.cfg.Device == "" {
		return portaudio.DefaultInputDevice()
	}
	idx, err := strconv.Atoi(s.cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a PortAudio device index", types.ErrInvalidDevice, s.cfg.Device)
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, util.WrapError("list PortAudio devices", err)
	}
	if idx < 0 || idx >= len(devices) || devices[idx].MaxInputChannels < 1 {
		return nil, fmt.Errorf("%w: PortAudio device %d has no input", types.ErrInvalidDevice, idx)
	}
	return devices[idx], nil
}

func portAudioDevices() ([]Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, util.WrapError("initialize PortAudio", err)
	}
	defer portaudio.Terminate()

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, util.WrapError("list PortAudio devices", err)
	}

	var devices []Device
	for i, info := range infos {
		if info.MaxInputChannels < 1 {
			continue
		}
		devices = append(devices, Device{
			Index: len(devices),
			ID:    strconv.Itoa(i),
			Name:  info.Name,
		})
	}
	return devices, nil
}
