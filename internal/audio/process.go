package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
	"github.com/oszuidwest/zwfm-silencewatch/internal/util"
)

// ProcessSource captures audio by running arecord or FFmpeg and reading
// mono S16LE PCM from its stdout.
type ProcessSource struct {
	cfg SourceConfig
	// start launches the capture command; tests replace it.
	start func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewProcessSource returns a process-backed Source.
func NewProcessSource(cfg SourceConfig) *ProcessSource {
	return &ProcessSource{
		cfg:   cfg.withDefaults(),
		start: exec.CommandContext,
	}
}

// Device returns the configured device identifier.
func (s *ProcessSource) Device() string {
	if s.cfg.Device == "" {
		return getPlatformConfig().DefaultDevice
	}
	return s.cfg.Device
}

// Run starts the capture process and streams blocks until ctx is done or
// the process exits.
func (s *ProcessSource) Run(ctx context.Context, out chan<- SampleBlock) error {
	cmdName, args, err := BuildCaptureCommand(s.cfg.Device, s.cfg.CommandPath, s.cfg.SampleRate)
	if err != nil {
		return &types.CaptureError{Device: s.Device(), Err: err}
	}

	slog.Info("starting audio capture", "command", cmdName, "device", s.Device(), "sample_rate", s.cfg.SampleRate)

	cmd := s.start(ctx, cmdName, args...)
	cmd.Cancel = func() error {
		return util.GracefulSignal(cmd.Process)
	}
	cmd.WaitDelay = types.ShutdownTimeout

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &types.CaptureError{Device: s.Device(), Err: util.WrapError("open capture pipe", err)}
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return &types.CaptureError{Device: s.Device(), Err: util.WrapError("start "+cmdName, err)}
	}

	readErr := s.stream(ctx, stdout, out)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		slog.Info("audio capture stopped")
		return nil
	}

	cause := readErr
	if cause == nil || errors.Is(cause, io.EOF) || errors.Is(cause, io.ErrUnexpectedEOF) {
		cause = errors.New("stream ended")
	}
	if waitErr != nil {
		cause = fmt.Errorf("%w (%v)", cause, waitErr)
	}
	if msg := util.ExtractLastError(stderrBuf.String()); msg != "" {
		cause = fmt.Errorf("%w: %s", cause, msg)
	}
	return &types.CaptureError{Device: s.Device(), Err: cause}
}

// stream reads fixed-size blocks from r until it fails.
func (s *ProcessSource) stream(ctx context.Context, r io.Reader, out chan<- SampleBlock) error {
	return readBlocks(ctx, r, s.cfg.BlockFrames, newBlockSender(out, s.cfg.SampleRate, s.cfg.OnDrop))
}

// readBlocks decodes mono S16LE blocks of frames samples from r.
func readBlocks(ctx context.Context, r io.Reader, frames int, sender *blockSender) error {
	buf := make([]byte, frames*2)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sender.send(DecodeS16LE(buf, types.CaptureChannels), time.Now())
	}
}
