// Package monitor runs the capture and analysis loop that turns audio
// levels into silence alerts.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/oszuidwest/zwfm-silencewatch/internal/audio"
	"github.com/oszuidwest/zwfm-silencewatch/internal/metrics"
	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
	"github.com/oszuidwest/zwfm-silencewatch/internal/util"
)

// DefaultBufferBlocks is the capacity of the block channel between capture
// and analysis.
const DefaultBufferBlocks = 16

// Alerter delivers alert events without blocking the caller.
type Alerter interface {
	Notify(ctx context.Context, ev types.AlertEvent)
}

// EventRecorder persists silence alerts.
type EventRecorder interface {
	LogAlert(ev *types.AlertEvent) error
}

// ClipRecorder keeps recent audio for incident clips.
type ClipRecorder interface {
	Write(block audio.SampleBlock)
	OnSilenceStart(incidentID string, at time.Time)
	OnSilenceEnd()
}

// Options configures a Monitor. Only Silence is required.
type Options struct {
	Silence      audio.SilenceConfig
	DeviceLabel  string
	Alerts       Alerter
	Events       EventRecorder
	Clips        ClipRecorder
	Metrics      *metrics.Metrics
	BufferBlocks int
	// HistorySize is the number of readings attached to alerts for the
	// trend graph. Zero uses DefaultHistorySize.
	HistorySize int

	// OnStatus is called from the analysis goroutine after every block.
	OnStatus func(Status)
	// NewIncidentID overrides the incident ID generator.
	NewIncidentID func() string
}

// Status is a point-in-time view of the monitor for the status API.
type Status struct {
	State            types.MonitorState `json:"state"`
	Device           string             `json:"device"`
	LevelDB          float64            `json:"level_db"`
	PeakDB           float64            `json:"peak_db"`
	HeldPeakDB       float64            `json:"held_peak_db"`
	Thresholds       types.ThresholdSet `json:"thresholds"`
	IncidentID       string             `json:"incident_id,omitempty"`
	SilenceStartedAt time.Time          `json:"silence_started_at,omitzero"`
	SilenceDuration  string             `json:"silence_duration,omitempty"`
	Blocks           uint64             `json:"blocks"`
	Dropped          uint64             `json:"dropped"`
	UpdatedAt        time.Time          `json:"updated_at,omitzero"`
}

// Monitor owns the silence state machine. Run may be called once.
type Monitor struct {
	opts    Options
	machine *audio.SilenceMachine
	peak    *audio.PeakHolder
	history *history

	incidentID string // analysis goroutine only
	blocks     atomic.Uint64
	dropped    atomic.Uint64

	mu     sync.RWMutex
	status Status
}

// New validates the thresholds and returns a Monitor in the Normal state.
func New(opts Options) (*Monitor, error) {
	if err := opts.Silence.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if opts.BufferBlocks <= 0 {
		opts.BufferBlocks = DefaultBufferBlocks
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.NewIncidentID == nil {
		opts.NewIncidentID = uuid.NewString
	}
	m := &Monitor{
		opts:    opts,
		machine: audio.NewSilenceMachine(opts.Silence),
		peak:    audio.NewPeakHolder(audio.DefaultPeakHoldDuration),
		history: newHistory(opts.HistorySize),
	}
	m.status = Status{
		State:      types.StateNormal,
		Device:     opts.DeviceLabel,
		LevelDB:    audio.FloorDB,
		PeakDB:     audio.FloorDB,
		HeldPeakDB: audio.FloorDB,
		Thresholds: opts.Silence.Thresholds,
	}
	return m, nil
}

// BlockDropped counts a block the capture side could not hand over. It is
// safe to use as audio.SourceConfig.OnDrop.
func (m *Monitor) BlockDropped() {
	m.dropped.Add(1)
	if m.opts.Metrics != nil {
		m.opts.Metrics.BlockDropped()
	}
}

// Status returns the latest status.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.status
	if !s.SilenceStartedAt.IsZero() {
		s.SilenceDuration = util.FormatDuration(time.Since(s.SilenceStartedAt))
	}
	return s
}

// Run captures from src and analyzes every block until ctx is done or
// capture fails. It returns nil on cancellation and a *types.CaptureError
// when the device stops producing audio.
func (m *Monitor) Run(ctx context.Context, src audio.Source) error {
	g, gctx := errgroup.WithContext(ctx)
	blocks := make(chan audio.SampleBlock, m.opts.BufferBlocks)

	slog.Info("monitoring started",
		"device", src.Device(),
		"silence_db", m.opts.Silence.Thresholds.SilenceDB,
		"clear_db", m.opts.Silence.Thresholds.ClearDB,
		"reminder_interval", m.opts.Silence.ReminderInterval)

	g.Go(func() error {
		defer close(blocks)
		err := src.Run(gctx, blocks)
		if err == nil && gctx.Err() == nil {
			err = &types.CaptureError{Device: src.Device(), Err: errors.New("capture stopped")}
		}
		return err
	})

	g.Go(func() error {
		for block := range blocks {
			m.process(ctx, block)
		}
		return nil
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil && !errors.Is(err, types.ErrCaptureFault) {
		err = nil
	}
	slog.Info("monitoring stopped", "blocks", m.blocks.Load(), "dropped", m.dropped.Load())
	return err
}

// process analyzes one block and raises an alert when the state changes.
func (m *Monitor) process(ctx context.Context, block audio.SampleBlock) {
	if block.CapturedAt.IsZero() {
		block.CapturedAt = time.Now()
	}
	reading := audio.Analyze(block)
	m.blocks.Add(1)
	m.history.add(reading)

	if m.opts.Clips != nil {
		m.opts.Clips.Write(block)
	}
	if m.opts.Metrics != nil {
		m.opts.Metrics.ObserveReading(reading)
	}

	tr, fired := m.machine.Step(reading)
	if fired {
		m.handleTransition(ctx, tr)
	}

	status := m.updateStatus(reading)
	if m.opts.OnStatus != nil {
		m.opts.OnStatus(status)
	}
}

func (m *Monitor) handleTransition(ctx context.Context, tr audio.Transition) {
	var kind types.AlertKind
	switch tr.Kind {
	case audio.TransitionSilenceStarted:
		kind = types.AlertSilenceDetected
		m.incidentID = m.opts.NewIncidentID()
		if m.opts.Clips != nil {
			m.opts.Clips.OnSilenceStart(m.incidentID, tr.StartedAt)
		}
		slog.Warn("silence detected",
			"incident", m.incidentID, "level_db", tr.Reading.DB,
			"threshold_db", m.opts.Silence.Thresholds.SilenceDB, "since", tr.StartedAt)
	case audio.TransitionSilenceEnded:
		kind = types.AlertAudioRestored
		if m.opts.Clips != nil {
			m.opts.Clips.OnSilenceEnd()
		}
		slog.Info("audio restored",
			"incident", m.incidentID, "level_db", tr.Reading.DB, "duration", tr.Duration)
	case audio.TransitionReminder:
		kind = types.AlertSilenceReminder
		slog.Warn("silence continues", "incident", m.incidentID, "duration", tr.Duration)
	default:
		return
	}

	ev := types.AlertEvent{
		Kind:        kind,
		IncidentID:  m.incidentID,
		DeviceLabel: m.opts.DeviceLabel,
		LevelDB:     tr.Reading.DB,
		Thresholds:  m.opts.Silence.Thresholds,
		Duration:    tr.Duration,
		Timestamp:   tr.Reading.At,
		History:     m.history.snapshot(),
	}
	if tr.Kind == audio.TransitionSilenceEnded {
		m.incidentID = ""
	}

	if m.opts.Metrics != nil {
		m.opts.Metrics.AlertRaised(kind)
		m.opts.Metrics.SetState(m.machine.State())
	}
	if m.opts.Events != nil {
		if err := m.opts.Events.LogAlert(&ev); err != nil {
			slog.Error("failed to write event log", "kind", kind, "error", err)
		}
	}
	if m.opts.Alerts != nil {
		m.opts.Alerts.Notify(ctx, ev)
	}
}

func (m *Monitor) updateStatus(r audio.Reading) Status {
	held := m.peak.Update(audio.Finite(r.PeakDB), r.At)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.State = m.machine.State()
	m.status.LevelDB = audio.Finite(r.DB)
	m.status.PeakDB = audio.Finite(r.PeakDB)
	m.status.HeldPeakDB = held
	m.status.IncidentID = m.incidentID
	m.status.SilenceStartedAt = m.machine.SilenceStartedAt()
	m.status.Blocks = m.blocks.Load()
	m.status.Dropped = m.dropped.Load()
	m.status.UpdatedAt = r.At
	return m.status
}
