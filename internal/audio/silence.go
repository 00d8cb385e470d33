package audio

import (
	"math"
	"time"

	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
)

// SilenceConfig holds the hysteresis thresholds and timing for silence detection.
type SilenceConfig struct {
	Thresholds       types.ThresholdSet
	SilenceLimit     int           // consecutive readings at or below SilenceDB before entering silence
	ClearLimit       int           // consecutive readings at or above ClearDB before recovering
	ReminderInterval time.Duration // 0 disables reminders
}

// TransitionKind identifies what a Step produced.
type TransitionKind int

const (
	// TransitionNone means the reading changed nothing worth reporting.
	TransitionNone TransitionKind = iota
	// TransitionSilenceStarted is Normal to Silent.
	TransitionSilenceStarted
	// TransitionSilenceEnded is Silent to Normal.
	TransitionSilenceEnded
	// TransitionReminder is a periodic reminder while Silent.
	TransitionReminder
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionSilenceStarted:
		return "silence_started"
	case TransitionSilenceEnded:
		return "silence_ended"
	case TransitionReminder:
		return "reminder"
	default:
		return "none"
	}
}

// Transition is the outcome of a Step that requires an alert.
type Transition struct {
	Kind      TransitionKind
	Reading   Reading
	StartedAt time.Time     // when the silence began
	Duration  time.Duration // silence length so far (ended and reminder)
}

// SilenceMachine tracks the Normal/Silent state of the input from a stream
// of readings. It is owned by a single goroutine and is not safe for
// concurrent use.
type SilenceMachine struct {
	cfg SilenceConfig

	state          types.MonitorState
	silenceStarted time.Time // set only while Silent
	candidateStart time.Time // first reading of the current silent run
	silentRun      int
	clearRun       int
	lastAlertAt    time.Time
	last           Reading
}

// NewSilenceMachine returns a machine in the Normal state.
// Limits below one are treated as one.
func NewSilenceMachine(cfg SilenceConfig) *SilenceMachine {
	cfg.SilenceLimit = max(cfg.SilenceLimit, 1)
	cfg.ClearLimit = max(cfg.ClearLimit, 1)
	return &SilenceMachine{cfg: cfg, state: types.StateNormal}
}

// Step feeds one reading and reports a transition when one fires.
// NaN readings carry no information and are ignored.
func (m *SilenceMachine) Step(r Reading) (Transition, bool) {
	if math.IsNaN(r.DB) {
		return Transition{}, false
	}
	m.last = r

	isSilent := r.DB <= m.cfg.Thresholds.SilenceDB
	isClear := r.DB >= m.cfg.Thresholds.ClearDB

	if m.state == types.StateNormal {
		if !isSilent {
			m.silentRun = 0
			m.candidateStart = time.Time{}
			return Transition{}, false
		}

		if m.silentRun == 0 {
			m.candidateStart = r.At
		}
		m.silentRun++
		if m.silentRun < m.cfg.SilenceLimit {
			return Transition{}, false
		}

		m.state = types.StateSilent
		m.silenceStarted = m.candidateStart
		m.lastAlertAt = r.At
		m.silentRun = 0
		m.clearRun = 0
		return Transition{
			Kind:      TransitionSilenceStarted,
			Reading:   r,
			StartedAt: m.silenceStarted,
		}, true
	}

	if isClear {
		m.clearRun++
		if m.clearRun < m.cfg.ClearLimit {
			return Transition{}, false
		}

		t := Transition{
			Kind:      TransitionSilenceEnded,
			Reading:   r,
			StartedAt: m.silenceStarted,
			Duration:  r.At.Sub(m.silenceStarted),
		}
		m.state = types.StateNormal
		m.silenceStarted = time.Time{}
		m.candidateStart = time.Time{}
		m.lastAlertAt = time.Time{}
		m.clearRun = 0
		return t, true
	}

	m.clearRun = 0

	if m.cfg.ReminderInterval > 0 && r.At.Sub(m.lastAlertAt) >= m.cfg.ReminderInterval {
		m.lastAlertAt = r.At
		return Transition{
			Kind:      TransitionReminder,
			Reading:   r,
			StartedAt: m.silenceStarted,
			Duration:  r.At.Sub(m.silenceStarted),
		}, true
	}

	return Transition{}, false
}

// State returns the current state.
func (m *SilenceMachine) State() types.MonitorState {
	return m.state
}

// SilenceStartedAt returns when the current silence began, or the zero time
// when the input is Normal.
func (m *SilenceMachine) SilenceStartedAt() time.Time {
	return m.silenceStarted
}

// Last returns the most recent reading fed to the machine.
func (m *SilenceMachine) Last() Reading {
	return m.last
}

// Thresholds returns the thresholds the machine was built with.
func (m *SilenceMachine) Thresholds() types.ThresholdSet {
	return m.cfg.Thresholds
}

// Reset returns the machine to the Normal state.
func (m *SilenceMachine) Reset() {
	*m = SilenceMachine{cfg: m.cfg, state: types.StateNormal}
}
