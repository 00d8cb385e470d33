package audio

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
)

var testThresholds = types.ThresholdSet{SilenceDB: -40, ClearDB: -15}

// feed steps m through levels one second apart and returns the transitions
// along with the index of the reading that produced each.
func feed(m *SilenceMachine, start time.Time, levels ...float64) ([]Transition, []int) {
	var (
		out []Transition
		idx []int
	)
	for i, db := range levels {
		if tr, ok := m.Step(Reading{DB: db, At: start.Add(time.Duration(i) * time.Second)}); ok {
			out = append(out, tr)
			idx = append(idx, i)
		}
	}
	return out, idx
}

func TestSilenceMachineLossAndRecovery(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewSilenceMachine(SilenceConfig{Thresholds: testThresholds})

	trs, idx := feed(m, start, -10, -50, -50, -5)

	require.Len(t, trs, 2)
	assert.Equal(t, TransitionSilenceStarted, trs[0].Kind)
	assert.Equal(t, 1, idx[0], "silence fires on the second reading")
	assert.Equal(t, start.Add(time.Second), trs[0].StartedAt)

	assert.Equal(t, TransitionSilenceEnded, trs[1].Kind)
	assert.Equal(t, 3, idx[1], "restoration fires on the fourth reading")
	assert.Equal(t, 2*time.Second, trs[1].Duration, "t4 - t2")
	assert.Equal(t, types.StateNormal, m.State())
	assert.True(t, m.SilenceStartedAt().IsZero())
}

func TestSilenceMachineDeadZone(t *testing.T) {
	m := NewSilenceMachine(SilenceConfig{Thresholds: testThresholds})
	trs, _ := feed(m, time.Now(), -20, -30, -39.9, -15.1, -25, -20)
	assert.Empty(t, trs)
	assert.Equal(t, types.StateNormal, m.State())
}

func TestSilenceMachineDeadZoneWhileSilent(t *testing.T) {
	m := NewSilenceMachine(SilenceConfig{Thresholds: testThresholds})
	trs, _ := feed(m, time.Now(), -60, -30, -20, -16)
	require.Len(t, trs, 1)
	assert.Equal(t, TransitionSilenceStarted, trs[0].Kind)
	assert.Equal(t, types.StateSilent, m.State(), "dead zone never clears")
}

func TestSilenceMachineBoundaries(t *testing.T) {
	m := NewSilenceMachine(SilenceConfig{Thresholds: testThresholds})
	trs, _ := feed(m, time.Now(), -40, -15)
	require.Len(t, trs, 2, "thresholds are inclusive")
	assert.Equal(t, TransitionSilenceStarted, trs[0].Kind)
	assert.Equal(t, TransitionSilenceEnded, trs[1].Kind)
}

func TestSilenceMachineDigitalSilence(t *testing.T) {
	m := NewSilenceMachine(SilenceConfig{Thresholds: testThresholds})
	tr, ok := m.Step(Reading{DB: Silence, At: time.Now()})
	require.True(t, ok)
	assert.Equal(t, TransitionSilenceStarted, tr.Kind)
}

func TestSilenceMachineIgnoresNaN(t *testing.T) {
	m := NewSilenceMachine(SilenceConfig{Thresholds: testThresholds, SilenceLimit: 2})
	trs, _ := feed(m, time.Now(), -50, math.NaN(), -50)
	require.Len(t, trs, 1, "NaN neither breaks nor extends the run")
	assert.Equal(t, TransitionSilenceStarted, trs[0].Kind)
}

func TestSilenceMachineLimits(t *testing.T) {
	start := time.Now()
	m := NewSilenceMachine(SilenceConfig{Thresholds: testThresholds, SilenceLimit: 3, ClearLimit: 2})

	trs, idx := feed(m, start,
		-50, -50, -20, // run broken by dead zone
		-50, -50, -50, // silence confirmed at index 5
		-10, -50, // clear run broken
		-10, -10, // restored at index 9
	)

	require.Len(t, trs, 2)
	assert.Equal(t, 5, idx[0])
	assert.Equal(t, start.Add(3*time.Second), trs[0].StartedAt, "first reading of the confirming run")
	assert.Equal(t, 9, idx[1])
	assert.Equal(t, 6*time.Second, trs[1].Duration)
}

func TestSilenceMachineReminders(t *testing.T) {
	start := time.Now()
	m := NewSilenceMachine(SilenceConfig{Thresholds: testThresholds, ReminderInterval: 3 * time.Second})

	trs, idx := feed(m, start, -50, -50, -50, -50, -50, -50, -50, -5)

	kinds := make([]TransitionKind, len(trs))
	for i, tr := range trs {
		kinds[i] = tr.Kind
	}
	assert.Equal(t, []TransitionKind{
		TransitionSilenceStarted,
		TransitionReminder,
		TransitionReminder,
		TransitionSilenceEnded,
	}, kinds)
	assert.Equal(t, []int{0, 3, 6, 7}, idx)
	assert.Equal(t, 3*time.Second, trs[1].Duration)
	assert.Equal(t, 6*time.Second, trs[2].Duration)
}

func TestSilenceMachineNoRemindersWhenDisabled(t *testing.T) {
	m := NewSilenceMachine(SilenceConfig{Thresholds: testThresholds})
	trs, _ := feed(m, time.Now(), -50, -50, -50, -50, -50, -50)
	assert.Len(t, trs, 1)
}

func TestSilenceMachineReset(t *testing.T) {
	m := NewSilenceMachine(SilenceConfig{Thresholds: testThresholds})
	feed(m, time.Now(), -50)
	require.Equal(t, types.StateSilent, m.State())

	m.Reset()
	assert.Equal(t, types.StateNormal, m.State())
	assert.Equal(t, testThresholds, m.Thresholds())
}

func TestTransitionKindString(t *testing.T) {
	assert.Equal(t, "silence_started", TransitionSilenceStarted.String())
	assert.Equal(t, "none", TransitionNone.String())
}
