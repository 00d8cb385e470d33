package notify

import (
	"context"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-silencewatch/internal/audio"
	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
	"github.com/oszuidwest/zwfm-silencewatch/internal/util"
)

// Hook is a fire-and-forget alert channel such as a webhook or MQTT topic.
type Hook interface {
	Name() string
	Notify(ctx context.Context, ev types.AlertEvent) error
}

// Notifier fans an alert out to the email dispatcher and every hook.
type Notifier struct {
	dispatcher *Dispatcher
	hooks      []Hook
	onHookErr  func(hook string, err error)
	wg         sync.WaitGroup
}

// NewNotifier returns a Notifier. dispatcher may be nil when no mail
// transport is configured.
func NewNotifier(dispatcher *Dispatcher, hooks ...Hook) *Notifier {
	return &Notifier{dispatcher: dispatcher, hooks: hooks}
}

// OnHookError registers fn to be called when a hook fails. It must be
// called before the first Notify.
func (n *Notifier) OnHookError(fn func(hook string, err error)) {
	n.onHookErr = fn
}

// Notify sends ev to all channels in the background.
func (n *Notifier) Notify(ctx context.Context, ev types.AlertEvent) {
	if n.dispatcher != nil {
		n.dispatcher.Dispatch(ctx, ev)
	}
	for _, h := range n.hooks {
		n.wg.Go(func() {
			util.LogNotifyResult(h.Name(), func() error {
				err := h.Notify(ctx, ev)
				if err != nil && n.onHookErr != nil {
					n.onHookErr(h.Name(), err)
				}
				return err
			})
		})
	}
}

// Wait blocks until all outstanding notifications have finished.
func (n *Notifier) Wait() {
	if n.dispatcher != nil {
		n.dispatcher.Wait()
	}
	n.wg.Wait()
}

// EventPayload is the JSON document published by hooks.
type EventPayload struct {
	Event       string  `json:"event"`
	IncidentID  string  `json:"incident_id,omitempty"`
	Device      string  `json:"device,omitempty"`
	City        string  `json:"city,omitempty"`
	Country     string  `json:"country,omitempty"`
	LevelDB     float64 `json:"level_db"`
	SilenceDB   float64 `json:"silence_threshold_db"`
	ClearDB     float64 `json:"clear_threshold_db"`
	DurationMs  int64   `json:"duration_ms,omitempty"`
	Timestamp   string  `json:"timestamp"`
	MissedCount int     `json:"missed_count,omitempty"`
}

// NewEventPayload converts ev into its JSON form. Digital silence is
// reported at the analysis floor since JSON has no -Inf.
func NewEventPayload(ev *types.AlertEvent) EventPayload {
	return EventPayload{
		Event:       string(ev.Kind),
		IncidentID:  ev.IncidentID,
		Device:      ev.DeviceLabel,
		City:        ev.Location.City,
		Country:     ev.Location.Country,
		LevelDB:     audio.Finite(ev.LevelDB),
		SilenceDB:   ev.Thresholds.SilenceDB,
		ClearDB:     ev.Thresholds.ClearDB,
		DurationMs:  ev.Duration.Milliseconds(),
		Timestamp:   ev.Timestamp.UTC().Format(time.RFC3339),
		MissedCount: len(ev.Missed),
	}
}
