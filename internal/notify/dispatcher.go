package notify

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-silencewatch/internal/location"
	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
)

// maxMissed bounds the remembered timestamps of undelivered alerts.
const maxMissed = 50

// AttachmentFunc returns attachments for an alert. It must not block for long.
type AttachmentFunc func(ev *types.AlertEvent) []Attachment

// DispatchResult is the outcome of one alert delivery.
type DispatchResult struct {
	Kind     types.AlertKind
	State    DeliveryState
	Attempts int
	Err      error
	// Notice is the outcome of the delivery-restored notice sent after this
	// alert, if one was due.
	Notice *DispatchResult
}

// Delivered reports whether the alert was accepted by the transport.
func (r DispatchResult) Delivered() bool { return r.State == DeliverySucceeded }

// Dispatcher delivers alert emails with bounded retries. Failures are logged
// and remembered but never returned to the monitoring loop.
type Dispatcher struct {
	transport Transport
	location  *location.Cache
	policy    RetryPolicy
	attach    []AttachmentFunc
	observers []func(DispatchResult)
	sleep     func(ctx context.Context, d time.Duration) error

	wg sync.WaitGroup

	mu      sync.Mutex
	missed  []time.Time
	lastErr string
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) DispatcherOption {
	return func(d *Dispatcher) { d.policy = p }
}

// WithAttachments adds attachment sources evaluated per alert.
func WithAttachments(fns ...AttachmentFunc) DispatcherOption {
	return func(d *Dispatcher) { d.attach = append(d.attach, fns...) }
}

// WithObserver registers a callback invoked after every delivery, for metrics.
func WithObserver(fn func(DispatchResult)) DispatcherOption {
	return func(d *Dispatcher) { d.observers = append(d.observers, fn) }
}

// NewDispatcher returns a dispatcher sending through transport. loc may be
// nil, in which case alerts without a location are tagged Unknown.
func NewDispatcher(transport Transport, loc *location.Cache, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		transport: transport,
		location:  loc,
		policy:    DefaultRetryPolicy(),
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends ev in the background. Use Wait to join outstanding sends.
func (d *Dispatcher) Dispatch(ctx context.Context, ev types.AlertEvent) {
	d.wg.Go(func() {
		d.Send(ctx, ev)
	})
}

// Wait blocks until all background sends have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Send delivers ev synchronously and reports the outcome.
func (d *Dispatcher) Send(ctx context.Context, ev types.AlertEvent) DispatchResult {
	res := d.deliver(ctx, &ev)

	if res.Delivered() && ev.Kind != types.AlertDeliveryRestored {
		if notice, ok := d.takeMissed(ev.Location); ok {
			slog.Info("alert delivery restored, sending notice", "missed", len(notice.Missed))
			nr := d.deliver(ctx, &notice)
			res.Notice = &nr
		}
	}
	return res
}

// Missed returns the timestamps of alerts not yet covered by a delivery notice.
func (d *Dispatcher) Missed() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.missed)
}

func (d *Dispatcher) deliver(ctx context.Context, ev *types.AlertEvent) DispatchResult {
	if ev.Location.City == "" && ev.Location.Country == "" {
		if d.location != nil {
			ev.Location = d.location.Resolve(ctx)
		} else {
			ev.Location = types.UnknownLocation()
		}
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	msg := Compose(ev)
	for _, fn := range d.attach {
		msg.Attachments = append(msg.Attachments, fn(ev)...)
	}

	delivery := NewDelivery(d.policy)
	delivery.sleep = d.sleep
	err := delivery.Run(ctx, func(ctx context.Context) error {
		return d.transport.Send(ctx, msg)
	})

	res := DispatchResult{
		Kind:     ev.Kind,
		State:    delivery.State(),
		Attempts: delivery.Attempts(),
		Err:      err,
	}

	if err != nil {
		slog.Error("alert delivery failed",
			"kind", ev.Kind, "transport", d.transport.Name(),
			"attempts", res.Attempts, "permanent", IsPermanent(err), "error", err)
		d.recordMissed(ev, err)
	} else {
		slog.Info("alert delivered", "kind", ev.Kind, "transport", d.transport.Name(), "attempts", res.Attempts)
	}

	for _, fn := range d.observers {
		fn(res)
	}
	return res
}

// recordMissed remembers a failed alert. A failed notice puts its own
// backlog back so the next success reports it.
func (d *Dispatcher) recordMissed(ev *types.AlertEvent, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ev.Kind == types.AlertDeliveryRestored {
		d.missed = append(slices.Clone(ev.Missed), d.missed...)
	} else {
		d.missed = append(d.missed, ev.Timestamp)
	}
	if len(d.missed) > maxMissed {
		d.missed = d.missed[len(d.missed)-maxMissed:]
	}
	d.lastErr = err.Error()
}

// takeMissed clears the backlog and returns the notice reporting it.
func (d *Dispatcher) takeMissed(loc types.LocationInfo) (types.AlertEvent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.missed) == 0 {
		return types.AlertEvent{}, false
	}
	notice := types.AlertEvent{
		Kind:      types.AlertDeliveryRestored,
		Location:  loc,
		Timestamp: time.Now(),
		Missed:    d.missed,
		LastError: d.lastErr,
	}
	d.missed = nil
	d.lastErr = ""
	return notice, true
}
