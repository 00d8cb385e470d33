package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oszuidwest/zwfm-silencewatch/internal/util"
)

// Retry defaults for alert delivery.
const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 5 * time.Second
	DefaultMaxBackoff     = 60 * time.Second
	DefaultAttemptTimeout = 25 * time.Second
)

// RetryPolicy bounds the attempts of one delivery.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns the standard delivery policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff < 0 {
		p.InitialBackoff = 0
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = d.AttemptTimeout
	}
	return p
}

// DeliveryState is the position of a Delivery in its retry lifecycle.
type DeliveryState int

const (
	// DeliveryPending means no attempt has been made yet.
	DeliveryPending DeliveryState = iota
	// DeliveryAttempting means an attempt failed and another is allowed.
	DeliveryAttempting
	// DeliverySucceeded is terminal: the message was accepted.
	DeliverySucceeded
	// DeliveryFailed is terminal: attempts are exhausted, the error was
	// permanent, or the delivery was cancelled.
	DeliveryFailed
)

func (s DeliveryState) String() string {
	switch s {
	case DeliveryPending:
		return "pending"
	case DeliveryAttempting:
		return "attempting"
	case DeliverySucceeded:
		return "succeeded"
	case DeliveryFailed:
		return "failed"
	default:
		return fmt.Sprintf("DeliveryState(%d)", int(s))
	}
}

// Delivery is the retry state machine for sending one message.
//
//	Pending --ok--> Succeeded
//	Pending/Attempting --transient, attempts left--> Attempting
//	Pending/Attempting --permanent | exhausted | cancelled--> Failed
type Delivery struct {
	policy   RetryPolicy
	backoff  *util.Backoff
	state    DeliveryState
	attempts int
	lastErr  error

	// sleep waits between attempts; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDelivery returns a Delivery in the Pending state.
func NewDelivery(policy RetryPolicy) *Delivery {
	policy = policy.withDefaults()
	return &Delivery{
		policy:  policy,
		backoff: util.NewBackoff(policy.InitialBackoff, policy.MaxBackoff),
		sleep:   sleepCtx,
	}
}

// State returns the current state.
func (d *Delivery) State() DeliveryState { return d.state }

// Attempts returns how many attempts have been made.
func (d *Delivery) Attempts() int { return d.attempts }

// Err returns the error of the last failed attempt.
func (d *Delivery) Err() error { return d.lastErr }

// Done reports whether the delivery reached a terminal state.
func (d *Delivery) Done() bool {
	return d.state == DeliverySucceeded || d.state == DeliveryFailed
}

// Record applies the outcome of one attempt and returns the next state.
func (d *Delivery) Record(err error) DeliveryState {
	if d.Done() {
		return d.state
	}
	d.attempts++
	switch {
	case err == nil:
		d.state = DeliverySucceeded
		d.lastErr = nil
	case IsPermanent(err):
		d.state = DeliveryFailed
		d.lastErr = err
	case d.attempts >= d.policy.MaxAttempts:
		d.state = DeliveryFailed
		d.lastErr = err
	default:
		d.state = DeliveryAttempting
		d.lastErr = err
	}
	return d.state
}

// Cancel moves a non-terminal delivery to Failed.
func (d *Delivery) Cancel(err error) {
	if d.Done() {
		return
	}
	d.state = DeliveryFailed
	if err != nil {
		d.lastErr = err
	}
}

// Run drives send until the delivery is terminal. Each attempt gets its own
// timeout. Cancelling ctx stops the loop at the next wait.
func (d *Delivery) Run(ctx context.Context, send func(ctx context.Context) error) error {
	for !d.Done() {
		if d.state == DeliveryAttempting {
			wait := d.backoff.Next()
			slog.Debug("retrying delivery", "attempt", d.attempts+1, "wait", wait, "error", d.lastErr)
			if err := d.sleep(ctx, wait); err != nil {
				d.Cancel(fmt.Errorf("%w (last error: %v)", err, d.lastErr))
				break
			}
		}
		if err := ctx.Err(); err != nil {
			d.Cancel(err)
			break
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.policy.AttemptTimeout)
		err := send(attemptCtx)
		cancel()

		// A failure caused by shutdown is not the transport's fault.
		if err != nil && ctx.Err() != nil {
			d.attempts++
			d.Cancel(err)
			break
		}
		d.Record(err)
	}
	return d.lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
