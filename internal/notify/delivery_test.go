package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordSleeps replaces the delivery's wait with one that records durations.
func recordSleeps(d *Delivery) *[]time.Duration {
	var waits []time.Duration
	d.sleep = func(ctx context.Context, w time.Duration) error {
		waits = append(waits, w)
		return ctx.Err()
	}
	return &waits
}

func TestDeliveryExhaustsTransientFailures(t *testing.T) {
	d := NewDelivery(DefaultRetryPolicy())
	waits := recordSleeps(d)

	var calls int
	err := d.Run(context.Background(), func(context.Context) error {
		calls++
		return errors.New("connection refused")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, d.Attempts())
	assert.Equal(t, DeliveryFailed, d.State())
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, *waits)
}

func TestDeliverySucceedsAfterRetry(t *testing.T) {
	d := NewDelivery(DefaultRetryPolicy())
	recordSleeps(d)

	var calls int
	err := d.Run(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return Transient(errors.New("421 try again"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, d.Attempts())
	assert.Equal(t, DeliverySucceeded, d.State())
}

func TestDeliveryPermanentFailsImmediately(t *testing.T) {
	d := NewDelivery(DefaultRetryPolicy())
	waits := recordSleeps(d)

	err := d.Run(context.Background(), func(context.Context) error {
		return Permanentf("550 mailbox unavailable")
	})

	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, d.Attempts())
	assert.Empty(t, *waits)
}

func TestDeliveryCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDelivery(RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour})

	waiting := make(chan struct{})
	d.sleep = func(ctx context.Context, w time.Duration) error {
		close(waiting)
		return sleepCtx(ctx, w)
	}

	var calls int
	done := make(chan error, 1)
	go func() {
		done <- d.Run(ctx, func(context.Context) error {
			calls++
			return errors.New("timeout")
		})
	}()

	<-waiting
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("delivery did not stop on cancel")
	}
	assert.Equal(t, DeliveryFailed, d.State())
	assert.Equal(t, 1, calls)
}

func TestDeliveryCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDelivery(DefaultRetryPolicy())
	err := d.Run(ctx, func(context.Context) error {
		t.Fatal("send must not be called")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, d.Attempts())
}

func TestDeliveryAttemptTimeout(t *testing.T) {
	d := NewDelivery(RetryPolicy{MaxAttempts: 2, AttemptTimeout: 10 * time.Millisecond})
	recordSleeps(d)

	err := d.Run(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, d.Attempts(), "an attempt timeout is retried")
}

func TestDeliveryRecordIsTerminal(t *testing.T) {
	d := NewDelivery(DefaultRetryPolicy())
	assert.Equal(t, DeliveryPending, d.State())
	assert.Equal(t, DeliverySucceeded, d.Record(nil))
	assert.Equal(t, DeliverySucceeded, d.Record(errors.New("late")))
	assert.Equal(t, 1, d.Attempts())
}

func TestIsPermanent(t *testing.T) {
	assert.False(t, IsPermanent(nil))
	assert.False(t, IsPermanent(errors.New("unknown")))
	assert.False(t, IsPermanent(Transient(Permanentf("inner"))))
	assert.True(t, IsPermanent(Permanentf("bad credentials")))
	assert.Nil(t, Permanent(nil))
	assert.Nil(t, Transient(nil))
}

func TestDeliveryStateString(t *testing.T) {
	assert.Equal(t, "failed", DeliveryFailed.String())
	assert.Equal(t, "DeliveryState(9)", DeliveryState(9).String())
}
