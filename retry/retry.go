// Package retry holds the single backoff policy used by every retry loop
// in the module: the delay before retry n is Base × n, optionally capped
// at Max.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/abdelmounim-dev/chatsync/syncerr"
)

// Linear is a backoff.BackOff whose nth delay is Base × n.
type Linear struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

// NextBackOff returns the delay before the next attempt.
func (l *Linear) NextBackOff() time.Duration {
	l.attempt++
	d := l.Base * time.Duration(l.attempt)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// Reset restarts the progression from Base.
func (l *Linear) Reset() { l.attempt = 0 }

// NewLinear returns a linear policy that stops after maxRetries delays.
// A non-positive maxRetries means unlimited retries.
func NewLinear(base, max time.Duration, maxRetries int) backoff.BackOff {
	var b backoff.BackOff = &Linear{Base: base, Max: max}
	if maxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(maxRetries))
	}
	return b
}

// Policy describes a bounded retry loop.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	Base     time.Duration
	Max      time.Duration
	// Retryable classifies failures; nil means syncerr.IsRetryable.
	Retryable func(error) bool
	// Clock times the delays; nil means the real clock.
	Clock clockwork.Clock
}

// clockTimer is a backoff.Timer driven by a clockwork.Clock.
type clockTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.Chan()
}

// Do runs op until it succeeds, returns a non-retryable error (as
// classified by p.Retryable), ctx is done, or the policy is
// exhausted. op receives the 1-based attempt number. The returned count is
// the number of attempts made.
func Do(ctx context.Context, p Policy, op func(attempt int) error, notify func(err error, next time.Duration)) (int, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = syncerr.IsRetryable
	}

	attempts := 0
	operation := func() error {
		attempts++
		err := op(attempts)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	retries := p.Attempts - 1
	if retries < 1 {
		// A single attempt: no delays at all.
		err := operation()
		return attempts, unwrapPermanent(err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(&Linear{Base: p.Base, Max: p.Max}, uint64(retries)), ctx)
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	err := backoff.RetryNotifyWithTimer(operation, b, notify, &clockTimer{clock: clock})
	return attempts, err
}

func unwrapPermanent(err error) error {
	if permanent, ok := err.(*backoff.PermanentError); ok { //nolint:errorlint // produced locally, never wrapped
		return permanent.Err
	}
	return err
}
