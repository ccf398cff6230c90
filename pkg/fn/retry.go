package fn

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryOpts configures Retry. The wait doubles after each failed attempt, up
// to MaxWait. With Jitter each wait is scaled by a random factor in [0.5, 1.5).
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Jitter      bool
}

func (o RetryOpts) wait(attempt int) time.Duration {
	d := o.InitialWait << attempt
	if d <= 0 || (o.MaxWait > 0 && d > o.MaxWait) {
		d = o.MaxWait
	}
	if o.Jitter {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()))
	}
	if o.MaxWait > 0 && d > o.MaxWait {
		d = o.MaxWait
	}
	return d
}

// Retry calls f until it succeeds, MaxAttempts calls have been made, or ctx
// is done. It returns the last result, or ctx's error when cancelled while
// waiting. At least one call is always made.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	attempts := max(opts.MaxAttempts, 1)
	var r Result[T]
	for i := range attempts {
		if r = f(ctx); r.IsOk() || i == attempts-1 {
			return r
		}
		t := time.NewTimer(opts.wait(i))
		select {
		case <-ctx.Done():
			t.Stop()
			return Err[T](ctx.Err())
		case <-t.C:
		}
	}
	return r
}
