// Package resilience provides the circuit breaker placed in front of every
// remote vector backend.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State of a Breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrOpen is returned without calling through while the breaker is open.
var ErrOpen = errors.New("resilience: circuit open")

// BreakerOpts configures a Breaker. Zero fields take the defaults.
type BreakerOpts struct {
	// FailThreshold consecutive failures open the breaker.
	FailThreshold int
	// Cooldown is how long the breaker stays open before letting probes through.
	Cooldown time.Duration
	// HalfOpenMax probes may be in flight while half-open.
	HalfOpenMax int
	// OnChange is called after every state transition, outside the lock.
	OnChange func(from, to State)
}

// DefaultBreakerOpts trips after 5 failures and probes again after 30s.
var DefaultBreakerOpts = BreakerOpts{FailThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}

// Breaker is safe for concurrent use.
type Breaker struct {
	opts BreakerOpts
	now  func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
}

func NewBreaker(opts BreakerOpts) *Breaker {
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = DefaultBreakerOpts.FailThreshold
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultBreakerOpts.Cooldown
	}
	if opts.HalfOpenMax <= 0 {
		opts.HalfOpenMax = DefaultBreakerOpts.HalfOpenMax
	}
	return &Breaker{opts: opts, now: time.Now}
}

// State reports the current state, moving an open breaker whose cooldown has
// passed to half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	from, to := b.advance()
	b.mu.Unlock()
	b.notify(from, to)
	return to
}

// advance applies the cooldown transition and returns the states before and
// after. b.mu must be held.
func (b *Breaker) advance() (State, State) {
	from := b.state
	if b.state == Open && b.now().Sub(b.openedAt) >= b.opts.Cooldown {
		b.state, b.probes = HalfOpen, 0
	}
	return from, b.state
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.opts.OnChange != nil {
		b.opts.OnChange(from, to)
	}
}

// Call runs f unless the breaker is open. Errors caused by the caller
// cancelling ctx are returned but not counted as backend failures.
func (b *Breaker) Call(ctx context.Context, f func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := f(ctx)
	b.record(ctx, err)
	return err
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	from, st := b.advance()
	var err error
	switch {
	case st == Open:
		err = ErrOpen
	case st == HalfOpen && b.probes >= b.opts.HalfOpenMax:
		err = ErrOpen
	case st == HalfOpen:
		b.probes++
	}
	b.mu.Unlock()
	b.notify(from, st)
	return err
}

func (b *Breaker) record(ctx context.Context, err error) {
	b.mu.Lock()
	from := b.state
	switch {
	case err == nil:
		b.state, b.failures = Closed, 0
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		if b.state == HalfOpen {
			b.probes--
		}
	default:
		b.failures++
		if b.state == HalfOpen || b.failures >= b.opts.FailThreshold {
			b.state, b.openedAt, b.failures, b.probes = Open, b.now(), 0, 0
		}
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}
