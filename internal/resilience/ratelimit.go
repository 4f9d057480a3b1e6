// Package resilience provides the shared rate-limiting, retry and failover
// primitives used around remote classifier and transcription backends.
//
// The central types are [Limiter], a sliding-window token bucket that blocks
// acquirers instead of queueing them, and [Retry], exponential backoff with
// jitter. [FallbackGroup] composes a primary and fallback instances of any
// backend type with per-entry circuit breakers.
//
// All types are safe for concurrent use. Clocks and sleepers are injectable
// so tests run without wall-clock waits.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Clock returns the current time. Injectable for tests.
type Clock func() time.Time

// Sleeper blocks for the given duration or until ctx is cancelled.
// Injectable for tests.
type Sleeper func(ctx context.Context, d time.Duration) error

// defaultSleep sleeps on a timer, honouring cancellation.
func defaultSleep(ctx context.Context, d time.Duration) error {
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

// LimiterConfig tunes a [Limiter].
type LimiterConfig struct {
	// MaxCalls is the number of Acquire calls allowed per Period.
	MaxCalls int

	// Period is the sliding window length.
	Period time.Duration

	// BurstSize caps how many calls may pass back to back before spacing is
	// enforced. Zero means MaxCalls.
	BurstSize int
}

// Validate checks the configuration.
func (c LimiterConfig) Validate() error {
	var errs []error
	if c.MaxCalls <= 0 {
		errs = append(errs, errors.New("max calls must be positive"))
	}
	if c.Period <= 0 {
		errs = append(errs, errors.New("period must be positive"))
	}
	if c.BurstSize < 0 {
		errs = append(errs, errors.New("burst size must be non-negative"))
	}
	return errors.Join(errs...)
}

// Limiter is a sliding-window rate limiter: at most MaxCalls Acquire calls
// complete within any window of length Period. Blocked acquirers sleep for
// the minimum time that restores the invariant. It is the sole backpressure
// mechanism for classifier fan-out; there is no queue.
type Limiter struct {
	cfg   LimiterConfig
	clock Clock
	sleep Sleeper

	mu    sync.Mutex
	calls []time.Time // completion timestamps inside the current window
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithClock sets the time source (for testing).
func WithClock(c Clock) LimiterOption {
	return func(l *Limiter) { l.clock = c }
}

// WithSleeper sets the sleep implementation (for testing).
func WithSleeper(s Sleeper) LimiterOption {
	return func(l *Limiter) { l.sleep = s }
}

// NewLimiter creates a Limiter.
func NewLimiter(cfg LimiterConfig, opts ...LimiterOption) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BurstSize == 0 || cfg.BurstSize > cfg.MaxCalls {
		cfg.BurstSize = cfg.MaxCalls
	}
	l := &Limiter{
		cfg:   cfg,
		clock: time.Now,
		sleep: defaultSleep,
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Acquire blocks until a call may proceed, then records it. Returns early
// with the context error on cancellation; a cancelled Acquire does not count
// against the window.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.clock()
		l.prune(now)

		if len(l.calls) < l.cfg.MaxCalls && l.burstOK(now) {
			l.calls = append(l.calls, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.nextFree(now)
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Penalize unconditionally blocks for delay before any further Acquire can
// be attempted by this caller. Pass 0 to block for one full period; use it
// after an explicit HTTP 429 so the remote window can drain.
func (l *Limiter) Penalize(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		delay = l.cfg.Period
	}
	return l.sleep(ctx, delay)
}

// prune drops timestamps that fell out of the sliding window.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.cfg.Period)
	i := 0
	for i < len(l.calls) && !l.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}

// burstOK reports whether a call now would stay within the burst budget: no
// more than BurstSize calls within the last Period/MaxCalls·BurstSize slice
// of the window.
func (l *Limiter) burstOK(now time.Time) bool {
	if l.cfg.BurstSize >= l.cfg.MaxCalls {
		return true
	}
	slice := time.Duration(int64(l.cfg.Period) / int64(l.cfg.MaxCalls) * int64(l.cfg.BurstSize))
	cutoff := now.Add(-slice)
	recent := 0
	for i := len(l.calls) - 1; i >= 0; i-- {
		if l.calls[i].After(cutoff) {
			recent++
		} else {
			break
		}
	}
	return recent < l.cfg.BurstSize
}

// nextFree returns the minimum sleep after which the oldest blocking call
// will have left the window.
func (l *Limiter) nextFree(now time.Time) time.Duration {
	if len(l.calls) == 0 {
		return time.Millisecond
	}
	var oldest time.Time
	if len(l.calls) >= l.cfg.MaxCalls {
		oldest = l.calls[len(l.calls)-l.cfg.MaxCalls]
	} else {
		// Burst-limited: wait out the newest burst slot.
		oldest = l.calls[len(l.calls)-1]
		return l.cfg.Period/time.Duration(l.cfg.MaxCalls) - now.Sub(oldest) + time.Millisecond
	}
	wait := oldest.Add(l.cfg.Period).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}
