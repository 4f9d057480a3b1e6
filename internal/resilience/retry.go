package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig tunes the [Retry] decorator.
type RetryConfig struct {
	// Retries is the total number of attempts. Must be at least 1.
	Retries int

	// BaseDelay is the first backoff delay; attempt n waits
	// BaseDelay·2^n plus up to one second of jitter.
	BaseDelay time.Duration

	// RetryOn decides whether an error is worth another attempt. Nil retries
	// every error.
	RetryOn func(error) bool
}

// retryRand is the jitter source, injectable for deterministic tests.
var retryRand = rand.Float64

// Retry runs fn up to cfg.Retries times with exponential backoff and jitter
// between attempts. The last attempt's error propagates unchanged. Context
// cancellation during a backoff sleep aborts immediately with the context
// error.
func Retry(ctx context.Context, cfg RetryConfig, sleep Sleeper, fn func() error) error {
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	if sleep == nil {
		sleep = defaultSleep
	}

	var err error
	for attempt := 0; attempt < cfg.Retries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(cfg.BaseDelay)*math.Pow(2, float64(attempt-1))) +
				time.Duration(retryRand()*float64(time.Second))
			if serr := sleep(ctx, delay); serr != nil {
				return errors.Join(serr, err)
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if cfg.RetryOn != nil && !cfg.RetryOn(err) {
			return err
		}
	}
	return err
}
