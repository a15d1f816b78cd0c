package watcher

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy governs how often the watcher dials before giving up on a
// start, and how long it waits before a later Start may try again.
type RetryPolicy struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	// MaxAttempts counts dials, including the first. 0 retries until the
	// watcher is reset or closed.
	MaxAttempts uint64        `mapstructure:"max_attempts"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Second,
		Multiplier:      2,
		MaxInterval:     10 * time.Second,
		MaxAttempts:     3,
		Cooldown:        5 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()

	var bo backoff.BackOff = b
	if p.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(bo, p.MaxAttempts-1)
	}
	return backoff.WithContext(bo, ctx)
}
