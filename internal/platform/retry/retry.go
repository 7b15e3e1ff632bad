package retry

import (
	"context"
	"time"
)

// Policy bounds retries of transient store failures.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 4
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 50 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Second
	}
	return p
}

// Do runs fn until it succeeds, fails with a non-retriable error, or the
// attempts run out; the last error is returned. Delay doubles per
// attempt and is capped at MaxDelay.
func Do(ctx context.Context, p Policy, retriable func(error) bool, fn func() error) error {
	p = p.withDefaults()

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || !retriable(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}
		delay := p.BaseDelay << (attempt - 1)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
