package ledger

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

const (
	defaultMaxAttempts = 4
	defaultBaseDelay   = 10 * time.Millisecond
	defaultMaxDelay    = 250 * time.Millisecond
)

// RetryPolicy bounds how a transfer is retried after a transient storage conflict.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	return p
}

// delay returns a full-jitter delay in [0, min(BaseDelay*2^retry, MaxDelay)).
func (p RetryPolicy) delay(retry int) time.Duration {
	if p.BaseDelay <= 0 || retry < 0 {
		return 0
	}
	ceiling := p.MaxDelay
	if retry < 63 && p.BaseDelay <= p.MaxDelay>>uint(retry) {
		ceiling = p.BaseDelay << uint(retry)
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling)))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
