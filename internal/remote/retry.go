package remote

import (
	"context"
	"math/rand"
	"time"

	logx "remindkit/pkg/logx"
)

// RetryPolicy bounds retries for transient store errors.
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first (default 4)
	Base        time.Duration // first retry delay (default 500ms)
	MaxDelay    time.Duration // backoff ceiling (default 15s)
	Jitter      float64       // +/- fraction applied to each delay (default 0.2)
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 4
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Second
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

// Do runs fn under the policy. Transient errors are retried with exponential
// backoff and jitter; permanent errors propagate immediately.
func Do(ctx context.Context, log logx.Logger, p RetryPolicy, name string, fn func(ctx context.Context) error) error {
	p = p.withDefaults()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) || attempt >= p.MaxAttempts {
			return err
		}

		delay := Backoff(p, attempt, rng)
		if !log.IsZero() {
			log.Debug("remote retry scheduled",
				logx.String("op", name),
				logx.Int("attempt", attempt+1),
				logx.Duration("delay", delay),
				logx.Any("err", err))
		}
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return ctx.Err()
		case <-tmr.C:
		}
	}
	return err
}

// Backoff computes the delay before retry number attempt (1-based: the delay
// after the first failure is Base). Shared by Do and the sync queue's
// persisted NextAttemptAt.
func Backoff(p RetryPolicy, attempt int, rng *rand.Rand) time.Duration {
	p = p.withDefaults()

	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
