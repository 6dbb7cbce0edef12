package orchestrator

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/forestshield/forestshield/internal/fserr"
)

// retryPolicy is the backoff schedule every task-invoking state runs under.
type retryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Multiplier  float64
	Jitter      float64
	Max         time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		MaxAttempts: 3,
		Initial:     time.Second,
		Multiplier:  2,
		Jitter:      0.2,
		Max:         30 * time.Second,
	}
}

func (p retryPolicy) nextDelay(attempt int, rng float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(p.Initial)
	if base <= 0 {
		base = float64(time.Second)
	}
	multiplier := p.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	delay := base * math.Pow(multiplier, float64(attempt))
	if p.Jitter > 0 {
		j := p.Jitter
		if j > 1 {
			j = 1
		}
		delay = delay * (1 + (rng*2-1)*j)
	}
	if p.Max > 0 && delay > float64(p.Max) {
		delay = float64(p.Max)
	}
	return time.Duration(delay)
}

// retry runs fn under the policy, backing off between attempts. Validation and
// other permanent failures return immediately; only retryable kinds loop.
func (p retryPolicy) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !fserr.IsRetryable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		delay := p.nextDelay(attempt, rand.Float64())
		log.Debug().Err(err).Str("op", op).Int("attempt", attempt+1).
			Dur("backoff", delay).Msg("Retrying after transient failure")
		select {
		case <-ctx.Done():
			return fserr.E(fserr.KindTransient, op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return err
}
