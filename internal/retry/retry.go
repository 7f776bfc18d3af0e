// Package retry runs an operation with bounded attempts and exponential backoff.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/jittakal/kafeventledger/internal/config/dto"
	apperrors "github.com/jittakal/kafeventledger/internal/errors"
)

// Policy defines attempt count and backoff growth.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration

	// RetryIf reports whether err is worth another attempt. Nil retries every error.
	RetryIf func(err error) bool
}

// DefaultPolicy is three attempts waiting 1s then 2s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		Multiplier:     2,
		MaxBackoff:     30 * time.Second,
	}
}

// FromConfig builds a policy from the retry section.
func FromConfig(cfg dto.RetryConfig) Policy {
	p := Policy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: dto.Millis(cfg.InitialBackoffMS),
		Multiplier:     cfg.BackoffMultiplier,
		MaxBackoff:     dto.Millis(cfg.MaxBackoffMS),
	}
	return p.normalized()
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.InitialBackoff < 0 {
		p.InitialBackoff = 0
	}
	return p
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Do calls fn until it succeeds, the policy is exhausted or RetryIf rejects
// the error. It returns the number of attempts made and the last error.
//
// Waiting between attempts ends early with errors.ErrShuttingDown when stop
// is closed, or with ctx.Err() when ctx is done. onRetry, if set, is called
// before each wait.
func Do(ctx context.Context, p Policy, stop <-chan struct{}, fn func(attempt int) error, onRetry func(attempt int, wait time.Duration, err error)) (int, error) {
	p = p.normalized()

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(attempt)
		if err == nil {
			return attempt, nil
		}
		if attempt >= p.MaxAttempts || (p.RetryIf != nil && !p.RetryIf(err)) {
			return attempt, err
		}

		wait := p.Backoff(attempt)
		if onRetry != nil {
			onRetry(attempt, wait, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-stop:
			timer.Stop()
			return attempt, apperrors.ErrShuttingDown
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		}
	}
}
