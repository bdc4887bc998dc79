// Package resilience classifies failures and reacts to them: retry with
// backoff, per-dependency circuit breakers, automatic recovery and the
// degraded-mode flag.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jvs-project/pipeguard/pkg/errclass"
	"github.com/jvs-project/pipeguard/pkg/logging"
)

// ShouldRetry reports whether a failure of kind k may succeed on a later attempt.
// Kinds not listed are retried.
func ShouldRetry(k errclass.Kind) bool {
	switch k {
	case errclass.LockTimeout, errclass.Timeout, errclass.NetworkError,
		errclass.ResourceExhausted, errclass.ServiceUnavailable:
		return true
	case errclass.DiskFull, errclass.PermissionDenied, errclass.ValidationFailed:
		return false
	default:
		return true
	}
}

const (
	DefaultMultiplier = 1.5
	DefaultJitter     = 0.1
)

// Retrier runs an operation until it succeeds, fails with a non-retryable
// kind or an open circuit, or MaxRetries attempts are spent.
type Retrier struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter is the largest fraction of the current delay added at random.
	Jitter float64
	// Sleep waits between attempts. Defaults to a timer that honours ctx.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *logging.Logger
}

// NewRetrier returns a Retrier with the default growth factor and jitter.
func NewRetrier(maxRetries int, baseDelay, maxDelay time.Duration) *Retrier {
	return &Retrier{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
		Multiplier: DefaultMultiplier,
		Jitter:     DefaultJitter,
	}
}

// Do calls op until it succeeds. The last error is returned on exhaustion.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := max(r.MaxRetries, 1)
	mult := r.Multiplier
	if mult < 1 {
		mult = DefaultMultiplier
	}
	jitter := min(max(r.Jitter, 0), 0.5)
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	log := r.Logger
	if log == nil {
		log = logging.Global()
	}
	log = log.Component("retry")

	delay := r.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		kind := errclass.KindOf(err)
		// An open circuit stays open for its whole cool-down.
		if !ShouldRetry(kind) || errors.Is(err, errclass.ErrCircuitOpen) {
			log.Debug("not retrying", map[string]any{"attempt": attempt, "kind": kind.String()})
			return err
		}
		if attempt >= attempts {
			log.WarnErr("retries exhausted", err, map[string]any{"attempts": attempt})
			return err
		}

		wait := delay
		if jitter > 0 && delay > 0 {
			wait += time.Duration(rand.Float64() * jitter * float64(delay))
		}
		if r.MaxDelay > 0 {
			wait = min(wait, r.MaxDelay)
		}
		log.Info("retrying after failure", map[string]any{
			"attempt": attempt,
			"kind":    kind.String(),
			"delay":   wait.String(),
		})
		if serr := sleep(ctx, wait); serr != nil {
			return err
		}

		delay = time.Duration(float64(delay) * mult)
		if r.MaxDelay > 0 {
			delay = min(delay, r.MaxDelay)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
