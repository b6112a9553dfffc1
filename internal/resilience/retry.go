package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Policy bounds attempts and waiting for guarded calls.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// AdmitWait caps how long a single attempt may wait for a rate slot
	// before failing with rate_limited.
	AdmitWait time.Duration
}

// Operation is one attempt against an external dependency. The ctx carries
// the per-attempt timeout.
type Operation func(ctx context.Context) error

// Runner executes operations under the breaker, the limiter, and a bounded
// exponential-backoff retry loop. Every attempt records on the breaker and
// consumes a rate slot; a flaky call can bypass neither guard.
type Runner struct {
	limiter  *Limiter
	breaker  *Breaker
	policy   Policy
	timeouts map[Service]time.Duration
	logger   zerolog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRunner wires the guards into a retrying call runner. timeouts holds the
// per-service call deadline; services without an entry run without one.
func NewRunner(limiter *Limiter, breaker *Breaker, policy Policy, timeouts map[Service]time.Duration, logger zerolog.Logger) *Runner {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	return &Runner{
		limiter:  limiter,
		breaker:  breaker,
		policy:   policy,
		timeouts: timeouts,
		logger:   logger.With().Str("component", "retry_runner").Logger(),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Do runs op under the full guard composition. The error is always a
// *Failure (circuit_open, rate_limited, or max_retries_exceeded) except when
// ctx itself was cancelled.
func (r *Runner) Do(ctx context.Context, svc Service, op Operation) error {
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !r.breaker.Allow(svc) {
			return &Failure{Service: svc, Reason: ReasonCircuitOpen}
		}

		if err := r.waitAdmit(ctx, svc); err != nil {
			// The breaker may hold a probe slot for this attempt; an
			// aborted attempt must hand it back.
			r.breaker.Release(svc)
			return err
		}

		err := r.attempt(ctx, svc, op)
		if err == nil {
			r.breaker.RecordSuccess(svc)
			return nil
		}

		r.breaker.RecordFailure(svc)
		lastErr = err

		if attempt == r.policy.MaxAttempts {
			break
		}

		delay := r.backoff(attempt)
		r.logger.Warn().
			Str("service", string(svc)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("attempt failed, backing off")

		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}

	return &Failure{Service: svc, Reason: ReasonMaxRetries, Err: lastErr}
}

func (r *Runner) attempt(ctx context.Context, svc Service, op Operation) error {
	attemptCtx := ctx
	cancel := func() {}
	if timeout, ok := r.timeouts[svc]; ok && timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	err := op(attemptCtx)
	if err == nil {
		return nil
	}

	reason := ReasonTransport
	if errors.Is(err, context.DeadlineExceeded) || (attemptCtx.Err() != nil && ctx.Err() == nil) {
		reason = ReasonTimeout
	}
	return &Failure{Service: svc, Reason: reason, Err: err}
}

// waitAdmit blocks until the limiter admits the call, up to the policy's
// admit-wait ceiling.
func (r *Runner) waitAdmit(ctx context.Context, svc Service) error {
	if r.limiter.Admit(svc) {
		return nil
	}

	deadline := r.now().Add(r.policy.AdmitWait)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		at := r.limiter.NextAdmitAt(svc)
		if at.IsZero() {
			if r.limiter.Admit(svc) {
				return nil
			}
			continue
		}
		if r.policy.AdmitWait <= 0 || at.After(deadline) {
			return &Failure{Service: svc, Reason: ReasonRateLimited}
		}
		if err := r.sleep(ctx, at.Sub(r.now())); err != nil {
			return err
		}
		if r.limiter.Admit(svc) {
			return nil
		}
	}
}

func (r *Runner) backoff(attempt int) time.Duration {
	delay := r.policy.BaseDelay << uint(attempt-1)
	if delay > r.policy.MaxDelay || delay <= 0 {
		delay = r.policy.MaxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
