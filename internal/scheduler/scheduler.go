package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval tick.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
}

// Scheduler drives strictly sequential execution of publish cycles. Ticks
// never overlap: when a cycle overruns its interval, the missed buckets are
// skipped and logged, never queued.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking the tick function at each interval until ctx is
// cancelled. A tick error is logged and the loop continues; cycles are
// isolated from each other.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextTick(time.Now().UTC())
	for {
		// A cycle that ran past one or more buckets: skip them rather
		// than firing back-to-back.
		if skipped := s.skipOverrun(&next); skipped > 0 {
			s.logger.Warn().
				Int("skipped_buckets", skipped).
				Time("next_bucket", next).
				Msg("上一轮执行超时, 跳过错过的周期")
		}

		timer := time.NewTimer(time.Until(next))
		s.logger.Debug().Time("next_bucket", next).Msg("waiting for next bucket")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		bucket := s.bucketStart(next)
		s.logger.Info().Time("bucket", bucket).Msg("executing scheduled tick")

		if err := tick(ctx, bucket); err != nil {
			s.logger.Error().Err(err).Time("bucket", bucket).Msg("tick execution failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		next = next.Add(s.opts.Interval)
	}
}

// skipOverrun advances next past any buckets already in the past and
// returns how many were dropped.
func (s *Scheduler) skipOverrun(next *time.Time) int {
	now := time.Now().UTC()
	skipped := 0
	for !next.After(now) {
		*next = next.Add(s.opts.Interval)
		skipped++
	}
	return skipped
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
