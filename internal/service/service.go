// Package service orchestrates the publish cycle: fetch market data, generate
// analysis, format, duplicate-check, publish, record.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"market-pulse-bot/internal/analysis"
	"market-pulse-bot/internal/compose"
	"market-pulse-bot/internal/dedupe"
	"market-pulse-bot/internal/market"
	"market-pulse-bot/internal/publisher"
	"market-pulse-bot/internal/resilience"
	"market-pulse-bot/internal/scheduler"
	"market-pulse-bot/internal/storage"
)

// Outcome classifies a finished cycle.
type Outcome string

const (
	OutcomePublished        Outcome = "published"
	OutcomeSkippedDuplicate Outcome = "skipped_duplicate"
	OutcomeFailed           Outcome = "failed"
)

// Stage names the pipeline step a failure is attributed to.
type Stage string

const (
	StageFetch   Stage = "fetch"
	StageAnalyze Stage = "analyze"
	StageFormat  Stage = "format"
	StagePublish Stage = "publish"
)

// Cycle failure reasons. Resilience-level reasons (rate_limited,
// circuit_open, timeout, transport_error, max_retries_exceeded) appear as
// the detail behind these.
const (
	ReasonDataUnavailable     = "data_unavailable"
	ReasonAnalysisUnavailable = "analysis_unavailable"
	ReasonFormatOverflow      = "format_overflow"
	ReasonPublishFailed       = "publish_failed"
	ReasonAuthFailed          = "auth_failed"
)

// CycleResult is the tagged outcome of one cycle. Stage and Reason are set
// only on failure.
type CycleResult struct {
	StartedAt time.Time
	Outcome   Outcome
	Stage     Stage
	Reason    string
	Err       error
}

// Orchestrator runs the publish pipeline. One cycle at a time; each cycle is
// isolated from the previous one.
type Orchestrator struct {
	scheduler *scheduler.Scheduler
	fetcher   market.SnapshotFetcher
	analyst   analysis.Analyst
	formatter *compose.Formatter
	detector  *dedupe.Detector
	publisher publisher.Publisher
	runner    *resilience.Runner
	cycles    storage.CycleStore
	publishes storage.PublishLogStore
	locker    storage.AdvisoryLocker
	lockKey   int64
	channels  []string
	logger    zerolog.Logger
	now       func() time.Time
}

// Options collects the orchestrator dependencies. Scheduler, stores and
// locker are optional; everything else is required.
type Options struct {
	Scheduler *scheduler.Scheduler
	Fetcher   market.SnapshotFetcher
	Analyst   analysis.Analyst
	Formatter *compose.Formatter
	Detector  *dedupe.Detector
	Publisher publisher.Publisher
	Runner    *resilience.Runner
	Cycles    storage.CycleStore
	Publishes storage.PublishLogStore
	Locker    storage.AdvisoryLocker
	LockKey   int64
	Channels  []string
}

// New constructs the orchestrator.
func New(opts Options, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		scheduler: opts.Scheduler,
		fetcher:   opts.Fetcher,
		analyst:   opts.Analyst,
		formatter: opts.Formatter,
		detector:  opts.Detector,
		publisher: opts.Publisher,
		runner:    opts.Runner,
		cycles:    opts.Cycles,
		publishes: opts.Publishes,
		locker:    opts.Locker,
		lockKey:   opts.LockKey,
		channels:  opts.Channels,
		logger:    logger.With().Str("component", "service").Logger(),
		now:       time.Now,
	}
}

// Run begins the scheduled publish loop.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return o.scheduler.Run(ctx, o.ProcessBucket)
}

// ProcessBucket 执行单个周期。
func (o *Orchestrator) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := o.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		o.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	result := o.RunCycle(ctx)
	if result.Outcome == OutcomeFailed && result.Err != nil {
		return fmt.Errorf("cycle failed at %s (%s): %w", result.Stage, result.Reason, result.Err)
	}
	return nil
}

// RunCycle executes one complete pipeline pass and returns the tagged
// result. Shutdown is honored between stages: a cancelled context aborts
// the cycle without recording an outcome.
func (o *Orchestrator) RunCycle(ctx context.Context) CycleResult {
	started := o.now().UTC()

	snapshot, err := o.fetchSnapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return CycleResult{StartedAt: started, Outcome: OutcomeFailed, Stage: StageFetch, Err: ctx.Err()}
		}
		return o.fail(ctx, started, nil, StageFetch, ReasonDataUnavailable, err)
	}
	if ctx.Err() != nil {
		return CycleResult{StartedAt: started, Outcome: OutcomeFailed, Stage: StageFetch, Err: ctx.Err()}
	}

	analysisText, err := o.generateAnalysis(ctx, snapshot)
	if err != nil {
		if ctx.Err() != nil {
			return CycleResult{StartedAt: started, Outcome: OutcomeFailed, Stage: StageAnalyze, Err: ctx.Err()}
		}
		return o.fail(ctx, started, &snapshot, StageAnalyze, ReasonAnalysisUnavailable, err)
	}
	if ctx.Err() != nil {
		return CycleResult{StartedAt: started, Outcome: OutcomeFailed, Stage: StageAnalyze, Err: ctx.Err()}
	}

	candidate, err := o.formatter.Build(analysisText, snapshot)
	if err != nil {
		return o.fail(ctx, started, &snapshot, StageFormat, ReasonFormatOverflow, err)
	}

	if o.detector.IsDuplicate(snapshot) {
		o.logger.Info().
			Str("fingerprint", candidate.Fingerprint).
			Msg("跳过重复内容")
		result := CycleResult{StartedAt: started, Outcome: OutcomeSkippedDuplicate}
		o.recordCycle(ctx, result, &snapshot)
		return result
	}

	if err := o.publish(ctx, candidate); err != nil {
		if ctx.Err() != nil {
			return CycleResult{StartedAt: started, Outcome: OutcomeFailed, Stage: StagePublish, Err: ctx.Err()}
		}
		reason := ReasonPublishFailed
		if errors.Is(err, publisher.ErrNotAuthenticated) {
			reason = ReasonAuthFailed
		}
		// A failed publish leaves no trace in the dedupe history or the
		// publish log; the next cycle must try again.
		return o.fail(ctx, started, &snapshot, StagePublish, reason, err)
	}

	o.recordPublish(ctx, candidate)

	result := CycleResult{StartedAt: started, Outcome: OutcomePublished}
	o.recordCycle(ctx, result, &snapshot)

	o.logger.Info().
		Str("fingerprint", candidate.Fingerprint).
		Int("length", len(candidate.Text)).
		Msg("分析发布完成")
	return result
}

func (o *Orchestrator) fetchSnapshot(ctx context.Context) (market.Snapshot, error) {
	var snapshot market.Snapshot
	err := o.runner.Do(ctx, resilience.ServiceMarket, func(ctx context.Context) error {
		var fetchErr error
		snapshot, fetchErr = o.fetcher.FetchSnapshot(ctx)
		return fetchErr
	})
	return snapshot, err
}

func (o *Orchestrator) generateAnalysis(ctx context.Context, snapshot market.Snapshot) (string, error) {
	var text string
	err := o.runner.Do(ctx, resilience.ServiceAnalysis, func(ctx context.Context) error {
		var genErr error
		text, genErr = o.analyst.GenerateAnalysis(ctx, snapshot)
		return genErr
	})
	return text, err
}

func (o *Orchestrator) publish(ctx context.Context, candidate compose.Candidate) error {
	return o.runner.Do(ctx, resilience.ServicePublish, func(ctx context.Context) error {
		return o.publisher.Publish(ctx, candidate)
	})
}

func (o *Orchestrator) fail(ctx context.Context, started time.Time, snapshot *market.Snapshot, stage Stage, reason string, err error) CycleResult {
	if rr := resilience.ReasonOf(err); rr != "" {
		reason = reason + ": " + string(rr)
	}

	result := CycleResult{
		StartedAt: started,
		Outcome:   OutcomeFailed,
		Stage:     stage,
		Reason:    reason,
		Err:       err,
	}
	o.recordCycle(ctx, result, snapshot)

	o.logger.Error().Err(err).
		Str("stage", string(stage)).
		Str("reason", reason).
		Msg("周期失败")
	return result
}

// recordPublish appends the dedupe record and writes the audit entry. Only
// reached after the post actually went out.
func (o *Orchestrator) recordPublish(ctx context.Context, candidate compose.Candidate) {
	postedAt := o.now().UTC()
	o.detector.Record(dedupe.PublishRecord{
		Fingerprint: candidate.Fingerprint,
		BTCPrice:    candidate.Snapshot.BTC.Price,
		ETHPrice:    candidate.Snapshot.ETH.Price,
		PostedAt:    postedAt,
	})

	if o.publishes == nil {
		return
	}
	entry := storage.PublishEntry{
		Fingerprint: candidate.Fingerprint,
		BTCPrice:    candidate.Snapshot.BTC.Price,
		ETHPrice:    candidate.Snapshot.ETH.Price,
		Channels:    o.channels,
		PostedAt:    postedAt,
	}
	if _, err := o.publishes.InsertPublish(ctx, entry); err != nil {
		o.logger.Error().Err(err).Msg("failed to persist publish entry")
	}
}

// recordCycle writes the audit row. Best effort: persistence failures are
// logged, never escalated into cycle failures.
func (o *Orchestrator) recordCycle(ctx context.Context, result CycleResult, snapshot *market.Snapshot) {
	if o.cycles == nil {
		return
	}

	sample := storage.CycleSample{
		StartedAt: result.StartedAt,
		Outcome:   string(result.Outcome),
	}
	if snapshot != nil {
		sample.BTCPrice = snapshot.BTC.Price
		sample.BTCChangePct = snapshot.BTC.Change24hPct
		sample.ETHPrice = snapshot.ETH.Price
		sample.ETHChangePct = snapshot.ETH.Change24hPct
	}
	if result.Stage != "" {
		stage := string(result.Stage)
		sample.Stage = &stage
	}
	if result.Reason != "" {
		reason := result.Reason
		sample.Reason = &reason
	}

	if _, err := o.cycles.InsertCycleSample(ctx, sample); err != nil {
		o.logger.Error().Err(err).Msg("failed to persist cycle sample")
	}
}

// SeedHistory warm-starts the duplicate detector from the publish log.
func (o *Orchestrator) SeedHistory(ctx context.Context, limit int) error {
	if o.publishes == nil {
		return nil
	}
	entries, err := o.publishes.ListRecentPublishes(ctx, limit)
	if err != nil {
		return fmt.Errorf("load publish history: %w", err)
	}

	// ListRecentPublishes returns newest first; the detector wants oldest
	// first.
	records := make([]dedupe.PublishRecord, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		records = append(records, dedupe.PublishRecord{
			Fingerprint: entry.Fingerprint,
			BTCPrice:    entry.BTCPrice,
			ETHPrice:    entry.ETHPrice,
			PostedAt:    entry.PostedAt,
		})
	}
	o.detector.Seed(records)
	return nil
}

func (o *Orchestrator) acquireLock(ctx context.Context) (func(), bool, error) {
	if o.lockKey == 0 || o.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := o.locker.TryAdvisoryLock(ctx, o.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
