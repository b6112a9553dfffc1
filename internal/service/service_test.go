package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-pulse-bot/internal/analysis"
	"market-pulse-bot/internal/compose"
	"market-pulse-bot/internal/dedupe"
	"market-pulse-bot/internal/market"
	"market-pulse-bot/internal/publisher"
	"market-pulse-bot/internal/resilience"
	"market-pulse-bot/internal/storage"
)

type fakeFetcher struct {
	snapshot market.Snapshot
	err      error
	calls    int
}

func (f *fakeFetcher) FetchSnapshot(context.Context) (market.Snapshot, error) {
	f.calls++
	return f.snapshot, f.err
}

type fakeAnalyst struct {
	text  string
	err   error
	calls int
}

func (f *fakeAnalyst) GenerateAnalysis(context.Context, market.Snapshot) (string, error) {
	f.calls++
	return f.text, f.err
}

type fakePublisher struct {
	err   error
	calls int
	texts []string
}

func (f *fakePublisher) Publish(_ context.Context, candidate compose.Candidate) error {
	f.calls++
	f.texts = append(f.texts, candidate.Text)
	return f.err
}

type fakeCycleStore struct {
	samples []storage.CycleSample
}

func (f *fakeCycleStore) InsertCycleSample(_ context.Context, sample storage.CycleSample) (int64, error) {
	f.samples = append(f.samples, sample)
	return int64(len(f.samples)), nil
}

func (f *fakeCycleStore) ListRecentCycles(context.Context, int) ([]storage.CycleSample, error) {
	return f.samples, nil
}

func (f *fakeCycleStore) ListCyclesBetween(context.Context, time.Time, time.Time) ([]storage.CycleSample, error) {
	return f.samples, nil
}

func (f *fakeCycleStore) CountCycles(context.Context) (int64, error) {
	return int64(len(f.samples)), nil
}

type fakePublishLog struct {
	entries []storage.PublishEntry
}

func (f *fakePublishLog) InsertPublish(_ context.Context, entry storage.PublishEntry) (storage.PublishEntry, error) {
	entry.ID = int64(len(f.entries) + 1)
	f.entries = append(f.entries, entry)
	return entry, nil
}

func (f *fakePublishLog) ListRecentPublishes(context.Context, int) ([]storage.PublishEntry, error) {
	// Newest first, matching the SQL ordering.
	out := make([]storage.PublishEntry, 0, len(f.entries))
	for i := len(f.entries) - 1; i >= 0; i-- {
		out = append(out, f.entries[i])
	}
	return out, nil
}

func (f *fakePublishLog) DeletePublishesBefore(context.Context, time.Time) error {
	return nil
}

type fixture struct {
	fetcher   *fakeFetcher
	analyst   *fakeAnalyst
	publisher *fakePublisher
	cycles    *fakeCycleStore
	publishes *fakePublishLog
	detector  *dedupe.Detector
	orch      *Orchestrator
}

func testSnapshot() market.Snapshot {
	return market.Snapshot{
		BTC: market.Quote{
			Symbol:       "BTC",
			Price:        decimal.NewFromFloat(63421.75),
			Change24hPct: decimal.NewFromFloat(2.34),
		},
		ETH: market.Quote{
			Symbol:       "ETH",
			Price:        decimal.NewFromFloat(3451.89),
			Change24hPct: decimal.NewFromFloat(1.23),
		},
		CapturedAt: time.Date(2024, 11, 5, 12, 0, 0, 0, time.UTC),
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		fetcher:   &fakeFetcher{snapshot: testSnapshot()},
		analyst:   &fakeAnalyst{text: "BTC is holding support while ETH shows steady accumulation across major venues."},
		publisher: &fakePublisher{},
		cycles:    &fakeCycleStore{},
		publishes: &fakePublishLog{},
	}

	f.detector = dedupe.NewDetector(dedupe.Options{
		MinChangePct: decimal.NewFromFloat(0.5),
		MinInterval:  30 * time.Second,
		Retention:    10,
	}, zerolog.Nop())

	limiter := resilience.NewLimiter(map[resilience.Service]resilience.WindowConfig{}, zerolog.Nop())
	breaker := resilience.NewBreaker(map[resilience.Service]resilience.BreakerConfig{}, zerolog.Nop())
	runner := resilience.NewRunner(limiter, breaker, resilience.Policy{
		MaxAttempts: 1,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
	}, nil, zerolog.Nop())

	formatter := compose.NewFormatter(compose.Constraints{
		MinLength:    100,
		TargetLength: 270,
		HardLimit:    280,
		Hashtags:     "#Crypto #ETH #BTC",
	})

	f.orch = New(Options{
		Fetcher:   f.fetcher,
		Analyst:   f.analyst,
		Formatter: formatter,
		Detector:  f.detector,
		Publisher: f.publisher,
		Runner:    runner,
		Cycles:    f.cycles,
		Publishes: f.publishes,
		Channels:  []string{"twitter"},
	}, zerolog.Nop())
	return f
}

func TestCyclePublishesAndRecords(t *testing.T) {
	f := newFixture(t)

	result := f.orch.RunCycle(context.Background())
	if result.Outcome != OutcomePublished {
		t.Fatalf("期望 published, 实际 %s (%v)", result.Outcome, result.Err)
	}
	if f.publisher.calls != 1 {
		t.Fatalf("发布器应被调用一次, 实际 %d", f.publisher.calls)
	}
	if len(f.publishes.entries) != 1 {
		t.Fatalf("发布日志应有一条记录, 实际 %d", len(f.publishes.entries))
	}
	if len(f.cycles.samples) != 1 || f.cycles.samples[0].Outcome != string(OutcomePublished) {
		t.Fatalf("周期样本不正确: %+v", f.cycles.samples)
	}
	if _, ok := f.detector.Latest(); !ok {
		t.Fatal("成功发布后应写入去重历史")
	}
}

func TestCycleSkipsDuplicate(t *testing.T) {
	f := newFixture(t)

	// First cycle publishes; an immediate second cycle with the same
	// prices is a duplicate.
	first := f.orch.RunCycle(context.Background())
	if first.Outcome != OutcomePublished {
		t.Fatalf("首轮应发布: %s (%v)", first.Outcome, first.Err)
	}
	second := f.orch.RunCycle(context.Background())
	if second.Outcome != OutcomeSkippedDuplicate {
		t.Fatalf("次轮应跳过重复: %s", second.Outcome)
	}
	if f.publisher.calls != 1 {
		t.Fatalf("跳过的周期不应发布, 调用 %d 次", f.publisher.calls)
	}
	if len(f.publishes.entries) != 1 {
		t.Fatalf("跳过的周期不应写发布日志: %d", len(f.publishes.entries))
	}
	if len(f.cycles.samples) != 2 || f.cycles.samples[1].Outcome != string(OutcomeSkippedDuplicate) {
		t.Fatalf("跳过也应记录周期样本: %+v", f.cycles.samples)
	}
}

func TestCycleFetchFailure(t *testing.T) {
	f := newFixture(t)
	f.fetcher.err = errors.New("coingecko down")

	result := f.orch.RunCycle(context.Background())
	if result.Outcome != OutcomeFailed || result.Stage != StageFetch {
		t.Fatalf("期望 fetch 阶段失败: %+v", result)
	}
	if !strings.HasPrefix(result.Reason, ReasonDataUnavailable) {
		t.Fatalf("原因应为 data_unavailable: %s", result.Reason)
	}
	if f.analyst.calls != 0 || f.publisher.calls != 0 {
		t.Fatal("fetch 失败后不应继续后续阶段")
	}
	if len(f.cycles.samples) != 1 || f.cycles.samples[0].Outcome != string(OutcomeFailed) {
		t.Fatalf("失败周期应记录样本: %+v", f.cycles.samples)
	}
}

func TestCycleAnalysisFailure(t *testing.T) {
	f := newFixture(t)
	f.analyst.err = errors.New("claude 500")

	result := f.orch.RunCycle(context.Background())
	if result.Outcome != OutcomeFailed || result.Stage != StageAnalyze {
		t.Fatalf("期望 analyze 阶段失败: %+v", result)
	}
	if !strings.HasPrefix(result.Reason, ReasonAnalysisUnavailable) {
		t.Fatalf("原因应为 analysis_unavailable: %s", result.Reason)
	}
	if f.publisher.calls != 0 {
		t.Fatal("分析失败后不应发布")
	}
}

func TestCycleFormatOverflow(t *testing.T) {
	f := newFixture(t)
	f.orch.formatter = compose.NewFormatter(compose.Constraints{
		MinLength:    1,
		TargetLength: 40,
		HardLimit:    50,
		Hashtags:     "#Crypto #ETH #BTC",
	})

	result := f.orch.RunCycle(context.Background())
	if result.Outcome != OutcomeFailed || result.Stage != StageFormat {
		t.Fatalf("期望 format 阶段失败: %+v", result)
	}
	if result.Reason != ReasonFormatOverflow {
		t.Fatalf("原因应为 format_overflow: %s", result.Reason)
	}
	if f.publisher.calls != 0 {
		t.Fatal("格式溢出不应发布")
	}
}

func TestCyclePublishFailureRecordsNothing(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("browser crashed")

	result := f.orch.RunCycle(context.Background())
	if result.Outcome != OutcomeFailed || result.Stage != StagePublish {
		t.Fatalf("期望 publish 阶段失败: %+v", result)
	}
	if !strings.HasPrefix(result.Reason, ReasonPublishFailed) {
		t.Fatalf("原因应为 publish_failed: %s", result.Reason)
	}
	if _, ok := f.detector.Latest(); ok {
		t.Fatal("发布失败不应写入去重历史")
	}
	if len(f.publishes.entries) != 0 {
		t.Fatal("发布失败不应写发布日志")
	}
	// The cycle sample itself is still recorded for auditing.
	if len(f.cycles.samples) != 1 || f.cycles.samples[0].Outcome != string(OutcomeFailed) {
		t.Fatalf("失败周期应记录样本: %+v", f.cycles.samples)
	}
}

func TestCycleAuthFailure(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = publisher.ErrNotAuthenticated

	result := f.orch.RunCycle(context.Background())
	if result.Outcome != OutcomeFailed || result.Stage != StagePublish {
		t.Fatalf("期望 publish 阶段失败: %+v", result)
	}
	if !strings.HasPrefix(result.Reason, ReasonAuthFailed) {
		t.Fatalf("原因应为 auth_failed: %s", result.Reason)
	}
}

func TestCycleShutdownBetweenStages(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := f.orch.RunCycle(ctx)
	if result.Outcome != OutcomeFailed {
		t.Fatalf("取消后周期应中止: %+v", result)
	}
	if !errors.Is(result.Err, context.Canceled) {
		t.Fatalf("错误应为取消: %v", result.Err)
	}
	// An aborted cycle leaves no outcome record.
	if len(f.cycles.samples) != 0 {
		t.Fatalf("中止的周期不应记录样本: %+v", f.cycles.samples)
	}
}

func TestSeedHistoryWarmStartsDedupe(t *testing.T) {
	f := newFixture(t)
	f.publishes.entries = []storage.PublishEntry{{
		Fingerprint: "seed",
		BTCPrice:    decimal.NewFromFloat(63421.75),
		ETHPrice:    decimal.NewFromFloat(3451.89),
		PostedAt:    time.Now().UTC(),
	}}

	if err := f.orch.SeedHistory(context.Background(), 10); err != nil {
		t.Fatalf("SeedHistory 失败: %v", err)
	}

	result := f.orch.RunCycle(context.Background())
	if result.Outcome != OutcomeSkippedDuplicate {
		t.Fatalf("预热历史后应跳过重复: %s", result.Outcome)
	}
}

var (
	_ market.SnapshotFetcher  = (*fakeFetcher)(nil)
	_ analysis.Analyst        = (*fakeAnalyst)(nil)
	_ publisher.Publisher     = (*fakePublisher)(nil)
	_ storage.CycleStore      = (*fakeCycleStore)(nil)
	_ storage.PublishLogStore = (*fakePublishLog)(nil)
)
