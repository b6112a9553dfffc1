package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type runnerFixture struct {
	clock   *fakeClock
	limiter *Limiter
	breaker *Breaker
	runner  *Runner
	slept   []time.Duration
}

func newRunnerFixture(policy Policy, windows map[Service]WindowConfig, breakers map[Service]BreakerConfig) *runnerFixture {
	f := &runnerFixture{clock: &fakeClock{now: time.Unix(1700000000, 0)}}

	f.limiter = NewLimiter(windows, zerolog.Nop())
	f.limiter.now = f.clock.Now
	f.breaker = NewBreaker(breakers, zerolog.Nop())
	f.breaker.now = f.clock.Now

	f.runner = NewRunner(f.limiter, f.breaker, policy, nil, zerolog.Nop())
	f.runner.now = f.clock.Now
	f.runner.sleep = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		f.slept = append(f.slept, d)
		f.clock.Advance(d)
		return nil
	}
	return f
}

func TestRunnerFlakyOperationSucceeds(t *testing.T) {
	f := newRunnerFixture(
		Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, AdmitWait: 10 * time.Second},
		nil,
		map[Service]BreakerConfig{ServiceMarket: {Threshold: 5, Recovery: time.Minute}},
	)

	calls := 0
	err := f.runner.Do(context.Background(), ServiceMarket, func(ctx context.Context) error {
		calls++
		if calls <= 2 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("两次失败后成功, 不应返回错误: %v", err)
	}
	if calls != 3 {
		t.Fatalf("期望 3 次尝试, 实际 %d", calls)
	}
	if got := f.breaker.CurrentState(ServiceMarket); got != StateClosed {
		t.Fatalf("成功后熔断器应为 closed, 实际 %s", got)
	}
	// Two failures were recorded on the breaker before the success.
	if want := []time.Duration{time.Second, 2 * time.Second}; len(f.slept) != len(want) ||
		f.slept[0] != want[0] || f.slept[1] != want[1] {
		t.Fatalf("期望退避 %v, 实际 %v", want, f.slept)
	}
}

func TestRunnerEveryAttemptRecordsOnBreaker(t *testing.T) {
	f := newRunnerFixture(
		Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, AdmitWait: 10 * time.Second},
		nil,
		map[Service]BreakerConfig{ServiceMarket: {Threshold: 2, Recovery: time.Hour}},
	)

	calls := 0
	err := f.runner.Do(context.Background(), ServiceMarket, func(ctx context.Context) error {
		calls++
		return errors.New("boom")
	})

	// With a threshold of 2, the second recorded failure opened the
	// circuit, so the third attempt was denied up front.
	if calls != 2 {
		t.Fatalf("熔断打开后不应继续尝试, 期望 2 次调用, 实际 %d", calls)
	}
	if got := ReasonOf(err); got != ReasonCircuitOpen {
		t.Fatalf("期望 circuit_open, 实际 %s (%v)", got, err)
	}
}

func TestRunnerCircuitOpenFailsFast(t *testing.T) {
	f := newRunnerFixture(
		Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, AdmitWait: 10 * time.Second},
		nil,
		map[Service]BreakerConfig{ServicePublish: {Threshold: 1, Recovery: time.Hour}},
	)
	f.breaker.RecordFailure(ServicePublish)

	calls := 0
	err := f.runner.Do(context.Background(), ServicePublish, func(ctx context.Context) error {
		calls++
		return nil
	})
	if calls != 0 {
		t.Fatal("熔断打开时不应触达依赖")
	}
	if got := ReasonOf(err); got != ReasonCircuitOpen {
		t.Fatalf("期望 circuit_open, 实际 %s", got)
	}
	if len(f.slept) != 0 {
		t.Fatalf("circuit_open 应立即失败, 不应退避: %v", f.slept)
	}
}

func TestRunnerRateLimitedBeyondCeiling(t *testing.T) {
	f := newRunnerFixture(
		Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, AdmitWait: 5 * time.Second},
		map[Service]WindowConfig{ServicePublish: {Window: time.Hour, Limit: 1}},
		nil,
	)
	// Consume the only slot; the next admit would need to wait an hour.
	if !f.limiter.Admit(ServicePublish) {
		t.Fatal("预占槽位失败")
	}

	calls := 0
	err := f.runner.Do(context.Background(), ServicePublish, func(ctx context.Context) error {
		calls++
		return nil
	})
	if calls != 0 {
		t.Fatal("限流时不应触达依赖")
	}
	if got := ReasonOf(err); got != ReasonRateLimited {
		t.Fatalf("期望 rate_limited, 实际 %s (%v)", got, err)
	}
}

func TestRunnerWaitsForRateSlotWithinCeiling(t *testing.T) {
	f := newRunnerFixture(
		Policy{MaxAttempts: 1, BaseDelay: time.Second, MaxDelay: time.Second, AdmitWait: 10 * time.Second},
		map[Service]WindowConfig{ServiceMarket: {Window: 5 * time.Second, Limit: 1}},
		nil,
	)
	if !f.limiter.Admit(ServiceMarket) {
		t.Fatal("预占槽位失败")
	}

	err := f.runner.Do(context.Background(), ServiceMarket, func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("等待窗口滚动后应成功: %v", err)
	}
	if len(f.slept) != 1 || f.slept[0] != 5*time.Second {
		t.Fatalf("期望等待 5s 获得槽位, 实际 %v", f.slept)
	}
}

func TestRunnerExhaustedCarriesLastError(t *testing.T) {
	f := newRunnerFixture(
		Policy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 30 * time.Second, AdmitWait: time.Second},
		nil,
		nil,
	)

	underlying := errors.New("502 bad gateway")
	err := f.runner.Do(context.Background(), ServiceAnalysis, func(ctx context.Context) error {
		return underlying
	})
	if got := ReasonOf(err); got != ReasonMaxRetries {
		t.Fatalf("期望 max_retries_exceeded, 实际 %s", got)
	}
	if !errors.Is(err, underlying) {
		t.Fatalf("终态错误应包含最后一次底层错误: %v", err)
	}
}

func TestRunnerBackoffIsCapped(t *testing.T) {
	f := newRunnerFixture(
		Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 5 * time.Second, AdmitWait: time.Second},
		nil,
		nil,
	)

	_ = f.runner.Do(context.Background(), ServiceAnalysis, func(ctx context.Context) error {
		return errors.New("boom")
	})

	want := []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	if len(f.slept) != len(want) {
		t.Fatalf("期望 %d 次退避, 实际 %v", len(want), f.slept)
	}
	for i := range want {
		if f.slept[i] != want[i] {
			t.Fatalf("第 %d 次退避期望 %s, 实际 %s", i+1, want[i], f.slept[i])
		}
	}
}

func TestRunnerAbortedAttemptReleasesProbe(t *testing.T) {
	f := newRunnerFixture(
		Policy{MaxAttempts: 1, BaseDelay: time.Second, MaxDelay: time.Second, AdmitWait: time.Second},
		map[Service]WindowConfig{ServicePublish: {Window: time.Hour, Limit: 1}},
		map[Service]BreakerConfig{ServicePublish: {Threshold: 1, Recovery: time.Minute}},
	)

	// Open the circuit, then let the recovery window elapse so the next
	// attempt claims the probe slot.
	f.breaker.RecordFailure(ServicePublish)
	f.clock.Advance(time.Minute)
	// Exhaust the rate window so the probe attempt aborts.
	if !f.limiter.Admit(ServicePublish) {
		t.Fatal("预占槽位失败")
	}

	err := f.runner.Do(context.Background(), ServicePublish, func(ctx context.Context) error {
		return nil
	})
	if got := ReasonOf(err); got != ReasonRateLimited {
		t.Fatalf("期望 rate_limited, 实际 %s", got)
	}

	// The probe slot must not be stuck: once the limiter admits, the
	// half-open breaker should permit the probe again.
	if !f.breaker.Allow(ServicePublish) {
		t.Fatal("中止的探测应释放探测槽")
	}
}

func TestRunnerContextCancelledDuringBackoff(t *testing.T) {
	f := newRunnerFixture(
		Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Second, AdmitWait: time.Second},
		nil,
		nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := f.runner.Do(ctx, ServiceMarket, func(opCtx context.Context) error {
		calls++
		cancel()
		return errors.New("boom")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("取消后应返回 context.Canceled, 实际 %v", err)
	}
	if calls != 1 {
		t.Fatalf("取消后不应再尝试, 实际 %d 次", calls)
	}
}
