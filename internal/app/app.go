package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-pulse-bot/internal/analysis"
	"market-pulse-bot/internal/compose"
	"market-pulse-bot/internal/config"
	"market-pulse-bot/internal/dedupe"
	"market-pulse-bot/internal/logging"
	"market-pulse-bot/internal/market"
	"market-pulse-bot/internal/publisher"
	"market-pulse-bot/internal/resilience"
	"market-pulse-bot/internal/scheduler"
	"market-pulse-bot/internal/service"
	"market-pulse-bot/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, configPath string, logger zerolog.Logger) *App {
	return &App{
		Config:     cfg,
		ConfigPath: configPath,
		Logger:     logger.With().Str("component", "app").Logger(),
	}
}

func (a *App) newFetcher() market.SnapshotFetcher {
	return market.NewCoinGecko(market.CoinGeckoOptions{
		BaseURL:    a.Config.Market.BaseURL,
		VsCurrency: a.Config.Market.VsCurrency,
		CoinIDs:    a.Config.Market.CoinIDs,
		Timeout:    a.Config.Market.RequestTimeout,
		UserAgent:  a.Config.Market.UserAgent,
	}, a.Logger)
}

func (a *App) newAnalyst() analysis.Analyst {
	return analysis.NewClaude(analysis.ClaudeOptions{
		BaseURL:    a.Config.Analysis.BaseURL,
		APIKey:     a.Config.Analysis.APIKey,
		APIVersion: a.Config.Analysis.APIVersion,
		Model:      a.Config.Analysis.Model,
		MaxTokens:  a.Config.Analysis.MaxTokens,
		Timeout:    a.Config.Analysis.RequestTimeout,
	}, a.Logger)
}

func (a *App) newFormatter() *compose.Formatter {
	return compose.NewFormatter(compose.Constraints{
		MinLength:    a.Config.Publish.MinLength,
		TargetLength: a.Config.Publish.TargetLength,
		HardLimit:    a.Config.Publish.HardLimit,
		Hashtags:     a.Config.Publish.Hashtags,
	})
}

func (a *App) newDetector() *dedupe.Detector {
	return dedupe.NewDetector(dedupe.Options{
		MinChangePct: decimal.NewFromFloat(a.Config.Dedupe.MinChangePct),
		MinInterval:  a.Config.Dedupe.MinInterval,
		Retention:    a.Config.Dedupe.Retention,
	}, a.Logger)
}

func (a *App) newRunner() *resilience.Runner {
	guards := map[resilience.Service]config.ServiceGuardConfig{
		resilience.ServiceMarket:   a.Config.Resilience.Market,
		resilience.ServiceAnalysis: a.Config.Resilience.Analysis,
		resilience.ServicePublish:  a.Config.Resilience.Publish,
	}

	windows := make(map[resilience.Service]resilience.WindowConfig, len(guards))
	breakers := make(map[resilience.Service]resilience.BreakerConfig, len(guards))
	timeouts := make(map[resilience.Service]time.Duration, len(guards))
	for svc, guard := range guards {
		windows[svc] = resilience.WindowConfig{Window: guard.RateWindow, Limit: guard.RateLimit}
		breakers[svc] = resilience.BreakerConfig{Threshold: guard.BreakerThreshold, Recovery: guard.BreakerRecovery}
		timeouts[svc] = guard.CallTimeout
	}

	limiter := resilience.NewLimiter(windows, a.Logger)
	breaker := resilience.NewBreaker(breakers, a.Logger)
	policy := resilience.Policy{
		MaxAttempts: a.Config.Resilience.Retry.MaxAttempts,
		BaseDelay:   a.Config.Resilience.Retry.BaseDelay,
		MaxDelay:    a.Config.Resilience.Retry.MaxDelay,
		AdmitWait:   a.Config.Resilience.Retry.AdmitWait,
	}
	return resilience.NewRunner(limiter, breaker, policy, timeouts, a.Logger)
}

// newPublisher assembles the configured channels. The returned closer shuts
// down the browser when the twitter channel is active.
func (a *App) newPublisher(dryRun bool) (publisher.Publisher, func(), error) {
	if dryRun {
		return publisher.NewLogPublisher(a.Logger), func() {}, nil
	}

	var channels []publisher.Publisher
	closer := func() {}

	for _, name := range a.Config.Publish.Channels {
		switch name {
		case "twitter":
			if !a.Config.Publish.Twitter.Enabled {
				return nil, nil, fmt.Errorf("publish channel twitter requested but not enabled")
			}
			tw := publisher.NewTwitter(publisher.TwitterOptions{
				RemoteURL:   a.Config.Publish.Twitter.RemoteURL,
				UserDataDir: a.Config.Publish.Twitter.UserDataDir,
				Headless:    a.Config.Publish.Twitter.Headless,
				PageTimeout: a.Config.Publish.Twitter.PageTimeout,
				Username:    a.Config.Publish.Twitter.Username,
			}, a.Logger)
			closer = func() { _ = tw.Close() }
			channels = append(channels, tw)
		case "telegram":
			if !a.Config.Publish.Telegram.Enabled {
				return nil, nil, fmt.Errorf("publish channel telegram requested but not enabled")
			}
			tg := a.Config.Publish.Telegram
			channels = append(channels, publisher.NewTelegram(tg.BotToken, tg.ChatID, tg.APIBase, 10*time.Second, a.Logger))
		case "log":
			channels = append(channels, publisher.NewLogPublisher(a.Logger))
		default:
			return nil, nil, fmt.Errorf("unknown publish channel: %s", name)
		}
	}

	if len(channels) == 0 {
		return nil, nil, errors.New("no publish channels configured")
	}
	if len(channels) == 1 {
		return channels[0], closer, nil
	}
	return publisher.NewMulti(channels...), closer, nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running publish loop.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	pub, closePublisher, err := a.newPublisher(false)
	if err != nil {
		return err
	}
	defer closePublisher()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	detector := a.newDetector()

	var cycles storage.CycleStore
	var publishes storage.PublishLogStore
	var locker storage.AdvisoryLocker
	if store != nil {
		cycles = store
		publishes = store
		locker = store
	}

	orch := service.New(service.Options{
		Scheduler: sched,
		Fetcher:   a.newFetcher(),
		Analyst:   a.newAnalyst(),
		Formatter: a.newFormatter(),
		Detector:  detector,
		Publisher: pub,
		Runner:    a.newRunner(),
		Cycles:    cycles,
		Publishes: publishes,
		Locker:    locker,
		LockKey:   a.Config.Scheduler.AdvisoryLockKey,
		Channels:  a.Config.Publish.Channels,
	}, a.Logger)

	if err := orch.SeedHistory(ctx, a.Config.Dedupe.Retention); err != nil {
		a.Logger.Warn().Err(err).Msg("failed to warm-start dedupe history")
	}

	// Log level follows the config file while the loop runs.
	config.Watch(a.ConfigPath, a.Logger, func(fresh *config.Config) {
		zerolog.SetGlobalLevel(logging.ParseLevel(fresh.Logging.Level))
		a.Logger.Info().Str("level", fresh.Logging.Level).Msg("log level updated")
	})

	a.Logger.Info().Msg("starting publish loop")
	err = orch.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("publish loop terminated with error")
		return err
	}

	a.Logger.Info().Msg("publish loop stopped")
	return nil
}

// OnceOptions configure a single manual cycle.
type OnceOptions struct {
	DryRun bool
}

// Once runs exactly one publish cycle and reports its outcome.
func (a *App) Once(ctx context.Context, opts OnceOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	pub, closePublisher, err := a.newPublisher(opts.DryRun)
	if err != nil {
		return err
	}
	defer closePublisher()

	var cycles storage.CycleStore
	var publishes storage.PublishLogStore
	if store != nil && !opts.DryRun {
		cycles = store
		publishes = store
	}

	orch := service.New(service.Options{
		Fetcher:   a.newFetcher(),
		Analyst:   a.newAnalyst(),
		Formatter: a.newFormatter(),
		Detector:  a.newDetector(),
		Publisher: pub,
		Runner:    a.newRunner(),
		Cycles:    cycles,
		Publishes: publishes,
		Channels:  a.Config.Publish.Channels,
	}, a.Logger)

	if err := orch.SeedHistory(ctx, a.Config.Dedupe.Retention); err != nil {
		a.Logger.Warn().Err(err).Msg("failed to warm-start dedupe history")
	}

	result := orch.RunCycle(ctx)
	switch result.Outcome {
	case service.OutcomePublished:
		a.Logger.Info().Msg("cycle published")
	case service.OutcomeSkippedDuplicate:
		a.Logger.Info().Msg("cycle skipped: duplicate content")
	default:
		return fmt.Errorf("cycle failed at %s (%s): %w", result.Stage, result.Reason, result.Err)
	}
	return nil
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit     int
	Publishes bool
}

// ExportOptions hold parameters for exporting cycle history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}
