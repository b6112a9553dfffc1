// Package dedupe decides whether a freshly formatted post is a near-repeat
// of something already published.
package dedupe

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-pulse-bot/internal/market"
)

// PublishRecord captures the state of a successful publish. Only state that
// the duplicate decision needs is kept.
type PublishRecord struct {
	Fingerprint string
	BTCPrice    decimal.Decimal
	ETHPrice    decimal.Decimal
	PostedAt    time.Time
}

// Options configures the duplicate decision.
type Options struct {
	// MinChangePct is the minimum percentage move (of any tracked asset)
	// that makes a post worth publishing again, e.g. 0.5 for 0.5%.
	MinChangePct decimal.Decimal
	// MinInterval is the minimum gap since the last publish below which a
	// small move is still considered a repeat.
	MinInterval time.Duration
	// Retention bounds the in-memory history length.
	Retention int
}

// Detector keeps a bounded in-memory history of publish records and answers
// duplicate checks against the most recent one. Safe for concurrent use,
// though the orchestrator only ever calls it from a single cycle goroutine.
type Detector struct {
	mu      sync.Mutex
	opts    Options
	history []PublishRecord
	now     func() time.Time
	logger  zerolog.Logger
}

// NewDetector constructs a Detector. A Retention of zero or less falls back
// to keeping a single record.
func NewDetector(opts Options, logger zerolog.Logger) *Detector {
	if opts.Retention <= 0 {
		opts.Retention = 1
	}
	return &Detector{
		opts:   opts,
		now:    time.Now,
		logger: logger.With().Str("component", "dedupe").Logger(),
	}
}

// IsDuplicate reports whether the snapshot would repeat the latest published
// post. A post is a duplicate only when BOTH hold against the most recent
// record: every tracked asset moved less than MinChangePct, and less than
// MinInterval has elapsed. An empty history is never a duplicate. The check
// has no side effects.
func (d *Detector) IsDuplicate(snapshot market.Snapshot) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.history) == 0 {
		return false
	}
	last := d.history[len(d.history)-1]

	elapsed := d.now().Sub(last.PostedAt)
	if elapsed >= d.opts.MinInterval {
		return false
	}

	btcMove := changePct(last.BTCPrice, snapshot.BTC.Price)
	ethMove := changePct(last.ETHPrice, snapshot.ETH.Price)
	if btcMove.GreaterThanOrEqual(d.opts.MinChangePct) ||
		ethMove.GreaterThanOrEqual(d.opts.MinChangePct) {
		return false
	}

	d.logger.Debug().
		Str("btc_move_pct", btcMove.StringFixed(4)).
		Str("eth_move_pct", ethMove.StringFixed(4)).
		Dur("elapsed", elapsed).
		Msg("重复内容: 价格变化不足且间隔过短")
	return true
}

// Record appends a publish record and trims the history to the retention
// bound. Call only after a publish actually succeeded.
func (d *Detector) Record(rec PublishRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.append(rec)
}

// Seed replaces the history with records loaded from storage, oldest first.
// Used once at boot to warm-start the detector from the publish log.
func (d *Detector) Seed(records []PublishRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.history = d.history[:0]
	for _, rec := range records {
		d.append(rec)
	}
	d.logger.Info().Int("records", len(d.history)).Msg("dedupe history seeded")
}

// Latest returns the most recent record, if any.
func (d *Detector) Latest() (PublishRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.history) == 0 {
		return PublishRecord{}, false
	}
	return d.history[len(d.history)-1], true
}

func (d *Detector) append(rec PublishRecord) {
	d.history = append(d.history, rec)
	if over := len(d.history) - d.opts.Retention; over > 0 {
		d.history = append(d.history[:0], d.history[over:]...)
	}
}

// changePct returns |new-old|/old*100. A zero or negative old price counts
// as an unbounded move so it never suppresses a publish.
func changePct(old, now decimal.Decimal) decimal.Decimal {
	if old.LessThanOrEqual(decimal.Zero) {
		return decimal.NewFromInt(100)
	}
	return now.Sub(old).Abs().Div(old).Mul(decimal.NewFromInt(100))
}
