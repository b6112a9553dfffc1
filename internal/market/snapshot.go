package market

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is one tracked asset's state at capture time.
type Quote struct {
	Symbol       string
	Price        decimal.Decimal
	Change24hPct decimal.Decimal
	Volume24h    decimal.Decimal
}

// Snapshot is an immutable record of both tracked assets, produced once per
// cycle. Nothing mutates it after the fetch returns.
type Snapshot struct {
	BTC        Quote
	ETH        Quote
	CapturedAt time.Time
}

// SnapshotFetcher retrieves the current market snapshot.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context) (Snapshot, error)
}
