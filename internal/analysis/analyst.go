package analysis

import (
	"context"

	"market-pulse-bot/internal/market"
)

// Analyst turns a market snapshot into natural-language commentary.
type Analyst interface {
	GenerateAnalysis(ctx context.Context, snapshot market.Snapshot) (string, error)
}
