// Package resilience guards the three external dependencies with per-service
// rate windows, circuit breakers, and a retrying call runner that composes
// both. All state lives in explicit instances owned by the caller; nothing is
// package-global, so tests get clean state from fresh constructors.
package resilience

// Service identifies one external dependency. Every guard keys its state on
// this tag.
type Service string

const (
	// ServiceMarket is the market data provider (CoinGecko).
	ServiceMarket Service = "market"
	// ServiceAnalysis is the inference provider (Claude).
	ServiceAnalysis Service = "analysis"
	// ServicePublish is the publish surface (Twitter/Telegram).
	ServicePublish Service = "publish"
)
