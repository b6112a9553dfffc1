package analysis

import (
	"fmt"
	"strings"

	"market-pulse-bot/internal/market"
)

const promptTemplate = `Analyze ETH/BTC Market Dynamics:

Current Market Data:
Bitcoin:
- Price: $%s
- 24h Change: %s%%
- Volume: $%s

Ethereum:
- Price: $%s
- 24h Change: %s%%
- Volume: $%s

Please provide a concise but detailed market analysis:
1. Short-term Movement:
   - Price action in last few minutes
   - Volume profile significance
   - Immediate support/resistance levels

2. Market Microstructure:
   - Order flow analysis
   - Volume weighted price trends
   - Market depth indicators

3. Cross-Pair Dynamics:
   - ETH/BTC correlation changes
   - Relative strength shifts
   - Market maker activity signals

Focus on actionable micro-trends and real-time market behavior. Identify minimal but significant price movements.
Keep the analysis technical but concise, emphasizing key shifts in market dynamics.`

// RenderPrompt fills the analysis prompt with snapshot data.
func RenderPrompt(snapshot market.Snapshot) string {
	return fmt.Sprintf(promptTemplate,
		snapshot.BTC.Price.StringFixed(2),
		snapshot.BTC.Change24hPct.StringFixed(2),
		snapshot.BTC.Volume24h.StringFixed(0),
		snapshot.ETH.Price.StringFixed(2),
		snapshot.ETH.Change24hPct.StringFixed(2),
		snapshot.ETH.Volume24h.StringFixed(0),
	)
}

// firstLine is a logging helper: a short preview of generated text.
func firstLine(s string, max int) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
