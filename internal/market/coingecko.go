package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const marketsPath = "/coins/markets"

// CoinGeckoOptions parameterise the CoinGecko fetcher.
type CoinGeckoOptions struct {
	BaseURL    string
	VsCurrency string
	CoinIDs    []string
	Timeout    time.Duration
	UserAgent  string
}

// CoinGecko fetches market snapshots from the CoinGecko markets endpoint.
type CoinGecko struct {
	opts    CoinGeckoOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	now     func() time.Time
}

// NewCoinGecko constructs a CoinGecko snapshot fetcher.
func NewCoinGecko(opts CoinGeckoOptions, logger zerolog.Logger) *CoinGecko {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}
	if opts.VsCurrency == "" {
		opts.VsCurrency = "usd"
	}
	if len(opts.CoinIDs) == 0 {
		opts.CoinIDs = []string{"bitcoin", "ethereum"}
	}

	return &CoinGecko{
		opts:    opts,
		logger:  logger.With().Str("component", "market_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		now:     time.Now,
	}
}

type coinMarket struct {
	Symbol        string  `json:"symbol"`
	CurrentPrice  float64 `json:"current_price"`
	Change24hPct  float64 `json:"price_change_percentage_24h"`
	TotalVolume24 float64 `json:"total_volume"`
}

// FetchSnapshot retrieves current BTC and ETH quotes in a single request.
func (c *CoinGecko) FetchSnapshot(ctx context.Context) (Snapshot, error) {
	params := url.Values{}
	params.Set("vs_currency", c.opts.VsCurrency)
	params.Set("ids", strings.Join(c.opts.CoinIDs, ","))
	params.Set("order", "market_cap_desc")
	params.Set("per_page", strconv.Itoa(len(c.opts.CoinIDs)))
	params.Set("page", "1")
	params.Set("sparkline", "false")
	params.Set("price_change_percentage", "24h")

	endpoint := c.baseURL + marketsPath + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Snapshot{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Snapshot{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, parseHTTPError(resp.StatusCode, payload)
	}

	var coins []coinMarket
	if err := json.Unmarshal(payload, &coins); err != nil {
		return Snapshot{}, fmt.Errorf("decode markets response: %w", err)
	}

	bySymbol := make(map[string]coinMarket, len(coins))
	for _, coin := range coins {
		bySymbol[strings.ToUpper(coin.Symbol)] = coin
	}

	btc, okBTC := bySymbol["BTC"]
	eth, okETH := bySymbol["ETH"]
	if !okBTC || !okETH {
		return Snapshot{}, errors.New("markets response missing BTC or ETH")
	}

	snapshot := Snapshot{
		BTC:        toQuote("BTC", btc),
		ETH:        toQuote("ETH", eth),
		CapturedAt: c.now().UTC(),
	}

	c.logger.Debug().
		Str("btc_price", snapshot.BTC.Price.String()).
		Str("eth_price", snapshot.ETH.Price.String()).
		Msg("snapshot fetched")

	return snapshot, nil
}

func toQuote(symbol string, coin coinMarket) Quote {
	return Quote{
		Symbol:       symbol,
		Price:        decimal.NewFromFloat(coin.CurrentPrice),
		Change24hPct: decimal.NewFromFloat(coin.Change24hPct),
		Volume24h:    decimal.NewFromFloat(coin.TotalVolume24),
	}
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr struct {
		Status struct {
			ErrorMessage string `json:"error_message"`
		} `json:"status"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Status.ErrorMessage != "" {
		return fmt.Errorf("coingecko api error (%d): %s", status, apiErr.Status.ErrorMessage)
	}
	if len(payload) > 0 {
		return fmt.Errorf("coingecko api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("coingecko api error (%d)", status)
}

var _ SnapshotFetcher = (*CoinGecko)(nil)
