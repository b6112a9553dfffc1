package market

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestCoinGeckoFetchSuccess(t *testing.T) {
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{
				"symbol":                      "btc",
				"current_price":               63421.75,
				"price_change_percentage_24h": 2.34,
				"total_volume":                28000000000.0,
			},
			{
				"symbol":                      "eth",
				"current_price":               3451.89,
				"price_change_percentage_24h": 1.23,
				"total_volume":                12000000000.0,
			},
		})
	}))
	defer srv.Close()

	c := NewCoinGecko(CoinGeckoOptions{
		BaseURL:    srv.URL,
		VsCurrency: "usd",
		CoinIDs:    []string{"bitcoin", "ethereum"},
		Timeout:    time.Second,
		UserAgent:  "test",
	}, noopLogger())

	snapshot, err := c.FetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if snapshot.BTC.Price.Cmp(decimal.NewFromFloat(63421.75)) != 0 {
		t.Fatalf("BTC 价格不正确: %s", snapshot.BTC.Price)
	}
	if snapshot.ETH.Change24hPct.Cmp(decimal.NewFromFloat(1.23)) != 0 {
		t.Fatalf("ETH 涨跌幅不正确: %s", snapshot.ETH.Change24hPct)
	}
	if snapshot.CapturedAt.IsZero() {
		t.Fatal("快照应带捕获时间")
	}
	if got := gotQuery["ids"]; len(got) != 1 || got[0] != "bitcoin,ethereum" {
		t.Fatalf("ids 查询参数不正确: %v", got)
	}
	if got := gotQuery["price_change_percentage"]; len(got) != 1 || got[0] != "24h" {
		t.Fatalf("price_change_percentage 查询参数不正确: %v", got)
	}
}

func TestCoinGeckoFetchMissingAsset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"symbol": "btc", "current_price": 63421.75},
		})
	}))
	defer srv.Close()

	c := NewCoinGecko(CoinGeckoOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	if _, err := c.FetchSnapshot(context.Background()); err == nil {
		t.Fatal("缺少 ETH 数据时应返回错误")
	}
}

func TestCoinGeckoFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": map[string]any{"error_message": "You've exceeded the Rate Limit."},
		})
	}))
	defer srv.Close()

	c := NewCoinGecko(CoinGeckoOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	if _, err := c.FetchSnapshot(context.Background()); err == nil {
		t.Fatal("HTTP 429 应返回错误")
	}
}
