package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"market-pulse-bot/internal/compose"
)

func testCandidate() compose.Candidate {
	return compose.Candidate{
		Text:        "ETH/BTC Market Analysis - test\n\n#Crypto #ETH #BTC",
		Fingerprint: "abc123",
	}
}

func TestTelegramPublishSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	pub := NewTelegram("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := pub.Publish(context.Background(), testCandidate()); err != nil {
		t.Fatalf("Telegram Publish 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if received["text"] != testCandidate().Text {
		t.Fatalf("text 不正确: %#v", received)
	}
}

func TestTelegramPublishAPIRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	pub := NewTelegram("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := pub.Publish(context.Background(), testCandidate()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestTelegramPublishUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	pub := NewTelegram("bad-token", "chat", srv.URL, time.Second, zerolog.Nop())
	err := pub.Publish(context.Background(), testCandidate())
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("401 应映射为未认证错误, 实际 %v", err)
	}
}

func TestMultiStopsOnFirstFailure(t *testing.T) {
	var calls []string
	ok := publisherFunc(func(context.Context, compose.Candidate) error {
		calls = append(calls, "ok")
		return nil
	})
	boom := publisherFunc(func(context.Context, compose.Candidate) error {
		calls = append(calls, "boom")
		return errors.New("boom")
	})
	never := publisherFunc(func(context.Context, compose.Candidate) error {
		calls = append(calls, "never")
		return nil
	})

	err := NewMulti(ok, boom, never).Publish(context.Background(), testCandidate())
	if err == nil {
		t.Fatal("中途失败应返回错误")
	}
	if len(calls) != 2 || calls[0] != "ok" || calls[1] != "boom" {
		t.Fatalf("失败后不应继续后续通道: %v", calls)
	}
}

func TestMultiNoChannels(t *testing.T) {
	if err := NewMulti().Publish(context.Background(), testCandidate()); err == nil {
		t.Fatal("无通道配置应报错")
	}
}

type publisherFunc func(context.Context, compose.Candidate) error

func (f publisherFunc) Publish(ctx context.Context, c compose.Candidate) error {
	return f(ctx, c)
}
