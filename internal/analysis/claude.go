package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"market-pulse-bot/internal/market"
)

const messagesPath = "/v1/messages"

// ClaudeOptions parameterise the Claude messages client.
type ClaudeOptions struct {
	BaseURL    string
	APIKey     string
	APIVersion string
	Model      string
	MaxTokens  int
	Timeout    time.Duration
}

// Claude generates market commentary through the Anthropic messages API.
type Claude struct {
	opts    ClaudeOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewClaude constructs the inference client.
func NewClaude(opts ClaudeOptions, logger zerolog.Logger) *Claude {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	if opts.APIVersion == "" {
		opts.APIVersion = "2023-06-01"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1500
	}

	return &Claude{
		opts:    opts,
		logger:  logger.With().Str("component", "analysis_client").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

type messagesRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type messagesError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// GenerateAnalysis renders the snapshot prompt and returns the model's text.
func (c *Claude) GenerateAnalysis(ctx context.Context, snapshot market.Snapshot) (string, error) {
	if c.opts.APIKey == "" {
		return "", errors.New("analysis api key not configured")
	}

	payload := messagesRequest{
		Model:     c.opts.Model,
		MaxTokens: c.opts.MaxTokens,
		Messages: []chatMessage{
			{Role: "user", Content: RenderPrompt(snapshot)},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal messages payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create messages request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.opts.APIKey)
	req.Header.Set("anthropic-version", c.opts.APIVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send messages request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr messagesError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("claude api error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return "", fmt.Errorf("claude api error (%d)", resp.StatusCode)
	}

	var result messagesResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decode messages response: %w", err)
	}

	var text string
	for _, block := range result.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.New("claude returned empty analysis")
	}

	c.logger.Info().
		Str("btc_price", snapshot.BTC.Price.StringFixed(2)).
		Str("eth_price", snapshot.ETH.Price.StringFixed(2)).
		Str("preview", firstLine(text, 100)).
		Msg("analysis generated")

	return text, nil
}

var _ Analyst = (*Claude)(nil)
