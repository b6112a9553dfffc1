package publisher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog"

	"market-pulse-bot/internal/compose"
)

const (
	composeURL       = "https://twitter.com/compose/tweet"
	textareaSelector = `[data-testid="tweetTextarea_0"]`
	postSelector     = `[data-testid="tweetButton"]`
)

// TwitterOptions configures the browser-driven poster.
type TwitterOptions struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome.
	// Empty = launch a local Chrome.
	RemoteURL string
	// UserDataDir is the Chrome profile directory carrying the established
	// login session. The poster never performs a login itself.
	UserDataDir string
	Headless    bool
	// PageTimeout bounds每次页面操作 (导航、选择器等待)。
	PageTimeout time.Duration
	Username    string
}

// Twitter posts through a real browser via the compose page. The session
// must already be logged in inside the profile; a logged-out page is
// reported as ErrNotAuthenticated so the caller can stop retrying.
type Twitter struct {
	opts   TwitterOptions
	logger zerolog.Logger

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
}

// NewTwitter 构造浏览器发布器。Chrome 在首次 Publish 时惰性启动。
func NewTwitter(opts TwitterOptions, logger zerolog.Logger) *Twitter {
	if opts.PageTimeout <= 0 {
		opts.PageTimeout = 30 * time.Second
	}
	return &Twitter{
		opts:   opts,
		logger: logger.With().Str("component", "publish_twitter").Logger(),
	}
}

// Publish opens the compose page in a fresh stealth tab, types the text and
// clicks the post button.
func (t *Twitter) Publish(ctx context.Context, candidate compose.Candidate) error {
	browser, err := t.ensureBrowser()
	if err != nil {
		return err
	}

	page, err := stealth.Page(browser)
	if err != nil {
		return fmt.Errorf("create stealth page: %w", err)
	}
	defer page.Close()

	page = page.Context(ctx).Timeout(t.opts.PageTimeout)

	if err := page.Navigate(composeURL); err != nil {
		return fmt.Errorf("navigate compose page: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait compose page load: %w", err)
	}

	if err := t.checkLoggedIn(page); err != nil {
		return err
	}

	textarea, err := page.Element(textareaSelector)
	if err != nil {
		// A missing compose box on a loaded page usually means the login
		// wall rendered after the initial navigation settled.
		if authErr := t.checkLoggedIn(page); authErr != nil {
			return authErr
		}
		return fmt.Errorf("locate tweet textarea: %w", err)
	}
	if err := textarea.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("focus tweet textarea: %w", err)
	}
	if err := textarea.Input(candidate.Text); err != nil {
		return fmt.Errorf("type tweet text: %w", err)
	}

	button, err := page.Element(postSelector)
	if err != nil {
		return fmt.Errorf("locate post button: %w", err)
	}
	if err := button.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click post button: %w", err)
	}

	// Compose dialog disappearing is the post confirmation.
	if err := textarea.WaitInvisible(); err != nil {
		return fmt.Errorf("confirm post: %w", err)
	}

	t.logger.Info().
		Str("fingerprint", candidate.Fingerprint).
		Int("length", len(candidate.Text)).
		Msg("分析已发布 (Twitter)")
	return nil
}

// checkLoggedIn inspects the current URL for the login wall.
func (t *Twitter) checkLoggedIn(page *rod.Page) error {
	info, err := page.Info()
	if err != nil {
		return fmt.Errorf("read page info: %w", err)
	}
	url := strings.ToLower(info.URL)
	if strings.Contains(url, "/login") || strings.Contains(url, "/i/flow/login") {
		t.logger.Warn().Str("url", info.URL).Msg("Twitter 会话已失效")
		return ErrNotAuthenticated
	}
	return nil
}

func (t *Twitter) ensureBrowser() (*rod.Browser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.browser != nil {
		return t.browser, nil
	}

	wsURL := t.opts.RemoteURL
	if wsURL == "" {
		l := launcher.New().Headless(t.opts.Headless)
		if t.opts.UserDataDir != "" {
			l = l.UserDataDir(t.opts.UserDataDir)
		}
		// Anti-detection flag, complements the stealth page script.
		l = l.Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		wsURL = u
		t.lnch = l
		t.logger.Info().Bool("headless", t.opts.Headless).Msg("本地 Chrome 已启动")
	} else {
		t.logger.Info().Str("url", wsURL).Msg("连接远程 Chrome")
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if t.lnch != nil {
			t.lnch.Cleanup()
			t.lnch = nil
		}
		return nil, fmt.Errorf("connect chrome: %w", err)
	}
	t.browser = b
	return b, nil
}

// Close shuts down the browser, if one was started.
func (t *Twitter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.browser != nil {
		_ = t.browser.Close()
		t.browser = nil
	}
	if t.lnch != nil {
		t.lnch.Cleanup()
		t.lnch = nil
	}
	return nil
}

var _ Publisher = (*Twitter)(nil)
