package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/sentipol/harvester/internal/harvest"
)

// Config controls the automated browsing context.
type Config struct {
	Origin     string
	UserAgent  string
	Headless   bool
	NavTimeout time.Duration
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.6099.109 Safari/537.36"

// stealthScript trims the most common automation tells before any page
// script runs.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', {get: () => undefined});
Object.defineProperty(navigator, 'plugins', {get: () => [1, 2, 3, 4, 5]});
Object.defineProperty(navigator, 'languages', {get: () => ['en-US', 'en']});
`

// Manager owns one headless browser and the authenticated session inside
// it. It implements harvest.Browser.
type Manager struct {
	cfg           Config
	logger        *zap.Logger
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// New launches the browser with anti-detection flags and warms it up.
func New(cfg Config, logger *zap.Logger) (*Manager, error) {
	if cfg.Origin == "" {
		cfg.Origin = harvest.Origin
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.UserAgent(cfg.UserAgent),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	if err := chromedp.Run(browserCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
			return err
		}),
	); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("browser warmup: %w", err)
	}

	return &Manager{
		cfg:           cfg,
		logger:        logger,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// Close tears down the browser and allocator.
func (m *Manager) Close() {
	if m == nil {
		return
	}
	m.browserCancel()
	m.allocCancel()
}

// Establish injects the credential set and verifies the session. The
// context must be on the target origin before any credential is applied;
// cross-origin injection is rejected by the platform. Verification probes
// for the compose affordance shown only to an authenticated viewer;
// absence is a definitive harvest.ErrAuthentication.
func (m *Manager) Establish(ctx context.Context, creds []Credential) error {
	if err := m.run(ctx, m.cfg.NavTimeout,
		chromedp.Navigate(m.cfg.Origin),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigate origin: %w: %w", err, harvest.ErrAuthentication)
	}

	domain := cookieDomain(m.cfg.Origin)
	injected := 0
	for _, cred := range creds {
		s, ok := sanitize(cred, domain)
		if !ok {
			m.logger.Debug("dropping malformed credential entry", zap.String("name", cred.Name))
			continue
		}
		err := m.run(ctx, m.cfg.NavTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
			return network.SetCookie(s.Name, s.Value).
				WithDomain(s.Domain).
				WithPath(s.Path).
				WithSecure(s.Secure).
				WithHTTPOnly(s.HTTPOnly).
				WithSameSite(network.CookieSameSiteLax).
				Do(ctx)
		}))
		if err != nil {
			m.logger.Debug("credential injection skipped",
				zap.String("name", s.Name), zap.Error(err))
			continue
		}
		injected++
	}
	if injected == 0 {
		return fmt.Errorf("no credential entry was accepted: %w", harvest.ErrAuthentication)
	}
	m.logger.Info("credentials injected", zap.Int("count", injected))

	if err := m.run(ctx, m.cfg.NavTimeout,
		chromedp.Reload(),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(2*time.Second),
	); err != nil {
		return fmt.Errorf("reload after injection: %w: %w", err, harvest.ErrAuthentication)
	}

	var verified bool
	if err := m.run(ctx, m.cfg.NavTimeout, chromedp.Evaluate(authProbeJS, &verified)); err != nil {
		return fmt.Errorf("session probe: %w: %w", err, harvest.ErrAuthentication)
	}
	if !verified {
		return fmt.Errorf("authenticated-viewer marker absent after injection: %w", harvest.ErrAuthentication)
	}
	m.logger.Info("session established", zap.String("origin", m.cfg.Origin))
	return nil
}

// authProbeJS checks for the compose affordance and rules out a login
// redirect.
const authProbeJS = `(() => {
	if (window.location.href.toLowerCase().includes('login')) return false;
	return !!document.querySelector(
		'a[data-testid="SideNav_NewTweet_Button"], [data-testid="SideNav_AccountSwitcher_Button"]');
})()`

// Navigate implements harvest.Browser.
func (m *Manager) Navigate(ctx context.Context, url string) error {
	if err := m.run(ctx, m.cfg.NavTimeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// WaitForPosts implements harvest.Browser. A timeout surfaces as
// harvest.ErrTransientFetch.
func (m *Manager) WaitForPosts(ctx context.Context, timeout time.Duration) error {
	err := m.run(ctx, timeout,
		chromedp.WaitReady(`article[data-testid="tweet"]`, chromedp.ByQuery))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("post containers not rendered within %s: %w", timeout, harvest.ErrTransientFetch)
		}
		return fmt.Errorf("wait for post containers: %w", err)
	}
	return nil
}

const fragmentsJS = `Array.from(
	document.querySelectorAll('article[data-testid="tweet"]')
).map(n => n.outerHTML)`

// Fragments implements harvest.Browser.
func (m *Manager) Fragments(ctx context.Context) ([]string, error) {
	var fragments []string
	if err := m.run(ctx, m.cfg.NavTimeout, chromedp.Evaluate(fragmentsJS, &fragments)); err != nil {
		return nil, fmt.Errorf("collect fragments: %w", err)
	}
	return fragments, nil
}

// Scroll implements harvest.Browser.
func (m *Manager) Scroll(ctx context.Context, px int) error {
	expr := fmt.Sprintf("window.scrollBy(0, %d)", px)
	if err := m.run(ctx, m.cfg.NavTimeout, chromedp.Evaluate(expr, nil)); err != nil {
		return fmt.Errorf("scroll: %w", err)
	}
	return nil
}

// rateLimitJS mirrors the block indicators the platform is known to show:
// challenge-style URLs and explicit limit phrasing in the page text.
const rateLimitJS = `(() => {
	const href = window.location.href.toLowerCase();
	if (['unusual', 'rate', 'limit', 'verify', 'challenge', 'safety'].some(p => href.includes(p))) {
		return true;
	}
	const text = (document.body ? document.body.innerText : '').toLowerCase();
	return ['rate limit', 'too many requests', 'try again later', 'unusual activity', 'access denied']
		.some(p => text.includes(p));
})()`

// RateLimited implements harvest.Browser.
func (m *Manager) RateLimited(ctx context.Context) (bool, error) {
	var limited bool
	if err := m.run(ctx, m.cfg.NavTimeout, chromedp.Evaluate(rateLimitJS, &limited)); err != nil {
		return false, fmt.Errorf("rate limit probe: %w", err)
	}
	return limited, nil
}

// recoverJS clicks the retry affordance of a "Something went wrong"
// interstitial when one is present.
const recoverJS = `(() => {
	const text = (document.body ? document.body.innerText : '').toLowerCase();
	if (!['something went wrong', 'try again', 'failed to load'].some(p => text.includes(p))) {
		return false;
	}
	const candidates = document.querySelectorAll(
		'[data-testid*="retry" i], button[aria-label*="retry" i], div[role="button"]');
	for (const el of candidates) {
		const label = ((el.getAttribute('aria-label') || '') + ' ' + el.innerText).toLowerCase();
		if (['retry', 'try again', 'refresh', 'reload'].some(p => label.includes(p))) {
			el.click();
			return true;
		}
	}
	return false;
})()`

// Recover implements harvest.Browser.
func (m *Manager) Recover(ctx context.Context) (bool, error) {
	var acted bool
	if err := m.run(ctx, m.cfg.NavTimeout, chromedp.Evaluate(recoverJS, &acted)); err != nil {
		return false, fmt.Errorf("interstitial recovery: %w", err)
	}
	return acted, nil
}

// run executes actions against the session tab, bounded by timeout and the
// caller's context.
func (m *Manager) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	taskCtx, cancel := context.WithTimeout(m.browserCtx, timeout)
	defer cancel()

	stop := forwardCancel(ctx, cancel)
	defer stop()

	return chromedp.Run(taskCtx, actions...)
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func cookieDomain(origin string) string {
	host := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	return "." + host
}
