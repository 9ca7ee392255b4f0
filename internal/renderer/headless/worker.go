// Package headless drives real browser tabs via chromedp and exposes
// them as pooled renderer workers.
package headless

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/renderfetch/renderfetch/internal/fetch"
	"github.com/renderfetch/renderfetch/internal/renderer/pool"
	"github.com/renderfetch/renderfetch/internal/useragent"
)

// Config controls how browsers are launched.
type Config struct {
	UserAgent     string   // fixed override; empty rotates per worker
	BlockPatterns []string // extra URL patterns to block, on top of the defaults
}

// Third-party noise that slows rendering without contributing content.
var defaultBlockPatterns = []string{
	"*googlesyndication.com*",
	"*doubleclick.net*",
	"*google-analytics.com*",
	"*googletagmanager.com*",
	"*connect.facebook.net*",
	"*hotjar.com*",
	"*taboola.com*",
	"*outbrain.com*",
	"*adnxs.com*",
	"*criteo.com*",
}

const acceptLanguage = "de-DE,de;q=0.9,en-US;q=0.8,en;q=0.7"

// Launcher owns one browser process per profile and hands out tabs as
// workers. The speed browser skips image loading; the accuracy browser
// renders everything.
type Launcher struct {
	cfg    Config
	logger *zap.Logger

	speedAlloc  context.Context
	speedCancel context.CancelFunc
	accAlloc    context.Context
	accCancel   context.CancelFunc
}

func NewLauncher(cfg Config, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("enable-automation", false),
	)

	speedOpts := append(append([]chromedp.ExecAllocatorOption{}, base...),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	accOpts := append([]chromedp.ExecAllocatorOption{}, base...)

	l := &Launcher{cfg: cfg, logger: logger}
	l.speedAlloc, l.speedCancel = chromedp.NewExecAllocator(context.Background(), speedOpts...)
	l.accAlloc, l.accCancel = chromedp.NewExecAllocator(context.Background(), accOpts...)
	return l
}

// Factory adapts the launcher to the pool's worker constructor.
func (l *Launcher) Factory() pool.Factory {
	return l.newWorker
}

// Close shuts both browser processes down. Outstanding tabs die with
// their browser.
func (l *Launcher) Close() {
	l.speedCancel()
	l.accCancel()
}

func (l *Launcher) newWorker(profile fetch.Profile) (pool.Worker, error) {
	alloc := l.speedAlloc
	if profile == fetch.ProfileAccuracy {
		alloc = l.accAlloc
	}
	tabCtx, cancel := chromedp.NewContext(alloc)

	setupCtx, setupCancel := context.WithTimeout(tabCtx, 30*time.Second)
	err := chromedp.Run(setupCtx, l.setupAction())
	setupCancel()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start %s browser tab: %w", profile, err)
	}

	l.logger.Debug("browser worker started", zap.String("profile", string(profile)))
	return &worker{profile: profile, ctx: tabCtx, cancel: cancel}, nil
}

// setupAction runs once per tab: network domain on, a believable
// user agent, German-first language headers, and the tracker blocklist.
func (l *Launcher) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := emulation.SetUserAgentOverride(useragent.Pick(l.cfg.UserAgent)).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		headers := network.Headers{"Accept-Language": acceptLanguage}
		if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
			return fmt.Errorf("set extra headers: %w", err)
		}
		if err := network.SetBlockedURLS(l.blockList()).Do(ctx); err != nil {
			return fmt.Errorf("set blocked urls: %w", err)
		}
		return nil
	})
}

func (l *Launcher) blockList() []string {
	return append(append([]string{}, defaultBlockPatterns...), l.cfg.BlockPatterns...)
}

// worker is one long-lived browser tab.
type worker struct {
	profile fetch.Profile
	ctx     context.Context
	cancel  context.CancelFunc
}

func (w *worker) Profile() fetch.Profile { return w.profile }

func (w *worker) Close() { w.cancel() }

// run executes actions on the tab, honoring the caller's deadline and
// cancellation without tying the tab's lifetime to the caller.
func (w *worker) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(w.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(runCtx, deadline)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (w *worker) Navigate(ctx context.Context, url string) error {
	return w.run(ctx, chromedp.Navigate(url))
}

func (w *worker) WaitReady(ctx context.Context) error {
	return w.run(ctx, chromedp.WaitReady("body", chromedp.ByQuery))
}

// consentClickScript clicks the first visible element that looks like an
// accept button of a cookie or consent banner. Returns whether a click
// happened.
const consentClickScript = `(() => {
	const selectors = [
		'#onetrust-accept-btn-handler',
		'button[id*="accept"]',
		'button[class*="accept"]',
		'button[aria-label*="ccept"]',
		'button[title*="kzeptieren"]',
		'[data-testid*="accept"]',
		'#sp-cc-accept',
	];
	const words = ['alle akzeptieren', 'akzeptieren', 'zustimmen', 'einverstanden',
		'accept all', 'accept cookies', 'accept', 'i agree', 'agree'];
	const visible = el => {
		const r = el.getBoundingClientRect();
		return r.width > 0 && r.height > 0;
	};
	const roots = [document];
	for (const el of document.querySelectorAll('*')) {
		if (el.shadowRoot) roots.push(el.shadowRoot);
	}
	for (const root of roots) {
		for (const sel of selectors) {
			const el = root.querySelector(sel);
			if (el && visible(el)) { el.click(); return true; }
		}
		for (const el of root.querySelectorAll('button, a[role="button"], input[type="button"]')) {
			const text = (el.innerText || el.value || '').trim().toLowerCase();
			if (text && visible(el) && words.some(w => text === w || text.startsWith(w))) {
				el.click();
				return true;
			}
		}
	}
	return false;
})()`

const consentPollInterval = 120 * time.Millisecond

// DismissConsent scans for a consent banner for up to maxScan and clicks
// it away. Banners often mount late, so the scan polls instead of
// checking once.
func (w *worker) DismissConsent(ctx context.Context, maxScan time.Duration) bool {
	deadline := time.Now().Add(maxScan)
	for {
		var clicked bool
		evalCtx, cancel := context.WithTimeout(ctx, maxScan+time.Second)
		err := w.run(evalCtx, chromedp.Evaluate(consentClickScript, &clicked))
		cancel()
		if err == nil && clicked {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		select {
		case <-time.After(consentPollInterval):
		case <-ctx.Done():
			return false
		}
	}
}

func (w *worker) Extract(ctx context.Context) (string, string, error) {
	var html, finalURL string
	err := w.run(ctx,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

// statusProbeScript re-requests the current document from inside the
// page, where the browser's cookies and session still apply.
const statusProbeScript = `fetch(window.location.href, {method: 'HEAD', cache: 'no-store'})
	.then(r => r.status)`

func (w *worker) ProbeStatus(ctx context.Context) (int, error) {
	var status int
	err := w.run(ctx, chromedp.Evaluate(statusProbeScript, &status,
		func(p *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
	if err != nil {
		return 0, fmt.Errorf("status probe: %w", err)
	}
	return status, nil
}

// Ping runs a trivial expression to check the tab still answers.
func (w *worker) Ping(ctx context.Context) error {
	var one int
	return w.run(ctx, chromedp.Evaluate(`1`, &one))
}
