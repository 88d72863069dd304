package fetcher

import (
	"context"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/IshaanNene/pricewatch/internal/config"
	"github.com/IshaanNene/pricewatch/internal/types"
)

// BrowserFetcher implements Fetcher using a headless Chromium driven by Rod.
// The browser is launched on first use so deployments without browser
// stores never need Chromium.
type BrowserFetcher struct {
	cfg        *config.FetcherConfig
	stealthCfg *StealthConfig
	logger     *zap.Logger

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	slots    chan struct{}
}

// NewBrowserFetcher creates a browser fetcher. At most cfg.BrowserPool pages
// are open at once.
func NewBrowserFetcher(cfg *config.FetcherConfig, logger *zap.Logger) *BrowserFetcher {
	return &BrowserFetcher{
		cfg:        cfg,
		stealthCfg: DefaultStealthConfig(),
		logger:     logger.With(zap.String("component", "browser_fetcher")),
		slots:      make(chan struct{}, max(cfg.BrowserPool, 1)),
	}
}

// ensureBrowser launches and connects Chromium once.
func (bf *BrowserFetcher) ensureBrowser() (*rod.Browser, error) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if bf.browser != nil {
		return bf.browser, nil
	}

	l := launcher.New().
		Headless(bf.cfg.Headless).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("no-sandbox").
		Set("disable-blink-features", "AutomationControlled").
		Set("window-size", bf.stealthCfg.WindowSize())
	controlURL, err := l.Launch()
	if err != nil {
		return nil, eris.Wrap(err, "launch browser")
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, eris.Wrap(err, "connect browser")
	}

	bf.launcher = l
	bf.browser = browser
	bf.logger.Info("browser ready", zap.Int("max_pages", cap(bf.slots)), zap.Bool("headless", bf.cfg.Headless))
	return browser, nil
}

// Fetch navigates to a URL and returns the rendered page content. The
// store option wait_selector delays the snapshot until that element is
// visible.
func (bf *BrowserFetcher) Fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	select {
	case bf.slots <- struct{}{}:
		defer func() { <-bf.slots }()
	case <-ctx.Done():
		return nil, &types.FetchError{URL: req.URLString(), Err: ctx.Err()}
	}

	browser, err := bf.ensureBrowser()
	if err != nil {
		return nil, &types.FetchError{URL: req.URLString(), Err: err}
	}

	start := time.Now()
	page, err := stealth.Page(browser)
	if err != nil {
		return nil, &types.FetchError{URL: req.URLString(), Err: eris.Wrap(err, "stealth page"), Retryable: true}
	}
	defer func() { _ = page.Close() }()

	bf.preparePage(page, req)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	p := page.Context(ctx).Timeout(timeout)

	if err := p.Navigate(req.URLString()); err != nil {
		return nil, &types.FetchError{URL: req.URLString(), Err: err, Retryable: true}
	}
	if err := p.WaitStable(300 * time.Millisecond); err != nil {
		bf.logger.Warn("page stability timeout, continuing", zap.String("url", req.URLString()), zap.Error(err))
	}
	if sel := req.OptionString("wait_selector"); sel != "" {
		if el, err := p.Element(sel); err != nil {
			bf.logger.Warn("wait selector not found", zap.String("selector", sel), zap.Error(err))
		} else if err := el.WaitVisible(); err != nil {
			bf.logger.Warn("wait selector not visible", zap.String("selector", sel), zap.Error(err))
		}
	}

	html, err := p.HTML()
	if err != nil {
		return nil, &types.FetchError{URL: req.URLString(), Err: err, Retryable: true}
	}

	finalURL := req.URLString()
	if info, err := page.Info(); err == nil && info != nil {
		finalURL = info.URL
	}

	duration := time.Since(start)
	// Rod does not surface the document status code.
	resp := types.NewBrowserResponse(req, 200, []byte(html), finalURL, duration)
	if len(html) == 0 {
		resp.Errors = append(resp.Errors, types.ErrEmptyResponse.Error())
	}

	bf.logger.Debug("browser fetch complete",
		zap.String("url", req.URLString()),
		zap.String("final_url", finalURL),
		zap.Int("size", len(html)),
		zap.Duration("duration", duration),
	)
	return resp, nil
}

// preparePage applies viewport, navigator overrides and request headers.
// Failures only reduce stealth, so they are logged and ignored.
func (bf *BrowserFetcher) preparePage(page *rod.Page, req *types.Request) {
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             bf.stealthCfg.ViewportWidth,
		Height:            bf.stealthCfg.ViewportHeight,
		DeviceScaleFactor: 1,
	}); err != nil {
		bf.logger.Debug("set viewport", zap.Error(err))
	}
	if _, err := page.EvalOnNewDocument(bf.stealthCfg.StealthJS()); err != nil {
		bf.logger.Debug("inject navigator overrides", zap.Error(err))
	}

	if ua := req.Headers.Get("User-Agent"); ua != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua}); err != nil {
			bf.logger.Warn("failed to set user agent", zap.Error(err))
		}
	}
	var headers []string
	for k, vals := range req.Headers {
		if k == "User-Agent" {
			continue
		}
		for _, v := range vals {
			headers = append(headers, k, v)
		}
	}
	if len(headers) > 0 {
		if _, err := page.SetExtraHeaders(headers); err != nil {
			bf.logger.Warn("failed to set headers", zap.Error(err))
		}
	}
}

// Close shuts down the browser if it was started.
func (bf *BrowserFetcher) Close() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if bf.browser == nil {
		return nil
	}
	err := bf.browser.Close()
	bf.launcher.Kill()
	bf.browser, bf.launcher = nil, nil
	return err
}

// Type returns the fetcher type identifier.
func (bf *BrowserFetcher) Type() string {
	return types.FetcherBrowser
}
