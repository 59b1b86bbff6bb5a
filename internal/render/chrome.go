package render

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

const (
	viewportWidth  = 1920
	viewportHeight = 1080
)

// consentSelectors match common cookie and consent overlays.
var consentSelectors = []string{
	".cookie-consent-banner",
	"#cookie-notice",
	".cookie-banner",
	".consent-banner",
	"#onetrust-consent-sdk",
	"#CybotCookiebotDialog",
	"[id*='consent']",
	"[class*='consent']",
	"[aria-label*='consent']",
	"[aria-label*='cookie']",
}

func hideOverlaysScript() string {
	quoted := make([]string, len(consentSelectors))
	for i, s := range consentSelectors {
		quoted[i] = `"` + s + `"`
	}
	return `(() => {
  let hidden = 0;
  [` + strings.Join(quoted, ",") + `].forEach(sel => {
    try {
      document.querySelectorAll(sel).forEach(el => {
        if (el.style.display !== "none") { el.style.display = "none"; hidden++; }
      });
    } catch (e) {}
  });
  return hidden;
})()`
}

// ChromeOptions configure the headless browser.
type ChromeOptions struct {
	ExecPath string
	Timeout  time.Duration
	Settle   time.Duration
}

// Chrome renders pages with a shared headless Chrome process, one tab per render.
type Chrome struct {
	allocCtx context.Context
	cancel   context.CancelFunc
	opts     ChromeOptions
	hideJS   string
	log      zerolog.Logger
}

// NewChrome prepares the browser allocator. Chrome itself starts on first use.
func NewChrome(opts ChromeOptions, log zerolog.Logger) *Chrome {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Settle < 0 {
		opts.Settle = 0
	}
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.WindowSize(viewportWidth, viewportHeight),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-popup-blocking", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("force-device-scale-factor", "1"),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	return &Chrome{allocCtx: allocCtx, cancel: cancel, opts: opts, hideJS: hideOverlaysScript(), log: log}
}

// Close shuts the browser down.
func (c *Chrome) Close() {
	c.cancel()
}

// Render loads url, waits for it to settle, hides consent overlays and returns
// a width x height PNG.
func (c *Chrome) Render(ctx context.Context, url string, width, height int) ([]byte, error) {
	tabCtx, cancelTab := chromedp.NewContext(c.allocCtx)
	defer cancelTab()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, c.opts.Timeout)
	defer cancelTimeout()

	lg := c.log.With().Str("url", url).Logger()
	start := time.Now()

	var ready bool
	err := chromedp.Run(tabCtx,
		chromedp.EmulateViewport(viewportWidth, viewportHeight),
		chromedp.Navigate(url),
		chromedp.WaitVisible("body", chromedp.ByQuery),
		chromedp.Poll(`document.readyState === "complete"`, &ready),
	)
	if err != nil {
		return nil, c.classify(ctx, tabCtx, err)
	}
	lg.Debug().Dur("elapsed", time.Since(start)).Msg("page loaded")

	var hidden int
	if err := chromedp.Run(tabCtx, chromedp.Evaluate(c.hideJS, &hidden)); err != nil {
		lg.Warn().Err(err).Msg("hiding consent overlays failed, capturing anyway")
	} else if hidden > 0 {
		lg.Debug().Int("hidden", hidden).Msg("consent overlays hidden")
	}

	var shot []byte
	err = chromedp.Run(tabCtx,
		chromedp.Sleep(c.opts.Settle),
		chromedp.CaptureScreenshot(&shot),
	)
	if err != nil {
		return nil, c.classify(ctx, tabCtx, err)
	}
	lg.Info().Dur("elapsed", time.Since(start)).Int("bytes", len(shot)).Msg("screenshot captured")
	return Fit(shot, width, height)
}

func (c *Chrome) classify(parent, tab context.Context, err error) error {
	switch {
	case parent.Err() != nil:
		return fmt.Errorf("render cancelled: %w", parent.Err())
	case errors.Is(tab.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w after %s: %v", ErrTimeout, c.opts.Timeout, err)
	case strings.Contains(err.Error(), "net::ERR_"):
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
