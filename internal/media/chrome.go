package media

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"omnimap/internal/httpclient"
)

// ChromeResolver renders the permalink in headless Chrome and reads the
// playing video's source. Logged-in sessions persist in ProfileDir.
type ChromeResolver struct {
	profileDir string
	headless   bool
	userAgent  string
	timeout    time.Duration
	logger     *slog.Logger
}

type ChromeResolverConfig struct {
	ProfileDir string // Chrome user data directory; empty uses a throwaway profile
	Headless   bool
	UserAgent  string
	Timeout    time.Duration
	Logger     *slog.Logger
}

func NewChromeResolver(cfg ChromeResolverConfig) *ChromeResolver {
	if cfg.UserAgent == "" {
		cfg.UserAgent = httpclient.DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ChromeResolver{
		profileDir: cfg.ProfileDir,
		headless:   cfg.Headless,
		userAgent:  cfg.UserAgent,
		timeout:    cfg.Timeout,
		logger:     cfg.Logger,
	}
}

func (c *ChromeResolver) Name() string { return "chrome" }

// newContext creates a chromedp context. The caller must call cancel.
func (c *ChromeResolver) newContext(parent context.Context) (context.Context, context.CancelFunc) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.Flag("autoplay-policy", "no-user-gesture-required"),
		chromedp.UserAgent(c.userAgent),
	)
	if c.profileDir != "" {
		if err := os.MkdirAll(c.profileDir, 0o755); err != nil {
			c.logger.Error("failed to create profile dir", "dir", c.profileDir, "err", err)
		}
		opts = append(opts, chromedp.UserDataDir(c.profileDir))
	}
	if c.headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	return taskCtx, func() {
		taskCancel()
		allocCancel()
	}
}

const videoSourceJS = `(function() {
	var v = document.querySelector('video');
	if (v) {
		var src = v.currentSrc || v.src || '';
		if (!src) {
			var s = v.querySelector('source');
			if (s) src = s.src || '';
		}
		if (src) return src;
	}
	var m = document.querySelector('meta[property="og:video"], meta[property="og:video:secure_url"]');
	return m ? (m.getAttribute('content') || '') : '';
})()`

func (c *ChromeResolver) Resolve(ctx context.Context, pageURL string) (string, error) {
	taskCtx, cancel := c.newContext(ctx)
	defer cancel()
	taskCtx, timeoutCancel := context.WithTimeout(taskCtx, c.timeout)
	defer timeoutCancel()

	var src string
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body"),
		chromedp.Sleep(2*time.Second),
		chromedp.Evaluate(videoSourceJS, &src),
	)
	if err != nil {
		return "", err
	}
	src = strings.TrimSpace(src)
	// MSE players expose blob: URLs that cannot be fetched outside the page.
	if strings.HasPrefix(src, "blob:") {
		c.logger.Debug("video source is a blob url, ignoring", "url", pageURL)
		return "", nil
	}
	return src, nil
}
