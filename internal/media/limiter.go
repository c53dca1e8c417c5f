package media

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// HostThrottle spaces out page and media fetches per site so a burst of
// reel jobs does not trip a platform's rate limits. www.instagram.com and
// instagram.com share one budget.
type HostThrottle struct {
	every rate.Limit
	burst int
	sites sync.Map // site key -> *rate.Limiter
}

// NewHostThrottle allows perSecond requests per site with the given burst.
// A non-positive perSecond disables throttling.
func NewHostThrottle(perSecond float64, burst int) *HostThrottle {
	every := rate.Limit(perSecond)
	if perSecond <= 0 {
		every = rate.Inf
	}
	return &HostThrottle{every: every, burst: max(burst, 1)}
}

// siteKey folds a URL to the budget it draws from. Unparseable URLs share
// one bucket.
func siteKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// Wait blocks until rawURL's site has budget. A nil throttle never blocks.
func (t *HostThrottle) Wait(ctx context.Context, rawURL string) error {
	if t == nil {
		return nil
	}
	site := siteKey(rawURL)
	lim, ok := t.sites.Load(site)
	if !ok {
		lim, _ = t.sites.LoadOrStore(site, rate.NewLimiter(t.every, t.burst))
	}
	if err := lim.(*rate.Limiter).Wait(ctx); err != nil {
		return fmt.Errorf("throttle %s: %w", site, err)
	}
	return nil
}
