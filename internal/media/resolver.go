package media

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"omnimap/internal/httpclient"
)

// Resolver turns a post permalink into a direct media URL. An empty
// string with a nil error means "not found".
type Resolver interface {
	Name() string
	Resolve(ctx context.Context, pageURL string) (string, error)
}

// ChainResolver tries resolvers in order and returns the first hit.
type ChainResolver struct {
	resolvers []Resolver
	logger    *slog.Logger
}

func NewChainResolver(logger *slog.Logger, resolvers ...Resolver) *ChainResolver {
	var rs []Resolver
	for _, r := range resolvers {
		if r != nil {
			rs = append(rs, r)
		}
	}
	return &ChainResolver{resolvers: rs, logger: logger}
}

func (c *ChainResolver) Name() string { return "chain" }

func (c *ChainResolver) Resolve(ctx context.Context, pageURL string) (string, error) {
	for _, r := range c.resolvers {
		direct, err := r.Resolve(ctx, pageURL)
		if err != nil {
			c.logger.Warn("media resolver failed", "resolver", r.Name(), "url", pageURL, "err", err)
			continue
		}
		if direct != "" {
			c.logger.Info("media url resolved", "resolver", r.Name(), "url", pageURL)
			return direct, nil
		}
		c.logger.Debug("media resolver found nothing", "resolver", r.Name(), "url", pageURL)
	}
	return "", nil
}

// HTMLResolver fetches the page and reads the og:video meta tags.
type HTMLResolver struct {
	client    *http.Client
	limiter   *HostThrottle
	userAgent string
}

type HTMLResolverConfig struct {
	Client    *http.Client
	Limiter   *HostThrottle
	UserAgent string
}

func NewHTMLResolver(cfg HTMLResolverConfig) *HTMLResolver {
	if cfg.Client == nil {
		cfg.Client = httpclient.New(0)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = httpclient.DefaultUserAgent
	}
	return &HTMLResolver{client: cfg.Client, limiter: cfg.Limiter, userAgent: cfg.UserAgent}
}

func (h *HTMLResolver) Name() string { return "og-video" }

var ogVideoSelectors = []string{
	`meta[property="og:video"]`,
	`meta[property="og:video:secure_url"]`,
	`meta[property="og:video:url"]`,
	`meta[name="twitter:player:stream"]`,
}

func (h *HTMLResolver) Resolve(ctx context.Context, pageURL string) (string, error) {
	if err := h.limiter.Wait(ctx, pageURL); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", h.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	res, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch page: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return "", fmt.Errorf("fetch page: HTTP %d", res.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(res.Body)
	if err != nil {
		return "", fmt.Errorf("parse page: %w", err)
	}
	return findOGVideo(doc), nil
}

func findOGVideo(doc *goquery.Document) string {
	for _, sel := range ogVideoSelectors {
		var found string
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			v, ok := s.Attr("content")
			v = strings.TrimSpace(v)
			if ok && v != "" {
				found = v
				return false
			}
			return true
		})
		if found != "" {
			return found
		}
	}
	return ""
}
