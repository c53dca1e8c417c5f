// Package media acquires and transcodes short-form video from supported
// social sources.
package media

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Source describes a supported video host and how to pull a short
// identifier out of its permalinks.
type Source struct {
	Name      string
	hosts     []string
	idPattern *regexp.Regexp
}

var (
	Instagram = Source{
		Name:      "instagram",
		hosts:     []string{"instagram.com", "instagr.am"},
		idPattern: regexp.MustCompile(`^/(?:reel|p)/([A-Za-z0-9_-]+)(?:/|$)`),
	}
	TikTok = Source{
		Name:      "tiktok",
		hosts:     []string{"tiktok.com"},
		idPattern: regexp.MustCompile(`^/@[^/]+/video/([0-9]+)(?:/|$)`),
	}
)

// Sources lists every supported source.
var Sources = []Source{Instagram, TikTok}

func (s Source) matchesHost(host string) bool {
	host = strings.ToLower(host)
	for _, h := range s.hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// Identifier extracts the source-specific short id from rawURL.
func (s Source) Identifier(rawURL string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || !s.matchesHost(u.Host) {
		return "", false
	}
	m := s.idPattern.FindStringSubmatch(u.Path)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Identify finds the source for rawURL and its identifier.
func Identify(rawURL string) (Source, string, bool) {
	for _, s := range Sources {
		if id, ok := s.Identifier(rawURL); ok {
			return s, id, true
		}
	}
	return Source{}, "", false
}

// NormalizePermalink drops the query and fragment and forces a trailing
// slash on the path.
func NormalizePermalink(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("not an absolute url: %q", rawURL)
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawPath = ""
	return u.String(), nil
}
