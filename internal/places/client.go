// Package places resolves candidate names through the Google Places
// Text Search (v1) API.
package places

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"omnimap/internal/domain"
	"omnimap/internal/httpclient"
	"omnimap/internal/metrics"
)

var ErrNotConfigured = errors.New("places: no API key configured")

type Config struct {
	APIKey   string
	Endpoint string // default https://places.googleapis.com/v1
	Region   string // default SG
	Language string // default en
	Client   *http.Client
	Logger   *slog.Logger
}

type Client struct {
	apiKey   string
	endpoint string
	region   string
	language string
	client   *http.Client
	logger   *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://places.googleapis.com/v1"
	}
	if cfg.Region == "" {
		cfg.Region = "SG"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.Client == nil {
		cfg.Client = httpclient.New(30 * time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		apiKey:   cfg.APIKey,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		region:   cfg.Region,
		language: cfg.Language,
		client:   cfg.Client,
		logger:   cfg.Logger,
	}
}

func (c *Client) Enabled() bool { return c != nil && c.apiKey != "" }

// Place is the subset of the Places v1 resource we read.
type Place struct {
	ID          string `json:"id"`
	Name        string `json:"name"` // "places/<id>"
	DisplayName struct {
		Text         string `json:"text"`
		LanguageCode string `json:"languageCode"`
	} `json:"displayName"`
	FormattedAddress string `json:"formattedAddress"`
	Location         *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location"`
	Types                    []string `json:"types"`
	WebsiteURI               string   `json:"websiteUri"`
	InternationalPhoneNumber string   `json:"internationalPhoneNumber"`
	Rating                   float64  `json:"rating"`
	UserRatingCount          int      `json:"userRatingCount"`
	PriceLevel               string   `json:"priceLevel"`
}

type searchRequest struct {
	TextQuery    string `json:"textQuery"`
	LanguageCode string `json:"languageCode"`
	RegionCode   string `json:"regionCode"`
}

// SearchText runs a text search biased to region (the client default
// when empty) and returns places in API order.
func (c *Client) SearchText(ctx context.Context, query, region string) ([]Place, error) {
	if !c.Enabled() {
		return nil, ErrNotConfigured
	}
	if region == "" {
		region = c.region
	}
	body, err := json.Marshal(searchRequest{TextQuery: query, LanguageCode: c.language, RegionCode: region})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/places:searchText", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Api-Key", c.apiKey)
	req.Header.Set("X-Goog-FieldMask", "*")

	metrics.PlaceLookups.Inc()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("places request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("places API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var out struct {
		Places []Place `json:"places"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode places: %w", err)
	}
	return out.Places, nil
}

// Lookup returns the first match for name, or nil when the search is empty.
func (c *Client) Lookup(ctx context.Context, name string) (*domain.PlaceMatch, error) {
	results, err := c.SearchText(ctx, name, "")
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		c.logger.Debug("no place found", "query", name)
		return nil, nil
	}
	m := ToMatch(results[0])
	return &m, nil
}

// ToMatch maps an API place to a PlaceMatch.
func ToMatch(p Place) domain.PlaceMatch {
	id := strings.TrimPrefix(p.ID, "places/")
	if id == "" {
		id = strings.TrimPrefix(p.Name, "places/")
	}
	name := p.DisplayName.Text
	if name == "" {
		name = p.Name
	}
	m := domain.PlaceMatch{
		PlaceID:          id,
		DisplayName:      name,
		FormattedAddress: p.FormattedAddress,
		Types:            p.Types,
		Website:          p.WebsiteURI,
		Phone:            p.InternationalPhoneNumber,
		Rating:           p.Rating,
		RatingCount:      p.UserRatingCount,
		PriceLevel:       p.PriceLevel,
		MapsURL:          MapsURL(id),
	}
	if p.Location != nil {
		m.Location = &domain.LatLng{Lat: p.Location.Latitude, Lng: p.Location.Longitude}
	}
	return m
}

// MapsURL builds the canonical Google Maps link for a place id.
func MapsURL(placeID string) string {
	return "https://maps.google.com/?q=place_id:" + strings.ReplaceAll(url.QueryEscape(placeID), "+", "%20")
}

// DisplayLine renders a match as a chat bullet: "- name — address — link".
func DisplayLine(m domain.PlaceMatch) string {
	if m.FormattedAddress == "" {
		return fmt.Sprintf("- %s — %s", m.DisplayName, m.MapsURL)
	}
	return fmt.Sprintf("- %s — %s — %s", m.DisplayName, m.FormattedAddress, m.MapsURL)
}
