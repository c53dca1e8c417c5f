package places

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"omnimap/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSearchText_RequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/places:searchText" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Goog-Api-Key") != "key" {
			t.Errorf("missing api key header")
		}
		if r.Header.Get("X-Goog-FieldMask") != "*" {
			t.Errorf("unexpected field mask %q", r.Header.Get("X-Goog-FieldMask"))
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["textQuery"] != "Lau Pa Sat" || body["regionCode"] != "SG" || body["languageCode"] != "en" {
			t.Errorf("unexpected body %v", body)
		}
		w.Write([]byte(`{"places":[{
			"id":"ChIJ123",
			"displayName":{"text":"Lau Pa Sat"},
			"formattedAddress":"18 Raffles Quay, Singapore",
			"location":{"latitude":1.28,"longitude":103.85},
			"types":["food_court"],
			"rating":4.3,
			"userRatingCount":1200,
			"priceLevel":"PRICE_LEVEL_INEXPENSIVE"
		}]}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "key", Endpoint: srv.URL, Client: srv.Client(), Logger: testLogger()})
	m, err := c.Lookup(context.Background(), "Lau Pa Sat")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if m == nil {
		t.Fatal("expected a match")
	}
	if m.PlaceID != "ChIJ123" || m.DisplayName != "Lau Pa Sat" {
		t.Errorf("unexpected match %+v", m)
	}
	if m.Location == nil || m.Location.Lat != 1.28 {
		t.Errorf("location not mapped: %+v", m.Location)
	}
	if m.RatingCount != 1200 || m.PriceLevel != "PRICE_LEVEL_INEXPENSIVE" {
		t.Errorf("rating fields not mapped: %+v", m)
	}
	if m.MapsURL != "https://maps.google.com/?q=place_id:ChIJ123" {
		t.Errorf("unexpected maps url %q", m.MapsURL)
	}
}

func TestLookup_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "key", Endpoint: srv.URL, Client: srv.Client(), Logger: testLogger()})
	m, err := c.Lookup(context.Background(), "nowhere")
	if err != nil || m != nil {
		t.Errorf("expected nil, nil; got %v, %v", m, err)
	}
}

func TestLookup_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(Config{APIKey: "key", Endpoint: srv.URL, Client: srv.Client(), Logger: testLogger()})
	if _, err := c.Lookup(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
}

func TestLookup_NotConfigured(t *testing.T) {
	_, err := New(Config{}).Lookup(context.Background(), "x")
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestToMatch_StripsPrefix(t *testing.T) {
	var p Place
	p.Name = "places/abc def"
	m := ToMatch(p)
	if m.PlaceID != "abc def" {
		t.Errorf("PlaceID = %q", m.PlaceID)
	}
	if m.MapsURL != "https://maps.google.com/?q=place_id:abc%20def" {
		t.Errorf("MapsURL = %q", m.MapsURL)
	}
}

func TestDisplayLine(t *testing.T) {
	m := domain.PlaceMatch{DisplayName: "Joe's Cafe", FormattedAddress: "1 Main St", MapsURL: "https://maps.google.com/?q=place_id:x"}
	if got := DisplayLine(m); got != "- Joe's Cafe — 1 Main St — https://maps.google.com/?q=place_id:x" {
		t.Errorf("got %q", got)
	}
	m.FormattedAddress = ""
	if got := DisplayLine(m); got != "- Joe's Cafe — https://maps.google.com/?q=place_id:x" {
		t.Errorf("got %q", got)
	}
}
