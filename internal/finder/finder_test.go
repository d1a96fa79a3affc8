package finder

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/time/rate"

	"github.com/bigbrotr/bigbrotr/internal/config"
	"github.com/bigbrotr/bigbrotr/internal/models"
	"github.com/bigbrotr/bigbrotr/internal/service"
)

func testFinder(cfg *Config) *Finder {
	return &Finder{
		cfg:     cfg,
		metrics: service.NewMetrics(models.ServiceFinder),
		logger:  slog.New(slog.DiscardHandler),
	}
}

func TestParseSourcePayload(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cases := []struct {
		name    string
		payload string
		want    []string
		wantErr bool
	}{
		{
			name:    "array of strings",
			payload: `["wss://a.example.com", "wss://b.example.com"]`,
			want:    []string{"wss://a.example.com", "wss://b.example.com"},
		},
		{
			name:    "array of objects",
			payload: `[{"url": "wss://a.example.com"}, {"url": ""}, {"name": "no url"}]`,
			want:    []string{"wss://a.example.com"},
		},
		{
			name:    "relays wrapper with strings",
			payload: `{"relays": ["wss://a.example.com"], "count": 1}`,
			want:    []string{"wss://a.example.com"},
		},
		{
			name:    "relays wrapper with objects",
			payload: `{"relays": [{"url": "wss://a.example.com", "network": "clearnet"}]}`,
			want:    []string{"wss://a.example.com"},
		},
		{
			name:    "empty array",
			payload: `[]`,
			want:    []string{},
		},
		{
			name:    "html error page",
			payload: `<html><body>offline</body></html>`,
			wantErr: true,
		},
		{
			name:    "object without relays",
			payload: `{"count": 3}`,
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseSourcePayload([]byte(tc.payload))

			if tc.wantErr {
				if !errors.Is(err, ErrUnrecognizedPayload) {
					t.Fatalf("expected ErrUnrecognizedPayload, got %v", err)
				}

				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if len(got) != len(tc.want) {
				t.Fatalf("got %d URLs, want %d: %v", len(got), len(tc.want), got)
			}

			for i, url := range tc.want {
				if got[i] != url {
					t.Errorf("url %d: got %q, want %q", i, got[i], url)
				}
			}
		})
	}
}

func TestExtractURLs(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cases := []struct {
		name  string
		event *nostr.Event
		want  []string
	}{
		{
			name:  "recommend relay content",
			event: &nostr.Event{Kind: 2, Content: "wss://rec.example.com"},
			want:  []string{"wss://rec.example.com"},
		},
		{
			name:  "recommend relay empty content",
			event: &nostr.Event{Kind: 2},
			want:  nil,
		},
		{
			name: "contact list relay preferences",
			event: &nostr.Event{
				Kind:    3,
				Content: `{"wss://a.example.com": {"read": true}, "wss://b.example.com": {"write": true}}`,
			},
			want: []string{"wss://a.example.com", "wss://b.example.com"},
		},
		{
			name:  "contact list with junk content",
			event: &nostr.Event{Kind: 3, Content: "just a bio"},
			want:  nil,
		},
		{
			name: "relay list r tags",
			event: &nostr.Event{
				Kind: 10002,
				Tags: nostr.Tags{
					{"r", "wss://tag.example.com", "read"},
					{"r", ""},
					{"p", "wss://ignored.example.com"},
				},
			},
			want: []string{"wss://tag.example.com"},
		},
		{
			name: "contact list with both content and tags",
			event: &nostr.Event{
				Kind:    3,
				Content: `{"wss://c.example.com": {}}`,
				Tags:    nostr.Tags{{"r", "wss://d.example.com"}},
			},
			want: []string{"wss://c.example.com", "wss://d.example.com"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := extractURLs(tc.event)

			if len(got) != len(tc.want) {
				t.Fatalf("got %d URLs, want %d: %v", len(got), len(tc.want), got)
			}

			sort.Strings(got)

			want := append([]string(nil), tc.want...)
			sort.Strings(want)

			for i, url := range want {
				if got[i] != url {
					t.Errorf("url %d: got %q, want %q", i, got[i], url)
				}
			}
		})
	}
}

func TestFetchSourceRetries(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var (
		mu     sync.Mutex
		calls  int
		accept string
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		calls++
		accept = r.Header.Get("Accept")

		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		_, _ = w.Write([]byte(`["wss://retry.example.com"]`))
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.SourceRetries = 3

	f := testFinder(cfg)
	client := &http.Client{Timeout: 5 * time.Second}
	limiter := rate.NewLimiter(rate.Limit(100), 10)

	urls, err := f.fetchSource(context.Background(), client, limiter, server.URL)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	if len(urls) != 1 || urls[0] != "wss://retry.example.com" {
		t.Errorf("unexpected URLs: %v", urls)
	}

	mu.Lock()
	defer mu.Unlock()

	if calls != 3 {
		t.Errorf("got %d requests, want 3", calls)
	}

	if accept != "application/json" {
		t.Errorf("got Accept %q, want application/json", accept)
	}
}

func TestFetchSourceExhaustsRetries(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var (
		mu    sync.Mutex
		calls int
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()

		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.SourceRetries = 1

	f := testFinder(cfg)
	client := &http.Client{Timeout: 5 * time.Second}
	limiter := rate.NewLimiter(rate.Limit(100), 10)

	if _, err := f.fetchSource(context.Background(), client, limiter, server.URL); err == nil {
		t.Fatal("expected an error after exhausting retries")
	}

	mu.Lock()
	defer mu.Unlock()

	if calls != 2 {
		t.Errorf("got %d requests, want 2", calls)
	}
}

func TestScanSourcesSkipsFailingSource(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`["wss://good.example.com"]`))
	}))
	defer good.Close()

	cfg := DefaultConfig()
	cfg.Sources = []string{bad.URL, good.URL}
	cfg.SourceRetries = 0
	cfg.RateLimit = 100
	cfg.RateBurst = 10

	f := testFinder(cfg)

	found := make(chan foundURL, 16)
	f.scanSources(context.Background(), found)
	close(found)

	var got []foundURL
	for item := range found {
		got = append(got, item)
	}

	if len(got) != 1 {
		t.Fatalf("got %d URLs, want 1: %v", len(got), got)
	}

	if got[0].url != "wss://good.example.com" || got[0].source != sourceAPI {
		t.Errorf("unexpected item: %+v", got[0])
	}
}

func TestCollect(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := int64(1700000000)

	found := make(chan foundURL, 8)
	found <- foundURL{url: "WSS://New.Example.COM/", source: sourceAPI}
	found <- foundURL{url: "wss://new.example.com", source: sourceEvents}
	found <- foundURL{url: "wss://known.example.com", source: sourceAPI}
	found <- foundURL{url: "wss://pending.example.com", source: sourceEvents}
	found <- foundURL{url: "not a relay url", source: sourceAPI}
	found <- foundURL{url: "wss://fresh.example.onion", source: sourceEvents}
	close(found)

	known := map[string]struct{}{"wss://known.example.com": {}}
	pending := map[string]struct{}{"wss://pending.example.com": {}}

	entries, fromAPI, fromEvents := collect(found, known, pending, now)

	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(entries), entries)
	}

	if entries[0].Key != "wss://new.example.com" {
		t.Errorf("got key %q, want wss://new.example.com", entries[0].Key)
	}

	if fromAPI != 1 || fromEvents != 1 {
		t.Errorf("got fromAPI=%d fromEvents=%d, want 1 and 1", fromAPI, fromEvents)
	}

	candidate, err := models.ParseCandidate(entries[1].Payload)
	if err != nil {
		t.Fatalf("failed to parse candidate payload: %v", err)
	}

	if candidate.Network != models.NetworkTor {
		t.Errorf("got network %q, want %q", candidate.Network, models.NetworkTor)
	}

	if candidate.FailedAttempts != 0 || candidate.DiscoveredAt != now {
		t.Errorf("unexpected candidate: %+v", candidate)
	}
}

func TestConfigValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:   "https source is valid",
			mutate: func(c *Config) { c.Sources = []string{"https://api.nostr.watch/v1/online"} },
		},
		{
			name:    "interval below floor",
			mutate:  func(c *Config) { c.Interval = config.Duration(10 * time.Second) },
			wantErr: service.ErrIntervalTooShort,
		},
		{
			name:    "non-http source",
			mutate:  func(c *Config) { c.Sources = []string{"ftp://files.example.com/relays"} },
			wantErr: ErrInvalidSourceURL,
		},
		{
			name:    "source without host",
			mutate:  func(c *Config) { c.Sources = []string{"https://"} },
			wantErr: ErrInvalidSourceURL,
		},
		{
			name:    "zero source timeout",
			mutate:  func(c *Config) { c.SourceTimeout = 0 },
			wantErr: ErrInvalidSourceTimeout,
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.SourceRetries = -1 },
			wantErr: ErrInvalidSourceRetries,
		},
		{
			name:    "zero rate limit",
			mutate:  func(c *Config) { c.RateLimit = 0 },
			wantErr: ErrInvalidRateLimit,
		},
		{
			name:    "zero rate burst",
			mutate:  func(c *Config) { c.RateBurst = 0 },
			wantErr: ErrInvalidRateLimit,
		},
		{
			name:    "oversized event page",
			mutate:  func(c *Config) { c.EventPageSize = 20000 },
			wantErr: ErrInvalidEventPageSize,
		},
		{
			name:    "zero event max pages",
			mutate:  func(c *Config) { c.EventMaxPages = 0 },
			wantErr: ErrInvalidEventMaxPages,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)

			err := cfg.Validate()

			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}

				return
			}

			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}
