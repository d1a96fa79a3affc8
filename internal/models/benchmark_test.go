package models

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func Benchmark_CanonicalJSON(b *testing.B) {
	if !testing.Short() {
		b.Skip("skipping benchmark in non-short mode")
	}

	// Shaped like a typical NIP-11 information document, the largest input
	// this function sees in practice.
	doc := map[string]any{
		"name":           "benchmark.relay.example",
		"description":    "a relay information document used to measure canonicalization",
		"pubkey":         "aa4fc8665f5696e33db7e1a572e3b0f5b3d615837b0f362dcb1c8068b098c7b4",
		"contact":        "mailto:admin@relay.example",
		"supported_nips": []int{1, 2, 4, 9, 11, 12, 15, 16, 20, 22, 28, 33, 40, 66},
		"software":       "git+https://github.com/example/relay",
		"version":        "0.9.12",
		"limitation": map[string]any{
			"max_message_length": 524288,
			"max_subscriptions":  20,
			"max_limit":          5000,
			"auth_required":      false,
			"payment_required":   false,
		},
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := CanonicalJSON(doc); err != nil {
			b.Fatalf("CanonicalJSON returned error: %v", err)
		}
	}
}

func Benchmark_ContentAddress(b *testing.B) {
	if !testing.Short() {
		b.Skip("skipping benchmark in non-short mode")
	}

	doc := map[string]any{
		"rtt_dial":  412,
		"rtt_read":  380,
		"rtt_write": 455,
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		canonical, err := CanonicalJSON(doc)
		if err != nil {
			b.Fatalf("CanonicalJSON returned error: %v", err)
		}

		_ = HashSHA256(canonical)
	}
}

func Benchmark_TagValues(b *testing.B) {
	if !testing.Short() {
		b.Skip("skipping benchmark in non-short mode")
	}

	tags := nostr.Tags{
		{"e", "5c83da77af1dec6d7289834998ad7aafbd9e2191396d75ec3cc27f5a77226f36", "wss://relay.example"},
		{"p", "f7234bd4c1394dda46d09f35bd384dd30cc552ad5541990f98844fb06676e9ca"},
		{"r", "wss://relay.example"},
		{"subject", "not indexed, key is longer than one character"},
		{"t", "nostr"},
		{"d", "identifier"},
		{"a", "30023:f7234bd4c1394dda46d09f35bd384dd30cc552ad5541990f98844fb06676e9ca:identifier"},
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = TagValues(tags)
	}
}

func Benchmark_NormalizeURL(b *testing.B) {
	if !testing.Short() {
		b.Skip("skipping benchmark in non-short mode")
	}

	urls := []string{
		"WSS://Relay.Example.COM:443/",
		"ws://relay.example.com:80/path/",
		"wss://みんな.example/",
		"wss://relay.example.onion",
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		for _, raw := range urls {
			if _, err := NormalizeURL(raw); err != nil {
				b.Fatalf("NormalizeURL(%q) returned error: %v", raw, err)
			}
		}
	}
}
