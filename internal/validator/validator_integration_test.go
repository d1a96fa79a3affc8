package validator

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/testcontainers/testcontainers-go"

	"github.com/bigbrotr/bigbrotr/internal/models"
	"github.com/bigbrotr/bigbrotr/internal/service"
	"github.com/bigbrotr/bigbrotr/internal/storage"
	"github.com/bigbrotr/bigbrotr/internal/testutil"
)

func setupStore(t *testing.T) *storage.Store {
	t.Helper()

	ctx := context.Background()
	testDB := testutil.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	logger := slog.New(slog.DiscardHandler)

	cfg := storage.LoadConfig()
	cfg.URL = testDB.ConnStr

	conn, err := storage.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	t.Cleanup(func() { _ = conn.Close() })

	store, err := storage.NewStore(conn, logger)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	return store
}

// acceptingRelay serves a minimal relay that answers every REQ with an
// immediate EOSE, which is all the read probe needs.
func acceptingRelay(t *testing.T) string {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		defer func() { _ = conn.Close() }()

		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}

			req, ok := nostr.ParseMessage(string(payload)).(*nostr.ReqEnvelope)
			if !ok {
				continue
			}

			eose := nostr.EOSEEnvelope(req.SubscriptionID)

			data, err := eose.MarshalJSON()
			if err != nil {
				continue
			}

			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}))

	t.Cleanup(server.Close)

	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// deterministicConfig disables the probabilistic selection so every
// candidate is probed every cycle.
func deterministicConfig() *Config {
	cfg := DefaultConfig()
	cfg.BaseP = 1
	cfg.PMin = 1
	cfg.Decay = 1
	cfg.MaxFailedAttempts = 3

	return cfg
}

func putCandidate(t *testing.T, handle *service.StateHandle, url string, discoveredAt int64) {
	t.Helper()

	payload, err := models.NewCandidate(models.NetworkClearnet, discoveredAt).Marshal()
	if err != nil {
		t.Fatalf("failed to marshal candidate: %v", err)
	}

	_, err = handle.Put(context.Background(), service.Entry{
		Type:      models.StateTypeCandidate,
		Key:       url,
		Payload:   payload,
		UpdatedAt: discoveredAt,
	})
	if err != nil {
		t.Fatalf("failed to put candidate: %v", err)
	}
}

func TestValidatorPromotes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupStore(t)
	ctx := context.Background()

	url := acceptingRelay(t)
	discoveredAt := time.Now().Add(-time.Hour).Unix()

	candidates := service.NewStateHandle(store, models.ServiceValidator)
	putCandidate(t, candidates, url, discoveredAt)

	v := New(deterministicConfig(), store, slog.New(slog.DiscardHandler))

	if err := v.RunOnce(ctx); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	known, err := store.RelayURLSet(ctx)
	if err != nil {
		t.Fatalf("failed to load relay URLs: %v", err)
	}

	if _, ok := known[url]; !ok {
		t.Errorf("relay %s was not promoted", url)
	}

	state, err := candidates.Get(ctx, models.StateTypeCandidate, url)
	if err != nil {
		t.Fatalf("failed to read candidate: %v", err)
	}

	if state != nil {
		t.Error("candidate row survived promotion")
	}

	relays, err := store.RelayAll(ctx, []models.Network{models.NetworkClearnet})
	if err != nil {
		t.Fatalf("failed to list relays: %v", err)
	}

	var found bool

	for _, r := range relays {
		if r.URL == url {
			found = true

			if r.Network != models.NetworkClearnet {
				t.Errorf("got network %q, want %q", r.Network, models.NetworkClearnet)
			}

			if r.DiscoveredAt <= discoveredAt {
				t.Errorf("discovered_at %d not refreshed at promotion", r.DiscoveredAt)
			}
		}
	}

	if !found {
		t.Errorf("promoted relay %s not listed", url)
	}
}

func TestValidatorDecays(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupStore(t)
	ctx := context.Background()

	url := "ws://127.0.0.1:1"

	candidates := service.NewStateHandle(store, models.ServiceValidator)
	putCandidate(t, candidates, url, time.Now().Unix())

	cfg := deterministicConfig()
	v := New(cfg, store, slog.New(slog.DiscardHandler))

	for cycle := 1; cycle <= cfg.MaxFailedAttempts; cycle++ {
		if err := v.RunOnce(ctx); err != nil {
			t.Fatalf("cycle %d failed: %v", cycle, err)
		}

		state, err := candidates.Get(ctx, models.StateTypeCandidate, url)
		if err != nil {
			t.Fatalf("failed to read candidate: %v", err)
		}

		if cycle < cfg.MaxFailedAttempts {
			if state == nil {
				t.Fatalf("candidate dropped after only %d failed attempts", cycle)
			}

			candidate, err := models.ParseCandidate(state.Payload)
			if err != nil {
				t.Fatalf("failed to parse candidate: %v", err)
			}

			if candidate.FailedAttempts != cycle {
				t.Errorf("cycle %d: got %d failed attempts", cycle, candidate.FailedAttempts)
			}

			continue
		}

		if state != nil {
			t.Fatal("candidate survived the final failed attempt")
		}
	}

	known, err := store.RelayURLSet(ctx)
	if err != nil {
		t.Fatalf("failed to load relay URLs: %v", err)
	}

	if _, ok := known[url]; ok {
		t.Error("unreachable candidate was promoted")
	}
}

func TestValidatorRemovesStaleCandidate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupStore(t)
	ctx := context.Background()

	archived, err := models.NewRelay("wss://already.example.com", time.Now().Unix())
	if err != nil {
		t.Fatalf("failed to build relay: %v", err)
	}

	if _, err := store.RelayInsert(ctx, []models.Relay{archived}); err != nil {
		t.Fatalf("failed to insert relay: %v", err)
	}

	candidates := service.NewStateHandle(store, models.ServiceValidator)
	putCandidate(t, candidates, archived.URL, time.Now().Unix())

	v := New(deterministicConfig(), store, slog.New(slog.DiscardHandler))

	if err := v.RunOnce(ctx); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	state, err := candidates.Get(ctx, models.StateTypeCandidate, archived.URL)
	if err != nil {
		t.Fatalf("failed to read candidate: %v", err)
	}

	if state != nil {
		t.Error("stale candidate survived the cycle")
	}

	known, err := store.RelayURLSet(ctx)
	if err != nil {
		t.Fatalf("failed to load relay URLs: %v", err)
	}

	if _, ok := known[archived.URL]; !ok {
		t.Error("relay row disappeared")
	}
}
