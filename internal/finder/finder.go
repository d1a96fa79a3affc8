// Package finder discovers relay candidates from public relay directories
// and from relay references inside the archived event stream, handing them
// to the validator as candidate state.
package finder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bigbrotr/bigbrotr/internal/models"
	"github.com/bigbrotr/bigbrotr/internal/service"
	"github.com/bigbrotr/bigbrotr/internal/storage"
)

const (
	sourceAPI    = "api"
	sourceEvents = "events"

	foundBuffer = 256
)

var candidatesFound = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bigbrotr_finder_candidates_total",
		Help: "New relay candidates discovered, by source.",
	},
	[]string{"source"},
)

func init() {
	prometheus.MustRegister(candidatesFound)
}

type foundURL struct {
	url    string
	source string
}

// Finder scans external directories and archived events for relay URLs
// that are neither archived relays nor pending candidates yet.
type Finder struct {
	cfg        *Config
	store      *storage.Store
	candidates *service.StateHandle
	states     *service.StateHandle
	metrics    *service.Metrics
	logger     *slog.Logger
}

// New creates a finder. Discovered candidates are written into the
// validator's state namespace; the event scan cursor stays in the
// finder's own.
func New(cfg *Config, store *storage.Store, logger *slog.Logger) *Finder {
	return &Finder{
		cfg:        cfg,
		store:      store,
		candidates: service.NewStateHandle(store, models.ServiceValidator),
		states:     service.NewStateHandle(store, models.ServiceFinder),
		metrics:    service.NewMetrics(models.ServiceFinder),
		logger:     logger.With(slog.String("component", "finder")),
	}
}

func (f *Finder) Name() string { return models.ServiceFinder }

func (f *Finder) Interval() time.Duration { return f.cfg.Interval.Std() }

// RunOnce runs one discovery cycle. The API scan and the event scan feed a
// shared stream; URLs are normalized, deduplicated, and filtered against
// archived relays and pending candidates before being upserted. The event
// cursor is persisted only after the upsert succeeds, so a failed cycle
// rescans the same window.
func (f *Finder) RunOnce(ctx context.Context) error {
	now := time.Now().Unix()

	known, err := f.store.RelayURLSet(ctx)
	if err != nil {
		return err
	}

	existing, err := f.candidates.List(ctx, models.StateTypeCandidate)
	if err != nil {
		return err
	}

	pending := make(map[string]struct{}, len(existing))
	for _, state := range existing {
		pending[state.StateKey] = struct{}{}
	}

	found := make(chan foundURL, foundBuffer)

	var (
		wg      sync.WaitGroup
		scanRes eventScanResult
	)

	wg.Add(2)

	go func() {
		defer wg.Done()
		f.scanSources(ctx, found)
	}()

	go func() {
		defer wg.Done()
		scanRes = f.scanEvents(ctx, found)
	}()

	go func() {
		wg.Wait()
		close(found)
	}()

	entries, fromAPI, fromEvents := collect(found, known, pending, now)

	upserted, err := f.candidates.Put(ctx, entries...)
	if err != nil {
		return err
	}

	if scanRes.pages > 0 {
		if err := f.saveCursor(ctx, scanRes.cursor, now); err != nil {
			return err
		}
	}

	candidatesFound.WithLabelValues(sourceAPI).Add(float64(fromAPI))
	candidatesFound.WithLabelValues(sourceEvents).Add(float64(fromEvents))

	f.logger.Info("discovery cycle finished",
		slog.Int("from_api", fromAPI),
		slog.Int("from_events", fromEvents),
		slog.Int("scanned_pages", scanRes.pages),
		slog.Int64("new_candidates", upserted),
	)

	return scanRes.err
}

// collect drains the stream of raw URLs into candidate entries. Within a
// cycle the first occurrence of a normalized URL wins; URLs already
// archived or already pending are dropped.
func collect(found <-chan foundURL, known, pending map[string]struct{}, now int64) ([]service.Entry, int, int) {
	var (
		entries    []service.Entry
		fromAPI    int
		fromEvents int
	)

	seen := make(map[string]struct{})

	for item := range found {
		relay, err := models.NewRelay(item.url, now)
		if err != nil {
			continue
		}

		if _, dup := seen[relay.URL]; dup {
			continue
		}

		seen[relay.URL] = struct{}{}

		if _, ok := known[relay.URL]; ok {
			continue
		}

		if _, ok := pending[relay.URL]; ok {
			continue
		}

		payload, err := models.NewCandidate(relay.Network, now).Marshal()
		if err != nil {
			continue
		}

		entries = append(entries, service.Entry{
			Type:      models.StateTypeCandidate,
			Key:       relay.URL,
			Payload:   payload,
			UpdatedAt: now,
		})

		switch item.source {
		case sourceAPI:
			fromAPI++
		case sourceEvents:
			fromEvents++
		}
	}

	return entries, fromAPI, fromEvents
}

func (f *Finder) saveCursor(ctx context.Context, cursor models.EventScanCursor, now int64) error {
	payload, err := cursor.Marshal()
	if err != nil {
		return err
	}

	_, err = f.states.Put(ctx, service.Entry{
		Type:      models.StateTypeCursor,
		Key:       models.EventScanCursorKey,
		Payload:   payload,
		UpdatedAt: now,
	})

	return err
}
