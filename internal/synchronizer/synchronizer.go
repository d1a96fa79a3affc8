// Package synchronizer archives events from relays the monitor recently
// saw answering read probes. Each relay is walked from its persisted
// cursor to now through a splitting time-window scan, so histories deeper
// than one subscription page are still drained completely.
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bigbrotr/bigbrotr/internal/models"
	"github.com/bigbrotr/bigbrotr/internal/relay"
	"github.com/bigbrotr/bigbrotr/internal/service"
	"github.com/bigbrotr/bigbrotr/internal/storage"
)

const (
	outcomeReceived  = "received"
	outcomeNew       = "new"
	outcomeDuplicate = "duplicate"
	outcomeInvalid   = "invalid"
	outcomeDropped   = "dropped"
)

var eventOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bigbrotr_synchronizer_events_total",
		Help: "Events handled per synchronization cycle, by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(eventOutcomes)
}

var (
	errCommitterDead   = errors.New("committer stopped after a failed batch")
	errWindowIdle      = errors.New("relay went quiet before EOSE")
	errBudgetExhausted = errors.New("relay budget exhausted")
)

// relayResult is the accounting one worker hands back for one relay.
type relayResult struct {
	url        string
	received   int64
	committed  int64
	newEvents  int64
	duplicates int64
	dropped    int64
	invalid    int64
	windows    int
	err        error
}

// Synchronizer owns the event and event_relay tables plus its own cursor
// namespace; no other service writes them.
type Synchronizer struct {
	cfg     *Config
	store   *storage.Store
	cursors *service.StateHandle
	metrics *service.Metrics
	logger  *slog.Logger
}

// New creates a synchronizer.
func New(cfg *Config, store *storage.Store, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		cfg:     cfg,
		store:   store,
		cursors: service.NewStateHandle(store, models.ServiceSynchronizer),
		metrics: service.NewMetrics(models.ServiceSynchronizer),
		logger:  logger.With(slog.String("component", "synchronizer")),
	}
}

func (s *Synchronizer) Name() string { return models.ServiceSynchronizer }

func (s *Synchronizer) Interval() time.Duration { return s.cfg.Interval.Std() }

// RunOnce runs one archival cycle: pick the target relays, walk each one
// in per-network pools, and aggregate the accounting. A broken relay
// costs only its own worker slot; the cycle fails only when the store
// cannot even produce the target set.
func (s *Synchronizer) RunOnce(ctx context.Context) error {
	networks := s.cfg.EnabledNetworks()

	targets, err := s.store.SyncTargets(ctx, s.cfg.Freshness.Std(), networks)
	if err != nil {
		return err
	}

	if len(targets) == 0 {
		// No monitor verdicts yet, so every known relay is worth a try.
		targets, err = s.store.RelayAll(ctx, networks)
		if err != nil {
			return err
		}
	}

	if len(targets) == 0 {
		s.logger.Info("no relays to synchronize")

		return nil
	}

	results := s.runPools(ctx, targets)

	var totals relayResult

	failed := 0

	for _, res := range results {
		totals.received += res.received
		totals.committed += res.committed
		totals.newEvents += res.newEvents
		totals.duplicates += res.duplicates
		totals.dropped += res.dropped
		totals.invalid += res.invalid
		totals.windows += res.windows

		if res.err == nil || relay.IsCancelled(res.err) {
			continue
		}

		failed++

		kind := string(relay.KindOf(res.err))
		if kind == "" {
			kind = "sync"
		}

		s.metrics.Error(kind)

		s.logger.Warn("relay synchronization failed",
			slog.String("url", res.url),
			slog.String("error", res.err.Error()),
		)
	}

	eventOutcomes.WithLabelValues(outcomeReceived).Add(float64(totals.received))
	eventOutcomes.WithLabelValues(outcomeNew).Add(float64(totals.newEvents))
	eventOutcomes.WithLabelValues(outcomeDuplicate).Add(float64(totals.duplicates))
	eventOutcomes.WithLabelValues(outcomeInvalid).Add(float64(totals.invalid))
	eventOutcomes.WithLabelValues(outcomeDropped).Add(float64(totals.dropped))

	s.logger.Info("synchronization cycle finished",
		slog.Int("relays", len(targets)),
		slog.Int("failed", failed),
		slog.Int("windows", totals.windows),
		slog.Int64("events_received", totals.received),
		slog.Int64("events_new", totals.newEvents),
		slog.Int64("events_duplicate", totals.duplicates),
		slog.Int64("events_dropped", totals.dropped),
	)

	return nil
}

// runPools walks the targets with one fixed worker pool per network.
// Cancellation stops feeding; workers wind down after their current
// relay.
func (s *Synchronizer) runPools(ctx context.Context, targets []models.Relay) []relayResult {
	byNetwork := make(map[models.Network][]models.Relay)
	for _, target := range targets {
		byNetwork[target.Network] = append(byNetwork[target.Network], target)
	}

	results := make(chan relayResult, len(targets))

	var wg sync.WaitGroup

	for _, relays := range byNetwork {
		queue := make(chan models.Relay)

		for range s.cfg.Workers {
			wg.Add(1)

			go func() {
				defer wg.Done()

				for target := range queue {
					results <- s.syncRelay(ctx, target)
				}
			}()
		}

		wg.Add(1)

		go func(relays []models.Relay) {
			defer wg.Done()
			defer close(queue)

			for _, target := range relays {
				select {
				case queue <- target:
				case <-ctx.Done():
					return
				}
			}
		}(relays)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	collected := make([]relayResult, 0, len(targets))
	for res := range results {
		collected = append(collected, res)
	}

	return collected
}

// syncRelay walks one relay's history from its cursor to now. The reader
// half drains subscription windows into a bounded queue; the committer
// half lands batches and advances the cursor. The two halves meet only at
// the queue, so a slow store pushes back on the socket instead of growing
// memory.
func (s *Synchronizer) syncRelay(ctx context.Context, target models.Relay) relayResult {
	res := relayResult{url: target.URL}
	since := s.loadCursor(ctx, target.URL)

	budgetCtx, cancel := context.WithTimeout(ctx, s.cfg.RelayBudget.Std())
	defer cancel()

	client, err := relay.Connect(budgetCtx, target, relay.Options{
		Timeouts: s.cfg.Timeouts,
		Proxies:  s.cfg.Proxies,
		Logger:   s.logger,
	})
	if err != nil {
		res.err = err

		return res
	}

	defer client.Close()

	queue := make(chan *nostr.Event, s.cfg.QueueCap)
	dead := make(chan struct{})

	com := &committer{
		store:     s.store,
		states:    s.cursors,
		target:    target,
		batchSize: s.cfg.BatchSize,
		dead:      dead,
		logger:    s.logger,
	}

	done := make(chan commitStats, 1)

	go func() {
		done <- com.run(ctx, since, queue)
	}()

	windows := []window{{Since: since, Until: time.Now().Unix()}}

	for len(windows) > 0 {
		w := windows[len(windows)-1]
		windows = windows[:len(windows)-1]

		stamps, err := s.drainWindow(budgetCtx, client, w, queue, dead, &res)
		if err != nil {
			res.err = err

			break
		}

		res.windows++

		if len(stamps) < s.cfg.PageLimit {
			continue
		}

		if lower, ok := splitWindow(w, stamps); ok {
			windows = append(windows, lower)
		}
	}

	close(queue)

	stats := <-done
	res.committed = stats.committed
	res.newEvents = stats.newEvents
	res.duplicates = stats.duplicates
	res.dropped += stats.dropped
	res.invalid = client.InvalidEvents()

	if stats.err != nil {
		// A store failure outranks whatever the reader tripped on.
		res.err = stats.err
	}

	if res.err != nil && ctx.Err() == nil && errors.Is(res.err, context.DeadlineExceeded) {
		res.err = fmt.Errorf("%w after %s: %w", errBudgetExhausted, s.cfg.RelayBudget.Std(), res.err)
	}

	if res.err == nil || relay.IsCancelled(res.err) {
		s.logger.Debug("relay synchronized",
			slog.String("url", target.URL),
			slog.Int("windows", res.windows),
			slog.Int64("received", res.received),
			slog.Int64("committed", res.committed),
		)
	}

	return res
}

// loadCursor reads the relay's persisted cursor, treating a missing or
// unreadable row as the beginning of time.
func (s *Synchronizer) loadCursor(ctx context.Context, url string) int64 {
	state, err := s.cursors.Get(ctx, models.StateTypeCursor, url)
	if err != nil {
		s.logger.Warn("sync cursor read failed, rescanning from zero",
			slog.String("url", url),
			slog.String("error", err.Error()),
		)

		return 0
	}

	if state == nil {
		return 0
	}

	cursor, err := models.ParseSyncCursor(state.Payload)
	if err != nil {
		s.logger.Warn("malformed sync cursor, rescanning from zero",
			slog.String("url", url),
			slog.String("error", err.Error()),
		)

		return 0
	}

	return cursor.Since
}

// drainWindow subscribes to one window and forwards its events to the
// committer queue until EOSE, a full page, or trouble. It returns the
// created_at stamps of everything the relay delivered, full-page split
// math being about what the relay returned rather than what survived
// filtering.
func (s *Synchronizer) drainWindow(
	ctx context.Context,
	client *relay.Client,
	w window,
	queue chan<- *nostr.Event,
	dead <-chan struct{},
	res *relayResult,
) ([]int64, error) {
	sinceTS := nostr.Timestamp(w.Since)
	untilTS := nostr.Timestamp(w.Until)

	sub, err := client.Subscribe(ctx, nostr.Filters{{
		Kinds: s.cfg.Kinds,
		Since: &sinceTS,
		Until: &untilTS,
		Limit: s.cfg.PageLimit,
	}})
	if err != nil {
		return nil, err
	}

	defer sub.Unsub()

	idle := time.NewTimer(s.cfg.IdleTimeout.Std())
	defer idle.Stop()

	var stamps []int64

	take := func(event *nostr.Event) error {
		res.received++
		stamps = append(stamps, clampStamp(int64(event.CreatedAt), w))

		if !s.keep(event) {
			return nil
		}

		return s.enqueue(ctx, event, queue, dead, res)
	}

	for {
		select {
		case event := <-sub.Events:
			if err := take(event); err != nil {
				return stamps, err
			}

			if len(stamps) >= s.cfg.PageLimit {
				return stamps, nil
			}

			idle.Reset(s.cfg.IdleTimeout.Std())

		case <-sub.EOSE:
			// Events buffered before EOSE fired may still be pending.
			for {
				select {
				case event := <-sub.Events:
					if err := take(event); err != nil {
						return stamps, err
					}

					if len(stamps) >= s.cfg.PageLimit {
						return stamps, nil
					}
				default:
					return stamps, nil
				}
			}

		case reason := <-sub.Closed:
			return stamps, &relay.NetError{
				Kind: relay.KindProtocol,
				Op:   "sync",
				URL:  client.URL,
				Err:  fmt.Errorf("%w: %s", relay.ErrSubscriptionClosed, reason),
			}

		case <-client.Done():
			return stamps, &relay.NetError{
				Kind: relay.KindTransientNet,
				Op:   "sync",
				URL:  client.URL,
				Err:  relay.ErrConnectionClosed,
			}

		case <-dead:
			return stamps, errCommitterDead

		case <-idle.C:
			return stamps, &relay.NetError{
				Kind: relay.KindTransientNet,
				Op:   "sync",
				URL:  client.URL,
				Err:  errWindowIdle,
			}

		case <-ctx.Done():
			return stamps, ctx.Err()
		}
	}
}

// keep filters what the wire filter could not: with no kind constraint
// configured, ephemeral events are dropped on arrival.
func (s *Synchronizer) keep(event *nostr.Event) bool {
	if len(s.cfg.Kinds) > 0 {
		return true
	}

	return models.CategorizeKind(event.Kind) != models.KindEphemeral
}

// enqueue hands one event to the committer. With a full queue it either
// blocks until the committer catches up, pushing back on the socket, or
// drops the event and counts it, per configuration.
func (s *Synchronizer) enqueue(
	ctx context.Context,
	event *nostr.Event,
	queue chan<- *nostr.Event,
	dead <-chan struct{},
	res *relayResult,
) error {
	if s.cfg.DropOnOverflow {
		select {
		case queue <- event:
		default:
			res.dropped++
		}

		return nil
	}

	select {
	case queue <- event:
		return nil
	case <-dead:
		return errCommitterDead
	case <-ctx.Done():
		return ctx.Err()
	}
}
