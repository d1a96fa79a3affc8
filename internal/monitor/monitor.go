// Package monitor keeps fresh NIP-11 and NIP-66 observations for every
// archived relay, stores them content-addressed, and optionally announces
// them as signed NIP-66 events.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
	"github.com/oschwald/geoip2-golang"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bigbrotr/bigbrotr/internal/models"
	"github.com/bigbrotr/bigbrotr/internal/relay"
	"github.com/bigbrotr/bigbrotr/internal/service"
	"github.com/bigbrotr/bigbrotr/internal/storage"
)

var checkFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bigbrotr_monitor_check_failures_total",
		Help: "Checks that produced an error document instead of a result, by check type.",
	},
	[]string{"check"},
)

func init() {
	prometheus.MustRegister(checkFailures)
}

// metadataCommitBatch caps how many observations go into one cascade
// transaction, keeping commits short the same way cleanup deletes are
// batched.
var metadataCommitBatch = 500

// relayReport is one relay's cycle output: the observations to store plus
// the typed results the publisher needs.
type relayReport struct {
	target       models.Relay
	rtt          *rttDoc
	info         *nip11.RelayInformationDocument
	observations []models.MetadataObservation
}

// Monitor runs the configured checks against every relay on the enabled
// networks and persists the results through the metadata cascade.
type Monitor struct {
	cfg     *Config
	store   *storage.Store
	metrics *service.Metrics
	logger  *slog.Logger

	geoCity *geoip2.Reader
	geoASN  *geoip2.Reader

	writeKey  string
	publisher *publisher
}

// New creates a monitor. The GeoLite2 databases are opened here so a bad
// path fails startup, not the first cycle; same for a malformed private
// key in the configured environment variable.
func New(cfg *Config, store *storage.Store, logger *slog.Logger) (*Monitor, error) {
	m := &Monitor{
		cfg:     cfg,
		store:   store,
		metrics: service.NewMetrics(models.ServiceMonitor),
		logger:  logger.With(slog.String("component", "monitor")),
	}

	geoEnabled := false

	for _, checkType := range cfg.ComputedChecks() {
		if checkType == models.MetadataNIP66GEO {
			geoEnabled = true
			break
		}
	}

	if geoEnabled {
		if cfg.GeoCityPath != "" {
			reader, err := geoip2.Open(cfg.GeoCityPath)
			if err != nil {
				return nil, fmt.Errorf("failed to open geoip city database: %w", err)
			}

			m.geoCity = reader
		}

		if cfg.GeoASNPath != "" {
			reader, err := geoip2.Open(cfg.GeoASNPath)
			if err != nil {
				m.Close()
				return nil, fmt.Errorf("failed to open geoip asn database: %w", err)
			}

			m.geoASN = reader
		}
	}

	secretKey := ""
	if cfg.PrivateKeyEnv != "" {
		secretKey = os.Getenv(cfg.PrivateKeyEnv)
	}

	if secretKey != "" {
		if _, err := nostr.GetPublicKey(secretKey); err != nil {
			m.Close()
			return nil, fmt.Errorf("invalid private key in %s: %w", cfg.PrivateKeyEnv, err)
		}
	}

	// The write probe needs a signing key even when publishing is off; an
	// ephemeral one serves.
	m.writeKey = secretKey
	if m.writeKey == "" {
		m.writeKey = nostr.GeneratePrivateKey()
	}

	if secretKey != "" && len(cfg.PublishRelays) > 0 {
		targets := make([]models.Relay, 0, len(cfg.PublishRelays))

		for _, raw := range cfg.PublishRelays {
			target, err := models.NewRelay(raw, time.Now().Unix())
			if err != nil {
				m.Close()
				return nil, fmt.Errorf("%w: %q: %w", ErrInvalidPublishRelay, raw, err)
			}

			targets = append(targets, target)
		}

		pubOpts := m.opts()
		pubOpts.AuthSigner = authSigner(secretKey)

		m.publisher = &publisher{
			secretKey: secretKey,
			targets:   targets,
			opts:      pubOpts,
			frequency: cfg.Interval.Std(),
			checks:    cfg.ComputedChecks(),
			logger:    m.logger,
		}
	}

	return m, nil
}

// Close releases the GeoLite2 readers.
func (m *Monitor) Close() {
	if m.geoCity != nil {
		_ = m.geoCity.Close()
		m.geoCity = nil
	}

	if m.geoASN != nil {
		_ = m.geoASN.Close()
		m.geoASN = nil
	}
}

func (m *Monitor) Name() string { return models.ServiceMonitor }

func (m *Monitor) Interval() time.Duration { return m.cfg.Interval.Std() }

func (m *Monitor) opts() relay.Options {
	return relay.Options{
		Timeouts: m.cfg.Timeouts,
		Proxies:  m.cfg.Proxies,
		Logger:   m.logger,
	}
}

/// RunOnce runs one monitoring cycle: check every relay on the enabled
// networks in per-network pools, persist the stored subset through the
// cascade, publish NIP-66 events when configured, then apply retention and
// orphan cleanup.
func (m *Monitor) RunOnce(ctx context.Context) error {
	relays, err := m.store.RelayAll(ctx, m.cfg.EnabledNetworks())
	if err != nil {
		return err
	}

	var (
		observations []models.MetadataObservation
		counts       storage.CascadeCounts
		published    int
	)

	if len(relays) > 0 {
		reports := m.runPools(ctx, relays)

		for _, report := range reports {
			observations = append(observations, report.observations...)
		}

		for start := 0; start < len(observations); start += metadataCommitBatch {
			end := min(start+metadataCommitBatch, len(observations))

			batch, err := m.store.RelayMetadataInsertCascade(ctx, observations[start:end])
			if err != nil {
				return err
			}

			counts.Relays += batch.Relays
			counts.Metadata += batch.Metadata
			counts.Junctions += batch.Junctions
		}

		if m.publisher != nil && ctx.Err() == nil {
			published = m.publisher.run(ctx, reports)
		}
	}

	var expired, orphans int64

	if m.cfg.Retention.Std() > 0 {
		expired, err = m.store.RelayMetadataDeleteExpired(ctx, m.cfg.Retention.Std(), m.cfg.CleanupBatch)
		if err != nil {
			return err
		}

		orphans, err = m.store.OrphanMetadataDelete(ctx, m.cfg.CleanupBatch)
		if err != nil {
			return err
		}
	}

	m.logger.Info("monitoring cycle finished",
		slog.Int("relays", len(relays)),
		slog.Int("observations", len(observations)),
		slog.Int64("new_metadata", counts.Metadata),
		slog.Int64("new_links", counts.Junctions),
		slog.Int("published", published),
		slog.Int64("expired", expired),
		slog.Int64("orphans", orphans),
	)

	return nil
}

// runPools checks every relay with one fixed worker pool per network.
func (m *Monitor) runPools(ctx context.Context, relays []models.Relay) []relayReport {
	byNetwork := make(map[models.Network][]models.Relay)
	for _, target := range relays {
		byNetwork[target.Network] = append(byNetwork[target.Network], target)
	}

	results := make(chan relayReport, len(relays))

	var wg sync.WaitGroup

	for _, targets := range byNetwork {
		queue := make(chan models.Relay)

		for range m.cfg.Workers {
			wg.Add(1)

			go func() {
				defer wg.Done()

				for target := range queue {
					results <- m.checkRelay(ctx, target)
				}
			}()
		}

		wg.Add(1)

		go func(targets []models.Relay) {
			defer wg.Done()
			defer close(queue)

			for _, target := range targets {
				select {
				case queue <- target:
				case <-ctx.Done():
					return
				}
			}
		}(targets)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	reports := make([]relayReport, 0, len(relays))
	for report := range results {
		reports = append(reports, report)
	}

	return reports
}

// checkRelay runs the computed checks against one relay. A failed check
// becomes an error document; a skipped or cancelled check produces
// nothing. Only the stored subset turns into observations.
func (m *Monitor) checkRelay(ctx context.Context, target models.Relay) relayReport {
	report := relayReport{target: target}
	stored := m.cfg.StoredChecks()
	now := time.Now().Unix()

	for _, checkType := range m.cfg.ComputedChecks() {
		doc, err := m.runCheck(ctx, checkType, target)

		switch {
		case err == nil:
		case errors.Is(err, errSkipCheck) || relay.IsCancelled(err):
			continue
		default:
			kind := string(relay.KindOf(err))
			if kind == "" {
				kind = "check"
			}

			m.metrics.Error(kind)
			checkFailures.WithLabelValues(string(checkType)).Inc()

			doc = errorDoc{Error: err.Error()}
		}

		switch typed := doc.(type) {
		case rttDoc:
			report.rtt = &typed
		case *nip11.RelayInformationDocument:
			report.info = typed
		}

		if _, ok := stored[checkType]; !ok {
			continue
		}

		metadata, err := models.NewMetadata(checkType, doc)
		if err != nil {
			m.logger.Warn("failed to encode check result",
				slog.String("relay", target.URL),
				slog.String("check", string(checkType)),
				slog.String("error", err.Error()),
			)

			continue
		}

		report.observations = append(report.observations, models.MetadataObservation{
			Relay:       target,
			Metadata:    metadata,
			GeneratedAt: now,
		})
	}

	return report
}
