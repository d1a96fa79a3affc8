// Package validator probes candidate relay URLs and promotes the reachable
// ones into the relay table, decaying and eventually dropping the rest.
package validator

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bigbrotr/bigbrotr/internal/models"
	"github.com/bigbrotr/bigbrotr/internal/relay"
	"github.com/bigbrotr/bigbrotr/internal/service"
	"github.com/bigbrotr/bigbrotr/internal/storage"
)

const (
	outcomePromoted = "promoted"
	outcomeRetried  = "retried"
	outcomeExpired  = "expired"
	outcomeStale    = "stale"
)

var candidateOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bigbrotr_validator_candidates_total",
		Help: "Candidate dispositions per validation cycle, by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(candidateOutcomes)
}

type candidateJob struct {
	url       string
	candidate models.Candidate
}

type probeOutcome struct {
	job candidateJob
	err error
}

// Validator owns the candidate namespace: it is the only service that
// promotes candidates to relays or removes them.
type Validator struct {
	cfg        *Config
	store      *storage.Store
	candidates *service.StateHandle
	metrics    *service.Metrics
	logger     *slog.Logger
}

// New creates a validator.
func New(cfg *Config, store *storage.Store, logger *slog.Logger) *Validator {
	return &Validator{
		cfg:        cfg,
		store:      store,
		candidates: service.NewStateHandle(store, models.ServiceValidator),
		metrics:    service.NewMetrics(models.ServiceValidator),
		logger:     logger.With(slog.String("component", "validator")),
	}
}

func (v *Validator) Name() string { return models.ServiceValidator }

func (v *Validator) Interval() time.Duration { return v.cfg.Interval.Std() }

// RunOnce runs one validation cycle: load candidates for the enabled
// networks, sample them by the selection curve, probe the sample in
// per-network pools, then promote, retry, or drop each probed candidate.
// Candidates whose URL already has a relay row are removed unprobed; the
// relay table is authoritative.
func (v *Validator) RunOnce(ctx context.Context) error {
	states, err := v.candidates.List(ctx, models.StateTypeCandidate)
	if err != nil {
		return err
	}

	known, err := v.store.RelayURLSet(ctx)
	if err != nil {
		return err
	}

	enabled := make(map[models.Network]struct{})
	for _, network := range v.cfg.EnabledNetworks() {
		enabled[network] = struct{}{}
	}

	var (
		jobs  []candidateJob
		stale []string
	)

	for _, state := range states {
		if _, ok := known[state.StateKey]; ok {
			stale = append(stale, state.StateKey)
			continue
		}

		candidate, err := models.ParseCandidate(state.Payload)
		if err != nil {
			v.logger.Warn("dropping malformed candidate",
				slog.String("url", state.StateKey),
				slog.String("error", err.Error()),
			)

			stale = append(stale, state.StateKey)

			continue
		}

		if _, ok := enabled[candidate.Network]; !ok {
			continue
		}

		jobs = append(jobs, candidateJob{url: state.StateKey, candidate: candidate})
	}

	selected := v.selectCandidates(jobs)
	outcomes := v.runPools(ctx, selected)

	now := time.Now().Unix()

	var (
		promoted []models.Relay
		retries  []service.Entry
		expired  int
	)

	removals := stale

	for _, outcome := range outcomes {
		if outcome.err == nil {
			promoted = append(promoted, models.Relay{
				URL:          outcome.job.url,
				Network:      outcome.job.candidate.Network,
				DiscoveredAt: now,
			})
			removals = append(removals, outcome.job.url)

			continue
		}

		if relay.IsCancelled(outcome.err) {
			continue
		}

		kind := string(relay.KindOf(outcome.err))
		if kind == "" {
			kind = "probe"
		}

		v.metrics.Error(kind)

		attempts := outcome.job.candidate.FailedAttempts + 1
		if attempts >= v.cfg.MaxFailedAttempts {
			removals = append(removals, outcome.job.url)
			expired++
			candidateOutcomes.WithLabelValues(outcomeExpired).Inc()

			v.logger.Debug("candidate dropped",
				slog.String("url", outcome.job.url),
				slog.Int("failed_attempts", attempts),
			)

			continue
		}

		candidate := outcome.job.candidate
		candidate.FailedAttempts = attempts

		payload, err := candidate.Marshal()
		if err != nil {
			continue
		}

		retries = append(retries, service.Entry{
			Type:      models.StateTypeCandidate,
			Key:       outcome.job.url,
			Payload:   payload,
			UpdatedAt: now,
		})
		candidateOutcomes.WithLabelValues(outcomeRetried).Inc()
	}

	if len(promoted) > 0 {
		if _, err := v.store.RelayInsert(ctx, promoted); err != nil {
			return err
		}

		candidateOutcomes.WithLabelValues(outcomePromoted).Add(float64(len(promoted)))
	}

	if len(removals) > 0 {
		if _, err := v.candidates.Delete(ctx, models.StateTypeCandidate, removals...); err != nil {
			return err
		}
	}

	if len(retries) > 0 {
		if _, err := v.candidates.Put(ctx, retries...); err != nil {
			return err
		}
	}

	if len(stale) > 0 {
		candidateOutcomes.WithLabelValues(outcomeStale).Add(float64(len(stale)))
	}

	v.logger.Info("validation cycle finished",
		slog.Int("candidates", len(states)),
		slog.Int("selected", len(selected)),
		slog.Int("promoted", len(promoted)),
		slog.Int("retried", len(retries)),
		slog.Int("expired", expired),
		slog.Int("stale", len(stale)),
	)

	return nil
}

// selectCandidates samples jobs without replacement up to the per-cycle
// cap, weighting each by the selection curve.
func (v *Validator) selectCandidates(jobs []candidateJob) []candidateJob {
	if len(jobs) == 0 {
		return nil
	}

	rand.Shuffle(len(jobs), func(i, j int) { jobs[i], jobs[j] = jobs[j], jobs[i] })

	selected := make([]candidateJob, 0, v.cfg.MaxPerCycle)

	for _, job := range jobs {
		if len(selected) == v.cfg.MaxPerCycle {
			break
		}

		if rand.Float64() < v.cfg.selectionProbability(job.candidate.FailedAttempts) {
			selected = append(selected, job)
		}
	}

	return selected
}

// runPools probes the sample with one fixed worker pool per network and
// collects every outcome. Cancellation stops feeding; running probes wind
// down through their contexts.
func (v *Validator) runPools(ctx context.Context, selected []candidateJob) []probeOutcome {
	if len(selected) == 0 {
		return nil
	}

	byNetwork := make(map[models.Network][]candidateJob)
	for _, job := range selected {
		byNetwork[job.candidate.Network] = append(byNetwork[job.candidate.Network], job)
	}

	results := make(chan probeOutcome, len(selected))

	var wg sync.WaitGroup

	for _, jobs := range byNetwork {
		queue := make(chan candidateJob)

		for range v.cfg.Workers {
			wg.Add(1)

			go func() {
				defer wg.Done()

				for job := range queue {
					results <- probeOutcome{job: job, err: v.probe(ctx, job)}
				}
			}()
		}

		wg.Add(1)

		go func(jobs []candidateJob) {
			defer wg.Done()
			defer close(queue)

			for _, job := range jobs {
				select {
				case queue <- job:
				case <-ctx.Done():
					return
				}
			}
		}(jobs)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	outcomes := make([]probeOutcome, 0, len(selected))
	for outcome := range results {
		outcomes = append(outcomes, outcome)
	}

	return outcomes
}

func (v *Validator) probe(ctx context.Context, job candidateJob) error {
	target := models.Relay{
		URL:          job.url,
		Network:      job.candidate.Network,
		DiscoveredAt: job.candidate.DiscoveredAt,
	}

	opts := relay.Options{
		Timeouts: v.cfg.Timeouts,
		Proxies:  v.cfg.Proxies,
		Logger:   v.logger,
	}

	if !v.cfg.ProbeRead {
		_, err := relay.ProbeDial(ctx, target, opts)
		return err
	}

	client, err := relay.Connect(ctx, target, opts)
	if err != nil {
		return err
	}

	defer client.Close()

	// Connect only bounds the handshake; a relay that then goes silent
	// would hold the worker without this deadline.
	readCtx, cancel := context.WithTimeout(ctx, opts.Timeouts.For(target.Network))
	defer cancel()

	_, err = client.ProbeRead(readCtx)

	return err
}
