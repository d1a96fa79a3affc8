// Package seeder loads the operator-provided seed list into the candidate
// queue so the validator can start from something.
package seeder

import (
	"context"
	"log/slog"
	"time"

	"github.com/bigbrotr/bigbrotr/internal/models"
	"github.com/bigbrotr/bigbrotr/internal/service"
	"github.com/bigbrotr/bigbrotr/internal/storage"
)

// Seeder turns a text file of relay URLs into validation candidates. It is
// typically run once per deployment; repeated runs refresh the same rows.
type Seeder struct {
	cfg        *Config
	candidates *service.StateHandle
	logger     *slog.Logger
}

// New builds a Seeder writing candidates into the validator's queue.
func New(cfg *Config, store *storage.Store, logger *slog.Logger) *Seeder {
	return &Seeder{
		cfg:        cfg,
		candidates: service.NewStateHandle(store, models.ServiceValidator),
		logger:     logger,
	}
}

// Name implements service.Service.
func (s *Seeder) Name() string {
	return models.ServiceSeeder
}

// Interval implements service.Service.
func (s *Seeder) Interval() time.Duration {
	return s.cfg.Interval.Std()
}

// RunOnce loads the seed file and upserts every URL as a validation
// candidate with zero failed attempts. The relay table is never touched;
// promotion is the validator's job.
func (s *Seeder) RunOnce(ctx context.Context) error {
	now := time.Now().Unix()

	relays, skipped, err := LoadSeedFile(s.cfg.SeedFile, now)
	if err != nil {
		return err
	}

	entries := make([]service.Entry, 0, len(relays))

	for _, relay := range relays {
		payload, err := models.NewCandidate(relay.Network, now).Marshal()
		if err != nil {
			return err
		}

		entries = append(entries, service.Entry{
			Type:      models.StateTypeCandidate,
			Key:       relay.URL,
			Payload:   payload,
			UpdatedAt: now,
		})
	}

	upserted, err := s.candidates.Put(ctx, entries...)
	if err != nil {
		return err
	}

	s.logger.Info("seed list loaded",
		slog.String("seed_file", s.cfg.SeedFile),
		slog.Int("urls", len(relays)),
		slog.Int("skipped", skipped),
		slog.Int64("upserted", upserted),
	)

	return nil
}
