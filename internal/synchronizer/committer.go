package synchronizer

import (
	"context"
	"log/slog"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bigbrotr/bigbrotr/internal/models"
	"github.com/bigbrotr/bigbrotr/internal/service"
	"github.com/bigbrotr/bigbrotr/internal/storage"
)

// flushTimeout bounds the final commit when the cycle context is already
// gone; the in-flight batch and its cursor still have to land.
const flushTimeout = 10 * time.Second

// commitStats is what one relay's committer hands back after its queue
// closes.
type commitStats struct {
	committed  int64
	newEvents  int64
	duplicates int64
	dropped    int64
	cursor     int64
	err        error
}

// committer is the store-facing half of a relay worker. It drains the
// event queue into cascade commits of batchSize and advances the relay's
// cursor after every successful batch, so a crash loses at most one
// batch's worth of progress to re-fetching.
type committer struct {
	store     *storage.Store
	states    *service.StateHandle
	target    models.Relay
	batchSize int

	// dead is closed on the first failed commit so the reader stops
	// feeding a queue nobody persists anymore.
	dead chan struct{}

	logger *slog.Logger
}

// run consumes the queue until it closes, committing full batches as they
// form and whatever remains at the end. Shutdown keeps the current batch
// and discards the rest of the queue; the discarded events are re-fetched
// next cycle where the cursor still covers them.
func (c *committer) run(ctx context.Context, since int64, queue <-chan *nostr.Event) commitStats {
	stats := commitStats{cursor: since}
	batch := make([]*nostr.Event, 0, c.batchSize)

	for event := range queue {
		if stats.err != nil {
			continue
		}

		if ctx.Err() != nil {
			stats.dropped++

			continue
		}

		batch = append(batch, event)
		if len(batch) < c.batchSize {
			continue
		}

		c.commit(ctx, batch, &stats)
		batch = batch[:0]
	}

	if stats.err == nil && len(batch) > 0 {
		c.commit(ctx, batch, &stats)
	}

	return stats
}

// commit lands one batch through the three-table cascade and persists the
// advanced cursor. The batch finishes even when the cycle is being torn
// down, on its own short deadline. A failed commit marks the committer
// dead; a failed cursor write only logs, since re-fetching already-stored
// events is absorbed by deduplication.
func (c *committer) commit(ctx context.Context, batch []*nostr.Event, stats *commitStats) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), flushTimeout)

		defer cancel()
	}

	now := time.Now().Unix()
	observations := make([]models.EventObservation, len(batch))
	cursor := stats.cursor

	for i, event := range batch {
		observations[i] = models.EventObservation{Event: event, Relay: c.target, SeenAt: now}

		if created := int64(event.CreatedAt); created > cursor {
			cursor = created
		}
	}

	counts, err := c.store.EventRelayInsertCascade(ctx, observations)
	if err != nil {
		stats.err = err
		close(c.dead)

		return
	}

	stats.committed += int64(len(batch))
	stats.newEvents += counts.Events
	stats.duplicates += int64(len(batch)) - counts.Events
	stats.cursor = cursor

	payload, err := models.SyncCursor{Since: cursor}.Marshal()
	if err != nil {
		return
	}

	entry := service.Entry{
		Type:      models.StateTypeCursor,
		Key:       c.target.URL,
		Payload:   payload,
		UpdatedAt: now,
	}

	if _, err := c.states.Put(ctx, entry); err != nil {
		c.logger.Warn("sync cursor persist failed",
			slog.String("url", c.target.URL),
			slog.String("error", err.Error()),
		)
	}
}
