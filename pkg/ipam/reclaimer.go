package ipam

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-ipam/pkg/engine"
	"github.com/openfroyo/froyo-ipam/pkg/stores"
	"github.com/openfroyo/froyo-ipam/pkg/telemetry"
)

// Reclaimer returns RELEASED records to AVAILABLE once they have been
// released for longer than the retention period.
type Reclaimer struct {
	store     stores.DocumentStore
	retention time.Duration
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	events    *telemetry.EventPublisher
	now       func() time.Time
}

// NewReclaimer creates a reclaimer. Telemetry in opts may be nil.
func NewReclaimer(store stores.DocumentStore, retention time.Duration, opts Options) *Reclaimer {
	return &Reclaimer{
		store:     store,
		retention: retention,
		logger:    opts.Logger.With().Str("component", "reclaimer").Logger(),
		metrics:   opts.Metrics,
		events:    opts.Events,
		now:       time.Now,
	}
}

// Reclaim runs one sweep and returns the number of records made available.
// A record changed by someone else during the sweep is left for the next
// one.
func (r *Reclaimer) Reclaim(ctx context.Context) (int, error) {
	docs, err := stores.QueryAll(ctx, r.store, stores.Query{Kind: DocumentKindIPAddress}.Where("status", string(StatusReleased)))
	if err != nil {
		return 0, engine.NewTransientError("failed to query released addresses", err)
	}

	cutoff := r.now().Add(-r.retention)
	reclaimed := 0

	for _, doc := range docs {
		rec, err := decodeIPAddress(doc)
		if err != nil {
			r.logger.Warn().Err(err).Str("ip_address_link", doc.Link).Msg("skipping undecodable record")
			continue
		}
		if rec.ReleasedAt != nil && rec.ReleasedAt.After(cutoff) {
			continue
		}

		free := rec.clone()
		free.Status = StatusAvailable
		free.ConnectedResourceLink = ""
		free.ReleasedAt = nil

		next, err := free.document()
		if err != nil {
			return reclaimed, err
		}
		if _, err := r.store.ConditionalUpdate(ctx, next, rec.Version); err != nil {
			if errors.Is(err, stores.ErrConflict) || errors.Is(err, stores.ErrNotFound) {
				continue
			}
			return reclaimed, engine.NewTransientError("failed to reclaim address", err).WithResource(rec.Link)
		}
		reclaimed++
	}

	if reclaimed > 0 {
		r.metrics.RecordReclaimed(reclaimed)
		_ = r.events.PublishAddressesReclaimed(reclaimed)
		r.logger.Info().Int("reclaimed", reclaimed).Msg("released addresses returned to the pool")
	}
	return reclaimed, nil
}

// Run sweeps every interval until ctx is done.
func (r *Reclaimer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Reclaim(ctx); err != nil {
				r.logger.Error().Err(err).Msg("reclaim sweep failed")
			}
		}
	}
}
