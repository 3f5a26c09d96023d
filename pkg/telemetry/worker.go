package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tansucloud/tansucloud/pkg/log"
)

const (
	persistTimeout = 5 * time.Second
	failureBackoff = 2 * time.Second
)

// Persister drains the ingestion queue into the store.
type Persister struct {
	queue  *Queue
	store  *Store
	logger zerolog.Logger
}

// NewPersister wires a queue to a store.
func NewPersister(queue *Queue, store *Store) *Persister {
	return &Persister{
		queue:  queue,
		store:  store,
		logger: log.WithComponent("telemetry-persister"),
	}
}

// Run consumes envelopes until the context ends. A failed insert is retried
// once after a short backoff, then dropped; inserts are idempotent by id so
// retries cannot duplicate.
func (p *Persister) Run(ctx context.Context) {
	for {
		e, err := p.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		if err := p.persist(ctx, e); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(failureBackoff):
			}
			if err := p.persist(ctx, e); err != nil {
				p.logger.Error().Err(err).
					Str("envelope_id", e.ID.String()).
					Str("service", e.Service).
					Msg("dropping envelope after failed retry")
			}
		}
	}
}

func (p *Persister) persist(ctx context.Context, e *Envelope) error {
	opCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	return p.store.Insert(opCtx, e)
}
