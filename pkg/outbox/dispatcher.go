package outbox

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tansucloud/tansucloud/pkg/log"
	"github.com/tansucloud/tansucloud/pkg/metrics"
)

// Publisher delivers event payloads to the bus. Consumers must tolerate
// at-least-once delivery and de-duplicate by idempotency key.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte) error
}

// RedisPublisher publishes payloads to a Redis channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher for the given channel.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// Publish sends the raw JSON payload to the channel.
func (p *RedisPublisher) Publish(ctx context.Context, eventType string, payload []byte) error {
	return p.client.Publish(ctx, p.channel, string(payload)).Err()
}

// DispatcherConfig tunes the dispatch loop.
type DispatcherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BaseBackoff  time.Duration
}

// DefaultDispatcherConfig returns the defaults used in production.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval: 2 * time.Second,
		BatchSize:    100,
		MaxAttempts:  10,
		BaseBackoff:  time.Second,
	}
}

// Dispatcher drains pending outbox rows and publishes them to the bus.
// Single-writer per service instance; failures back off exponentially per
// event and never stop the loop.
type Dispatcher struct {
	store     *Store
	publisher Publisher
	cfg       DispatcherConfig
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store *Store, publisher Publisher, cfg DispatcherConfig) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	return &Dispatcher{store: store, publisher: publisher, cfg: cfg}
}

// Run polls until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	logger := log.WithComponent("outbox")
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := d.DispatchOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("outbox dispatch cycle failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// DispatchOnce processes one batch of due events in order.
func (d *Dispatcher) DispatchOnce(ctx context.Context) error {
	events, err := d.store.FetchPending(ctx, d.cfg.BatchSize)
	if err != nil {
		return err
	}

	logger := log.WithComponent("outbox")
	for _, evt := range events {
		if err := d.publisher.Publish(ctx, evt.Type, evt.Payload); err != nil {
			metrics.OutboxFailures.Inc()
			attempts := evt.Attempts + 1
			if attempts >= d.cfg.MaxAttempts {
				metrics.OutboxDead.Inc()
				logger.Error().Err(err).Str("event_id", evt.ID.String()).Str("type", evt.Type).
					Int("attempts", attempts).Msg("outbox event exhausted retries, parking as dead")
				if derr := d.store.MarkDead(ctx, evt.ID, attempts); derr != nil {
					return derr
				}
				continue
			}
			next := time.Now().UTC().Add(d.backoff(attempts))
			logger.Warn().Err(err).Str("event_id", evt.ID.String()).Str("type", evt.Type).
				Int("attempts", attempts).Time("next_attempt_at", next).Msg("outbox publish failed")
			if ferr := d.store.MarkFailed(ctx, evt.ID, attempts, next); ferr != nil {
				return ferr
			}
			continue
		}
		metrics.OutboxDispatched.Inc()
		if err := d.store.MarkDispatched(ctx, evt.ID); err != nil {
			return err
		}
	}
	return nil
}

// backoff doubles per attempt: base, 2*base, 4*base, ...
func (d *Dispatcher) backoff(attempts int) time.Duration {
	backoff := d.cfg.BaseBackoff
	for i := 1; i < attempts && backoff < time.Minute; i++ {
		backoff *= 2
	}
	if backoff > time.Minute {
		backoff = time.Minute
	}
	return backoff
}
