package cacheversion

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tansucloud/tansucloud/pkg/log"
)

// mutationEvent is the minimum shape of a bus payload. Extra fields are
// ignored; payloads without a tenant are skipped.
type mutationEvent struct {
	Tenant string `json:"tenant"`
}

// Subscriber bumps tenant cache versions from a Redis pub/sub channel.
// Any mutation event carrying {tenant: ...} invalidates that tenant's cache.
type Subscriber struct {
	client  *redis.Client
	channel string
	counter *Counter
}

// NewSubscriber creates a subscriber bound to a counter.
func NewSubscriber(client *redis.Client, channel string, counter *Counter) *Subscriber {
	return &Subscriber{
		client:  client,
		channel: channel,
		counter: counter,
	}
}

// Run subscribes and processes messages until the context is cancelled.
// Bus failures are logged and retried with exponential backoff capped at 30s;
// they are never fatal.
func (s *Subscriber) Run(ctx context.Context) {
	logger := log.WithComponent("cacheversion")
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		sub := s.client.Subscribe(ctx, s.channel)
		// Wait for the subscription to be confirmed before consuming.
		if _, err := sub.Receive(ctx); err != nil {
			sub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Dur("backoff", backoff).Msg("bus subscribe failed, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		logger.Info().Str("channel", s.channel).Msg("subscribed to mutation bus")
		backoff = time.Second

		ch := sub.Channel()
	consume:
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					logger.Warn().Msg("bus connection lost, resubscribing")
					break consume
				}
				s.handle(msg.Payload)
			case <-ctx.Done():
				sub.Close()
				return
			}
		}
		sub.Close()
	}
}

func (s *Subscriber) handle(payload string) {
	var evt mutationEvent
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		// Malformed payloads are ignored by contract.
		logger := log.WithComponent("cacheversion")
		logger.Debug().Str("payload", payload).Msg("ignoring malformed bus payload")
		return
	}
	if evt.Tenant == "" {
		return
	}
	s.counter.Increment(evt.Tenant)
}
