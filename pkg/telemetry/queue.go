package telemetry

import (
	"context"
	"errors"

	"github.com/tansucloud/tansucloud/pkg/metrics"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity and the
// overflow policy rejects.
var ErrQueueFull = errors.New("telemetry queue is full")

// OverflowPolicy decides what happens to an envelope arriving at a full
// queue.
type OverflowPolicy int

const (
	// OverflowReject refuses the new envelope; callers answer 429.
	OverflowReject OverflowPolicy = iota
	// OverflowDropOldest evicts the oldest queued envelope to make room.
	OverflowDropOldest
)

// Queue is a bounded ingestion queue. Enqueue never blocks.
type Queue struct {
	policy OverflowPolicy
	items  chan *Envelope
}

// NewQueue builds a queue with the given capacity and overflow policy.
func NewQueue(capacity int, policy OverflowPolicy) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{policy: policy, items: make(chan *Envelope, capacity)}
}

// Depth reports how many envelopes are waiting.
func (q *Queue) Depth() int { return len(q.items) }

// Enqueue adds an envelope without blocking. At capacity the configured
// policy either rejects the newcomer or evicts the oldest entry.
func (q *Queue) Enqueue(e *Envelope) error {
	select {
	case q.items <- e:
		metrics.TelemetryQueueDepth.Set(float64(len(q.items)))
		return nil
	default:
	}

	if q.policy == OverflowReject {
		metrics.TelemetryRejected.Inc()
		return ErrQueueFull
	}

	select {
	case <-q.items:
		metrics.TelemetryOverwritten.Inc()
	default:
	}
	select {
	case q.items <- e:
		metrics.TelemetryQueueDepth.Set(float64(len(q.items)))
		return nil
	default:
		// A concurrent producer refilled the slot; count the loss.
		metrics.TelemetryRejected.Inc()
		return ErrQueueFull
	}
}

// Dequeue blocks until an envelope is available or the context ends.
func (q *Queue) Dequeue(ctx context.Context) (*Envelope, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case e := <-q.items:
		metrics.TelemetryQueueDepth.Set(float64(len(q.items)))
		return e, nil
	}
}
