package audit

import (
	"net/http"

	"github.com/tansucloud/tansucloud/pkg/metrics"
)

// FullQueueMode selects the behavior when the queue is at capacity.
type FullQueueMode int

const (
	// DropOnFull drops the event and increments the dropped counter. This is
	// the production default: the enqueue path never blocks a request.
	DropOnFull FullQueueMode = iota

	// WaitAndWrite blocks the enqueuer until space frees up. Intended for
	// tests that need deterministic delivery.
	WaitAndWrite
)

// DefaultQueueCapacity bounds the in-process audit channel.
const DefaultQueueCapacity = 10000

// QueueConfig configures the ingress side of the pipeline.
type QueueConfig struct {
	Capacity        int
	Mode            FullQueueMode
	MaxDetailsBytes int
}

// Queue is the bounded in-process audit channel: many request-handler
// writers, one background reader.
type Queue struct {
	ch       chan *Event
	mode     FullQueueMode
	enricher *Enricher
	maxBytes int
}

// NewQueue creates a queue with the given enricher and config.
func NewQueue(enricher *Enricher, cfg QueueConfig) *Queue {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	maxBytes := cfg.MaxDetailsBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxDetailsBytes
	}
	return &Queue{
		ch:       make(chan *Event, capacity),
		mode:     cfg.Mode,
		enricher: enricher,
		maxBytes: maxBytes,
	}
}

// TryEnqueue enriches, finalizes and enqueues an event. It reports whether
// the event was accepted. In DropOnFull mode it never blocks.
func (q *Queue) TryEnqueue(evt *Event, r *http.Request) bool {
	if evt == nil {
		return false
	}
	q.enricher.Enrich(evt, r)
	finalize(evt, q.maxBytes)

	if q.mode == WaitAndWrite {
		q.ch <- evt
		metrics.AuditEnqueued.Inc()
		return true
	}

	select {
	case q.ch <- evt:
		metrics.AuditEnqueued.Inc()
		return true
	default:
		metrics.AuditDropped.Inc()
		return false
	}
}

// Depth returns the number of buffered events.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// events exposes the channel to the single background reader.
func (q *Queue) events() <-chan *Event {
	return q.ch
}
