/*
Package audit implements the TansuCloud audit pipeline.

Ingress enriches events from the current HTTP request, truncates oversized
details, derives an idempotency key from the natural key, and enqueues into a
bounded channel that never blocks the request path when configured to drop.
A single background writer batches events into one transaction per batch,
deduplicating on the idempotency key; failed batches are dropped and counted,
never retried from disk. A retention worker deletes or redacts expired rows,
honoring legal holds. The query service reads pages with keyset pagination on
(when_utc DESC, id DESC), and the exporter streams CSV/JSON for admins.

No request path may block on this package, even during a total database
outage: backpressure and write failures surface only as counters.
*/
package audit
